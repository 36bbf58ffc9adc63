// Package dto holds small JSON convenience wrappers used throughout the
// engine, mirroring the ToJSON/FromJSONStr pair findy-wrapper-go's own dto
// package offers, but kept local since that package belongs to the
// anoncreds bindings this engine does not depend on.
package dto

import "encoding/json"

// ToJSON marshals v, panicking on failure. Use only where v is known-good
// in-process data (never for untrusted input).
func ToJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// FromJSONStr unmarshals s into v, panicking on failure.
func FromJSONStr(s string, v interface{}) {
	if err := json.Unmarshal([]byte(s), v); err != nil {
		panic(err)
	}
}
