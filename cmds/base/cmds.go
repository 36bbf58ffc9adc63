// Package base is the small command abstraction the cmds/* ops tools share:
// a Validate-then-Exec shape and a couple of common fields, generalized from
// findy-agent's own cmds package (its cmds.Cmd/cmds.GrpcCmd/cmds.Result,
// referenced but not retrieved alongside cmds/agency and cmds/agent in the
// source pack).
package base

import (
	"errors"
	"fmt"
	"io"
)

// Result is the outcome of a Cmd's Exec; ops tools print it or inspect it
// in tests. PingCmd and ResolveCmd fill Data; ExportCmd returns an empty
// Result and reports success only through its Fprintln output.
type Result struct {
	Data map[string]interface{}
}

// Cmd is the common shape every ops command implements.
type Cmd interface {
	Validate() error
	Exec(w io.Writer) (Result, error)
}

// GrpcCmd carries the fields every admin-gRPC-backed command needs to dial
// the healthsrv admin surface.
type GrpcCmd struct {
	Addr  string
	Port  int
	Token string
}

// Validate checks the fields required to dial an admin gRPC endpoint.
func (c GrpcCmd) Validate() error {
	if c.Addr == "" {
		return errors.New("server address cannot be empty")
	}
	if c.Port == 0 {
		return errors.New("server port cannot be empty")
	}
	return nil
}

// Fprintln writes args to w the way every ops command reports its result.
func Fprintln(w io.Writer, args ...interface{}) {
	_, _ = fmt.Fprintln(w, args...)
}
