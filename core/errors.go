package core

import "fmt"

// WrongState is returned when a flow is invoked against a record whose
// current state is not in the legal source set for the requested event.
type WrongState struct {
	ExchangeID string
	Observed   string
	Expected   string
	Event      string
}

func (e *WrongState) Error() string {
	return fmt.Sprintf(
		"exchange %s: wrong state %q for event %q (expected one of %q)",
		e.ExchangeID, e.Observed, e.Event, e.Expected,
	)
}

// NoUsableCredDef is returned when no credential definition on the ledger
// matches the proposal's selectors.
type NoUsableCredDef struct {
	TagQuery map[string]string
}

func (e *NoUsableCredDef) Error() string {
	return fmt.Sprintf("issuer has no operable cred def for proposal spec %v", e.TagQuery)
}

// PreviewMismatch is returned when the proposal/offer preview's attribute
// names do not equal the schema's attribute names.
type PreviewMismatch struct {
	PreviewAttrs []string
	SchemaAttrs  []string
}

func (e *PreviewMismatch) Error() string {
	return fmt.Sprintf(
		"preview attributes %v mismatch corresponding schema attributes %v",
		e.PreviewAttrs, e.SchemaAttrs,
	)
}

// BadAttachmentCount is returned when an inbound message does not carry
// exactly one attachment.
type BadAttachmentCount struct {
	MessageType string
	Count       int
}

func (e *BadAttachmentCount) Error() string {
	return fmt.Sprintf("%s: expected exactly 1 attachment, got %d", e.MessageType, e.Count)
}

// NoActiveRevocationRegistry is returned when retries are exhausted while
// waiting for a posted revocation registry to become available.
type NoActiveRevocationRegistry struct {
	CredDefID string
}

func (e *NoActiveRevocationRegistry) Error() string {
	return fmt.Sprintf("cred def id %s has no active revocation registry", e.CredDefID)
}

// RevocationRegistryFull is returned by an Issuer implementation (and
// surfaced by the engine) when the last slot in a registry was claimed by a
// racing issuer before this call landed.
type RevocationRegistryFull struct {
	RevocationRegistryID string
}

func (e *RevocationRegistryFull) Error() string {
	return fmt.Sprintf("revocation registry %s is full", e.RevocationRegistryID)
}

// StorageNotFound is returned by a RecordStore on a lookup miss.
type StorageNotFound struct {
	ConnectionID string
	ThreadID     string
	ExchangeID   string
}

func (e *StorageNotFound) Error() string {
	if e.ExchangeID != "" {
		return fmt.Sprintf("no record for exchange id %s", e.ExchangeID)
	}
	return fmt.Sprintf("no record for (connection=%s, thread=%s)", e.ConnectionID, e.ThreadID)
}

// HolderStoreFailure wraps a wallet-side rejection of credential storage.
type HolderStoreFailure struct {
	ErrorCode string
	Message   string
}

func (e *HolderStoreFailure) Error() string {
	return fmt.Sprintf("error storing credential. %s: %s", e.ErrorCode, e.Message)
}
