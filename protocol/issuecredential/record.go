// Package issuecredential implements the issue-credential v1.0 protocol
// engine: the exchange record, the issuer and holder flows, and the
// problem-report handler described in spec.md §3, §4.1–§4.3 and §4.6. It
// is the Go-native sibling of findy-agent's protocol/issuecredential
// package, rebuilt against the interfaces in package core instead of
// findy-agent's own wallet/ledger/indy bindings, and against the protocol
// semantics of aries-cloudagent-python's
// issue_credential/v1_0/manager.py (this repo's resolved original source
// for every behavior spec.md left ambiguous).
package issuecredential

import (
	"encoding/json"
	"time"

	"github.com/findy-network/issuecred-engine/psm"
)

// Initiator records which party started the exchange.
type Initiator string

const (
	InitiatorSelf     Initiator = "SELF"
	InitiatorExternal Initiator = "EXTERNAL"
)

// CredentialAttribute is one name/value/mime-type triple of a credential
// preview, the attribute shape didcomm.CredentialAttribute carries across
// the wire.
type CredentialAttribute struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	MimeType string `json:"mime-type,omitempty"`
}

// Preview is the credential-preview envelope carried in proposal and offer
// messages.
type Preview struct {
	Type  string                `json:"@type"`
	Attrs []CredentialAttribute `json:"attributes"`
}

// AttrNames returns the set of attribute names in the preview.
func (p Preview) AttrNames() map[string]struct{} {
	out := make(map[string]struct{}, len(p.Attrs))
	for _, a := range p.Attrs {
		out[a.Name] = struct{}{}
	}
	return out
}

// AttrValues returns attribute name -> raw value, the shape Issuer.CreateCredential
// wants for its `values` argument.
func (p Preview) AttrValues() map[string]interface{} {
	out := make(map[string]interface{}, len(p.Attrs))
	for _, a := range p.Attrs {
		out[a.Name] = a.Value
	}
	return out
}

// MimeTypes returns attribute name -> mime type, for attributes that set
// one, the shape Holder.StoreCredential wants.
func (p Preview) MimeTypes() map[string]string {
	out := make(map[string]string)
	for _, a := range p.Attrs {
		if a.MimeType != "" {
			out[a.Name] = a.MimeType
		}
	}
	return out
}

// ProposalSelectors are the cred-def selector fields a proposal may carry;
// spec.md §4.2 step 1 matches a credential definition against whichever of
// these the proposal sets.
type ProposalSelectors struct {
	SchemaID         string `json:"schema_id,omitempty"`
	SchemaIssuerDID  string `json:"schema_issuer_did,omitempty"`
	SchemaName       string `json:"schema_name,omitempty"`
	SchemaVersion    string `json:"schema_version,omitempty"`
	CredDefID        string `json:"cred_def_id,omitempty"`
	IssuerDID        string `json:"issuer_did,omitempty"`
}

// TagQuery returns the selector fields that are set, as the tag_query map
// _match_sent_cred_def_id's Go equivalent (matchSentCredDefID) filters
// cred-def records by.
func (s ProposalSelectors) TagQuery() map[string]string {
	out := make(map[string]string)
	add := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	add("schema_id", s.SchemaID)
	add("schema_issuer_did", s.SchemaIssuerDID)
	add("schema_name", s.SchemaName)
	add("schema_version", s.SchemaVersion)
	add("cred_def_id", s.CredDefID)
	add("issuer_did", s.IssuerDID)
	return out
}

// Record is the durable credential exchange record from spec.md §3: one
// per (connection_id, thread_id) pair.
type Record struct {
	ExchangeID      string        `json:"exchange_id"`
	ConnectionID    string        `json:"connection_id,omitempty"`
	ThreadID        string        `json:"thread_id"`
	ParentThreadID  string        `json:"parent_thread_id,omitempty"`
	Initiator       Initiator     `json:"initiator"`
	Role            psm.Role      `json:"role"`
	State           psm.State     `json:"state"`

	Proposal       *ProposalSelectors `json:"proposal,omitempty"`
	ProposalPreview *Preview          `json:"proposal_preview,omitempty"`
	Comment        string             `json:"comment,omitempty"`

	Offer        json.RawMessage `json:"offer,omitempty"`         // raw indy offer payload
	OfferMessage json.RawMessage `json:"offer_message,omitempty"` // full outbound/inbound offer envelope

	Request         json.RawMessage `json:"request,omitempty"`
	RequestMetadata json.RawMessage `json:"request_metadata,omitempty"`

	RawCredential json.RawMessage `json:"raw_credential,omitempty"`
	Credential    json.RawMessage `json:"credential,omitempty"`
	CredentialID  string          `json:"credential_id,omitempty"`

	SchemaID               string `json:"schema_id,omitempty"`
	CredentialDefinitionID  string `json:"credential_definition_id,omitempty"`

	RevocationRegistryID string `json:"revocation_registry_id,omitempty"`
	RevocationID         string `json:"revocation_id,omitempty"`

	AutoOffer  bool `json:"auto_offer,omitempty"`
	AutoIssue  bool `json:"auto_issue,omitempty"`
	AutoRemove bool `json:"auto_remove"`
	Trace      bool `json:"trace,omitempty"`

	ErrorMsg string `json:"error_msg,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// checkInvariants enforces the six record invariants from spec.md §3 that
// are checkable from the record's own fields (uniqueness of
// (connection_id, thread_id) across records is enforced by RecordStore's
// secondary index, not here).
func (r *Record) checkInvariants() error {
	if r.ThreadID == "" {
		return &invariantViolation{"thread_id is empty on save"}
	}
	if r.RevocationID != "" && r.RevocationRegistryID == "" {
		return &invariantViolation{"revocation_id set without revocation_registry_id"}
	}
	return nil
}

type invariantViolation struct{ msg string }

func (e *invariantViolation) Error() string { return "record invariant violated: " + e.msg }
