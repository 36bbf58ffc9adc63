package issuecredential

// Status is a read-only projection of a Record for external status
// reporting, the Go-native sibling of findy-agent's fillIssueCredentialStatus
// which filled a *pb.ProtocolStatus from a PSM's stashed rep. Here it is a
// plain value the caller can marshal however its own transport wants
// (JSON over HTTP, a field on a gRPC message, ...).
type Status struct {
	ExchangeID             string `json:"exchange_id"`
	ConnectionID           string `json:"connection_id"`
	ThreadID               string `json:"thread_id"`
	State                  string `json:"state"`
	Role                   string `json:"role"`
	SchemaID               string `json:"schema_id,omitempty"`
	CredentialDefinitionID string `json:"credential_definition_id,omitempty"`
	CredentialID           string `json:"credential_id,omitempty"`
	ErrorMsg               string `json:"error_msg,omitempty"`
}

// FillStatus projects rec into a Status value.
func FillStatus(rec *Record) *Status {
	return &Status{
		ExchangeID:             rec.ExchangeID,
		ConnectionID:           rec.ConnectionID,
		ThreadID:               rec.ThreadID,
		State:                  string(rec.State),
		Role:                   string(rec.Role),
		SchemaID:               rec.SchemaID,
		CredentialDefinitionID: rec.CredentialDefinitionID,
		CredentialID:           rec.CredentialID,
		ErrorMsg:               rec.ErrorMsg,
	}
}
