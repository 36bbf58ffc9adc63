package issuecredential

import "github.com/google/uuid"

// Thread carries the thid/pthid decorator every outbound message embeds,
// matching spec.md §6's "~thread{thid,pthid?}".
type Thread struct {
	ThID  string `json:"thid"`
	PThID string `json:"pthid,omitempty"`
}

// Attachment is a base64-wrapped opaque payload, spec.md's GLOSSARY
// "Attachment".
type Attachment struct {
	ID       string         `json:"@id"`
	MimeType string         `json:"mime-type"`
	Data     AttachmentData `json:"data"`
}

// AttachmentData carries the base64-encoded payload.
type AttachmentData struct {
	Base64 string `json:"base64"`
}

const typeBase = "https://didcomm.org/issue-credential/1.0/"

// ProposalMessage is the outbound credential-proposal message.
type ProposalMessage struct {
	Type      string  `json:"@type"`
	ID        string  `json:"@id"`
	Thread    *Thread `json:"~thread,omitempty"`
	Comment   string  `json:"comment,omitempty"`
	ProposalSelectors
	CredentialProposal *Preview `json:"credential_proposal,omitempty"`
}

// OfferMessage is the outbound credential-offer message.
type OfferMessage struct {
	Type              string       `json:"@type"`
	ID                string       `json:"@id"`
	Thread            *Thread      `json:"~thread,omitempty"`
	Comment           string       `json:"comment,omitempty"`
	CredentialPreview *Preview     `json:"credential_preview,omitempty"`
	OffersAttach      []Attachment `json:"offers~attach"`
}

// RequestMessage is the outbound credential-request message.
type RequestMessage struct {
	Type           string       `json:"@type"`
	ID             string       `json:"@id"`
	Thread         *Thread      `json:"~thread,omitempty"`
	RequestsAttach []Attachment `json:"requests~attach"`
}

// IssueMessage is the outbound credential-issue message.
type IssueMessage struct {
	Type              string       `json:"@type"`
	ID                string       `json:"@id"`
	Thread            *Thread      `json:"~thread,omitempty"`
	Comment           string       `json:"comment,omitempty"`
	CredentialsAttach []Attachment `json:"credentials~attach"`
}

// AckMessage is the outbound credential-ack message.
type AckMessage struct {
	Type   string  `json:"@type"`
	ID     string  `json:"@id"`
	Thread *Thread `json:"~thread,omitempty"`
	Status string  `json:"status"`
}

// ProblemReport is the inbound-only problem-report message. code defaults
// to "issuance-abandoned" per spec.md §4.6/§7 when the peer omits it.
type ProblemReport struct {
	Type        string            `json:"@type"`
	ID          string            `json:"@id"`
	Thread      *Thread           `json:"~thread,omitempty"`
	Description map[string]string `json:"description"`
}

const defaultProblemCode = "issuance-abandoned"

// Code returns the problem-report's code, defaulting per spec.md §4.6.
func (p ProblemReport) Code() string {
	if c := p.Description["code"]; c != "" {
		return c
	}
	return defaultProblemCode
}

// Text returns the problem-report's human text, falling back to the code
// itself when absent, matching manager.py's
// `message.description.get("en", code)`.
func (p ProblemReport) Text() string {
	if t := p.Description["en"]; t != "" {
		return t
	}
	return p.Code()
}

func newID() string { return uuid.NewString() }

func wrapAttach(mimeType string, payload []byte) Attachment {
	return Attachment{
		ID:       newID(),
		MimeType: mimeType,
		Data:     AttachmentData{Base64: encodeBase64(payload)},
	}
}
