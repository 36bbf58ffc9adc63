// Package psm is the exchange state machine for the issue-credential
// protocol: the single source of truth for which (state, event) pairs are
// legal, and for which role may fire them. It mirrors the findy-agent
// processor's use of a StateKey/PSM pair, generalized from "agent DID +
// protocol thread nonce" to the credential-exchange domain, with an
// explicit transition table in place of ad hoc state checks scattered
// through the flow code.
package psm

import (
	"github.com/findy-network/issuecred-engine/core"
)

// State is one of the named exchange states. The zero value "" represents
// the initial, not-yet-created state (spec.md's ∅). Abandoned is the sink
// reached via a problem report and IS stored as a literal State value on the
// record (manager.go's ReceiveProblemReport sets rec.State = Abandoned,
// alongside rec.ErrorMsg) — a deliberate departure from the resolved
// original source, which clears cred_ex_record.state to None on the same
// event. Reusing the empty string for "abandoned" would make it
// indistinguishable from Initial in a stored record, so this repo keeps
// Abandoned as its own named value instead.
type State string

const (
	Initial             State = ""
	ProposalSent        State = "PROPOSAL_SENT"
	ProposalReceived    State = "PROPOSAL_RECEIVED"
	OfferSent           State = "OFFER_SENT"
	OfferReceived       State = "OFFER_RECEIVED"
	RequestSent         State = "REQUEST_SENT"
	RequestReceived     State = "REQUEST_RECEIVED"
	Issued              State = "ISSUED"
	CredentialReceived  State = "CREDENTIAL_RECEIVED"
	Acked               State = "ACKED"
	Abandoned           State = "ABANDONED"
)

// Role is which party in the exchange a record belongs to.
type Role string

const (
	RoleIssuer Role = "ISSUER"
	RoleHolder Role = "HOLDER"
)

// Event is one of the named protocol/API transitions.
type Event string

const (
	EventCreateProposal    Event = "create_proposal"
	EventReceiveProposal   Event = "receive_proposal"
	EventCreateOffer       Event = "create_offer"
	EventReceiveOffer      Event = "receive_offer"
	EventCreateRequest     Event = "create_request"
	EventReceiveRequest    Event = "receive_request"
	EventIssueCredential   Event = "issue_credential"
	EventReceiveCredential Event = "receive_credential"
	EventStoreCredential   Event = "store_credential"
	EventSendAck           Event = "send_ack"
	EventReceiveAck        Event = "receive_ack"
	EventReceiveProblem    Event = "receive_problem_report"
)

type transition struct {
	sources []State
	role    Role // "" means role-agnostic (receive_problem_report)
	target  State
}

// table is the legal edge set from spec.md §4.1. Keys are events; a given
// event may be legal from more than one source state (e.g. create_offer
// from Initial or ProposalReceived), which is why sources is a slice.
var table = map[Event]transition{
	EventCreateProposal:    {sources: []State{Initial}, role: RoleHolder, target: ProposalSent},
	EventReceiveProposal:   {sources: []State{Initial}, role: RoleIssuer, target: ProposalReceived},
	EventCreateOffer:       {sources: []State{Initial, ProposalReceived}, role: RoleIssuer, target: OfferSent},
	EventReceiveOffer:      {sources: []State{Initial, ProposalSent}, role: RoleHolder, target: OfferReceived},
	EventCreateRequest:     {sources: []State{OfferReceived}, role: RoleHolder, target: RequestSent},
	EventReceiveRequest:    {sources: []State{OfferSent}, role: RoleIssuer, target: RequestReceived},
	EventIssueCredential:   {sources: []State{RequestReceived}, role: RoleIssuer, target: Issued},
	EventReceiveCredential: {sources: []State{RequestSent}, role: RoleHolder, target: CredentialReceived},
	EventStoreCredential:   {sources: []State{CredentialReceived}, role: RoleHolder, target: CredentialReceived},
	EventSendAck:           {sources: []State{CredentialReceived}, role: RoleHolder, target: Acked},
	EventReceiveAck:        {sources: []State{Issued}, role: RoleIssuer, target: Acked},
	// receive_problem_report is legal from any state and for either role;
	// it is handled specially in Validate below rather than via `sources`.
}

// Validate checks that observed is a legal source state for event under
// role, returning the resulting target state. It returns a *core.WrongState
// error, carrying exchangeID for diagnostics, when the transition is not
// permitted.
func Validate(exchangeID string, observed State, role Role, event Event) (target State, err error) {
	if event == EventReceiveProblem {
		return Abandoned, nil
	}

	tr, ok := table[event]
	if !ok {
		return "", &core.WrongState{
			ExchangeID: exchangeID,
			Observed:   string(observed),
			Event:      string(event),
			Expected:   "<unknown event>",
		}
	}
	if tr.role != "" && tr.role != role {
		return "", &core.WrongState{
			ExchangeID: exchangeID,
			Observed:   string(observed),
			Event:      string(event),
			Expected:   expectedDesc(tr),
		}
	}
	for _, s := range tr.sources {
		if s == observed {
			return tr.target, nil
		}
	}
	return "", &core.WrongState{
		ExchangeID: exchangeID,
		Observed:   string(observed),
		Event:      string(event),
		Expected:   expectedDesc(tr),
	}
}

func expectedDesc(tr transition) string {
	out := ""
	for i, s := range tr.sources {
		if i > 0 {
			out += " or "
		}
		if s == Initial {
			out += "<none>"
		} else {
			out += string(s)
		}
	}
	return out
}
