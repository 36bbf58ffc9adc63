package issuecredential

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/lainio/err2"
	"github.com/lainio/err2/assert"
	"github.com/lainio/err2/try"

	"github.com/findy-network/issuecred-engine/agent/bus"
	"github.com/findy-network/issuecred-engine/agent/lock"
	"github.com/findy-network/issuecred-engine/core"
	"github.com/findy-network/issuecred-engine/internal/dto"
	"github.com/findy-network/issuecred-engine/psm"
)

// Deps bundles every external capability the engine is coordinated over
// (spec.md §6): the profile/injector equivalent, threaded explicitly into
// every flow instead of reached through a process-wide singleton (spec.md
// §9 "Global state").
type Deps struct {
	Ledger     core.Ledger
	Issuer     core.Issuer
	Holder     core.Holder
	RevRegs    core.RevocationRegistryRepo
	CredDefs   core.CredDefCatalog
	Cache      core.Cache     // may be nil: engine bypasses dedup
	Responder  core.Responder // may be nil: engine warns and returns
	Store      core.RecordStore
	Bus        *bus.Bus // revocation-registry-needed notifications; defaults to bus.RevocationRegistryNeeded
	Locks      *lock.Registry
	RetryDelay RetryDelay
}

// RetryDelay overrides the 2s/1s sleeps the issuance retry loop uses
// (spec.md §4.2, §5); tests substitute near-zero delays so the property
// suite runs fast. Production deployments leave this as the zero value,
// which DefaultRetryDelay fills in.
type RetryDelay struct {
	NoActiveRegistry time.Duration // spec.md default: 2s
	RegistryFull     time.Duration // spec.md default: 1s
}

var DefaultRetryDelay = RetryDelay{
	NoActiveRegistry: 2 * time.Second,
	RegistryFull:     1 * time.Second,
}

// Manager is the issue-credential protocol engine: one per Deps, safe for
// concurrent use by many goroutines driving many exchanges.
type Manager struct {
	d Deps
}

// NewManager constructs a Manager. A nil d.Locks gets a fresh
// agent/lock.Registry; a nil d.Bus defaults to bus.RevocationRegistryNeeded.
func NewManager(d Deps) *Manager {
	if d.Locks == nil {
		d.Locks = lock.NewRegistry()
	}
	if d.Bus == nil {
		d.Bus = bus.RevocationRegistryNeeded
	}
	if d.RetryDelay == (RetryDelay{}) {
		d.RetryDelay = DefaultRetryDelay
	}
	return &Manager{d: d}
}

// ProposalOptions are the caller-supplied fields for CreateProposal.
type ProposalOptions struct {
	Selectors  ProposalSelectors
	Preview    *Preview
	Comment    string
	AutoOffer  bool
	AutoRemove *bool
	Trace      bool
}

func autoRemoveDefault(p *bool) bool {
	if p != nil {
		return *p
	}
	return true // spec.md: destroyed when auto_remove true and ACKED; default preserves the prior "don't hoard" posture
}

// ---------------------------------------------------------------------
// persistence helpers
// ---------------------------------------------------------------------

func (m *Manager) loadRaw(ctx context.Context, raw core.RawRecord, err error) (*Record, error) {
	if err != nil {
		return nil, err
	}
	var rec Record
	dto.FromJSONStr(string(raw.Data), &rec)
	return &rec, nil
}

func (m *Manager) loadByConnThread(ctx context.Context, connID, threadID string) (*Record, error) {
	raw, err := m.d.Store.RetrieveByConnectionAndThread(ctx, connID, threadID)
	return m.loadRaw(ctx, raw, err)
}

func (m *Manager) loadByThreadNoConn(ctx context.Context, threadID string) (*Record, error) {
	raw, err := m.d.Store.RetrieveByThread(ctx, threadID)
	return m.loadRaw(ctx, raw, err)
}

// save persists rec inside a single RecordStore transaction (SPEC_FULL.md
// §4.5's resolution of the documented RMW gap). The caller MUST already hold
// the per-thread lock from agent/lock for the full load-mutate-save sequence
// — save itself no longer takes it, since the whole point is for one holder
// to span load through save, and the mutex is not reentrant.
func (m *Manager) save(ctx context.Context, rec *Record, reason string) (err error) {
	defer err2.Annotate("save "+reason, &err)

	try.To(rec.checkInvariants())

	data := []byte(dto.ToJSON(rec))
	_, err = m.d.Store.Mutate(ctx, rec.ExchangeID, func(current core.RawRecord, exists bool) (core.RawRecord, error) {
		if exists && current.ExchangeID != rec.ExchangeID {
			return core.RawRecord{}, fmt.Errorf("store corruption: exchange id mismatch for %s", rec.ExchangeID)
		}
		return core.RawRecord{
			ExchangeID:   rec.ExchangeID,
			ConnectionID: rec.ConnectionID,
			ThreadID:     rec.ThreadID,
			Data:         data,
		}, nil
	})
	try.To(err)

	glog.V(2).Infof("saved exchange %s: %s (state=%s)", rec.ExchangeID, reason, rec.State)
	return nil
}

// reloadFresh re-reads the authoritative current record by exchange id. Flow
// entrypoints that receive an already-loaded *Record from the caller call
// this immediately after taking the per-thread lock, so a mutation never
// proceeds from a snapshot that may have gone stale while the lock was
// contended (the race this file's review fixed: lock scope must cover the
// read, not just the final write).
func (m *Manager) reloadFresh(ctx context.Context, exchangeID string) (*Record, error) {
	return m.loadRaw(ctx, m.d.Store.RetrieveByExchangeID(ctx, exchangeID))
}

// reloadOrKeep is reloadFresh tolerant of the record never having been
// persisted yet (spec.md scenario 2: an issuer may call create_offer
// against a freshly-constructed record with no prior proposal, before it
// has ever been saved). When no stored copy exists, the caller's in-memory
// rec is itself the authoritative version; any genuine store error still
// propagates.
func (m *Manager) reloadOrKeep(ctx context.Context, rec *Record) (*Record, error) {
	fresh, err := m.reloadFresh(ctx, rec.ExchangeID)
	if err != nil {
		if _, ok := err.(*core.StorageNotFound); ok {
			return rec, nil
		}
		return nil, err
	}
	return fresh, nil
}

func wrongState(rec *Record, event psm.Event, expected string) error {
	return &core.WrongState{
		ExchangeID: rec.ExchangeID,
		Observed:   string(rec.State),
		Event:      string(event),
		Expected:   expected,
	}
}

func transition(rec *Record, event psm.Event) error {
	target, err := psm.Validate(rec.ExchangeID, rec.State, rec.Role, event)
	if err != nil {
		return err
	}
	rec.State = target
	return nil
}

// ---------------------------------------------------------------------
// 4.3 Holder flow: create_proposal
// ---------------------------------------------------------------------

// CreateProposal starts a holder-initiated exchange (spec.md scenario 1).
func (m *Manager) CreateProposal(ctx context.Context, connectionID string, opts ProposalOptions) (rec *Record, msg *ProposalMessage, err error) {
	defer err2.Annotate("CreateProposal", &err)

	threadID := uuid.NewString()
	unlock := m.d.Locks.Lock(threadID)
	defer unlock()

	rec = &Record{
		ExchangeID:      uuid.NewString(),
		ConnectionID:    connectionID,
		ThreadID:        threadID,
		Initiator:       InitiatorSelf,
		Role:            psm.RoleHolder,
		Proposal:        &opts.Selectors,
		ProposalPreview: opts.Preview,
		Comment:         opts.Comment,
		AutoOffer:       opts.AutoOffer,
		AutoRemove:      autoRemoveDefault(opts.AutoRemove),
		Trace:           opts.Trace,
	}
	try.To(transition(rec, psm.EventCreateProposal))

	msg = &ProposalMessage{
		Type:               typeBase + "propose-credential",
		ID:                 threadID,
		Comment:            opts.Comment,
		ProposalSelectors:  opts.Selectors,
		CredentialProposal: opts.Preview,
	}

	try.To(m.save(ctx, rec, "create credential proposal"))
	return rec, msg, nil
}

// ---------------------------------------------------------------------
// 4.2 Issuer flow: receive_proposal
// ---------------------------------------------------------------------

// ReceiveProposal handles an inbound credential-proposal message.
func (m *Manager) ReceiveProposal(ctx context.Context, msg *ProposalMessage, connectionID string) (rec *Record, err error) {
	defer err2.Annotate("ReceiveProposal", &err)
	assert.P.True(msg != nil, "proposal message missing")

	unlock := m.d.Locks.Lock(msg.ID)
	defer unlock()

	rec = &Record{
		ExchangeID:      uuid.NewString(),
		ConnectionID:    connectionID,
		ThreadID:        msg.ID,
		Initiator:       InitiatorExternal,
		Role:            psm.RoleIssuer,
		Proposal:        &msg.ProposalSelectors,
		ProposalPreview: msg.CredentialProposal,
		Comment:         msg.Comment,
		AutoRemove:      true,
	}
	try.To(transition(rec, psm.EventReceiveProposal))
	try.To(m.save(ctx, rec, "receive credential proposal"))
	return rec, nil
}

// ---------------------------------------------------------------------
// 4.2 Issuer flow: create_offer
// ---------------------------------------------------------------------

// matchSentCredDefID resolves spec.md §4.2 step 1: explicit cred_def_id on
// the record wins; otherwise the most recent posted cred-def matching the
// proposal's selectors, tied-broken by largest epoch. Per SPEC_FULL.md §9,
// a candidate missing its epoch tag is excluded rather than defaulted to 0.
func (m *Manager) matchSentCredDefID(ctx context.Context, selectors ProposalSelectors) (string, error) {
	if selectors.CredDefID != "" {
		return selectors.CredDefID, nil
	}

	tagQuery := selectors.TagQuery()
	found, err := m.d.CredDefs.FindSentCredDefs(ctx, tagQuery)
	if err != nil {
		return "", err
	}

	best := ""
	bestEpoch := -1
	for _, f := range found {
		if _, ok := f.Tags["epoch"]; !ok {
			continue // missing epoch: excluded, see SPEC_FULL.md §9
		}
		if f.Epoch > bestEpoch {
			bestEpoch = f.Epoch
			best = f.CredDefID
		}
	}
	if best == "" {
		return "", &core.NoUsableCredDef{TagQuery: tagQuery}
	}
	return best, nil
}

// CreateOffer implements spec.md §4.2's offer creation, including the
// dedup-cache guard.
func (m *Manager) CreateOffer(ctx context.Context, rec *Record, counterProposal *ProposalSelectors, comment string) (out *Record, msg *OfferMessage, err error) {
	defer err2.Annotate("CreateOffer", &err)

	unlock := m.d.Locks.Lock(rec.ThreadID)
	defer unlock()
	rec = try.To1(m.reloadOrKeep(ctx, rec))

	if err := psmPeek(rec, psm.EventCreateOffer); err != nil {
		return nil, nil, err
	}

	selectors := rec.Proposal
	if counterProposal != nil {
		selectors = counterProposal
	}
	assert.P.True(selectors != nil, "no proposal selectors to create an offer from")

	credDefID := try.To1(m.matchSentCredDefID(ctx, *selectors))

	ledger := try.To1(m.d.Ledger.Acquire(ctx))
	defer ledger.Release()

	schemaID := try.To1(ledger.CredentialDefinitionID2SchemaID(ctx, credDefID))
	schema := try.To1(ledger.GetSchema(ctx, schemaID))

	preview := rec.ProposalPreview
	if preview == nil {
		preview = &Preview{}
	}
	schemaAttrs := attrNameSet(schema)
	previewAttrs := preview.AttrNames()
	if !setsEqual(previewAttrs, schemaAttrs) {
		return nil, nil, &core.PreviewMismatch{
			PreviewAttrs: setKeys(previewAttrs),
			SchemaAttrs:  setKeys(schemaAttrs),
		}
	}

	cacheKey := fmt.Sprintf("credential_offer::%s", credDefID)
	offerAny := try.To1(withCache(ctx, m.d.Cache, cacheKey, 3600, func() (interface{}, error) {
		return m.d.Issuer.CreateCredentialOffer(ctx, credDefID)
	}))
	offerJSON := offerAny.(string)

	var offerMap map[string]interface{}
	dto.FromJSONStr(offerJSON, &offerMap)

	offerMsg := &OfferMessage{
		Type:              typeBase + "offer-credential",
		ID:                uuid.NewString(),
		Thread:            &Thread{ThID: rec.ThreadID},
		Comment:           comment,
		CredentialPreview: preview,
		OffersAttach:      []Attachment{wrapAttach("application/json", []byte(offerJSON))},
	}
	offerMsgJSON := dto.ToJSON(offerMsg)

	rec.SchemaID = schemaID
	rec.CredentialDefinitionID = credDefID
	rec.Offer = json.RawMessage(offerJSON)
	rec.OfferMessage = json.RawMessage(offerMsgJSON)
	rec.ProposalPreview = preview
	if counterProposal != nil {
		rec.Proposal = counterProposal
	}
	try.To(transition(rec, psm.EventCreateOffer))

	try.To(m.save(ctx, rec, "create credential offer"))
	return rec, offerMsg, nil
}

func psmPeek(rec *Record, event psm.Event) error {
	_, err := psm.Validate(rec.ExchangeID, rec.State, rec.Role, event)
	return err
}

func attrNameSet(schema map[string]interface{}) map[string]struct{} {
	out := make(map[string]struct{})
	raw, _ := schema["attrNames"].([]interface{})
	for _, a := range raw {
		if s, ok := a.(string); ok {
			out[s] = struct{}{}
		}
	}
	return out
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func setKeys(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// ---------------------------------------------------------------------
// 4.3 Holder flow: receive_offer
// ---------------------------------------------------------------------

// ReceiveOffer handles an inbound credential-offer message, creating a new
// record when none was found by (connection, thread) — the issuer
// free-offer case, spec.md scenario 2.
func (m *Manager) ReceiveOffer(ctx context.Context, msg *OfferMessage, connectionID string) (rec *Record, err error) {
	defer err2.Annotate("ReceiveOffer", &err)
	if len(msg.OffersAttach) != 1 {
		return nil, &core.BadAttachmentCount{MessageType: "credential-offer", Count: len(msg.OffersAttach)}
	}

	offerBytes := try.To1(decodeBase64(msg.OffersAttach[0].Data.Base64))
	var offerMap map[string]interface{}
	try.To(json.Unmarshal(offerBytes, &offerMap))
	schemaID, _ := offerMap["schema_id"].(string)
	credDefID, _ := offerMap["cred_def_id"].(string)

	threadID := ""
	if msg.Thread != nil {
		threadID = msg.Thread.ThID
	}
	if threadID == "" {
		threadID = msg.ID
	}

	unlock := m.d.Locks.Lock(threadID)
	defer unlock()

	rec, loadErr := m.loadByConnThread(ctx, connectionID, threadID)
	if loadErr != nil {
		if _, ok := loadErr.(*core.StorageNotFound); !ok {
			return nil, loadErr
		}
		rec = &Record{
			ExchangeID:   uuid.NewString(),
			ConnectionID: connectionID,
			ThreadID:     threadID,
			Initiator:    InitiatorExternal,
			Role:         psm.RoleHolder,
			AutoRemove:   true,
		}
	}
	rec.ProposalPreview = msg.CredentialPreview
	rec.Offer = offerBytes
	rec.SchemaID = schemaID
	rec.CredentialDefinitionID = credDefID

	try.To(transition(rec, psm.EventReceiveOffer))
	try.To(m.save(ctx, rec, "receive credential offer"))
	return rec, nil
}

// ---------------------------------------------------------------------
// 4.3 Holder flow: create_request
// ---------------------------------------------------------------------

// CreateRequest implements spec.md §4.3's request creation, including the
// re-entrant skip when a request already exists (spec.md §4.1
// idempotence).
func (m *Manager) CreateRequest(ctx context.Context, rec *Record, holderDID string) (out *Record, msg *RequestMessage, err error) {
	defer err2.Annotate("CreateRequest", &err)

	unlock := m.d.Locks.Lock(rec.ThreadID)
	defer unlock()
	rec = try.To1(m.reloadOrKeep(ctx, rec))

	if rec.State != psm.OfferReceived {
		return nil, nil, wrongState(rec, psm.EventCreateRequest, string(psm.OfferReceived))
	}

	if len(rec.Request) == 0 {
		var offerMap map[string]interface{}
		try.To(json.Unmarshal(rec.Offer, &offerMap))
		nonce, _ := offerMap["nonce"].(string)

		ledger := try.To1(m.d.Ledger.Acquire(ctx))
		credDef := try.To1(ledger.GetCredentialDefinition(ctx, rec.CredentialDefinitionID))
		ledger.Release()

		cacheKey := fmt.Sprintf("credential_request::%s::%s::%s", rec.CredentialDefinitionID, holderDID, nonce)
		type reqResult struct {
			Request  string
			Metadata string
		}
		resAny := try.To1(withCache(ctx, m.d.Cache, cacheKey, 3600, func() (interface{}, error) {
			reqJSON, metaJSON, err := m.d.Holder.CreateCredentialRequest(ctx, offerMap, credDef, holderDID)
			if err != nil {
				return nil, err
			}
			return reqResult{Request: reqJSON, Metadata: metaJSON}, nil
		}))
		res := resAny.(reqResult)
		rec.Request = json.RawMessage(res.Request)
		rec.RequestMetadata = json.RawMessage(res.Metadata)
	} else {
		glog.Warningf("create_request called multiple times for exchange %s: abstaining from crypto step", rec.ExchangeID)
	}

	reqMsg := &RequestMessage{
		Type:           typeBase + "request-credential",
		ID:             uuid.NewString(),
		Thread:         &Thread{ThID: rec.ThreadID},
		RequestsAttach: []Attachment{wrapAttach("application/json", rec.Request)},
	}

	try.To(transition(rec, psm.EventCreateRequest))
	try.To(m.save(ctx, rec, "create credential request"))
	return rec, reqMsg, nil
}

// ---------------------------------------------------------------------
// 4.2 Issuer flow: receive_request
// ---------------------------------------------------------------------

// ReceiveRequest handles an inbound credential-request message.
func (m *Manager) ReceiveRequest(ctx context.Context, msg *RequestMessage, connectionID string) (rec *Record, err error) {
	defer err2.Annotate("ReceiveRequest", &err)
	if len(msg.RequestsAttach) != 1 {
		return nil, &core.BadAttachmentCount{MessageType: "credential-request", Count: len(msg.RequestsAttach)}
	}
	reqBytes := try.To1(decodeBase64(msg.RequestsAttach[0].Data.Base64))

	threadID := ""
	if msg.Thread != nil {
		threadID = msg.Thread.ThID
	}

	unlock := m.d.Locks.Lock(threadID)
	defer unlock()

	rec, loadErr := m.loadByConnThread(ctx, connectionID, threadID)
	if loadErr != nil {
		if _, ok := loadErr.(*core.StorageNotFound); !ok {
			return nil, loadErr
		}
		rec, loadErr = m.loadByThreadNoConn(ctx, threadID)
		if loadErr != nil {
			return nil, fmt.Errorf("indy issue credential format can't start from credential request: %w", loadErr)
		}
		rec.ConnectionID = connectionID
	}

	rec.Request = reqBytes
	try.To(transition(rec, psm.EventReceiveRequest))
	try.To(m.save(ctx, rec, "receive credential request"))
	return rec, nil
}

// ---------------------------------------------------------------------
// 4.2 Issuer flow: issue_credential (the registry-rotation hazard)
// ---------------------------------------------------------------------

const defaultIssuanceRetries = 5

// IssueCredential implements spec.md §4.2's five-step issuance algorithm
// with bounded retry over revocation-registry rotation. retries<0 selects
// the default of 5.
func (m *Manager) IssueCredential(ctx context.Context, rec *Record, comment string, retries int) (out *Record, msg *IssueMessage, err error) {
	defer err2.Annotate("IssueCredential", &err)
	if retries < 0 {
		retries = defaultIssuanceRetries
	}

	// Locked once here, for the whole retry loop (including its sleeps) —
	// issueCredential recurses on itself for retries and must not re-take
	// this lock, sync.Mutex is not reentrant.
	unlock := m.d.Locks.Lock(rec.ThreadID)
	defer unlock()
	rec, err = m.reloadOrKeep(ctx, rec)
	if err != nil {
		return nil, nil, err
	}

	return m.issueCredential(ctx, rec, comment, retries)
}

func (m *Manager) issueCredential(ctx context.Context, rec *Record, comment string, retries int) (*Record, *IssueMessage, error) {
	if rec.State != psm.RequestReceived {
		return nil, nil, wrongState(rec, psm.EventIssueCredential, string(psm.RequestReceived))
	}

	var activeReg core.RevocationRegistry

	if len(rec.Credential) == 0 {
		ledger, err := m.d.Ledger.Acquire(ctx)
		if err != nil {
			return nil, nil, err
		}
		schema, err := ledger.GetSchema(ctx, rec.SchemaID)
		if err != nil {
			ledger.Release()
			return nil, nil, err
		}
		credDef, err := ledger.GetCredentialDefinition(ctx, rec.CredentialDefinitionID)
		ledger.Release()
		if err != nil {
			return nil, nil, err
		}

		tailsPath := ""
		if credDefRevocable(credDef) {
			var err error
			activeReg, err = m.d.RevRegs.ActiveFor(ctx, rec.CredentialDefinitionID)
			if err != nil {
				if _, ok := err.(*core.StorageNotFound); !ok {
					return nil, nil, err
				}
				return m.awaitPostedRegistry(ctx, rec, comment, retries)
			}
			if err := activeReg.EnsureTailsLocal(ctx); err != nil {
				return nil, nil, err
			}
			rec.RevocationRegistryID = activeReg.ID()
			tailsPath = activeReg.TailsLocalPath()
		}

		var offerMap, reqMap map[string]interface{}
		if err := json.Unmarshal(rec.Offer, &offerMap); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(rec.Request, &reqMap); err != nil {
			return nil, nil, err
		}
		values := map[string]interface{}{}
		if rec.ProposalPreview != nil {
			values = rec.ProposalPreview.AttrValues()
		}

		credJSON, revID, err := m.d.Issuer.CreateCredential(
			ctx, schema, offerMap, reqMap, values, rec.ExchangeID, rec.RevocationRegistryID, tailsPath,
		)
		if err != nil {
			if _, ok := err.(*core.RevocationRegistryFull); ok && activeReg != nil {
				_ = activeReg.SetState(ctx, core.RevRegFull)
				if retries > 0 {
					glog.Infof("waiting %s and retrying: revocation registry %s is full", m.d.RetryDelay.RegistryFull, activeReg.ID())
					sleep(ctx, m.d.RetryDelay.RegistryFull)
					return m.issueCredential(ctx, rec, comment, retries-1)
				}
			}
			return nil, nil, err
		}

		rec.RevocationID = revID
		rec.Credential = json.RawMessage(credJSON)

		if activeReg != nil && revID == fmt.Sprintf("%d", activeReg.MaxCredNum()) {
			if err := activeReg.SetState(ctx, core.RevRegFull); err != nil {
				return nil, nil, err
			}
			size := activeReg.MaxCredNum()
			m.d.Bus.Notify(rec.CredentialDefinitionID, bus.Notification{
				CredDefID: rec.CredentialDefinitionID, Size: &size, AutoCreateRevReg: true,
			})
		}
	} else {
		glog.Warningf("issue_credential called multiple times for exchange %s - abstaining", rec.ExchangeID)
	}

	if err := transition(rec, psm.EventIssueCredential); err != nil {
		return nil, nil, err
	}
	if err := m.save(ctx, rec, "issue credential"); err != nil {
		return nil, nil, err
	}

	issueMsg := &IssueMessage{
		Type:              typeBase + "issue-credential",
		ID:                uuid.NewString(),
		Thread:            &Thread{ThID: rec.ThreadID},
		Comment:           comment,
		CredentialsAttach: []Attachment{wrapAttach("application/json", rec.Credential)},
	}
	return rec, issueMsg, nil
}

// awaitPostedRegistry implements spec.md §4.2 step 2's "no active
// registry" branch: notify, sleep, and recurse.
func (m *Manager) awaitPostedRegistry(ctx context.Context, rec *Record, comment string, retries int) (*Record, *IssueMessage, error) {
	posted, err := m.d.RevRegs.QueryByState(ctx, rec.CredentialDefinitionID, core.RevRegPosted)
	if err != nil {
		return nil, nil, err
	}
	if len(posted) == 0 {
		all, err := m.d.RevRegs.QueryAll(ctx, rec.CredentialDefinitionID)
		if err != nil {
			return nil, nil, err
		}
		var size *int
		if len(all) > 0 {
			n := all[0].MaxCredNum()
			size = &n
		}
		for i := 0; i < 2; i++ {
			m.d.Bus.Notify(rec.CredentialDefinitionID, bus.Notification{
				CredDefID: rec.CredentialDefinitionID, Size: size, AutoCreateRevReg: true,
			})
		}
	}

	if retries > 0 {
		glog.Infof("waiting %s on posted rev reg for cred def %s, retrying", m.d.RetryDelay.NoActiveRegistry, rec.CredentialDefinitionID)
		sleep(ctx, m.d.RetryDelay.NoActiveRegistry)
		return m.issueCredential(ctx, rec, comment, retries-1)
	}
	return nil, nil, &core.NoActiveRevocationRegistry{CredDefID: rec.CredentialDefinitionID}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func credDefRevocable(credDef map[string]interface{}) bool {
	value, _ := credDef["value"].(map[string]interface{})
	_, ok := value["revocation"]
	return ok
}

// ---------------------------------------------------------------------
// 4.3 Holder flow: receive_credential, store_credential, send_ack
// ---------------------------------------------------------------------

// ReceiveCredential handles an inbound credential-issue message.
func (m *Manager) ReceiveCredential(ctx context.Context, msg *IssueMessage, connectionID string) (rec *Record, err error) {
	defer err2.Annotate("ReceiveCredential", &err)
	if len(msg.CredentialsAttach) != 1 {
		return nil, &core.BadAttachmentCount{MessageType: "credential-issue", Count: len(msg.CredentialsAttach)}
	}
	credBytes := try.To1(decodeBase64(msg.CredentialsAttach[0].Data.Base64))

	threadID := ""
	if msg.Thread != nil {
		threadID = msg.Thread.ThID
	}

	unlock := m.d.Locks.Lock(threadID)
	defer unlock()

	rec = try.To1(m.loadByConnThread(ctx, connectionID, threadID))

	if rec.State != psm.RequestSent {
		return nil, wrongState(rec, psm.EventReceiveCredential, string(psm.RequestSent))
	}
	rec.RawCredential = credBytes
	try.To(transition(rec, psm.EventReceiveCredential))
	try.To(m.save(ctx, rec, "receive credential"))
	return rec, nil
}

// StoreCredential implements spec.md §4.3's storage step.
func (m *Manager) StoreCredential(ctx context.Context, rec *Record, credentialIDOverride string) (out *Record, err error) {
	defer err2.Annotate("StoreCredential", &err)

	unlock := m.d.Locks.Lock(rec.ThreadID)
	defer unlock()
	rec = try.To1(m.reloadOrKeep(ctx, rec))

	if rec.State != psm.CredentialReceived {
		return nil, wrongState(rec, psm.EventStoreCredential, string(psm.CredentialReceived))
	}

	var rawCred map[string]interface{}
	try.To(json.Unmarshal(rec.RawCredential, &rawCred))
	credDefID, _ := rawCred["cred_def_id"].(string)
	revRegID, _ := rawCred["rev_reg_id"].(string)

	ledger := try.To1(m.d.Ledger.Acquire(ctx))
	credDef := try.To1(ledger.GetCredentialDefinition(ctx, credDefID))
	var revRegDef map[string]interface{}
	if revRegID != "" {
		revRegDef = try.To1(ledger.GetRevocRegDef(ctx, revRegID))
	}
	ledger.Release()

	if revRegDef != nil {
		reg, err := m.d.RevRegs.ActiveFor(ctx, credDefID)
		if err == nil {
			try.To(reg.EnsureTailsLocal(ctx))
		}
	}

	var mimeTypes map[string]string
	if rec.ProposalPreview != nil {
		mimeTypes = rec.ProposalPreview.MimeTypes()
	}

	var metadata map[string]interface{}
	try.To(json.Unmarshal(rec.RequestMetadata, &metadata))

	storedID, err := m.d.Holder.StoreCredential(ctx, credDef, string(rec.RawCredential), metadata, mimeTypes, credentialIDOverride, revRegDef)
	if err != nil {
		return nil, &core.HolderStoreFailure{ErrorCode: "store_credential", Message: err.Error()}
	}

	credJSON := try.To1(m.d.Holder.GetCredential(ctx, storedID))
	var cred map[string]interface{}
	try.To(json.Unmarshal([]byte(credJSON), &cred))

	rec.CredentialID = storedID
	rec.Credential = json.RawMessage(credJSON)
	if v, ok := cred["rev_reg_id"].(string); ok {
		rec.RevocationRegistryID = v
	}
	if v, ok := cred["cred_rev_id"].(string); ok {
		rec.RevocationID = v
	}

	try.To(m.save(ctx, rec, "store credential"))
	return rec, nil
}

// SendAck implements spec.md §4.3's ack step. A persistence failure is
// logged and the ack is still sent; an error from the responder is returned
// to the caller.
func (m *Manager) SendAck(ctx context.Context, rec *Record) (out *Record, msg *AckMessage, err error) {
	defer err2.Annotate("SendAck", &err)

	unlock := m.d.Locks.Lock(rec.ThreadID)
	defer unlock()
	rec = try.To1(m.reloadOrKeep(ctx, rec))

	if rec.State != psm.CredentialReceived {
		return nil, nil, wrongState(rec, psm.EventSendAck, string(psm.CredentialReceived))
	}

	ackMsg := &AckMessage{
		Type:   typeBase + "ack",
		ID:     uuid.NewString(),
		Thread: &Thread{ThID: rec.ThreadID, PThID: rec.ParentThreadID},
		Status: "OK",
	}

	try.To(transition(rec, psm.EventSendAck))

	if saveErr := m.save(ctx, rec, "ack credential"); saveErr != nil {
		// spec.md §4.3: holder still owes the issuer an ack, so emission
		// is attempted regardless of a persistence failure.
		glog.Errorf("ack credential: storage failure, continuing to send ack: %v", saveErr)
	} else if rec.AutoRemove {
		if delErr := m.d.Store.Delete(ctx, rec.ExchangeID); delErr != nil {
			glog.Errorf("ack credential: auto_remove delete failed: %v", delErr)
		}
	}

	if m.d.Responder == nil {
		glog.Warningf("no responder configured: cannot ack credential on %s", rec.ThreadID)
		return rec, ackMsg, nil
	}
	if err := m.d.Responder.SendReply(ctx, ackMsg, rec.ConnectionID); err != nil {
		return rec, ackMsg, err
	}
	return rec, ackMsg, nil
}

// ---------------------------------------------------------------------
// 4.2 Issuer flow: receive_ack
// ---------------------------------------------------------------------

// ReceiveCredentialAck handles an inbound credential-ack message.
func (m *Manager) ReceiveCredentialAck(ctx context.Context, msg *AckMessage, connectionID string) (rec *Record, err error) {
	defer err2.Annotate("ReceiveCredentialAck", &err)

	threadID := ""
	if msg.Thread != nil {
		threadID = msg.Thread.ThID
	}

	unlock := m.d.Locks.Lock(threadID)
	defer unlock()

	rec = try.To1(m.loadByConnThread(ctx, connectionID, threadID))

	try.To(transition(rec, psm.EventReceiveAck))
	try.To(m.save(ctx, rec, "credential acked"))

	if rec.AutoRemove {
		try.To(m.d.Store.Delete(ctx, rec.ExchangeID))
	}
	return rec, nil
}

// ---------------------------------------------------------------------
// 4.6 Problem report
// ---------------------------------------------------------------------

// ReceiveProblemReport implements spec.md §4.6.
func (m *Manager) ReceiveProblemReport(ctx context.Context, msg *ProblemReport, connectionID string) (rec *Record, err error) {
	defer err2.Annotate("ReceiveProblemReport", &err)

	threadID := ""
	if msg.Thread != nil {
		threadID = msg.Thread.ThID
	}

	unlock := m.d.Locks.Lock(threadID)
	defer unlock()

	rec = try.To1(m.loadByConnThread(ctx, connectionID, threadID))

	rec.State = psm.Abandoned
	rec.ErrorMsg = msg.Code() + ": " + msg.Text()
	try.To(m.save(ctx, rec, "received problem report"))
	return rec, nil
}
