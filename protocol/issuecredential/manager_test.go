package issuecredential

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/findy-network/issuecred-engine/agent/bus"
	"github.com/findy-network/issuecred-engine/agent/lock"
	"github.com/findy-network/issuecred-engine/core"
	"github.com/findy-network/issuecred-engine/protocol/issuecredential/store"
	"github.com/findy-network/issuecred-engine/psm"
)

const (
	testSchemaID  = "issuer:2:diploma:1.0"
	testCredDefID = "issuer:3:CL:1:TAG"
)

// fakeLedger is a minimal core.Ledger double: one schema, one non-revocable
// cred-def, wired consistently to testSchemaID/testCredDefID.
type fakeLedger struct{}

func (f *fakeLedger) Acquire(_ context.Context) (core.Ledger, error) { return f, nil }
func (f *fakeLedger) Release()                                      {}

func (f *fakeLedger) GetSchema(_ context.Context, schemaID string) (map[string]interface{}, error) {
	return map[string]interface{}{
		"id":        schemaID,
		"attrNames": []interface{}{"name", "degree"},
	}, nil
}

func (f *fakeLedger) GetCredentialDefinition(_ context.Context, credDefID string) (map[string]interface{}, error) {
	return map[string]interface{}{
		"id":     credDefID,
		"schemaId": testSchemaID,
		"value":  map[string]interface{}{},
	}, nil
}

func (f *fakeLedger) GetRevocRegDef(_ context.Context, revRegID string) (map[string]interface{}, error) {
	return map[string]interface{}{"id": revRegID}, nil
}

func (f *fakeLedger) CredentialDefinitionID2SchemaID(_ context.Context, _ string) (string, error) {
	return testSchemaID, nil
}

// fakeIssuerHolder is a combined core.Issuer/core.Holder double that counts
// calls, so tests can assert the dedup cache collapses concurrent work.
type fakeIssuerHolder struct {
	mu            sync.Mutex
	offerCalls    int
	createCalls   int
	requestCalls  int
	storedCredential string
}

func (f *fakeIssuerHolder) CreateCredentialOffer(_ context.Context, credDefID string) (string, error) {
	f.mu.Lock()
	f.offerCalls++
	f.mu.Unlock()
	return fmt.Sprintf(`{"schema_id":%q,"cred_def_id":%q,"nonce":"123456"}`, testSchemaID, credDefID), nil
}

func (f *fakeIssuerHolder) CreateCredential(
	_ context.Context,
	_ map[string]interface{},
	_ map[string]interface{},
	_ map[string]interface{},
	values map[string]interface{},
	_ string,
	_ string,
	_ string,
) (string, string, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()
	return fmt.Sprintf(`{"cred_def_id":%q,"values":%q}`, testCredDefID, fmt.Sprint(values)), "", nil
}

func (f *fakeIssuerHolder) CreateCredentialRequest(
	_ context.Context, offer map[string]interface{}, _ map[string]interface{}, holderDID string,
) (string, string, error) {
	f.mu.Lock()
	f.requestCalls++
	f.mu.Unlock()
	return fmt.Sprintf(`{"nonce":%q,"holder_did":%q}`, offer["nonce"], holderDID), `{"nonce":"123456"}`, nil
}

func (f *fakeIssuerHolder) StoreCredential(
	_ context.Context, _ map[string]interface{}, credentialJSON string, _ map[string]interface{}, _ map[string]string, credentialID string, _ map[string]interface{},
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if credentialID == "" {
		credentialID = "stored-cred-1"
	}
	f.storedCredential = credentialJSON
	return credentialID, nil
}

func (f *fakeIssuerHolder) GetCredential(_ context.Context, credentialID string) (string, error) {
	return fmt.Sprintf(`{"referent":%q,"cred_def_id":%q}`, credentialID, testCredDefID), nil
}

type fakeResponder struct {
	mu   sync.Mutex
	sent []interface{}
}

func (r *fakeResponder) SendReply(_ context.Context, message interface{}, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, message)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeIssuerHolder, *fakeResponder) {
	t.Helper()
	fh := &fakeIssuerHolder{}
	responder := &fakeResponder{}
	catalog := NewMemCredDefCatalog()
	catalog.Record(core.SentCredDef{
		CredDefID: testCredDefID,
		Tags:      map[string]string{"schema_id": testSchemaID, "epoch": "1"},
		Epoch:     1,
	})

	m := NewManager(Deps{
		Ledger:    &fakeLedger{},
		Issuer:    fh,
		Holder:    fh,
		RevRegs:   NewMemRevocationRegistryRepo(),
		CredDefs:  catalog,
		Cache:     nil,
		Responder: responder,
		Store:     store.NewMemoryStore(),
		Bus:       bus.NewBus(),
		Locks:     lock.NewRegistry(),
	})
	return m, fh, responder
}

func testPreview() *Preview {
	return &Preview{
		Type: "https://didcomm.org/issue-credential/1.0/credential-preview",
		Attrs: []CredentialAttribute{
			{Name: "name", Value: "Alice"},
			{Name: "degree", Value: "Bachelor"},
		},
	}
}

func TestIssuerInitiatedHappyPath(t *testing.T) {
	ctx := context.Background()
	m, fh, _ := newTestManager(t)

	proposalMsg := &ProposalMessage{
		ID:                "thread-1",
		ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID},
		CredentialProposal: testPreview(),
	}
	rec, err := m.ReceiveProposal(ctx, proposalMsg, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, psm.ProposalReceived, rec.State)

	rec, offerMsg, err := m.CreateOffer(ctx, rec, nil, "let's issue")
	require.NoError(t, err)
	assert.Equal(t, psm.OfferSent, rec.State)
	assert.Equal(t, 1, fh.offerCalls)
	require.Len(t, offerMsg.OffersAttach, 1)

	requestMsg := &RequestMessage{
		Thread:         &Thread{ThID: rec.ThreadID},
		RequestsAttach: []Attachment{wrapAttach("application/json", []byte(`{"nonce":"123456"}`))},
	}
	rec, err = m.ReceiveRequest(ctx, requestMsg, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, psm.RequestReceived, rec.State)

	rec, issueMsg, err := m.IssueCredential(ctx, rec, "here you go", -1)
	require.NoError(t, err)
	assert.Equal(t, psm.Issued, rec.State)
	assert.Equal(t, 1, fh.createCalls)
	require.Len(t, issueMsg.CredentialsAttach, 1)

	rec, err = m.ReceiveCredentialAck(ctx, &AckMessage{Thread: &Thread{ThID: rec.ThreadID}, Status: "OK"}, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, psm.Acked, rec.State)

	_, err = m.d.Store.RetrieveByExchangeID(ctx, rec.ExchangeID)
	assert.Error(t, err, "auto_remove should have deleted the record on ack")
}

func TestHolderInitiatedHappyPath(t *testing.T) {
	ctx := context.Background()
	m, fh, responder := newTestManager(t)

	rec, proposalMsg, err := m.CreateProposal(ctx, "conn-1", ProposalOptions{
		Selectors: ProposalSelectors{SchemaID: testSchemaID},
		Preview:   testPreview(),
	})
	require.NoError(t, err)
	assert.Equal(t, psm.ProposalSent, rec.State)
	assert.NotEmpty(t, proposalMsg.ID)

	offerMsg := &OfferMessage{
		ID:                "offer-1",
		Thread:            &Thread{ThID: rec.ThreadID},
		CredentialPreview: testPreview(),
		OffersAttach:      []Attachment{wrapAttach("application/json", []byte(fmt.Sprintf(`{"schema_id":%q,"cred_def_id":%q,"nonce":"123456"}`, testSchemaID, testCredDefID)))},
	}
	rec, err = m.ReceiveOffer(ctx, offerMsg, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, psm.OfferReceived, rec.State)

	rec, _, err = m.CreateRequest(ctx, rec, "holder-did")
	require.NoError(t, err)
	assert.Equal(t, psm.RequestSent, rec.State)
	assert.Equal(t, 1, fh.requestCalls)

	issueMsg := &IssueMessage{
		Thread:            &Thread{ThID: rec.ThreadID},
		CredentialsAttach: []Attachment{wrapAttach("application/json", []byte(fmt.Sprintf(`{"cred_def_id":%q,"rev_reg_id":""}`, testCredDefID)))},
	}
	rec, err = m.ReceiveCredential(ctx, issueMsg, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, psm.CredentialReceived, rec.State)

	rec, err = m.StoreCredential(ctx, rec, "")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.CredentialID)

	rec, ackMsg, err := m.SendAck(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, psm.Acked, rec.State)
	assert.Equal(t, "OK", ackMsg.Status)
	assert.Len(t, responder.sent, 1)
}

func TestCreateOffer_PreviewMismatchRejected(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	rec, err := m.ReceiveProposal(ctx, &ProposalMessage{
		ID:                "thread-2",
		ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID},
		CredentialProposal: &Preview{Attrs: []CredentialAttribute{{Name: "only_one_attr", Value: "x"}}},
	}, "conn-1")
	require.NoError(t, err)

	_, _, err = m.CreateOffer(ctx, rec, nil, "")
	require.Error(t, err)
	var mismatch *core.PreviewMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestIssueCredential_WrongStateRejected(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	rec, err := m.ReceiveProposal(ctx, &ProposalMessage{ID: "thread-3", ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID}, CredentialProposal: testPreview()}, "conn-1")
	require.NoError(t, err)

	_, _, err = m.IssueCredential(ctx, rec, "", -1)
	require.Error(t, err)
	var wrongState *core.WrongState
	assert.ErrorAs(t, err, &wrongState)
}

func TestReceiveProblemReport_AbandonsFromAnyState(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	rec, err := m.ReceiveProposal(ctx, &ProposalMessage{ID: "thread-4", ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID}, CredentialProposal: testPreview()}, "conn-1")
	require.NoError(t, err)

	rec, err = m.ReceiveProblemReport(ctx, &ProblemReport{
		Thread:      &Thread{ThID: rec.ThreadID},
		Description: map[string]string{"code": "issuance-abandoned", "en": "holder declined"},
	}, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, psm.Abandoned, rec.State)
	assert.Contains(t, rec.ErrorMsg, "holder declined")
}

func TestIssueCredential_NoActiveRegistryExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.d.RetryDelay.NoActiveRegistry = 0

	rec, err := m.ReceiveProposal(ctx, &ProposalMessage{ID: "thread-5", ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID}, CredentialProposal: testPreview()}, "conn-1")
	require.NoError(t, err)
	rec, _, err = m.CreateOffer(ctx, rec, nil, "")
	require.NoError(t, err)
	rec, err = m.ReceiveRequest(ctx, &RequestMessage{
		Thread:         &Thread{ThID: rec.ThreadID},
		RequestsAttach: []Attachment{wrapAttach("application/json", []byte(`{"nonce":"123456"}`))},
	}, "conn-1")
	require.NoError(t, err)

	// force the cred def to look revocable with no posted registries at all
	rec.CredentialDefinitionID = testCredDefID
	revocableLedger := &revocableLedger{fakeLedger: &fakeLedger{}}
	m.d.Ledger = revocableLedger

	_, _, err = m.IssueCredential(ctx, rec, "", 1)
	require.Error(t, err)
	var noActive *core.NoActiveRevocationRegistry
	assert.ErrorAs(t, err, &noActive)
}

type revocableLedger struct{ *fakeLedger }

func (r *revocableLedger) Acquire(_ context.Context) (core.Ledger, error) { return r, nil }

func (r *revocableLedger) GetCredentialDefinition(ctx context.Context, credDefID string) (map[string]interface{}, error) {
	cd, _ := r.fakeLedger.GetCredentialDefinition(ctx, credDefID)
	cd["value"] = map[string]interface{}{"revocation": map[string]interface{}{}}
	return cd, nil
}

// TestReceiveOffer_CreatesNewRecordWhenNoneExists is spec.md scenario 2: an
// issuer free-offer arrives for a (connection, thread) the holder has never
// seen, and ReceiveOffer must create a fresh record rather than erroring.
func TestReceiveOffer_CreatesNewRecordWhenNoneExists(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	offerMsg := &OfferMessage{
		ID:                "offer-free-1",
		Thread:            &Thread{ThID: "thread-free-1"},
		CredentialPreview: testPreview(),
		OffersAttach: []Attachment{wrapAttach("application/json", []byte(fmt.Sprintf(
			`{"schema_id":%q,"cred_def_id":%q,"nonce":"123456"}`, testSchemaID, testCredDefID,
		)))},
	}

	rec, err := m.ReceiveOffer(ctx, offerMsg, "conn-free")
	require.NoError(t, err)
	assert.Equal(t, psm.OfferReceived, rec.State)
	assert.NotEmpty(t, rec.ExchangeID)
	assert.Equal(t, "thread-free-1", rec.ThreadID)
	assert.Equal(t, psm.RoleHolder, rec.Role)

	stored, err := m.d.Store.RetrieveByExchangeID(ctx, rec.ExchangeID)
	require.NoError(t, err)
	assert.Equal(t, rec.ExchangeID, stored.ExchangeID)
}

// TestCreateRequest_SecondCallSkipsCryptoStep is testable property 4: once
// rec.Request is populated, a repeat create_request must not invoke
// CreateCredentialRequest again. The psm transition already advances state
// past OfferReceived after the first call, so the record's state is rewound
// here to isolate manager.go's own idempotence check (the `len(rec.Request)
// == 0` guard) from the psm gate, which a literal "call it twice" test would
// otherwise hit first.
func TestCreateRequest_SecondCallSkipsCryptoStep(t *testing.T) {
	ctx := context.Background()
	m, fh, _ := newTestManager(t)

	rec, _, err := m.CreateProposal(ctx, "conn-1", ProposalOptions{
		Selectors: ProposalSelectors{SchemaID: testSchemaID},
		Preview:   testPreview(),
	})
	require.NoError(t, err)

	offerMsg := &OfferMessage{
		ID:                "offer-dup-1",
		Thread:            &Thread{ThID: rec.ThreadID},
		CredentialPreview: testPreview(),
		OffersAttach: []Attachment{wrapAttach("application/json", []byte(fmt.Sprintf(
			`{"schema_id":%q,"cred_def_id":%q,"nonce":"123456"}`, testSchemaID, testCredDefID,
		)))},
	}
	rec, err = m.ReceiveOffer(ctx, offerMsg, "conn-1")
	require.NoError(t, err)

	rec, _, err = m.CreateRequest(ctx, rec, "holder-did")
	require.NoError(t, err)
	assert.Equal(t, 1, fh.requestCalls)

	rec.State = psm.OfferReceived
	require.NoError(t, m.save(ctx, rec, "test: rewind state for idempotence check"))

	rec, _, err = m.CreateRequest(ctx, rec, "holder-did")
	require.NoError(t, err)
	assert.Equal(t, 1, fh.requestCalls, "create_request must not repeat the crypto step when rec.Request is already populated")
}

// TestIssueCredential_SecondCallSkipsCryptoStep is testable property 4's
// issuer-side counterpart: once rec.Credential is populated, a repeat
// issue_credential must not invoke CreateCredential again.
func TestIssueCredential_SecondCallSkipsCryptoStep(t *testing.T) {
	ctx := context.Background()
	m, fh, _ := newTestManager(t)

	rec, err := m.ReceiveProposal(ctx, &ProposalMessage{ID: "thread-dup-2", ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID}, CredentialProposal: testPreview()}, "conn-1")
	require.NoError(t, err)
	rec, _, err = m.CreateOffer(ctx, rec, nil, "")
	require.NoError(t, err)
	rec, err = m.ReceiveRequest(ctx, &RequestMessage{
		Thread:         &Thread{ThID: rec.ThreadID},
		RequestsAttach: []Attachment{wrapAttach("application/json", []byte(`{"nonce":"123456"}`))},
	}, "conn-1")
	require.NoError(t, err)

	rec, _, err = m.IssueCredential(ctx, rec, "", -1)
	require.NoError(t, err)
	assert.Equal(t, 1, fh.createCalls)

	rec.State = psm.RequestReceived
	require.NoError(t, m.save(ctx, rec, "test: rewind state for idempotence check"))

	rec, _, err = m.IssueCredential(ctx, rec, "", -1)
	require.NoError(t, err)
	assert.Equal(t, 1, fh.createCalls, "issue_credential must not repeat the crypto step when rec.Credential is already populated")
}

// TestIssueCredential_FirstIssuanceNotifiesTwice is spec.md scenario 5: the
// very first issuance attempt against a revocable cred-def with no posted
// registries at all fires exactly two revocation-registry-needed
// notifications on the bus (awaitPostedRegistry's len(posted)==0 branch),
// before the retry budget is consulted.
func TestIssueCredential_FirstIssuanceNotifiesTwice(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.d.Bus = bus.NewBus()
	notifications := m.d.Bus.AddListener(testCredDefID)

	rec, err := m.ReceiveProposal(ctx, &ProposalMessage{ID: "thread-7", ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID}, CredentialProposal: testPreview()}, "conn-1")
	require.NoError(t, err)
	rec, _, err = m.CreateOffer(ctx, rec, nil, "")
	require.NoError(t, err)
	rec, err = m.ReceiveRequest(ctx, &RequestMessage{
		Thread:         &Thread{ThID: rec.ThreadID},
		RequestsAttach: []Attachment{wrapAttach("application/json", []byte(`{"nonce":"123456"}`))},
	}, "conn-1")
	require.NoError(t, err)

	rec.CredentialDefinitionID = testCredDefID
	m.d.Ledger = &revocableLedger{fakeLedger: &fakeLedger{}}

	_, _, err = m.IssueCredential(ctx, rec, "", 0)
	require.Error(t, err)
	var noActive *core.NoActiveRevocationRegistry
	assert.ErrorAs(t, err, &noActive)

	var got []bus.Notification
	for i := 0; i < 2; i++ {
		select {
		case n := <-notifications:
			got = append(got, n)
		case <-time.After(time.Second):
			t.Fatalf("expected notification %d, got none", i+1)
		}
	}
	for _, n := range got {
		assert.Equal(t, testCredDefID, n.CredDefID)
		assert.True(t, n.AutoCreateRevReg)
	}
	select {
	case n := <-notifications:
		t.Fatalf("expected exactly 2 notifications on first-ever issuance, got a third: %+v", n)
	default:
	}
}

// registryFullOnceIssuer makes CreateCredential fail with
// *core.RevocationRegistryFull whenever it is called against fullFor,
// letting a test drive spec.md scenario 4 (the duelling-issuer registry-full
// race) deterministically instead of via actual concurrent goroutines.
type registryFullOnceIssuer struct {
	*fakeIssuerHolder
	mu       sync.Mutex
	fullFor  string
	attempts int
}

func (f *registryFullOnceIssuer) CreateCredential(
	ctx context.Context,
	schema map[string]interface{},
	offer map[string]interface{},
	request map[string]interface{},
	values map[string]interface{},
	exchangeID string,
	revRegID string,
	tailsPath string,
) (string, string, error) {
	f.mu.Lock()
	f.attempts++
	f.mu.Unlock()
	if revRegID == f.fullFor {
		return "", "", &core.RevocationRegistryFull{RevocationRegistryID: revRegID}
	}
	return f.fakeIssuerHolder.CreateCredential(ctx, schema, offer, request, values, exchangeID, revRegID, tailsPath)
}

// TestIssueCredential_RegistryFullRotatesToSecondRegistry is spec.md
// scenario 4: issuance against the active registry reports
// RevocationRegistryFull, the engine marks it FULL and retries after the
// registry-full delay, and the retry picks up the other already-active
// registry and succeeds.
func TestIssueCredential_RegistryFullRotatesToSecondRegistry(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.d.RetryDelay.RegistryFull = 0

	rec, err := m.ReceiveProposal(ctx, &ProposalMessage{ID: "thread-8", ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID}, CredentialProposal: testPreview()}, "conn-1")
	require.NoError(t, err)
	rec, _, err = m.CreateOffer(ctx, rec, nil, "")
	require.NoError(t, err)
	rec, err = m.ReceiveRequest(ctx, &RequestMessage{
		Thread:         &Thread{ThID: rec.ThreadID},
		RequestsAttach: []Attachment{wrapAttach("application/json", []byte(`{"nonce":"123456"}`))},
	}, "conn-1")
	require.NoError(t, err)

	rec.CredentialDefinitionID = testCredDefID
	m.d.Ledger = &revocableLedger{fakeLedger: &fakeLedger{}}

	repo := NewMemRevocationRegistryRepo()
	regB := NewMemRevocationRegistry("reg-b", testCredDefID, 1, "")
	require.NoError(t, regB.SetState(ctx, core.RevRegActive))
	repo.Add(regB)
	regA := NewMemRevocationRegistry("reg-a", testCredDefID, 1, "")
	require.NoError(t, regA.SetState(ctx, core.RevRegActive))
	repo.Add(regA) // added last: ActiveFor sees regA before regB
	m.d.RevRegs = repo

	fullIssuer := &registryFullOnceIssuer{fakeIssuerHolder: &fakeIssuerHolder{}, fullFor: "reg-a"}
	m.d.Issuer = fullIssuer

	rec, _, err = m.IssueCredential(ctx, rec, "", 1)
	require.NoError(t, err)
	assert.Equal(t, psm.Issued, rec.State)
	assert.Equal(t, "reg-b", rec.RevocationRegistryID)
	assert.Equal(t, core.RevRegFull, regA.State())
	assert.Equal(t, core.RevRegActive, regB.State())
	assert.Equal(t, 2, fullIssuer.attempts, "expected one failed attempt against the full registry and one successful retry against the other")
}

// blockingIssuerHolder lets a test force two CreateOffer calls to overlap in
// time so the singleflight group in cache.go actually has a second caller
// to collapse, rather than relying on goroutine scheduling luck.
type blockingIssuerHolder struct {
	*fakeIssuerHolder
	entered chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (f *blockingIssuerHolder) CreateCredentialOffer(ctx context.Context, credDefID string) (string, error) {
	f.once.Do(func() { f.entered <- struct{}{} })
	<-f.proceed
	return f.fakeIssuerHolder.CreateCredentialOffer(ctx, credDefID)
}

// TestCreateOffer_ConcurrentCallsCollapseToOneIssuerInvocation is testable
// property 8: two concurrent create_offer calls for the same cred_def_id
// collapse to exactly one CreateCredentialOffer invocation via the
// package-level singleflight group withCache uses (cache.go), which applies
// regardless of whether a core.Cache is configured.
func TestCreateOffer_ConcurrentCallsCollapseToOneIssuerInvocation(t *testing.T) {
	ctx := context.Background()
	fh := &blockingIssuerHolder{
		fakeIssuerHolder: &fakeIssuerHolder{},
		entered:          make(chan struct{}, 1),
		proceed:          make(chan struct{}),
	}
	responder := &fakeResponder{}
	catalog := NewMemCredDefCatalog()
	catalog.Record(core.SentCredDef{
		CredDefID: testCredDefID,
		Tags:      map[string]string{"schema_id": testSchemaID, "epoch": "1"},
		Epoch:     1,
	})
	m := NewManager(Deps{
		Ledger:    &fakeLedger{},
		Issuer:    fh,
		Holder:    fh,
		RevRegs:   NewMemRevocationRegistryRepo(),
		CredDefs:  catalog,
		Responder: responder,
		Store:     store.NewMemoryStore(),
		Bus:       bus.NewBus(),
		Locks:     lock.NewRegistry(),
	})

	rec1, err := m.ReceiveProposal(ctx, &ProposalMessage{ID: "thread-9a", ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID}, CredentialProposal: testPreview()}, "conn-1")
	require.NoError(t, err)
	rec2, err := m.ReceiveProposal(ctx, &ProposalMessage{ID: "thread-9b", ProposalSelectors: ProposalSelectors{SchemaID: testSchemaID}, CredentialProposal: testPreview()}, "conn-2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, err := m.CreateOffer(ctx, rec1, nil, "")
		assert.NoError(t, err)
	}()

	<-fh.entered // first call is inside the issuer step, holding the singleflight slot
	go func() {
		defer wg.Done()
		_, _, err := m.CreateOffer(ctx, rec2, nil, "")
		assert.NoError(t, err)
	}()
	time.Sleep(50 * time.Millisecond) // give the second call time to join the in-flight group
	close(fh.proceed)
	wg.Wait()

	assert.Equal(t, 1, fh.offerCalls, "two concurrent create_offer calls for the same cred_def_id must collapse to one issuer invocation")
}
