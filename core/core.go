// Package core declares the capabilities the issue-credential engine is
// built against. Every flow in protocol/issuecredential is written purely
// in terms of these interfaces; nothing in this module dials a ledger,
// speaks to libindy, or opens a wallet. A concrete deployment supplies an
// issuecredential.Deps bundling real (or test-double) implementations, the way
// ssi.DIDAgent used to bundle DID/wallet capabilities for the transport
// layer — same shape, different capabilities.
package core

import "context"

// Ledger resolves schemas and credential definitions. Acquire/Release
// bracket a batch of reads the way a connection-pool checkout would; Acquire
// itself returns a Ledger so callers write `ledger.Acquire(ctx)` without a
// separate pool type.
type Ledger interface {
	Acquire(ctx context.Context) (Ledger, error)
	Release()

	GetSchema(ctx context.Context, schemaID string) (map[string]interface{}, error)
	GetCredentialDefinition(ctx context.Context, credDefID string) (map[string]interface{}, error)
	GetRevocRegDef(ctx context.Context, revRegID string) (map[string]interface{}, error)
	CredentialDefinitionID2SchemaID(ctx context.Context, credDefID string) (string, error)
}

// Issuer performs the anoncreds issuer-side cryptography. CreateCredential
// may fail with a *RevocationRegistryFull error when the engine loses a
// race for the registry's last slot.
type Issuer interface {
	CreateCredentialOffer(ctx context.Context, credDefID string) (offerJSON string, err error)
	CreateCredential(
		ctx context.Context,
		schema map[string]interface{},
		offer map[string]interface{},
		request map[string]interface{},
		values map[string]interface{},
		exchangeID string,
		revRegID string,
		tailsPath string,
	) (credentialJSON string, revocationID string, err error)
}

// Holder performs the anoncreds holder-side cryptography and wallet
// storage.
type Holder interface {
	CreateCredentialRequest(
		ctx context.Context,
		offer map[string]interface{},
		credDef map[string]interface{},
		holderDID string,
	) (requestJSON, metadataJSON string, err error)

	StoreCredential(
		ctx context.Context,
		credDef map[string]interface{},
		credentialJSON string,
		metadata map[string]interface{},
		mimeTypes map[string]string,
		credentialID string,
		revRegDef map[string]interface{},
	) (storedCredentialID string, err error)

	GetCredential(ctx context.Context, credentialID string) (credentialJSON string, err error)
}

// RevocationRegistryState is the lifecycle of an issuer-side revocation
// registry record.
type RevocationRegistryState string

const (
	RevRegPosted RevocationRegistryState = "POSTED"
	RevRegActive RevocationRegistryState = "ACTIVE"
	RevRegFull   RevocationRegistryState = "FULL"
)

// RevocationRegistry is one issuer-side revocation registry record: the
// bookkeeping object the engine rotates as registries fill.
type RevocationRegistry interface {
	ID() string
	CredDefID() string
	State() RevocationRegistryState
	MaxCredNum() int
	TailsLocalPath() string

	// EnsureTailsLocal fetches the tails file to TailsLocalPath if it is
	// not already present locally.
	EnsureTailsLocal(ctx context.Context) error

	SetState(ctx context.Context, state RevocationRegistryState) error
}

// RevocationRegistryRepo locates and queries revocation registry records
// for a credential definition.
type RevocationRegistryRepo interface {
	// ActiveFor returns the single ACTIVE registry for credDefID, or a
	// *StorageNotFound error if none exists.
	ActiveFor(ctx context.Context, credDefID string) (RevocationRegistry, error)

	// QueryByState returns every registry for credDefID in the given
	// state, ordered most-recently-created first (so callers can reuse
	// "prior size" by taking index 0).
	QueryByState(ctx context.Context, credDefID string, state RevocationRegistryState) ([]RevocationRegistry, error)

	// QueryAll returns every registry for credDefID regardless of state,
	// most-recently-created first.
	QueryAll(ctx context.Context, credDefID string) ([]RevocationRegistry, error)
}

// Lease is a scoped exclusive hold on a Cache key. Result/SetResult let the
// holder check for, and publish, a single-flight computation result before
// releasing.
type Lease interface {
	Result() (value interface{}, ok bool)
	SetResult(ctx context.Context, value interface{}, ttlSeconds int) error
	Release()
}

// Cache is a pluggable key/value single-flight cache. A nil Cache is legal
// everywhere the engine accepts one; callers bypass deduplication in that
// case.
type Cache interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Responder delivers an outbound protocol message to a peer over whatever
// transport the deployment wires up. The engine never inspects the
// transport; it only calls SendReply.
type Responder interface {
	SendReply(ctx context.Context, message interface{}, connectionID string) error
}

// RawRecord is the serialized form a RecordStore persists; callers
// marshal/unmarshal their own record type into it. Keeping the store
// interface in terms of bytes plus a handful of index fields keeps it free
// of any dependency on the issuecredential package's concrete Record type.
type RawRecord struct {
	ExchangeID   string
	ConnectionID string
	ThreadID     string
	Data         []byte // json-encoded issuecredential.Record
}

// RecordStore is the durable repository of credential exchange records.
// Mutate is a read-modify-write primitive: it loads the current record (or
// reports exists=false when none is found), lets fn mutate/replace it, and
// persists the result plus secondary indices, all within one durable
// transaction — so implementations MUST make the load-fn-save sequence
// atomic with respect to concurrent Mutate calls racing on the same key.
type RecordStore interface {
	RetrieveByConnectionAndThread(ctx context.Context, connectionID, threadID string) (RawRecord, error)
	RetrieveByThread(ctx context.Context, threadID string) (RawRecord, error)
	RetrieveByExchangeID(ctx context.Context, exchangeID string) (RawRecord, error)

	Mutate(ctx context.Context, exchangeID string, fn func(current RawRecord, exists bool) (RawRecord, error)) (RawRecord, error)

	Delete(ctx context.Context, exchangeID string) error
}

// SentCredDef names one credential definition this issuer previously
// posted to the ledger, tagged the way aries-cloudagent-python's
// CRED_DEF_SENT_RECORD_TYPE storage records are: by schema/issuer
// selectors plus a creation "epoch" used to break ties when more than one
// posted cred-def matches a proposal's selectors.
type SentCredDef struct {
	CredDefID string
	Tags      map[string]string
	Epoch     int
}

// CredDefCatalog finds credential definitions this issuer has posted,
// matching spec.md §4.2 step 1's lookup ("the most recent cred-def the
// local issuer posted to the ledger that matches the proposal's ... filter,
// tie-broken by the largest epoch tag"). It is distinct from Ledger because
// in the protocol this spec is grounded on, the catalog is local storage
// bookkeeping of what this issuer has posted, not a ledger read.
type CredDefCatalog interface {
	FindSentCredDefs(ctx context.Context, tagQuery map[string]string) ([]SentCredDef, error)
}
