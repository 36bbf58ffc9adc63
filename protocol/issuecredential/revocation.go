package issuecredential

import (
	"context"
	"sync"

	"github.com/findy-network/issuecred-engine/core"
)

// MemRevocationRegistry is a reference core.RevocationRegistry: plain
// in-memory bookkeeping. Production deployments back this capability with
// whatever wallet/ledger-side revocation registry storage they use;
// MemRevocationRegistry exists so the engine is runnable and testable
// without one, the same role findy-agent's permissive SA plays for issuer
// acceptance decisions.
type MemRevocationRegistry struct {
	mu         sync.Mutex
	id         string
	credDefID  string
	state      core.RevocationRegistryState
	maxCredNum int
	tailsPath  string
	tailsLocal bool
}

// NewMemRevocationRegistry constructs a POSTED registry record.
func NewMemRevocationRegistry(id, credDefID string, maxCredNum int, tailsPath string) *MemRevocationRegistry {
	return &MemRevocationRegistry{
		id:         id,
		credDefID:  credDefID,
		state:      core.RevRegPosted,
		maxCredNum: maxCredNum,
		tailsPath:  tailsPath,
	}
}

func (r *MemRevocationRegistry) ID() string        { return r.id }
func (r *MemRevocationRegistry) CredDefID() string  { return r.credDefID }
func (r *MemRevocationRegistry) MaxCredNum() int    { return r.maxCredNum }
func (r *MemRevocationRegistry) TailsLocalPath() string { return r.tailsPath }

func (r *MemRevocationRegistry) State() core.RevocationRegistryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *MemRevocationRegistry) SetState(_ context.Context, state core.RevocationRegistryState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	return nil
}

// EnsureTailsLocal is a no-op: MemRevocationRegistry always reports the
// tails file as already local. A real implementation would fetch it from
// wherever the registry definition publishes it.
func (r *MemRevocationRegistry) EnsureTailsLocal(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tailsLocal = true
	return nil
}

// MemRevocationRegistryRepo is an in-memory core.RevocationRegistryRepo,
// grouping registries by cred-def id in creation order (index 0 = most
// recently created), matching the ordering manager.py relies on when
// "reusing the size of the most-recently-created existing record".
type MemRevocationRegistryRepo struct {
	mu    sync.Mutex
	byDef map[string][]*MemRevocationRegistry
}

// NewMemRevocationRegistryRepo returns an empty repo.
func NewMemRevocationRegistryRepo() *MemRevocationRegistryRepo {
	return &MemRevocationRegistryRepo{byDef: make(map[string][]*MemRevocationRegistry)}
}

// Add registers reg, most-recent first.
func (m *MemRevocationRegistryRepo) Add(reg *MemRevocationRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byDef[reg.credDefID] = append([]*MemRevocationRegistry{reg}, m.byDef[reg.credDefID]...)
}

func (m *MemRevocationRegistryRepo) ActiveFor(_ context.Context, credDefID string) (core.RevocationRegistry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byDef[credDefID] {
		if r.State() == core.RevRegActive {
			return r, nil
		}
	}
	return nil, &core.StorageNotFound{}
}

func (m *MemRevocationRegistryRepo) QueryByState(_ context.Context, credDefID string, state core.RevocationRegistryState) ([]core.RevocationRegistry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.RevocationRegistry
	for _, r := range m.byDef[credDefID] {
		if r.State() == state {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemRevocationRegistryRepo) QueryAll(_ context.Context, credDefID string) ([]core.RevocationRegistry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.byDef[credDefID]
	out := make([]core.RevocationRegistry, len(regs))
	for i, r := range regs {
		out[i] = r
	}
	return out, nil
}
