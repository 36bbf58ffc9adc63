package issuecredential

import (
	"context"
	"sync"

	"github.com/findy-network/issuecred-engine/core"
)

// MemCredDefCatalog is a reference core.CredDefCatalog: an in-memory list
// of cred-defs this issuer has posted, the local bookkeeping
// aries-cloudagent-python keeps in its generic storage layer under
// CRED_DEF_SENT_RECORD_TYPE.
type MemCredDefCatalog struct {
	mu   sync.Mutex
	defs []core.SentCredDef
}

// NewMemCredDefCatalog returns an empty catalog.
func NewMemCredDefCatalog() *MemCredDefCatalog {
	return &MemCredDefCatalog{}
}

// Record appends a posted cred-def to the catalog.
func (c *MemCredDefCatalog) Record(def core.SentCredDef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs = append(c.defs, def)
}

// FindSentCredDefs returns every recorded cred-def whose tags are a
// superset of tagQuery (every queried tag present with a matching value).
func (c *MemCredDefCatalog) FindSentCredDefs(_ context.Context, tagQuery map[string]string) ([]core.SentCredDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []core.SentCredDef
	for _, d := range c.defs {
		match := true
		for k, v := range tagQuery {
			if d.Tags[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, d)
		}
	}
	return out, nil
}
