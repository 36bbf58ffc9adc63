package engine

import (
	"errors"
	"io"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"

	"github.com/findy-network/issuecred-engine/agent/registry"
	"github.com/findy-network/issuecred-engine/cmds/base"
	"github.com/findy-network/issuecred-engine/core"
	"github.com/findy-network/issuecred-engine/protocol/issuecredential"
	"github.com/findy-network/issuecred-engine/protocol/issuecredential/store"
)

// stores is the process-wide named core.RecordStore registry (spec.md
// §9/SPEC_FULL.md §4.7): a deployment selects its backing store by string
// key from configuration instead of a cmd importing store's concrete types
// directly. "memory" never needs configuration and is always available;
// "bolt" is registered lazily by ResolveCmd.Exec once a path is known, the
// same late-registration shape agent/registry.Registry.Add documents.
var stores = registry.New[core.RecordStore]()

func init() {
	stores.Add("memory", func() (core.RecordStore, error) {
		return store.NewMemoryStore(), nil
	})
}

// caches is the process-wide named core.Cache registry. "none" resolves to
// a nil Cache, which issuecredential.Manager treats as "bypass dedup".
var caches = registry.New[core.Cache]()

func init() {
	caches.Add("none", func() (core.Cache, error) { return nil, nil })
	caches.Add("lru", func() (core.Cache, error) { return issuecredential.NewLRUCache(1024) })
}

// ResolveCmd validates that a deployment's configured store/cache names
// resolve to real implementations before the engine starts serving
// exchanges, the local-config sibling of PingCmd's remote-reachability
// check: a typo in a config file surfaces here instead of on the first
// flow entrypoint a caller happens to invoke.
type ResolveCmd struct {
	StoreName string // "memory" or "bolt"
	BoltPath  string // required when StoreName == "bolt"
	CacheName string // "none" or "lru"; "" defaults to "none"
}

func (c ResolveCmd) Validate() error {
	if c.StoreName == "" {
		return errors.New("store name cannot be empty")
	}
	if c.StoreName == "bolt" && c.BoltPath == "" {
		return errors.New("bolt store path cannot be empty when store name is \"bolt\"")
	}
	return nil
}

func (c ResolveCmd) Exec(w io.Writer) (r base.Result, err error) {
	defer err2.Annotate("resolve engine config", &err)

	cacheName := c.CacheName
	if cacheName == "" {
		cacheName = "none"
	}

	if c.StoreName == "bolt" {
		stores.Add("bolt", func() (core.RecordStore, error) {
			return store.OpenBoltStore(c.BoltPath)
		})
	}

	recordStore := try.To1(stores.Get(c.StoreName))
	if closer, ok := recordStore.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	try.To1(caches.Get(cacheName))

	base.Fprintln(w, "record store resolved:", c.StoreName)
	base.Fprintln(w, "cache resolved:", cacheName)
	return base.Result{Data: map[string]interface{}{
		"store": c.StoreName,
		"cache": cacheName,
	}}, nil
}
