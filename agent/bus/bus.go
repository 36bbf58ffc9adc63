// Package bus is a small channel-based notification fabric, generalized
// from the agent-key listener map the findy-agent bus package uses to
// carry user-action questions/answers between a protocol goroutine and its
// gRPC caller. Here the key is a credential definition id and the payload
// is a revocation-registry-needed event (spec.md §6's "notification
// out-channel"), but the mechanism — one registered listener channel per
// key, a non-blocking send so an absent listener never stalls the issuer
// flow — is the same.
package bus

import "sync"

// Notification is the payload of a revocation-registry-needed event.
type Notification struct {
	CredDefID      string
	Size           *int
	AutoCreateRevReg bool
}

// Bus is a keyed, single-listener-per-key notification channel registry.
type Bus struct {
	mu        sync.Mutex
	listeners map[string]chan Notification
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string]chan Notification)}
}

// RevocationRegistryNeeded is the process-wide bus the issuer flow
// publishes to and a registry-provisioning worker subscribes from. It is a
// package variable for the same reason findy-agent's WantAll/WantUserActions
// buses are package variables: the protocol code that emits on it has no
// other reasonable way to reach a listener running in a different
// goroutine/subsystem.
var RevocationRegistryNeeded = NewBus()

// AddListener registers (or replaces) the channel for key and returns it.
// Buffered with room for a handful of pending notifications so Notify never
// blocks on a slow-to-drain listener.
func (b *Bus) AddListener(key string) <-chan Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Notification, 8)
	b.listeners[key] = ch
	return ch
}

// RmListener unregisters and closes the channel for key, if any.
func (b *Bus) RmListener(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[key]; ok {
		delete(b.listeners, key)
		close(ch)
	}
}

// Notify delivers n to key's listener, if one is registered. It never
// blocks: a full or absent listener channel simply drops the notification,
// since the notification is an optimization (see SPEC_FULL.md §5) and the
// mandatory retry-with-sleep path in the issuer flow does not depend on it.
func (b *Bus) Notify(key string, n Notification) {
	b.mu.Lock()
	ch, ok := b.listeners[key]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- n:
	default:
	}
}
