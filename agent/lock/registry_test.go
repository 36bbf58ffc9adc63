package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_SerializesSameKey(t *testing.T) {
	r := NewRegistry()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := r.Lock("exch-1")
			defer unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 5)
}

func TestRegistry_DistinctKeysDoNotBlockEachOther(t *testing.T) {
	r := NewRegistry()
	unlockA := r.Lock("exch-a")
	done := make(chan struct{})
	go func() {
		unlockB := r.Lock("exch-b")
		defer unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("distinct keys should not contend")
	}
	unlockA()
}
