package keymutex

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyMutex_SerializesSameKey(t *testing.T) {
	m := New(8)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock("jobs/j1", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 100, counter)
}

func TestKeyMutex_LockUnlock(t *testing.T) {
	m := New(0) // default shard count

	m.Lock("a")
	m.Unlock("a")
	m.Lock("a")
	m.Unlock("a")
}

func TestKeyMutex_WithLockPropagatesError(t *testing.T) {
	m := New(4)
	sentinel := errors.New("sentinel")
	err := m.WithLock("k", func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}
