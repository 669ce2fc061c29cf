package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = Key{Document: "doc", Subject: "subject", Actor: "actor"}

func TestTable_AcquireRelease(t *testing.T) {
	table := NewTable()

	g, err := table.Acquire(key)
	require.NoError(t, err)
	assert.True(t, table.Held(key))

	_, err = table.Acquire(key)
	assert.ErrorIs(t, err, ErrBusy)

	g.Release()
	assert.False(t, table.Held(key))

	g2, err := table.Acquire(key)
	require.NoError(t, err)
	defer g2.Release()
}

func TestGuard_ReleaseIdempotent(t *testing.T) {
	table := NewTable()

	g, err := table.Acquire(key)
	require.NoError(t, err)
	g.Release()

	g2, err := table.Acquire(key)
	require.NoError(t, err)

	// a second release of the stale guard must not free the new holder
	g.Release()
	assert.True(t, table.Held(key))

	g2.Release()
	g2.Release()
	assert.False(t, table.Held(key))
}

func TestTable_KeysAreIndependent(t *testing.T) {
	table := NewTable()

	g1, err := table.Acquire(key)
	require.NoError(t, err)
	defer g1.Release()

	for _, other := range []Key{
		{Document: "doc", Subject: "subject", Actor: "someone-else"},
		{Document: "doc", Subject: "other", Actor: "actor"},
		{Document: "other", Subject: "subject", Actor: "actor"},
	} {
		g, err := table.Acquire(other)
		require.NoError(t, err, other.String())
		g.Release()
	}
}

func TestTable_ConcurrentAcquireExactlyOneWins(t *testing.T) {
	table := NewTable()

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		won   atomic.Int32
		busy  atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := table.Acquire(key); err != nil {
				if errors.Is(err, ErrBusy) {
					busy.Add(1)
				}
				return
			}
			won.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(1), busy.Load())
}

func TestTable_DoReleasesOnEveryPath(t *testing.T) {
	table := NewTable()
	boom := errors.New("oracle failed")

	err := table.Do(key, func() error {
		assert.True(t, table.Held(key))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, table.Held(key))

	assert.Panics(t, func() {
		_ = table.Do(key, func() error { panic("unexpected") })
	})
	assert.False(t, table.Held(key))

	require.NoError(t, table.Do(key, func() error { return nil }))
	assert.False(t, table.Held(key))
}

func TestTable_DoWhileHeld(t *testing.T) {
	table := NewTable()
	g, err := table.Acquire(key)
	require.NoError(t, err)
	defer g.Release()

	called := false
	err = table.Do(key, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, called)
}

func TestKey_String(t *testing.T) {
	a := Key{Document: "a/b", Subject: "c"}
	b := Key{Document: "a", Subject: "b/c"}
	assert.NotEqual(t, a.String(), b.String())
}
