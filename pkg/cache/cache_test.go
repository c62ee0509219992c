package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCompute(t *testing.T) {
	c := NewServerCache()
	key := Key{Name: "services", Namespace: "burrow", Checksum: "abc"}

	computed := 0
	payload, err := c.GetOrCompute(key, func() ([]byte, error) {
		computed++
		return []byte("payload"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)
	assert.Equal(t, 1, computed)

	// Second call hits the cache.
	payload, err = c.GetOrCompute(key, func() ([]byte, error) {
		computed++
		return []byte("other"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload, "first writer wins")
	assert.Equal(t, 1, computed)
	assert.Equal(t, 1, c.Len())
}

// TestSingleFlight races concurrent callers against a slow first
// computation: the compute function must run exactly once and every caller
// must observe its result.
func TestSingleFlight(t *testing.T) {
	c := NewServerCache()
	key := Key{Name: "services", Namespace: "burrow", Checksum: "abc"}

	var computations int32
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func() ([]byte, error) {
		atomic.AddInt32(&computations, 1)
		close(started)
		<-release
		return []byte("slow result"), nil
	}

	const callers = 10
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := c.GetOrCompute(key, compute)
			assert.NoError(t, err)
			results[i] = payload
		}(i)
	}

	<-started
	time.Sleep(10 * time.Millisecond) // let the other callers pile up
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&computations))
	for i, payload := range results {
		assert.Equal(t, []byte("slow result"), payload, "caller %d", i)
	}
}

// TestDistinctChecksumsDistinctEntries verifies a schema change is never
// served stale: same logical name, different checksum, different entry.
func TestDistinctChecksumsDistinctEntries(t *testing.T) {
	c := NewServerCache()

	v1, err := c.GetOrCompute(Key{Name: "services", Namespace: "burrow", Checksum: "v1"},
		func() ([]byte, error) { return []byte("one"), nil })
	require.NoError(t, err)

	v2, err := c.GetOrCompute(Key{Name: "services", Namespace: "burrow", Checksum: "v2"},
		func() ([]byte, error) { return []byte("two"), nil })
	require.NoError(t, err)

	assert.Equal(t, []byte("one"), v1)
	assert.Equal(t, []byte("two"), v2)
	assert.Equal(t, 2, c.Len())
}

// TestFailedComputationNotCached verifies errors are not memoized
func TestFailedComputationNotCached(t *testing.T) {
	c := NewServerCache()
	key := Key{Name: "services", Namespace: "burrow", Checksum: "abc"}

	_, err := c.GetOrCompute(key, func() ([]byte, error) {
		return nil, errdefs.Transientf("not ready")
	})
	assert.True(t, errdefs.IsTransient(err))
	assert.Equal(t, 0, c.Len())

	payload, err := c.GetOrCompute(key, func() ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), payload)
}
