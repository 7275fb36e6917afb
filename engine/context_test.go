package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextGetResolvesDotPaths(t *testing.T) {
	t.Parallel()

	c := NewContext(map[string]any{
		"order": map[string]any{"total": 99.5},
	})

	v, ok := c.Get("order.total")
	assert.True(t, ok)
	assert.Equal(t, 99.5, v)

	_, ok = c.Get("order.missing")
	assert.False(t, ok)
}

func TestContextSnapshotIsDetached(t *testing.T) {
	t.Parallel()

	c := NewContext(map[string]any{"a": 1})
	snap := c.Snapshot()
	snap["a"] = 2
	snap["b"] = 3

	v, _ := c.Get("a")
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, c.Len())
}

func TestContextConcurrentReadsDuringWrites(t *testing.T) {
	t.Parallel()

	c := NewContext(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("key", j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Snapshot()
				c.Get("key")
			}
		}()
	}
	wg.Wait()

	_, ok := c.Get("key")
	assert.True(t, ok)
}
