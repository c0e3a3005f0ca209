package cache

import (
	"testing"

	"github.com/proformatique/provd/internal/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutThenGetHits(t *testing.T) {
	c, err := New(8, nil)
	require.NoError(t, err)

	c.Put("cfg1", document.Document{"ip": "1.2.3.4"})
	raw, ok := c.Get("cfg1")
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", raw.GetString("ip"))
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestMissOnUnknownID(t *testing.T) {
	c, err := New(8, nil)
	require.NoError(t, err)

	_, ok := c.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestInvalidateAllBumpsGenerationAndStalesHits(t *testing.T) {
	c, err := New(8, nil)
	require.NoError(t, err)

	c.Put("cfg1", document.Document{"ip": "1.2.3.4"})
	c.InvalidateAll()

	_, ok := c.Get("cfg1")
	assert.False(t, ok, "entries from a prior generation must be treated as stale")
}

func TestInvalidateEvictsSingleEntry(t *testing.T) {
	c, err := New(8, nil)
	require.NoError(t, err)

	c.Put("cfg1", document.Document{"ip": "1.2.3.4"})
	c.Put("cfg2", document.Document{"ip": "5.6.7.8"})
	c.Invalidate("cfg1")

	_, ok := c.Get("cfg1")
	assert.False(t, ok)
	_, ok = c.Get("cfg2")
	assert.True(t, ok)
}
