package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheFreshStaleExpired(t *testing.T) {
	c := newTTLCache[string](20*time.Millisecond, 60*time.Millisecond)
	c.put("k", "v1")

	v, fresh, present := c.get("k")
	require.True(t, present)
	require.True(t, fresh)
	require.Equal(t, "v1", v)

	time.Sleep(30 * time.Millisecond)
	v, fresh, present = c.get("k")
	require.True(t, present, "entry inside max-age must stay servable")
	require.False(t, fresh)
	require.Equal(t, "v1", v)

	time.Sleep(40 * time.Millisecond)
	_, _, present = c.get("k")
	require.False(t, present, "entry past max-age must be gone")
}

func TestCachePutReplacesAndDrop(t *testing.T) {
	c := newTTLCache[int](time.Minute, time.Minute)
	c.put("k", 1)
	c.put("k", 2)

	v, fresh, present := c.get("k")
	require.True(t, present)
	require.True(t, fresh)
	require.Equal(t, 2, v)

	c.drop("k")
	_, _, present = c.get("k")
	require.False(t, present)
}

func TestCacheMaxAgeAtLeastTTL(t *testing.T) {
	c := newTTLCache[int](time.Minute, time.Second)
	require.Equal(t, time.Minute, c.maxAge)
}
