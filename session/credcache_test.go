package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCredentialCacheSetGet(t *testing.T) {
	c := NewCredentialCache(time.Minute)
	c.Set("token", "abc123")

	v, ok := c.Get("token")
	require := assert.New(t)
	require.True(ok)
	require.Equal("abc123", v)
}

func TestCredentialCacheMissReturnsFalse(t *testing.T) {
	c := NewCredentialCache(time.Minute)
	_, ok := c.Get("missing")
	assert.False(t, ok)
}

func TestCredentialCacheForgetRemovesEntry(t *testing.T) {
	c := NewCredentialCache(time.Minute)
	c.Set("token", "abc123")
	c.Forget("token")

	_, ok := c.Get("token")
	assert.False(t, ok)
}

func TestCredentialCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewCredentialCache(0)
	c.Set("token", "abc123")
	time.Sleep(10 * time.Millisecond)

	v, ok := c.Get("token")
	assert.True(t, ok)
	assert.Equal(t, "abc123", v)
}

func TestCredentialCacheEntryExpiresAfterTTL(t *testing.T) {
	c := NewCredentialCache(10 * time.Millisecond)
	c.Set("token", "abc123")
	time.Sleep(50 * time.Millisecond)

	_, ok := c.Get("token")
	assert.False(t, ok)
}
