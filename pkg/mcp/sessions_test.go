package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistryRegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("run-1", "sess-a")
	sid, ok := r.SessionFor("run-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-a", sid)

	_, ok = r.SessionFor("run-2")
	assert.False(t, ok)
}

func TestSessionRegistryForget(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("run-1", "sess-a")

	r.Forget("run-1")
	_, ok := r.SessionFor("run-1")
	assert.False(t, ok)
}

func TestSessionRegistryRemoveSession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("run-1", "sess-a")
	r.Register("run-2", "sess-a")
	r.Register("run-3", "sess-b")

	r.Remove("sess-a")

	_, ok := r.SessionFor("run-1")
	assert.False(t, ok)
	_, ok = r.SessionFor("run-2")
	assert.False(t, ok)
	sid, ok := r.SessionFor("run-3")
	assert.True(t, ok)
	assert.Equal(t, "sess-b", sid)
}
