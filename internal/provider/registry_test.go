package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	m := NewMock("slack")
	r.Register(m)

	got, ok := r.Get("slack")
	assert.True(t, ok)
	assert.Equal(t, m, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"slack"}, r.Names())
}
