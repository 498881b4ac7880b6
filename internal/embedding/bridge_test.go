package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockDefaultsToZeroSimilarity(t *testing.T) {
	m := NewMock()
	sim, err := m.Similarity(context.Background(), "topic", "text")
	require.NoError(t, err)
	assert.Equal(t, float64(0), sim)
	assert.Equal(t, int64(1), m.Calls())
}

func TestMockUsesScriptedResponder(t *testing.T) {
	m := NewMock()
	m.SetResponder(func(_ context.Context, topic, text string) (float64, error) {
		if topic == "billing" {
			return 0.9, nil
		}
		return 0, errors.New("unsupported topic")
	})

	sim, err := m.Similarity(context.Background(), "billing", "invoice overdue")
	require.NoError(t, err)
	assert.Equal(t, 0.9, sim)

	_, err = m.Similarity(context.Background(), "weather", "it rained")
	assert.Error(t, err)
	assert.Equal(t, int64(2), m.Calls())
}
