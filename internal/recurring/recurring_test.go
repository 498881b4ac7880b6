package recurring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acteon/internal/lock"
	"github.com/r3e-network/acteon/internal/state"
)

func testManager() *Manager {
	return NewManager(state.NewMemoryStore(), lock.NewMemoryLock())
}

func TestCreateRejectsInvalidCronExpression(t *testing.T) {
	m := testManager()
	_, err := m.Create(context.Background(), "ns", "t", Action{CronExpr: "not a cron"})
	assert.Error(t, err)
}

func TestCreateComputesNextExecutionAt(t *testing.T) {
	m := testManager()
	a, err := m.Create(context.Background(), "ns", "t", Action{
		CronExpr: "*/5 * * * *", Timezone: "UTC", Enabled: true,
		Template: Template{Provider: "webhook", ActionType: "ping", Payload: map[string]interface{}{}},
	})
	require.NoError(t, err)
	require.NotNil(t, a.NextExecutionAt)
	assert.True(t, a.NextExecutionAt.After(time.Now().UTC()))
	assert.Equal(t, "UTC", a.Timezone)
}

func TestCreateDefaultsTimezoneToUTC(t *testing.T) {
	m := testManager()
	a, err := m.Create(context.Background(), "ns", "t", Action{
		CronExpr: "*/5 * * * *", Enabled: true,
		Template: Template{Provider: "webhook", ActionType: "ping"},
	})
	require.NoError(t, err)
	assert.Equal(t, "UTC", a.Timezone)
}

func TestDueReturnsOnlyEnabledActionsPastTheirNextExecution(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	due, err := m.Create(ctx, "ns", "t", Action{
		CronExpr: "*/5 * * * *", Enabled: true,
		Template: Template{Provider: "webhook", ActionType: "ping"},
	})
	require.NoError(t, err)
	// Force it into the past so Due() picks it up.
	past := time.Now().UTC().Add(-time.Minute)
	due.NextExecutionAt = &past
	require.NoError(t, m.save(ctx, due))

	notYet, err := m.Create(ctx, "ns", "t", Action{
		CronExpr: "*/5 * * * *", Enabled: true,
		Template: Template{Provider: "webhook", ActionType: "ping"},
	})
	require.NoError(t, err)

	disabled, err := m.Create(ctx, "ns", "t", Action{
		CronExpr: "*/5 * * * *", Enabled: false,
		Template: Template{Provider: "webhook", ActionType: "ping"},
	})
	require.NoError(t, err)
	disabled.NextExecutionAt = &past
	require.NoError(t, m.save(ctx, disabled))

	found, err := m.Due(ctx, "ns", "t", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, due.ID, found[0].ID)
	assert.NotEqual(t, notYet.ID, found[0].ID)
}

func TestSynthesizeAppliesLabelsAndRendersDedupKey(t *testing.T) {
	a := &Action{
		ID: "rec_1", Namespace: "ns", Tenant: "t",
		Template: Template{
			Provider: "email", ActionType: "send_digest",
			Payload:  map[string]interface{}{"to": "team@example.com"},
			Labels:   map[string]string{"source": "recurring"},
			DedupKey: "digest-{{recurring_id}}-{{execution_time}}",
		},
	}
	firedAt := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	act := Synthesize(a, firedAt)
	assert.Equal(t, "email", act.Origin.Provider)
	assert.Equal(t, "send_digest", act.Origin.ActionType)
	assert.Equal(t, "recurring", act.Labels["source"])
	assert.Equal(t, "digest-rec_1-2026-01-01T09:00:00Z", act.DedupKey)
}

func TestAdvanceComputesNextOccurrenceAndIncrementsCount(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	a, err := m.Create(ctx, "ns", "t", Action{
		CronExpr: "*/5 * * * *", Enabled: true,
		Template: Template{Provider: "webhook", ActionType: "ping"},
	})
	require.NoError(t, err)

	firedAt := *a.NextExecutionAt
	require.NoError(t, m.Advance(ctx, a, firedAt))

	updated, err := m.Get(ctx, "ns", "t", a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), updated.ExecutionCount)
	require.NotNil(t, updated.LastExecutedAt)
	assert.True(t, updated.LastExecutedAt.Equal(firedAt))
	require.NotNil(t, updated.NextExecutionAt)
	assert.True(t, updated.NextExecutionAt.After(firedAt))
}

func TestAdvanceDisablesOnceMaxExecutionsReached(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	max := uint64(1)
	a, err := m.Create(ctx, "ns", "t", Action{
		CronExpr: "*/5 * * * *", Enabled: true, MaxExecutions: &max,
		Template: Template{Provider: "webhook", ActionType: "ping"},
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, a, *a.NextExecutionAt))

	updated, err := m.Get(ctx, "ns", "t", a.ID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextExecutionAt)
}

func TestAdvanceDisablesOnceEndsAtWouldBePassed(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	ends := time.Now().UTC().Add(5 * time.Minute)
	a, err := m.Create(ctx, "ns", "t", Action{
		CronExpr: "*/5 * * * *", Enabled: true, EndsAt: &ends,
		Template: Template{Provider: "webhook", ActionType: "ping"},
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, a, *a.NextExecutionAt))

	updated, err := m.Get(ctx, "ns", "t", a.ID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Nil(t, updated.NextExecutionAt)
}

func TestDisableStopsFutureDueScans(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	a, err := m.Create(ctx, "ns", "t", Action{
		CronExpr: "*/5 * * * *", Enabled: true,
		Template: Template{Provider: "webhook", ActionType: "ping"},
	})
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	a.NextExecutionAt = &past
	require.NoError(t, m.save(ctx, a))

	require.NoError(t, m.Disable(ctx, "ns", "t", a.ID))

	due, err := m.Due(ctx, "ns", "t", time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}
