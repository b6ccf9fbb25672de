package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/events"
	"github.com/lherron/clinicsync/internal/testutil"
)

func TestWriterAndReader(t *testing.T) {
	database, _ := testutil.TempDB(t)
	ctx := context.Background()
	w := events.NewWriter(database)
	r := events.NewReader(database)

	runID, err := r.LastRunID(ctx)
	require.NoError(t, err)
	assert.Empty(t, runID)

	plan := domain.MergePlan{Key: "k1", CanonicalID: "P1", LosingIDs: []string{"tmp_2", "tmp_1"}, Confidence: domain.ConfidenceStrong}
	decided, err := events.PlanDecided("run-a", plan)
	require.NoError(t, err)
	require.NoError(t, w.LogEvent(ctx, nil, decided))

	step, err := events.Step("run-a", "tmp_1", events.Progress{PlanKey: "k1", Step: 1, Total: 3})
	require.NoError(t, err)
	require.NoError(t, w.LogEvent(ctx, nil, step))

	other, _ := events.New("run-b", "", events.TypeGroupAmbiguous, "", nil)
	require.NoError(t, w.LogEvent(ctx, nil, other))

	list, err := r.List(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, events.TypePlanDecided, list[0].EventType)
	assert.Equal(t, "P1", list[0].PersonID)
	assert.False(t, list[0].CreatedAt.IsZero())

	var progress events.Progress
	require.NoError(t, json.Unmarshal([]byte(*list[1].Payload), &progress))
	assert.Equal(t, events.Progress{PlanKey: "k1", Step: 1, Total: 3}, progress)

	ids, err := r.LosingIDs(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp_1", "tmp_2"}, ids)

	runID, err = r.LastRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-b", runID)

	all, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Nil(t, all[2].Payload)
}

func TestEffectEventTypes(t *testing.T) {
	tests := []struct {
		kind domain.EffectKind
		want string
	}{
		{domain.EffectUpdatePerson, events.TypePersonUpdated},
		{domain.EffectRepoint, events.TypeRowsRepointed},
		{domain.EffectDeleteDuplicate, events.TypeRowsDeletedDuplicate},
		{domain.EffectDeletePerson, events.TypePersonDeleted},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ev, err := events.Effect("run", domain.Effect{Kind: tt.kind, PlanKey: "k", PersonID: "tmp_1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.EventType)
			assert.Equal(t, "k", ev.PlanKey)
		})
	}

	_, err := events.Effect("run", domain.Effect{Kind: "bogus"})
	assert.Error(t, err)
}

func TestFailedAndAmbiguous(t *testing.T) {
	ev, err := events.Failed("run", &domain.PartialMigrationFailure{PlanKey: "k", LosingID: "tmp_1", Table: "orders", Step: 2, Err: errors.New("disk full")})
	require.NoError(t, err)
	assert.Equal(t, events.TypeMergeFailed, ev.EventType)
	assert.Contains(t, *ev.Payload, "disk full")

	ev, err = events.Ambiguous("run", &domain.MatchAmbiguity{Name: "Sato", IDs: []string{"P1", "tmp_1"}})
	require.NoError(t, err)
	assert.Equal(t, events.TypeGroupAmbiguous, ev.EventType)
	assert.JSONEq(t, `{"name":"Sato","ids":["P1","tmp_1"]}`, *ev.Payload)
}

func TestRetainedIDs(t *testing.T) {
	database, _ := testutil.TempDB(t)
	ctx := context.Background()
	w := events.NewWriter(database)
	r := events.NewReader(database)

	ok := domain.MergePlan{Key: "ok", CanonicalID: "P1", LosingIDs: []string{"tmp_1"}}
	bad := domain.MergePlan{Key: "bad", CanonicalID: "P2", LosingIDs: []string{"tmp_3", "tmp_2"}}
	for _, p := range []domain.MergePlan{ok, bad} {
		ev, err := events.PlanDecided("run", p)
		require.NoError(t, err)
		require.NoError(t, w.LogEvent(ctx, nil, ev))
	}
	failed, err := events.Failed("run", &domain.PartialMigrationFailure{PlanKey: "bad", LosingID: "tmp_2", Err: errors.New("boom")})
	require.NoError(t, err)
	require.NoError(t, w.LogEvent(ctx, nil, failed))

	losing, err := r.LosingIDs(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp_1", "tmp_2", "tmp_3"}, losing)

	retained, err := r.RetainedIDs(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, []string{"tmp_2", "tmp_3"}, retained)
}
