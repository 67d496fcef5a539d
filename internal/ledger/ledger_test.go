package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
)

func TestRecordRun_AssignsID(t *testing.T) {
	l := New(setupTestDB(t))
	ctx := context.Background()

	started := time.Date(2025, 4, 10, 6, 0, 0, 0, time.UTC)
	id, err := l.RecordRun(ctx, RunRecord{
		ForecastDate: "2025-04-10",
		StartedAt:    started,
		FinishedAt:   started.Add(12 * time.Minute),
		Total:        3,
		Succeeded:    1,
		Failed: []forecast.Entity{
			{ID: "99999", Name: "Nowhere"},
			{ID: "08019", Name: "Barcelona"},
		},
	})
	require.NoError(t, err)

	_, err = uuid.Parse(id)
	require.NoError(t, err, "run id should be a UUID")

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "2025-04-10", got.ForecastDate)
	assert.Equal(t, started, got.StartedAt)
	assert.Equal(t, started.Add(12*time.Minute), got.FinishedAt)
	assert.Equal(t, 3, got.Total)
	assert.Equal(t, 1, got.Succeeded)
	assert.Empty(t, got.RedriveOf)
	assert.Equal(t, []forecast.Entity{
		{ID: "99999", Name: "Nowhere"},
		{ID: "08019", Name: "Barcelona"},
	}, got.Failed, "failures keep batch order")
}

func TestRecordRun_KeepsGivenID(t *testing.T) {
	l := New(setupTestDB(t))

	id, err := l.RecordRun(context.Background(), RunRecord{
		ID:           "fixed",
		ForecastDate: "2025-04-10",
		StartedAt:    time.Now(),
		FinishedAt:   time.Now(),
		RedriveOf:    "earlier",
		Error:        "upload: bucket missing",
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	got, err := l.Get(context.Background(), "fixed")
	require.NoError(t, err)
	assert.Equal(t, "earlier", got.RedriveOf)
	assert.Equal(t, "upload: bucket missing", got.Error)
	assert.Empty(t, got.Failed)
}

func TestRecordRun_DuplicateID(t *testing.T) {
	l := New(setupTestDB(t))
	ctx := context.Background()

	run := RunRecord{ID: "dup", ForecastDate: "2025-04-10", StartedAt: time.Now(), FinishedAt: time.Now()}
	_, err := l.RecordRun(ctx, run)
	require.NoError(t, err)

	_, err = l.RecordRun(ctx, run)
	assert.Error(t, err)
}

func TestGet_Unknown(t *testing.T) {
	l := New(setupTestDB(t))

	_, err := l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestLatestFailures(t *testing.T) {
	l := New(setupTestDB(t))
	ctx := context.Background()

	_, _, err := l.LatestFailures(ctx)
	require.ErrorIs(t, err, ErrNoRuns)

	base := time.Date(2025, 4, 10, 6, 0, 0, 0, time.UTC)
	_, err = l.RecordRun(ctx, RunRecord{
		ForecastDate: "2025-04-10",
		StartedAt:    base,
		FinishedAt:   base.Add(time.Minute),
		Total:        2,
		Failed:       []forecast.Entity{{ID: "01001", Name: "Alegría-Dulantzi"}, {ID: "01002", Name: "Amurrio"}},
	})
	require.NoError(t, err)

	latestID, err := l.RecordRun(ctx, RunRecord{
		ForecastDate: "2025-04-10",
		StartedAt:    base.Add(time.Hour),
		FinishedAt:   base.Add(time.Hour + time.Minute),
		Total:        2,
		Succeeded:    1,
		Failed:       []forecast.Entity{{ID: "01002", Name: "Amurrio"}},
	})
	require.NoError(t, err)

	id, failed, err := l.LatestFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, latestID, id)
	assert.Equal(t, []forecast.Entity{{ID: "01002", Name: "Amurrio"}}, failed)
}

func TestRecordRun_Pending(t *testing.T) {
	l := New(setupTestDB(t))
	ctx := context.Background()

	started := time.Date(2025, 4, 10, 6, 0, 0, 0, time.UTC)
	id, err := l.RecordRun(ctx, RunRecord{
		ForecastDate: "2025-04-10",
		StartedAt:    started,
		FinishedAt:   started.Add(time.Minute),
		Total:        4,
		Succeeded:    1,
		Failed:       []forecast.Entity{{ID: "99999", Name: "Nowhere"}},
		Pending:      []forecast.Entity{{ID: "08019", Name: "Barcelona"}, {ID: "41091", Name: "Sevilla"}},
		Error:        "batch cancelled at 3/4: context canceled",
	})
	require.NoError(t, err)

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []forecast.Entity{{ID: "99999", Name: "Nowhere"}}, got.Failed)
	assert.Equal(t, []forecast.Entity{{ID: "08019", Name: "Barcelona"}, {ID: "41091", Name: "Sevilla"}}, got.Pending)

	_, redrive, err := l.LatestFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, []forecast.Entity{
		{ID: "99999", Name: "Nowhere"},
		{ID: "08019", Name: "Barcelona"},
		{ID: "41091", Name: "Sevilla"},
	}, redrive, "failed first, then pending")
}

func TestList(t *testing.T) {
	l := New(setupTestDB(t))
	ctx := context.Background()

	base := time.Date(2025, 4, 10, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := l.RecordRun(ctx, RunRecord{
			ID:           string(rune('a' + i)),
			ForecastDate: "2025-04-10",
			StartedAt:    base.Add(time.Duration(i) * time.Hour),
			FinishedAt:   base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	runs, err := l.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(path)
	require.NoError(t, err)

	_, err = l.RecordRun(context.Background(), RunRecord{ID: "one", ForecastDate: "2025-04-10", StartedAt: time.Now(), FinishedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Reopening applies no migration twice and keeps the data.
	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()

	got, err := l.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one", got.ID)
	assert.Equal(t, path, l.db.Path())
}
