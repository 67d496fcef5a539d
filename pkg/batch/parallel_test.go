package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
)

func numberedEntities(n int) []forecast.Entity {
	out := make([]forecast.Entity, n)
	for i := range out {
		id := fmt.Sprintf("%05d", i+1)
		out[i] = forecast.Entity{ID: id, Name: "Municipio " + id}
	}
	return out
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		entities int
		workers  int
		want     []int
	}{
		{name: "empty", entities: 0, workers: 3, want: nil},
		{name: "single worker", entities: 5, workers: 1, want: []int{5}},
		{name: "even", entities: 6, workers: 3, want: []int{2, 2, 2}},
		{name: "uneven", entities: 10, workers: 3, want: []int{4, 3, 3}},
		{name: "more workers than entities", entities: 2, workers: 5, want: []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entities := numberedEntities(tt.entities)
			shards := split(entities, tt.workers)

			if len(shards) != len(tt.want) {
				t.Fatalf("len(shards) = %d, want %d", len(shards), len(tt.want))
			}

			next := 0
			for i, shard := range shards {
				if len(shard) != tt.want[i] {
					t.Errorf("shard %d size = %d, want %d", i, len(shard), tt.want[i])
				}
				for _, e := range shard {
					if e != entities[next] {
						t.Errorf("shard %d holds %s, want %s", i, e.ID, entities[next].ID)
					}
					next++
				}
			}
			if next != len(entities) {
				t.Errorf("shards cover %d entities, want %d", next, len(entities))
			}
		})
	}
}

func TestParallelRunner_MatchesSequentialOrder(t *testing.T) {
	entities := numberedEntities(10)
	fetcher := newScriptedFetcher(failing("00002", "00007", "00010"))

	var built atomic.Int32
	var closed atomic.Int32
	factory := func(int) (Fetcher, func() error, error) {
		built.Add(1)
		return fetcher, func() error {
			closed.Add(1)
			return nil
		}, nil
	}

	runner := NewParallelRunner(factory, ParallelConfig{Workers: 3, Runner: DefaultConfig()}, testLogger())
	result, err := runner.Run(context.Background(), entities)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if built.Load() != 3 || closed.Load() != 3 {
		t.Errorf("fetchers built/closed = %d/%d, want 3/3", built.Load(), closed.Load())
	}
	if result.Total() != len(entities) {
		t.Fatalf("Total() = %d, want %d", result.Total(), len(entities))
	}

	wantSucceeded := []string{"00001", "00003", "00004", "00005", "00006", "00008", "00009"}
	for i, rec := range result.Succeeded {
		if rec.MunicipalityID != wantSucceeded[i] {
			t.Errorf("Succeeded[%d] = %s, want %s", i, rec.MunicipalityID, wantSucceeded[i])
		}
	}
	wantFailed := []string{"00002", "00007", "00010"}
	for i, e := range result.Failed {
		if e.ID != wantFailed[i] {
			t.Errorf("Failed[%d] = %s, want %s", i, e.ID, wantFailed[i])
		}
	}
	if got := fetcher.Calls("00007"); got != 3 {
		t.Errorf("calls for 00007 = %d, want 3", got)
	}
}

func TestParallelRunner_FactoryErrorFailsShard(t *testing.T) {
	entities := numberedEntities(4)
	fetcher := newScriptedFetcher(failing())

	factory := func(shard int) (Fetcher, func() error, error) {
		if shard == 1 {
			return nil, nil, errors.New("no key available")
		}
		return fetcher, nil, nil
	}

	runner := NewParallelRunner(factory, ParallelConfig{Workers: 2, Runner: DefaultConfig()}, testLogger())
	result, err := runner.Run(context.Background(), entities)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(result.Succeeded) != 2 || len(result.Failed) != 2 {
		t.Fatalf("result = %d succeeded / %d failed, want 2/2", len(result.Succeeded), len(result.Failed))
	}
	if result.Failed[0].ID != "00003" || result.Failed[1].ID != "00004" {
		t.Errorf("Failed = %+v, want second shard", result.Failed)
	}
	if fetcher.Calls("00003") != 0 {
		t.Error("entities of a failed shard should not be fetched")
	}
}

func TestParallelRunner_Empty(t *testing.T) {
	factory := func(int) (Fetcher, func() error, error) {
		t.Error("factory called for an empty batch")
		return nil, nil, nil
	}

	runner := NewParallelRunner(factory, DefaultParallelConfig(), testLogger())
	result, err := runner.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Total() != 0 {
		t.Errorf("Total() = %d, want 0", result.Total())
	}
}

func TestParallelRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := newScriptedFetcher(failing())
	factory := func(int) (Fetcher, func() error, error) { return fetcher, nil, nil }

	runner := NewParallelRunner(factory, ParallelConfig{Workers: 2, Runner: DefaultConfig()}, testLogger())
	result, err := runner.Run(ctx, numberedEntities(4))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if result.Total() != 0 {
		t.Errorf("Total() = %d, want 0 for a cancelled run", result.Total())
	}
}
