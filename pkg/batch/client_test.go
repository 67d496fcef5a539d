package batch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/aemet-forecast-etl/internal/testutil"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/client"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/keypool"
)

func TestRunner_WithAEMETClient(t *testing.T) {
	date := time.Date(2025, 4, 10, 9, 30, 0, 0, time.UTC)
	mock := testutil.NewMockAEMET(date)
	defer mock.Close()
	mock.SetName("28079", "Madrid")
	mock.ScriptStage1("99999", testutil.NewServerErrorResponse())

	pool, err := keypool.New([]string{"k1", "k2"}, keypool.Config{
		RequestsPerMinute: 1000,
		PollInterval:      2 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("keypool.New() error = %v", err)
	}

	cfg := client.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.Backoff = time.Millisecond
	cfg.ProgressInterval = 0
	cfg.Clock = func() time.Time { return date }

	c, err := client.New(pool, cfg, testLogger())
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	defer c.Close()

	runner := NewRunner(c, DefaultConfig(), testLogger())
	result, err := runner.Run(context.Background(), []forecast.Entity{
		{ID: "28079", Name: "Madrid"},
		{ID: "99999", Name: "Unknown"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(result.Succeeded) != 1 || result.Succeeded[0].Name != "Madrid" {
		t.Fatalf("Succeeded = %+v, want Madrid", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "99999" {
		t.Fatalf("Failed = %+v, want 99999", result.Failed)
	}

	out, err := json.Marshal(result.Succeeded[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(out), "origen") {
		t.Errorf("succeeded record still carries origen")
	}

	// Three runner attempts of three client attempts each.
	if got := mock.Stage1Count("99999"); got != 9 {
		t.Errorf("metadata requests for 99999 = %d, want 9", got)
	}
	if got := mock.Stage2Count("99999"); got != 0 {
		t.Errorf("data requests for 99999 = %d, want 0", got)
	}
}
