package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
)

// RenderSummary renders the run counts and, when any, every failed or
// unfinished municipality as "code (name)" so it can be re-driven by hand.
func RenderSummary(s *Summary) string {
	if s == nil {
		return ""
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Forecast run " + s.Date.Format("2006-01-02"))

	if s.RunID != "" {
		t.AppendRow(table.Row{"Run", s.RunID})
	}
	if s.RedriveOf != "" {
		t.AppendRow(table.Row{"Re-drive of", s.RedriveOf})
	}
	t.AppendRow(table.Row{"Municipalities", s.Total})
	t.AppendRow(table.Row{"Succeeded", s.Succeeded})
	t.AppendRow(table.Row{"Failed", len(s.Failed)})
	if len(s.Pending) > 0 {
		t.AppendRow(table.Row{"Not finished", len(s.Pending)})
	}
	for _, p := range s.Files.Paths() {
		t.AppendRow(table.Row{"File", p})
	}
	for _, u := range s.Uploaded {
		t.AppendRow(table.Row{"Uploaded", u})
	}
	if s.WarehouseRows > 0 {
		t.AppendRow(table.Row{"Warehouse rows", s.WarehouseRows})
	}
	if s.Duration > 0 {
		t.AppendRow(table.Row{"Duration", s.Duration.Round(time.Millisecond).String()})
	}

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")

	renderEntities(&b, "Failed after retries", s.Failed)
	renderEntities(&b, "Not finished", s.Pending)

	return b.String()
}

func renderEntities(b *strings.Builder, title string, entities []forecast.Entity) {
	if len(entities) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"#", "Municipality"})
	for i, e := range entities {
		t.AppendRow(table.Row{i + 1, fmt.Sprintf("%s (%s)", e.ID, e.Name)})
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
}
