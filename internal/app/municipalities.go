package app

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/Sternrassler/aemet-forecast-etl/internal/municipality"
)

// MunicipalityOptions configure the municipalities command.
type MunicipalityOptions struct {
	// Rebuild regenerates the JSON dictionary from the spreadsheet.
	Rebuild bool

	// Search keeps municipalities whose name contains it, ignoring accents
	// and case.
	Search string

	// Limit caps the listed rows; 0 lists all of them.
	Limit int
}

// Municipalities loads the dictionary and prints the matching entries.
func (a *App) Municipalities(opts MunicipalityOptions) error {
	dict, err := a.loadDictionary(opts.Rebuild)
	if err != nil {
		return err
	}

	needle := municipality.Normalize(opts.Search)

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Code", "Name"})

	shown := 0
	for _, e := range dict.Entities(0) {
		if needle != "" && !strings.Contains(municipality.Normalize(e.Name), needle) {
			continue
		}
		if opts.Limit > 0 && shown == opts.Limit {
			break
		}
		t.AppendRow(table.Row{e.ID, e.Name})
		shown++
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d of %d", shown, dict.Len())})

	fmt.Fprintln(a.Out, t.Render())
	return nil
}
