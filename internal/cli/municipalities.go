package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/aemet-forecast-etl/internal/app"
)

var (
	municipalitiesRebuild bool
	municipalitiesSearch  string
	municipalitiesLimit   int
)

var municipalitiesCmd = &cobra.Command{
	Use:     "municipalities",
	Aliases: []string{"municipios"},
	Short:   "Build or list the municipality dictionary",
	RunE: func(cmd *cobra.Command, args []string) error {
		if municipalitiesLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}

		return getApp().Municipalities(app.MunicipalityOptions{
			Rebuild: municipalitiesRebuild,
			Search:  municipalitiesSearch,
			Limit:   municipalitiesLimit,
		})
	},
}

func init() {
	municipalitiesCmd.Flags().BoolVar(&municipalitiesRebuild, "rebuild", false, "Regenerate the JSON dictionary from the spreadsheet")
	municipalitiesCmd.Flags().StringVar(&municipalitiesSearch, "search", "", "Only list names containing this text (accents and case ignored)")
	municipalitiesCmd.Flags().IntVar(&municipalitiesLimit, "limit", 20, "Number of rows to list, 0 for all")
}
