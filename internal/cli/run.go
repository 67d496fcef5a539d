package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/aemet-forecast-etl/internal/app"
)

var (
	runDate              string
	runLimit             int
	runWorkers           int
	runMunicipalities    []string
	runRebuildDictionary bool
	runSkipUpload        bool
	runSkipWarehouse     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch today's forecast for every municipality and deliver it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		if runWorkers < 0 {
			return fmt.Errorf("--workers cannot be negative")
		}

		a := getApp()
		opts := app.RunOptions{
			Limit:             runLimit,
			Workers:           runWorkers,
			Municipalities:    runMunicipalities,
			RebuildDictionary: runRebuildDictionary,
			SkipUpload:        runSkipUpload,
			SkipWarehouse:     runSkipWarehouse,
		}

		if runDate != "" {
			date, err := time.ParseInLocation("2006-01-02", runDate, a.Config.Location())
			if err != nil {
				return fmt.Errorf("invalid --date value: %w", err)
			}
			opts.Date = date
		}

		_, err := a.Run(cmd.Context(), opts)
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runDate, "date", "", "Forecast day to export (YYYY-MM-DD, default today in app.timezone)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "Process only the first N municipalities")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Concurrent workers, one API key each (default batch.workers)")
	runCmd.Flags().StringSliceVarP(&runMunicipalities, "municipality", "m", nil, "Municipality code or name to fetch (repeatable)")
	runCmd.Flags().BoolVar(&runRebuildDictionary, "rebuild-dictionary", false, "Regenerate the municipality JSON from the spreadsheet")
	runCmd.Flags().BoolVar(&runSkipUpload, "skip-upload", false, "Do not upload files to the bucket")
	runCmd.Flags().BoolVar(&runSkipWarehouse, "skip-warehouse", false, "Do not load the warehouse")
}
