package cli

import (
	"github.com/spf13/cobra"

	"github.com/Sternrassler/aemet-forecast-etl/internal/app"
)

var (
	redriveWorkers       int
	redriveSkipUpload    bool
	redriveSkipWarehouse bool
)

var redriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Fetch again the municipalities that failed in the latest run",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Redrive(cmd.Context(), app.RunOptions{
			Workers:       redriveWorkers,
			SkipUpload:    redriveSkipUpload,
			SkipWarehouse: redriveSkipWarehouse,
		})
		return err
	},
}

func init() {
	redriveCmd.Flags().IntVar(&redriveWorkers, "workers", 0, "Concurrent workers (default batch.workers)")
	redriveCmd.Flags().BoolVar(&redriveSkipUpload, "skip-upload", false, "Do not upload files to the bucket")
	redriveCmd.Flags().BoolVar(&redriveSkipWarehouse, "skip-warehouse", false, "Do not load the warehouse")
}
