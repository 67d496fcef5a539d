package cli

import (
	"github.com/spf13/cobra"

	"github.com/Sternrassler/aemet-forecast-etl/internal/app"
)

var (
	cleanWorkDir        string
	cleanKeepDictionary bool
	cleanCache          bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove files generated by previous runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Clean(cmd.Context(), app.CleanOptions{
			WorkDir:        cleanWorkDir,
			KeepDictionary: cleanKeepDictionary,
			Cache:          cleanCache,
		})
	},
}

func init() {
	cleanCmd.Flags().StringVar(&cleanWorkDir, "work-dir", ".", "Directory scanned for leftover forecast JSON files")
	cleanCmd.Flags().BoolVar(&cleanKeepDictionary, "keep-dictionary", false, "Keep the municipality JSON dictionary")
	cleanCmd.Flags().BoolVar(&cleanCache, "cache", false, "Also purge cached forecasts from Redis")
}
