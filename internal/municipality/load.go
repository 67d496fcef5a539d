package municipality

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"
)

// Load returns the dictionary stored at jsonPath. When the file is missing,
// or rebuild is set, it is regenerated from the spreadsheet first.
func Load(spreadsheetPath, jsonPath string, rebuild bool, logger zerolog.Logger) (*Dictionary, error) {
	logger = logger.With().Str("component", "municipality").Logger()

	if !rebuild {
		entities, err := ReadJSON(jsonPath)
		if err == nil {
			logger.Debug().Str("path", jsonPath).Int("municipalities", len(entities)).Msg("Loaded municipality dictionary")
			return NewDictionary(entities), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		logger.Info().Str("path", jsonPath).Msg("Municipality dictionary not found, building from spreadsheet")
	}

	entities, err := ReadSpreadsheet(spreadsheetPath)
	if err != nil {
		return nil, fmt.Errorf("build municipality dictionary from %s: %w", spreadsheetPath, err)
	}
	if err := WriteJSON(jsonPath, entities); err != nil {
		return nil, fmt.Errorf("write %s: %w", jsonPath, err)
	}

	logger.Info().
		Str("spreadsheet", spreadsheetPath).
		Str("path", jsonPath).
		Int("municipalities", len(entities)).
		Msg("Municipality dictionary written")

	return NewDictionary(entities), nil
}
