// Package export writes batch results to disk: the raw JSON records, the
// flattened daily CSV, the per-period detail CSV and a temperature chart.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
)

// FilePrefix starts the name of every forecast output file.
const FilePrefix = "predicciones_municipios_"

// JSONName returns the records file name for a date.
func JSONName(date time.Time) string {
	return FilePrefix + date.Format("2006-01-02") + ".json"
}

// CSVName returns the flattened CSV file name for a date.
func CSVName(date time.Time) string {
	return FilePrefix + date.Format("2006-01-02") + ".csv"
}

// DetailCSVName returns the per-period CSV file name for a date.
func DetailCSVName(date time.Time) string {
	return FilePrefix + "detalle_" + date.Format("2006-01-02") + ".csv"
}

// ChartName returns the temperature chart file name for a date.
func ChartName(date time.Time) string {
	return "temperaturas_municipios_" + date.Format("2006-01-02") + ".png"
}

// Options selects the optional outputs. The JSON file is always written.
type Options struct {
	CSV       bool
	DetailCSV bool
	Chart     bool
}

// Files lists the paths written by Export. Empty fields were not written.
type Files struct {
	JSON      string
	CSV       string
	DetailCSV string
	Chart     string
}

// Paths returns the non-empty paths.
func (f Files) Paths() []string {
	var out []string
	for _, p := range []string{f.JSON, f.CSV, f.DetailCSV, f.Chart} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Exporter writes output files into a directory.
type Exporter struct {
	dir    string
	logger zerolog.Logger
}

// New creates an exporter for dir.
func New(dir string, logger zerolog.Logger) *Exporter {
	return &Exporter{
		dir:    dir,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// Export writes the outputs for a batch fetched on date.
func (e *Exporter) Export(records []forecast.Record, date time.Time, opts Options) (Files, error) {
	var files Files

	path := filepath.Join(e.dir, JSONName(date))
	if err := WriteRecords(path, records); err != nil {
		return files, fmt.Errorf("write records: %w", err)
	}
	files.JSON = path

	rows := Flatten(records, date)

	if opts.CSV {
		path := filepath.Join(e.dir, CSVName(date))
		if err := WriteCSV(path, rows); err != nil {
			return files, fmt.Errorf("write csv: %w", err)
		}
		files.CSV = path
	}

	if opts.DetailCSV {
		path := filepath.Join(e.dir, DetailCSVName(date))
		if err := WriteDetailCSV(path, records); err != nil {
			return files, fmt.Errorf("write detail csv: %w", err)
		}
		files.DetailCSV = path
	}

	if opts.Chart {
		path := filepath.Join(e.dir, ChartName(date))
		err := WriteChart(path, rows)
		switch {
		case errors.Is(err, ErrTooFewPoints):
			e.logger.Warn().Int("rows", len(rows)).Msg("Not enough temperatures for a chart, skipping")
		case err != nil:
			return files, fmt.Errorf("write chart: %w", err)
		default:
			files.Chart = path
		}
	}

	e.logger.Info().
		Int("records", len(records)).
		Int("rows", len(rows)).
		Strs("files", files.Paths()).
		Msg("Export complete")

	return files, nil
}

// WriteRecords writes records as an indented JSON array.
func WriteRecords(path string, records []forecast.Record) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if records == nil {
		records = []forecast.Record{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(records); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadRecords reads a file written by WriteRecords.
func ReadRecords(path string) ([]forecast.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []forecast.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

// MergeRecords returns existing with every record of fresh applied: a record
// for a municipality already present replaces it in place, others are
// appended in fresh order.
func MergeRecords(existing, fresh []forecast.Record) []forecast.Record {
	out := make([]forecast.Record, len(existing), len(existing)+len(fresh))
	copy(out, existing)

	index := make(map[string]int, len(existing))
	for i, r := range out {
		index[r.MunicipalityID] = i
	}
	for _, r := range fresh {
		if i, ok := index[r.MunicipalityID]; ok {
			out[i] = r
			continue
		}
		index[r.MunicipalityID] = len(out)
		out = append(out, r)
	}
	return out
}

// WriteCSV writes the flattened rows under Header.
func WriteCSV(path string, rows []Row) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.Record())
	}
	return writeCSV(path, Header(), records)
}

func writeCSV(path string, header []string, records [][]string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Stale file prefixes removed by Clean from the working directory.
var cleanPrefixes = []string{
	"historico_hilo_",
	"predicciones_municipios_hilo_",
	FilePrefix,
}

// Clean removes generated files: JSON files in workDir whose name starts
// with a known output prefix, the extra files named, and every regular file
// in outputDir. Missing paths are ignored. It returns the removed paths.
func Clean(workDir, outputDir string, extra ...string) ([]string, error) {
	var removed []string
	var errs []error

	remove := func(path string) {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed = append(removed, path)
		case !errors.Is(err, os.ErrNotExist):
			errs = append(errs, err)
		}
	}

	for _, path := range extra {
		remove(path)
	}

	entries, err := os.ReadDir(workDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		for _, prefix := range cleanPrefixes {
			if strings.HasPrefix(name, prefix) {
				remove(filepath.Join(workDir, name))
				break
			}
		}
	}

	entries, err = os.ReadDir(outputDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			remove(filepath.Join(outputDir, entry.Name()))
		}
	}

	return removed, errors.Join(errs...)
}
