// Package municipality loads the INE municipality dictionary that drives a
// forecast batch: the yearly spreadsheet published by INE, and the
// municipios.json file derived from it.
package municipality

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
)

// Spreadsheet column positions after the title row.
const (
	colCODAUTO = iota
	colCPRO
	colCMUN
	colDC
	colNOMBRE
	columnCount
)

// ErrNoMunicipalities is returned when a source yields no entries.
var ErrNoMunicipalities = errors.New("no municipalities found")

// ReadSpreadsheet reads the INE dictionary (diccionarioYY.xlsx). The first
// row is a title, the second the CODAUTO/CPRO/CMUN/DC/NOMBRE header; data
// starts on the third row of the first sheet.
func ReadSpreadsheet(path string) ([]forecast.Entity, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet %s has no sheets", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) < 2 {
		return nil, ErrNoMunicipalities
	}

	entities := make([]forecast.Entity, 0, len(rows))
	for i, row := range rows[2:] {
		if blank(row) {
			continue
		}
		line := i + 3
		if len(row) < columnCount {
			return nil, fmt.Errorf("row %d: expected %d columns, got %d", line, columnCount, len(row))
		}

		code, err := Code(row[colCPRO], row[colCMUN])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		entities = append(entities, forecast.Entity{
			ID:   code,
			Name: strings.TrimSpace(row[colNOMBRE]),
		})
	}

	if len(entities) == 0 {
		return nil, ErrNoMunicipalities
	}
	return entities, nil
}

// Code builds the five digit municipality code from the province (CPRO) and
// municipality (CMUN) numbers, left-padding them to two and three digits.
func Code(province, municipality string) (string, error) {
	cpro, err := zfill(province, 2)
	if err != nil {
		return "", fmt.Errorf("CPRO: %w", err)
	}
	cmun, err := zfill(municipality, 3)
	if err != nil {
		return "", fmt.Errorf("CMUN: %w", err)
	}
	return cpro + cmun, nil
}

func zfill(s string, width int) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty value")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%q is not numeric", s)
		}
	}
	if len(s) > width {
		return "", fmt.Errorf("%q is longer than %d digits", s, width)
	}
	return strings.Repeat("0", width-len(s)) + s, nil
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// WriteJSON writes entities to path as an indented JSON array.
func WriteJSON(path string, entities []forecast.Entity) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(entities); err != nil {
		return fmt.Errorf("encode municipalities: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadJSON reads a municipios.json file.
func ReadJSON(path string) ([]forecast.Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entities []forecast.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(entities) == 0 {
		return nil, ErrNoMunicipalities
	}
	return entities, nil
}

// Normalize strips diacritics and upper-cases a municipality name so that
// "Alcalá de Henares" and "ALCALA DE HENARES" compare equal.
func Normalize(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, name)
	if err != nil {
		out = name
	}
	return strings.ToUpper(strings.TrimSpace(out))
}

// Dictionary indexes entities by code and by normalized name.
type Dictionary struct {
	entities []forecast.Entity
	byName   map[string]string
	byCode   map[string]forecast.Entity
}

// NewDictionary indexes entities. On duplicate normalized names the first
// code wins.
func NewDictionary(entities []forecast.Entity) *Dictionary {
	d := &Dictionary{
		entities: append([]forecast.Entity(nil), entities...),
		byName:   make(map[string]string, len(entities)),
		byCode:   make(map[string]forecast.Entity, len(entities)),
	}
	for _, e := range entities {
		key := Normalize(e.Name)
		if _, ok := d.byName[key]; !ok {
			d.byName[key] = e.ID
		}
		d.byCode[e.ID] = e
	}
	return d
}

// Len returns the number of entities.
func (d *Dictionary) Len() int {
	return len(d.entities)
}

// Entities returns the first limit entities in dictionary order, or all of
// them when limit is zero or exceeds the size.
func (d *Dictionary) Entities(limit int) []forecast.Entity {
	n := len(d.entities)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]forecast.Entity(nil), d.entities[:n]...)
}

// CodeFor returns the code of a municipality by name, ignoring accents and case.
func (d *Dictionary) CodeFor(name string) (string, bool) {
	code, ok := d.byName[Normalize(name)]
	return code, ok
}

// Lookup returns the entity with the given code.
func (d *Dictionary) Lookup(code string) (forecast.Entity, bool) {
	e, ok := d.byCode[code]
	return e, ok
}
