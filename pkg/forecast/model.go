// Package forecast holds the data model shared by the fetch client, the batch
// runner and the export collaborators: target entities, the AEMET daily
// municipal forecast payload, and batch outcomes.
package forecast

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// Entity is a municipality to fetch.
type Entity struct {
	// ID is the five digit INE code (two digit province + three digit municipality).
	ID string `json:"codigo_municipio"`

	// Name is the display name from the municipality dictionary.
	Name string `json:"nombre"`
}

// Record is one municipality's successful result.
type Record struct {
	MunicipalityID string   `json:"codigo_municipio"`
	Name           string   `json:"nombre"`
	Forecast       Forecast `json:"prediccion"`
}

// BatchResult partitions the input entities of a batch run.
// Every input entity appears in exactly one of the two slices.
type BatchResult struct {
	Succeeded []Record `json:"succeeded"`
	Failed    []Entity `json:"failed"`
}

// Total returns the number of entities accounted for.
func (r BatchResult) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}

// Forecast is the stage-2 body: one element per elaboration.
type Forecast []Prediction

// StripTransient drops the per-elaboration provenance block, which changes on
// every request and carries no forecast data.
func (f Forecast) StripTransient() {
	for i := range f {
		f[i].Origin = nil
		delete(f[i].raw, "origen")
	}
}

// Prediction is one elaboration of the municipal daily forecast.
//
// The typed fields are a read-only view of a decoded elaboration: encoding
// writes back every field AEMET sent, including ones the view does not
// model. Predictions built in code encode from the typed fields.
type Prediction struct {
	Origin     json.RawMessage `json:"origen,omitempty"`
	Elaborated string          `json:"elaborado"`
	Name       string          `json:"nombre"`
	Province   string          `json:"provincia"`
	Prediction DailyPrediction `json:"prediccion"`
	ID         Value           `json:"id,omitempty"`
	Version    Value           `json:"version,omitempty"`

	raw map[string]json.RawMessage
}

type plainPrediction Prediction

// UnmarshalJSON decodes the typed view and keeps the raw fields.
func (p *Prediction) UnmarshalJSON(data []byte) error {
	var typed plainPrediction
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Prediction(typed)
	p.raw = raw
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Prediction) MarshalJSON() ([]byte, error) {
	if p.raw == nil {
		return json.Marshal(plainPrediction(p))
	}
	return json.Marshal(p.raw)
}

// Fields returns the names of every field of a decoded elaboration.
func (p Prediction) Fields() []string {
	names := make([]string, 0, len(p.raw))
	for name := range p.raw {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DailyPrediction wraps the per-day records.
type DailyPrediction struct {
	Days []Day `json:"dia"`
}

// Day is one forecast day. Periodic fields hold one element per period
// bucket (00-24, 00-12, 12-24, 00-06, 06-12, 12-18, 18-24); later days in
// the horizon only carry the coarser buckets.
type Day struct {
	PrecipitationProbability []PeriodValue `json:"probPrecipitacion"`
	SnowLevel                []PeriodValue `json:"cotaNieveProv"`
	SkyState                 []SkyState    `json:"estadoCielo"`
	Wind                     []Wind        `json:"viento"`
	MaxGust                  []PeriodValue `json:"rachaMax"`
	Temperature              Range         `json:"temperatura"`
	FeelsLike                Range         `json:"sensTermica"`
	RelativeHumidity         Range         `json:"humedadRelativa"`
	UVMax                    Value         `json:"uvMax,omitempty"`
	Date                     string        `json:"fecha"`
}

// PeriodValue is a value attached to a period bucket.
type PeriodValue struct {
	Value  Value  `json:"value"`
	Period string `json:"periodo,omitempty"`
}

// SkyState is the sky code and its description for a period bucket.
type SkyState struct {
	Value       Value  `json:"value"`
	Period      string `json:"periodo,omitempty"`
	Description string `json:"descripcion"`
}

// Wind is direction and speed for a period bucket.
type Wind struct {
	Direction Value  `json:"direccion"`
	Speed     Value  `json:"velocidad"`
	Period    string `json:"periodo,omitempty"`
}

// Range is a daily maximum/minimum plus hourly samples.
type Range struct {
	Max     Value         `json:"maxima"`
	Min     Value         `json:"minima"`
	Samples []HourlyValue `json:"dato"`
}

// HourlyValue is a sample at a given hour.
type HourlyValue struct {
	Value Value `json:"value"`
	Hour  Value `json:"hora"`
}

// Value keeps a scalar exactly as AEMET sent it. The API mixes numbers,
// numeric strings and empty strings for the same field.
type Value json.RawMessage

// V builds a Value from its textual form: numeric text stays a JSON number,
// anything else becomes a JSON string.
func V(s string) Value {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return Value(s)
	}
	b, _ := json.Marshal(s)
	return Value(b)
}

// String returns the unquoted text of the value, or "" for null and missing values.
func (v Value) String() string {
	raw := bytes.TrimSpace(v)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// IsZero reports whether the value is missing, null or an empty string.
func (v Value) IsZero() bool {
	return v.String() == ""
}

// Float parses the value as a number.
func (v Value) Float() (float64, bool) {
	f, err := strconv.ParseFloat(v.String(), 64)
	return f, err == nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}
