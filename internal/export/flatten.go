package export

import (
	"time"

	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
)

// Null is written for values AEMET left empty or did not send.
const Null = "null"

// Periods are the day buckets of the flattened row, in column order.
var Periods = [7]string{"00-24", "00-12", "12-24", "00-06", "06-12", "12-18", "18-24"}

// DayLayout is the layout of the fecha field of a forecast day.
const DayLayout = "2006-01-02T00:00:00"

// Row is one municipality's forecast for a single day, one column per
// period bucket for the periodic fields.
type Row struct {
	MunicipalityID string
	Name           string
	Province       string
	Date           string

	PrecipitationProbability [7]string
	SnowLevel                [7]string
	SkyState                 [7]string
	WindDirection            [7]string
	WindSpeed                [7]string
	MaxGust                  [7]string

	TemperatureMax string
	TemperatureMin string
	FeelsLikeMax   string
	FeelsLikeMin   string
	HumidityMax    string
	HumidityMin    string
	UVMax          string
}

// Header returns the 53 column names of the flattened CSV.
func Header() []string {
	h := []string{"codigo_municipio", "nombre", "provincia", "fecha"}
	h = appendPeriodic(h, "probPrecipitacion")
	h = appendPeriodic(h, "cotaNieveProv")
	h = appendPeriodic(h, "estadoCielo")
	for _, p := range Periods {
		h = append(h, "viento_direccion_"+p, "viento_velocidad_"+p)
	}
	h = appendPeriodic(h, "rachaMax")
	return append(h,
		"temperatura_maxima", "temperatura_minima",
		"sensTermica_maxima", "sensTermica_minima",
		"humedadRelativa_maxima", "humedadRelativa_minima",
		"uvMax",
	)
}

func appendPeriodic(h []string, name string) []string {
	for _, p := range Periods {
		h = append(h, name+"_"+p)
	}
	return h
}

// Record renders the row in Header order.
func (r Row) Record() []string {
	out := make([]string, 0, 53)
	out = append(out, r.MunicipalityID, r.Name, r.Province, r.Date)
	out = append(out, r.PrecipitationProbability[:]...)
	out = append(out, r.SnowLevel[:]...)
	out = append(out, r.SkyState[:]...)
	for i := range Periods {
		out = append(out, r.WindDirection[i], r.WindSpeed[i])
	}
	out = append(out, r.MaxGust[:]...)
	return append(out,
		r.TemperatureMax, r.TemperatureMin,
		r.FeelsLikeMax, r.FeelsLikeMin,
		r.HumidityMax, r.HumidityMin,
		r.UVMax,
	)
}

// Flatten builds one Row per record that has a forecast for day. Only the
// first elaboration of each record is considered.
func Flatten(records []forecast.Record, day time.Time) []Row {
	date := day.Format(DayLayout)

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		if len(rec.Forecast) == 0 {
			continue
		}
		pred := rec.Forecast[0]
		for _, d := range pred.Prediction.Days {
			if d.Date != date {
				continue
			}
			rows = append(rows, flattenDay(rec, pred.Province, date, d))
			break
		}
	}
	return rows
}

func flattenDay(rec forecast.Record, province, date string, d forecast.Day) Row {
	return Row{
		MunicipalityID: rec.MunicipalityID,
		Name:           rec.Name,
		Province:       province,
		Date:           date,

		PrecipitationProbability: periodValues(d.PrecipitationProbability),
		SnowLevel:                periodValues(d.SnowLevel),
		SkyState: buckets(d.SkyState,
			func(s forecast.SkyState) string { return s.Period },
			func(s forecast.SkyState) string { return textOrNull(s.Description) }),
		WindDirection: buckets(d.Wind,
			func(w forecast.Wind) string { return w.Period },
			func(w forecast.Wind) string { return text(w.Direction) }),
		WindSpeed: buckets(d.Wind,
			func(w forecast.Wind) string { return w.Period },
			func(w forecast.Wind) string { return text(w.Speed) }),
		MaxGust: periodValues(d.MaxGust),

		TemperatureMax: text(d.Temperature.Max),
		TemperatureMin: text(d.Temperature.Min),
		FeelsLikeMax:   text(d.FeelsLike.Max),
		FeelsLikeMin:   text(d.FeelsLike.Min),
		HumidityMax:    text(d.RelativeHumidity.Max),
		HumidityMin:    text(d.RelativeHumidity.Min),
		UVMax:          text(d.UVMax),
	}
}

func periodValues(items []forecast.PeriodValue) [7]string {
	return buckets(items,
		func(p forecast.PeriodValue) string { return p.Period },
		func(p forecast.PeriodValue) string { return text(p.Value) })
}

// buckets places each item in the column of its periodo label. Items without
// a known label fall back to their position, which matches the order AEMET
// sends the buckets in.
func buckets[T any](items []T, period func(T) string, value func(T) string) [7]string {
	var out [7]string
	for i := range out {
		out[i] = Null
	}

	for pos, item := range items {
		idx := bucketIndex(period(item), pos)
		if idx < 0 {
			continue
		}
		out[idx] = value(item)
	}
	return out
}

func bucketIndex(period string, pos int) int {
	for i, p := range Periods {
		if p == period {
			return i
		}
	}
	if pos < len(Periods) {
		return pos
	}
	return -1
}

func text(v forecast.Value) string {
	if v.IsZero() {
		return Null
	}
	return v.String()
}

func textOrNull(s string) string {
	if s == "" {
		return Null
	}
	return s
}
