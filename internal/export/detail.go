package export

import (
	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
)

// DetailHeader is the column set of the per-period detail CSV.
var DetailHeader = []string{
	"codigo_municipio", "nombre_municipio", "elaborado", "provincia",
	"fecha", "periodo", "probPrecipitacion", "cotaNieveProv", "estadoCielo",
	"viento_direccion", "viento_velocidad", "rachaMax", "temperatura_maxima",
	"temperatura_minima", "temperatura_hora", "temperatura_value",
	"sensTermica_maxima", "sensTermica_minima", "sensTermica_hora", "sensTermica_value",
	"humedadRelativa_maxima", "humedadRelativa_minima", "humedadRelativa_hora",
	"humedadRelativa_value", "uvMax",
}

// DetailRecords unnests every forecast day into one row per index of the
// precipitation list, pairing it with the hourly sample at the same index.
// Indexes without a temperature, feels-like and humidity sample are skipped.
func DetailRecords(records []forecast.Record) [][]string {
	var out [][]string
	for _, rec := range records {
		for _, pred := range rec.Forecast {
			for _, d := range pred.Prediction.Days {
				for i := range d.PrecipitationProbability {
					if i >= len(d.Temperature.Samples) || i >= len(d.FeelsLike.Samples) || i >= len(d.RelativeHumidity.Samples) {
						continue
					}
					out = append(out, detailRow(rec, pred, d, i))
				}
			}
		}
	}
	return out
}

func detailRow(rec forecast.Record, pred forecast.Prediction, d forecast.Day, i int) []string {
	pp := d.PrecipitationProbability[i]
	temp := d.Temperature.Samples[i]
	feels := d.FeelsLike.Samples[i]
	hum := d.RelativeHumidity.Samples[i]

	var snow, gust forecast.Value
	if i < len(d.SnowLevel) {
		snow = d.SnowLevel[i].Value
	}
	if i < len(d.MaxGust) {
		gust = d.MaxGust[i].Value
	}
	var sky string
	if i < len(d.SkyState) {
		sky = d.SkyState[i].Description
	}
	var windDir, windSpeed forecast.Value
	if i < len(d.Wind) {
		windDir, windSpeed = d.Wind[i].Direction, d.Wind[i].Speed
	}

	return []string{
		rec.MunicipalityID, rec.Name, pred.Elaborated, pred.Province,
		d.Date, pp.Period, pp.Value.String(), snow.String(), sky,
		windDir.String(), windSpeed.String(), gust.String(),
		d.Temperature.Max.String(), d.Temperature.Min.String(),
		temp.Hour.String(), temp.Value.String(),
		d.FeelsLike.Max.String(), d.FeelsLike.Min.String(),
		feels.Hour.String(), feels.Value.String(),
		d.RelativeHumidity.Max.String(), d.RelativeHumidity.Min.String(),
		hum.Hour.String(), hum.Value.String(),
		d.UVMax.String(),
	}
}

// WriteDetailCSV writes DetailRecords under DetailHeader.
func WriteDetailCSV(path string, records []forecast.Record) error {
	return writeCSV(path, DetailHeader, DetailRecords(records))
}
