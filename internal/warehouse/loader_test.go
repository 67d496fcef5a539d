package warehouse

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/aemet-forecast-etl/internal/config"
	"github.com/Sternrassler/aemet-forecast-etl/internal/export"
)

func TestColumns(t *testing.T) {
	cols := Columns()
	require.Len(t, cols, 53)
	assert.Equal(t, "codigo_municipio", cols[0])
	assert.Equal(t, "fecha", cols[3])
	assert.Equal(t, "probprecipitacion_00_24", cols[4])
	assert.Equal(t, "viento_velocidad_18_24", cols[38])
	assert.Equal(t, "uvmax", cols[52])

	for _, c := range cols {
		assert.NotContains(t, c, "-")
	}
}

func TestSchemaSQL(t *testing.T) {
	sql := SchemaSQL()
	assert.True(t, strings.HasPrefix(sql, "CREATE TABLE IF NOT EXISTS aemet_forecast_daily"))
	assert.Contains(t, sql, "fecha DATE NOT NULL")
	assert.Contains(t, sql, "estadocielo_12_18 TEXT")
	assert.Contains(t, sql, "PRIMARY KEY (codigo_municipio, fecha)")
}

func TestUpsertSQL(t *testing.T) {
	sql := UpsertSQL()
	assert.True(t, strings.HasPrefix(sql, "INSERT INTO aemet_forecast_daily (codigo_municipio, nombre, provincia, fecha,"))
	assert.Contains(t, sql, "FROM aemet_forecast_staging")
	assert.Contains(t, sql, "ON CONFLICT (codigo_municipio, fecha) DO UPDATE SET nombre = EXCLUDED.nombre")
	assert.Contains(t, sql, "uvmax = EXCLUDED.uvmax, loaded_at = now()")
	assert.NotContains(t, sql, "codigo_municipio = EXCLUDED")
	assert.NotContains(t, sql, "fecha = EXCLUDED")
	assert.NotContains(t, sql, "DELETE")
}

func TestValues(t *testing.T) {
	row := export.Row{
		MunicipalityID: "28079",
		Name:           "Madrid",
		Province:       "Madrid",
		Date:           "2025-04-10T00:00:00",
		TemperatureMax: "24",
		TemperatureMin: export.Null,
	}
	for i := range row.PrecipitationProbability {
		row.PrecipitationProbability[i] = "0"
	}

	values, err := Values(row)
	require.NoError(t, err)
	require.Len(t, values, 53)

	assert.Equal(t, "28079", values[0])
	assert.Equal(t, time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC), values[3])
	assert.Equal(t, "0", values[4])
	assert.Equal(t, "24", values[46])
	assert.Nil(t, values[47])
}

func TestValues_BadDate(t *testing.T) {
	_, err := Values(export.Row{MunicipalityID: "28079", Date: "10/04/2025"})
	assert.Error(t, err)
}

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(context.Background(), config.WarehouseConfig{})
	assert.Error(t, err)

	_, err = NewPool(context.Background(), config.WarehouseConfig{DSN: "://not a dsn"})
	assert.Error(t, err)
}
