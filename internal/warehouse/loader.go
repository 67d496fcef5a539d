// Package warehouse loads the flattened daily forecast into PostgreSQL.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/aemet-forecast-etl/internal/config"
	"github.com/Sternrassler/aemet-forecast-etl/internal/export"
)

// TableName is the warehouse table holding one row per municipality and day.
const TableName = "aemet_forecast_daily"

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.WarehouseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse warehouse dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Columns returns the table columns in export.Header order: the CSV names
// lower-cased with dashes replaced by underscores.
func Columns() []string {
	header := export.Header()
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.ToLower(strings.ReplaceAll(h, "-", "_"))
	}
	return cols
}

// SchemaSQL returns the CREATE TABLE statement for TableName.
func SchemaSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", TableName)
	for _, col := range Columns() {
		switch col {
		case "codigo_municipio":
			b.WriteString("    codigo_municipio TEXT NOT NULL,\n")
		case "fecha":
			b.WriteString("    fecha DATE NOT NULL,\n")
		default:
			fmt.Fprintf(&b, "    %s TEXT,\n", col)
		}
	}
	b.WriteString("    loaded_at TIMESTAMPTZ NOT NULL DEFAULT now(),\n")
	b.WriteString("    PRIMARY KEY (codigo_municipio, fecha)\n)")
	return b.String()
}

const deleteDaySQL = `DELETE FROM ` + TableName + ` WHERE fecha = $1`

const stagingTable = "aemet_forecast_staging"

// UpsertSQL returns the statement that moves staged rows into TableName,
// overwriting rows with the same municipality and day.
func UpsertSQL() string {
	cols := Columns()
	set := make([]string, 0, len(cols))
	for _, col := range cols {
		if col == "codigo_municipio" || col == "fecha" {
			continue
		}
		set = append(set, col+" = EXCLUDED."+col)
	}
	set = append(set, "loaded_at = now()")

	list := strings.Join(cols, ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (codigo_municipio, fecha) DO UPDATE SET %s",
		TableName, list, list, stagingTable, strings.Join(set, ", "))
}

// Loader writes flattened rows to the warehouse.
type Loader struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewLoader wraps a pool.
func NewLoader(pool *pgxpool.Pool, logger zerolog.Logger) *Loader {
	return &Loader{
		pool:   pool,
		logger: logger.With().Str("component", "warehouse").Logger(),
	}
}

// EnsureSchema creates the table when it does not exist.
func (l *Loader) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, SchemaSQL()); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Replace deletes every row dated date and copies rows in, in one
// transaction. It returns the number of rows copied.
func (l *Loader) Replace(ctx context.Context, date time.Time, rows []export.Row) (int64, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, deleteDaySQL, day)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", day.Format("2006-01-02"), err)
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{TableName}, Columns(), pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return Values(rows[i])
	}))
	if err != nil {
		return 0, fmt.Errorf("copy rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	l.logger.Info().
		Str("date", day.Format("2006-01-02")).
		Int64("deleted", tag.RowsAffected()).
		Int64("inserted", copied).
		Msg("Warehouse day replaced")

	return copied, nil
}

// Upsert inserts rows, overwriting existing rows for the same municipality
// and day. Other rows of the day are kept. It returns the number of rows
// written.
func (l *Loader) Upsert(ctx context.Context, rows []export.Row) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	createStaging := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", stagingTable, TableName)
	if _, err := tx.Exec(ctx, createStaging); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stagingTable}, Columns(), pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		return Values(rows[i])
	})); err != nil {
		return 0, fmt.Errorf("copy rows: %w", err)
	}

	tag, err := tx.Exec(ctx, UpsertSQL())
	if err != nil {
		return 0, fmt.Errorf("upsert rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	l.logger.Info().
		Int("rows", len(rows)).
		Int64("written", tag.RowsAffected()).
		Msg("Warehouse rows upserted")

	return tag.RowsAffected(), nil
}

// Values converts a row for CopyFrom: fecha becomes a date and "null"
// becomes SQL NULL.
func Values(r export.Row) ([]any, error) {
	record := r.Record()
	out := make([]any, len(record))
	for i, v := range record {
		switch {
		case i == 3:
			d, err := time.Parse(export.DayLayout, v)
			if err != nil {
				return nil, fmt.Errorf("row %s: fecha %q: %w", r.MunicipalityID, v, err)
			}
			out[i] = d
		case v == export.Null:
			out[i] = nil
		default:
			out[i] = v
		}
	}
	return out, nil
}

// Close closes the pool.
func (l *Loader) Close() {
	l.pool.Close()
}
