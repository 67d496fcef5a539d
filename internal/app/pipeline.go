package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Sternrassler/aemet-forecast-etl/internal/export"
	"github.com/Sternrassler/aemet-forecast-etl/internal/ledger"
	"github.com/Sternrassler/aemet-forecast-etl/internal/municipality"
	"github.com/Sternrassler/aemet-forecast-etl/internal/upload"
	"github.com/Sternrassler/aemet-forecast-etl/internal/warehouse"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/batch"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/cache"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/forecast"
	"github.com/Sternrassler/aemet-forecast-etl/pkg/ratelimit"
)

var (
	// ErrUnknownMunicipality is returned when a requested code is not in the
	// dictionary.
	ErrUnknownMunicipality = errors.New("municipality not in dictionary")

	// ErrMissingExport is returned by Redrive when the day's JSON export is
	// gone although an earlier run delivered records for that day.
	ErrMissingExport = errors.New("previous export missing")
)

// partialDeliveryTimeout bounds delivery of a cancelled run's records.
const partialDeliveryTimeout = time.Minute

// RunOptions configure one pipeline run. Zero values fall back to config.
type RunOptions struct {
	// Date is the forecast day to export. Zero means today in app.timezone.
	Date time.Time

	// Municipalities restricts the run to these codes or names, in this order.
	Municipalities []string

	// Limit keeps the first N municipalities. It overrides batch.limit.
	Limit int

	// Workers overrides batch.workers.
	Workers int

	RebuildDictionary bool
	SkipUpload        bool
	SkipWarehouse     bool

	// merge folds the fetched records into an existing JSON export for the
	// date instead of replacing it.
	merge     bool
	redriveOf string
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID         string
	RedriveOf     string
	Date          time.Time
	Total         int
	Succeeded     int
	Failed        []forecast.Entity
	Pending       []forecast.Entity
	Files         export.Files
	Uploaded      []string
	WarehouseRows int64
	Duration      time.Duration
}

// Run fetches the forecast of every selected municipality and delivers the
// result: files on disk, then the bucket, the warehouse and the ledger when
// those are configured. Failed municipalities do not fail the run; they are
// listed in the summary.
func (a *App) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dict, err := a.loadDictionary(opts.RebuildDictionary)
	if err != nil {
		return nil, err
	}

	limit := a.Config.Batch.Limit
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	entities, err := selectEntities(dict, opts.Municipalities, limit)
	if err != nil {
		return nil, err
	}

	if opts.Date.IsZero() {
		opts.Date = a.ForecastDate()
	}

	return a.execute(ctx, entities, opts)
}

// Redrive fetches again the municipalities that failed or were left
// unfinished in the latest recorded run, for that run's forecast date, and
// merges the recovered forecasts into the day's existing export. It refuses
// to run when that export is missing but a run of the chain delivered
// records, since the merge would drop them.
func (a *App) Redrive(ctx context.Context, opts RunOptions) (*Summary, error) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("ledger.path not configured; nothing to redrive from")
	}

	last, delivered, err := latestRun(ctx, l)
	l.Close()
	if err != nil {
		return nil, err
	}

	date, err := time.ParseInLocation("2006-01-02", last.ForecastDate, a.Config.Location())
	if err != nil {
		return nil, fmt.Errorf("run %s: forecast date %q: %w", last.ID, last.ForecastDate, err)
	}

	entities := last.Redrivable()
	if len(entities) == 0 {
		a.Logger.Info().Str("run_id", last.ID).Msg("Latest run has no failed municipalities")
		fmt.Fprintf(a.Out, "Run %s has no failed municipalities.\n", last.ID)
		return &Summary{RedriveOf: last.ID, Date: date}, nil
	}

	if delivered {
		path := filepath.Join(a.Config.Export.Dir, export.JSONName(date))
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s; rerun the day with --date %s", ErrMissingExport, path, last.ForecastDate)
		}
	}

	if today := a.ForecastDate(); !today.Equal(date) {
		a.Logger.Warn().
			Str("run_date", last.ForecastDate).
			Str("today", today.Format("2006-01-02")).
			Msg("Re-driving an earlier day; AEMET may no longer publish it")
	}

	opts.Date = date
	opts.merge = true
	opts.redriveOf = last.ID

	a.Logger.Info().
		Str("run_id", last.ID).
		Int("failed", len(last.Failed)).
		Int("pending", len(last.Pending)).
		Msg("Re-driving failed municipalities")

	return a.execute(ctx, entities, opts)
}

// latestRun returns the latest run and whether it or any run it re-drove,
// directly or not, delivered records.
func latestRun(ctx context.Context, l *ledger.Ledger) (*ledger.RunRecord, bool, error) {
	last, err := l.Latest(ctx)
	if err != nil {
		return nil, false, err
	}

	seen := map[string]bool{}
	for run := last; ; {
		if run.Succeeded > 0 {
			return last, true, nil
		}
		seen[run.ID] = true
		if run.RedriveOf == "" || seen[run.RedriveOf] {
			return last, false, nil
		}
		if run, err = l.Get(ctx, run.RedriveOf); err != nil {
			if errors.Is(err, ledger.ErrNoRuns) {
				return last, false, nil
			}
			return nil, false, err
		}
	}
}

func (a *App) execute(ctx context.Context, entities []forecast.Entity, opts RunOptions) (*Summary, error) {
	started := a.now()

	pool, err := a.newPool()
	if err != nil {
		return nil, err
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	f := &fetchers{
		pool:    pool,
		tracker: ratelimit.NewTracker(rdb, a.base.With().Str("component", "ratelimit").Logger()),
		config:  a.clientConfig(opts.Date),
		logger:  a.base,
	}
	if rdb != nil {
		f.cache = cache.NewManager(rdb)
	}

	if a.Config.Server.Addr != "" {
		stop := a.startServer(a.newMux(pool, f.tracker))
		defer stop()
	}

	workers := a.Config.Batch.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}

	a.Logger.Info().
		Str("date", opts.Date.Format("2006-01-02")).
		Int("municipalities", len(entities)).
		Int("keys", pool.Size()).
		Int("workers", workers).
		Msg("Starting forecast run")

	result, batchErr := a.runBatch(ctx, f, entities, workers)

	summary := &Summary{
		RedriveOf: opts.redriveOf,
		Date:      opts.Date,
		Total:     len(entities),
		Succeeded: len(result.Succeeded),
		Failed:    result.Failed,
	}

	deliverCtx := ctx
	if batchErr != nil {
		summary.Pending = unfinished(entities, result)

		// A partial result is merged so it never shrinks what earlier runs
		// delivered for the day.
		opts.merge = true
		var cancelDeliver context.CancelFunc
		deliverCtx, cancelDeliver = context.WithTimeout(context.WithoutCancel(ctx), partialDeliveryTimeout)
		defer cancelDeliver()

		a.Logger.Warn().
			Err(batchErr).
			Int("succeeded", len(result.Succeeded)).
			Int("failed", len(result.Failed)).
			Int("pending", len(summary.Pending)).
			Msg("Batch interrupted; delivering partial result")
	}

	var deliverErr error
	if batchErr == nil || len(result.Succeeded) > 0 {
		deliverErr = a.deliver(deliverCtx, summary, result.Succeeded, opts)
	}
	summary.Duration = a.now().Sub(started)

	runErr := errors.Join(batchErr, deliverErr)
	if err := a.record(context.WithoutCancel(ctx), summary, started, runErr); err != nil {
		runErr = errors.Join(runErr, err)
	}

	fmt.Fprint(a.Out, RenderSummary(summary))
	return summary, runErr
}

func (a *App) runBatch(ctx context.Context, f *fetchers, entities []forecast.Entity, workers int) (forecast.BatchResult, error) {
	cfg := batch.Config{
		Attempts:   a.Config.Batch.Attempts,
		RetryDelay: a.Config.Batch.RetryDelay,
	}

	if workers <= 1 {
		c, err := f.newClient()
		if err != nil {
			return forecast.BatchResult{}, err
		}
		defer c.Close()
		return batch.NewRunner(c, cfg, a.base).Run(ctx, entities)
	}

	return batch.NewParallelRunner(f.factory, batch.ParallelConfig{
		Workers: workers,
		Runner:  cfg,
	}, a.base).Run(ctx, entities)
}

// deliver writes, uploads and loads the succeeded records. Each configured
// destination is attempted even when an earlier one failed.
func (a *App) deliver(ctx context.Context, summary *Summary, records []forecast.Record, opts RunOptions) error {
	if opts.merge {
		path := filepath.Join(a.Config.Export.Dir, export.JSONName(opts.Date))
		existing, err := export.ReadRecords(path)
		switch {
		case err == nil:
			records = export.MergeRecords(existing, records)
		case !errors.Is(err, fs.ErrNotExist):
			return fmt.Errorf("read previous export: %w", err)
		}
	}

	files, err := export.New(a.Config.Export.Dir, a.base).Export(records, opts.Date, export.Options{
		CSV:       a.Config.Export.CSV,
		DetailCSV: a.Config.Export.DetailCSV,
		Chart:     a.Config.Export.Chart,
	})
	summary.Files = files
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	var errs []error

	if a.Config.Storage.Bucket != "" && !opts.SkipUpload {
		uploaded, err := a.upload(ctx, files, opts.Date)
		summary.Uploaded = uploaded
		if err != nil {
			errs = append(errs, fmt.Errorf("upload: %w", err))
		}
	}

	if a.Config.Warehouse.DSN != "" && !opts.SkipWarehouse {
		n, err := a.loadWarehouse(ctx, export.Flatten(records, opts.Date), opts.Date, opts.merge)
		summary.WarehouseRows = n
		if err != nil {
			errs = append(errs, fmt.Errorf("warehouse: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (a *App) upload(ctx context.Context, files export.Files, date time.Time) ([]string, error) {
	u, err := upload.New(ctx, a.Config.Storage.Bucket, a.base)
	if err != nil {
		return nil, err
	}
	defer u.Close()

	return u.UploadAll(ctx, files.Paths(), date)
}

// loadWarehouse replaces the day's rows, or upserts them when merging so rows
// of municipalities outside this run survive.
func (a *App) loadWarehouse(ctx context.Context, rows []export.Row, date time.Time, merge bool) (int64, error) {
	pool, err := warehouse.NewPool(ctx, a.Config.Warehouse)
	if err != nil {
		return 0, err
	}

	loader := warehouse.NewLoader(pool, a.base)
	defer loader.Close()

	if err := loader.EnsureSchema(ctx); err != nil {
		return 0, err
	}
	if merge {
		return loader.Upsert(ctx, rows)
	}
	return loader.Replace(ctx, date, rows)
}

func (a *App) record(ctx context.Context, summary *Summary, started time.Time, runErr error) error {
	l, err := a.openLedger()
	if err != nil || l == nil {
		return err
	}
	defer l.Close()

	run := ledger.RunRecord{
		ForecastDate: summary.Date.Format("2006-01-02"),
		StartedAt:    started,
		FinishedAt:   started.Add(summary.Duration),
		Total:        summary.Total,
		Succeeded:    summary.Succeeded,
		Failed:       summary.Failed,
		Pending:      summary.Pending,
		RedriveOf:    summary.RedriveOf,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	id, err := l.RecordRun(ctx, run)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	summary.RunID = id
	return nil
}

// unfinished returns the entities that are in neither list of result, in
// input order.
func unfinished(entities []forecast.Entity, result forecast.BatchResult) []forecast.Entity {
	done := make(map[string]struct{}, len(result.Succeeded)+len(result.Failed))
	for _, r := range result.Succeeded {
		done[r.MunicipalityID] = struct{}{}
	}
	for _, e := range result.Failed {
		done[e.ID] = struct{}{}
	}

	var out []forecast.Entity
	for _, e := range entities {
		if _, ok := done[e.ID]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// selectEntities picks municipalities by code or name from the dictionary,
// or its first limit entries when none are given.
func selectEntities(dict *municipality.Dictionary, codes []string, limit int) ([]forecast.Entity, error) {
	if len(codes) == 0 {
		return dict.Entities(limit), nil
	}

	out := make([]forecast.Entity, 0, len(codes))
	for _, code := range codes {
		e, ok := dict.Lookup(code)
		if !ok {
			byName, found := dict.CodeFor(code)
			if !found {
				return nil, fmt.Errorf("%w: %s", ErrUnknownMunicipality, code)
			}
			e, _ = dict.Lookup(byName)
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
