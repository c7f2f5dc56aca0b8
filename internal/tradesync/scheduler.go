// Package tradesync imports venue fills into the ledger on a schedule. Each
// (exchange, scope) job keeps a persisted cursor so windows are neither
// reprocessed nor skipped.
package tradesync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"krakenbot/config"
	"krakenbot/internal/events"
	"krakenbot/internal/exchange"
	"krakenbot/internal/ledger"
	"krakenbot/internal/logging"
	"krakenbot/internal/metrics"
	"krakenbot/internal/models"
)

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("trade sync already running")
	// ErrNotRunning is returned by Stop on a stopped scheduler.
	ErrNotRunning = errors.New("trade sync not running")
	// ErrNoHistory is returned for venues that cannot list their fills.
	ErrNoHistory = errors.New("exchange has no trade history")
)

// CursorStore persists sync progress. GetSyncCursor returns nil, nil for a
// job that never ran.
type CursorStore interface {
	GetSyncCursor(ctx context.Context, exchange, scope string) (*models.SyncCursor, error)
	SaveSyncCursor(ctx context.Context, c *models.SyncCursor) error
}

// Ingester records fills and recomputes realized P&L.
type Ingester interface {
	Ingest(ctx context.Context, f models.Fill) (ledger.IngestResult, error)
	RecalculatePnL(ctx context.Context, exchange, pair string) (ledger.FIFOResult, error)
}

// RunResult is the outcome of one job run.
type RunResult struct {
	Exchange   string    `json:"exchange"`
	Scope      string    `json:"scope"`
	Since      time.Time `json:"since"`
	Fetched    int       `json:"fetched"`
	Inserted   int       `json:"inserted"`
	Duplicates int       `json:"duplicates"`
	Pairs      []string  `json:"pairs,omitempty"`
	Cursor     time.Time `json:"cursor"`
	Error      string    `json:"error,omitempty"`
}

// Scheduler runs the import jobs.
type Scheduler struct {
	cfg      config.SyncConfig
	venues   map[string]exchange.Client
	store    CursorStore
	ingester Ingester
	bus      events.Publisher
	metrics  *metrics.Recorder
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler over venues. cfg.Exchanges narrows the
// venues; empty means all of them.
func NewScheduler(cfg config.SyncConfig, venues map[string]exchange.Client, store CursorStore, ingester Ingester, bus events.Publisher, rec *metrics.Recorder) *Scheduler {
	if bus == nil {
		bus = events.Nop{}
	}
	if cfg.Scope == "" {
		cfg.Scope = "spot"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	selected := make(map[string]exchange.Client)
	for name, c := range venues {
		selected[strings.ToLower(name)] = c
	}
	if len(cfg.Exchanges) > 0 {
		only := make(map[string]exchange.Client)
		for _, name := range cfg.Exchanges {
			if c, ok := selected[strings.ToLower(name)]; ok {
				only[strings.ToLower(name)] = c
			}
		}
		selected = only
	}
	return &Scheduler{
		cfg:      cfg,
		venues:   selected,
		store:    store,
		ingester: ingester,
		bus:      bus,
		metrics:  rec,
		logger:   logging.WithComponent("tradesync"),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// SetClock replaces the time source.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start launches the schedule loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Starting trade sync", "exchanges", strings.Join(s.Exchanges(), ","), "interval", s.cfg.Interval.String())
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop ends the loop and waits for the running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("Trade sync stopped")
	return nil
}

// IsRunning returns whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Exchanges lists the synced venues, sorted.
func (s *Scheduler) Exchanges() []string {
	out := make([]string, 0, len(s.venues))
	for name := range s.venues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	s.RunAll(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunAll(ctx)
		case <-s.stopChan:
			return
		}
	}
}

// RunAll runs every job once with bounded concurrency.
func (s *Scheduler) RunAll(ctx context.Context) []RunResult {
	names := s.Exchanges()
	results := make([]RunResult, len(names))
	semaphore := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for i, name := range names {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int, name string) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Trade sync panicked", "exchange", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
					s.metrics.RecordError("panic")
					results[i] = RunResult{Exchange: name, Scope: s.cfg.Scope, Error: fmt.Sprint(r)}
				}
			}()

			jctx := ctx
			if s.cfg.Timeout > 0 {
				var cancel context.CancelFunc
				jctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
				defer cancel()
			}
			res, _ := s.Run(jctx, name)
			results[i] = res
		}(i, name)
	}
	wg.Wait()
	return results
}

// Run imports the fills of one exchange since its cursor. The cursor only
// moves forward after every fill of the window was recorded; on failure the
// error is stored with the old cursor so the next run retries the window.
func (s *Scheduler) Run(ctx context.Context, exchangeName string) (RunResult, error) {
	name := strings.ToLower(exchangeName)
	res := RunResult{Exchange: name, Scope: s.cfg.Scope}
	log := logging.WithComponent("tradesync").WithFields(map[string]interface{}{"exchange": name, "scope": s.cfg.Scope})

	cursor, err := s.store.GetSyncCursor(ctx, name, s.cfg.Scope)
	if err != nil {
		err = fmt.Errorf("load cursor: %w", err)
		res.Error = err.Error()
		s.metrics.RecordSync(name, err)
		log.Error("Trade sync failed", "error", err)
		return res, err
	}
	if cursor == nil {
		cursor = &models.SyncCursor{Exchange: name, Scope: s.cfg.Scope}
	}
	res.Cursor = cursor.LastSeenAt

	imported, newCursor, pairs, err := s.importWindow(ctx, name, cursor, &res)
	now := s.now().UTC()
	cursor.LastRunAt = &now
	if err != nil {
		cursor.LastError = err.Error()
		cursor.LastErrorAt = &now
		res.Error = err.Error()
		log.Error("Trade sync failed, cursor kept", "error", err, "cursor", cursor.LastSeenAt)
	} else {
		cursor.LastError = ""
		cursor.LastErrorAt = nil
		cursor.LastSeenAt = newCursor
		cursor.Imported += int64(imported)
		res.Cursor = newCursor
	}
	if serr := s.store.SaveSyncCursor(ctx, cursor); serr != nil {
		log.Error("Failed to save sync cursor", "error", serr)
		if err == nil {
			err = fmt.Errorf("save cursor: %w", serr)
			res.Error = err.Error()
			res.Cursor = cursor.LastSeenAt
		}
	}

	s.metrics.RecordSync(name, err)
	s.bus.Publish(events.Event{
		Type:      events.EventSyncCompleted,
		Timestamp: now,
		Data: map[string]interface{}{
			"exchange":   name,
			"scope":      s.cfg.Scope,
			"fetched":    res.Fetched,
			"inserted":   res.Inserted,
			"duplicates": res.Duplicates,
			"pairs":      pairs,
			"error":      res.Error,
		},
	})
	if err == nil {
		log.Info("Trade sync finished", "fetched", res.Fetched, "inserted", res.Inserted, "duplicates", res.Duplicates, "cursor", res.Cursor)
	}
	return res, err
}

func (s *Scheduler) importWindow(ctx context.Context, name string, cursor *models.SyncCursor, res *RunResult) (int, time.Time, []string, error) {
	c, ok := s.venues[name]
	if !ok {
		return 0, cursor.LastSeenAt, nil, fmt.Errorf("unknown exchange %s", name)
	}
	history, ok := exchange.HistoryOf(c)
	if !ok {
		return 0, cursor.LastSeenAt, nil, fmt.Errorf("%w: %s", ErrNoHistory, name)
	}

	since := cursor.LastSeenAt.Add(-s.cfg.Overlap)
	if cursor.LastSeenAt.IsZero() {
		since = s.now().Add(-s.cfg.Lookback)
	}
	res.Since = since.UTC()

	fills, err := history.GetTradesSince(ctx, since)
	if err != nil {
		return 0, cursor.LastSeenAt, nil, fmt.Errorf("fetch trades: %w", err)
	}
	res.Fetched = len(fills)
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].ExecutedAt.Before(fills[j].ExecutedAt) })

	maxSeen := cursor.LastSeenAt
	touched := make(map[string]struct{})
	for _, f := range fills {
		if f.Exchange == "" {
			f.Exchange = name
		}
		if f.Source == "" {
			f.Source = models.SourceSync
		}
		r, err := s.ingester.Ingest(ctx, f)
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidFill) {
				logging.TradeContext(name, f.Pair, string(f.Type), f.Amount, f.Price).Warn("Skipping invalid fill", "error", err)
				continue
			}
			return res.Inserted, cursor.LastSeenAt, nil, fmt.Errorf("ingest fill: %w", err)
		}
		if r.Inserted {
			res.Inserted++
			touched[strings.ToUpper(f.Pair)] = struct{}{}
		} else {
			res.Duplicates++
		}
		if f.ExecutedAt.After(maxSeen) {
			maxSeen = f.ExecutedAt.UTC()
		}
	}

	pairs := make([]string, 0, len(touched))
	for p := range touched {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	res.Pairs = pairs
	for _, p := range pairs {
		if _, err := s.ingester.RecalculatePnL(ctx, name, p); err != nil {
			return res.Inserted, cursor.LastSeenAt, pairs, fmt.Errorf("recalculate %s: %w", p, err)
		}
	}
	return res.Inserted, maxSeen, pairs, nil
}
