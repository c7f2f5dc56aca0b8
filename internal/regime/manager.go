package regime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"krakenbot/internal/cache"
	"krakenbot/internal/logging"
	"krakenbot/internal/models"
)

// StateStore persists one RegimeState row per pair. Get returns (nil, nil)
// for a pair that has never been seen.
type StateStore interface {
	GetRegimeState(ctx context.Context, pair string) (*models.RegimeState, error)
	SaveRegimeState(ctx context.Context, state *models.RegimeState) error
}

// Config holds the confirm/hold protocol constants
type Config struct {
	ConfirmScans   int
	MinHold        time.Duration
	ADXHardExit    float64
	NotifyCooldown time.Duration
	CacheTTL       time.Duration
}

// DefaultConfig returns the production protocol constants.
func DefaultConfig() Config {
	return Config{
		ConfirmScans:   3,
		MinHold:        20 * time.Minute,
		ADXHardExit:    ADXRangeMax,
		NotifyCooldown: 60 * time.Minute,
		CacheTTL:       5 * time.Minute,
	}
}

// Change describes a committed regime flip.
type Change struct {
	Pair       string        `json:"pair"`
	From       models.Regime `json:"from"`
	To         models.Regime `json:"to"`
	ADX        float64       `json:"adx"`
	Reason     string        `json:"reason"`
	HardExit   bool          `json:"hard_exit"`
	Notify     bool          `json:"notify"`
	ParamsHash string        `json:"params_hash"`
	ReasonHash string        `json:"reason_hash"`
	At         time.Time     `json:"at"`
}

// Result is the outcome of one Update call.
type Result struct {
	Analysis Analysis            `json:"analysis"`
	State    *models.RegimeState `json:"state"`
	// Fresh is false when the analysis came from the cache; cached analyses do
	// not advance the confirmation counter.
	Fresh  bool    `json:"fresh"`
	Change *Change `json:"change,omitempty"`
}

type cachedAnalysis struct {
	Analysis   Analysis  `json:"analysis"`
	ComputedAt time.Time `json:"computed_at"`
}

// Manager owns the confirmed regime of every pair.
type Manager struct {
	cfg    Config
	store  StateStore
	cache  cache.Cache
	logger *logging.Logger
	now    func() time.Time
	detect func([]models.Candle) Analysis

	mu        sync.Mutex
	states    map[string]*models.RegimeState
	pairLocks map[string]*sync.Mutex
}

// NewManager creates a regime manager. store and c may be nil.
func NewManager(cfg Config, store StateStore, c cache.Cache) *Manager {
	if cfg.ConfirmScans <= 0 {
		cfg.ConfirmScans = DefaultConfig().ConfirmScans
	}
	if c == nil {
		c = cache.NewMemoryCache()
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		cache:     c,
		logger:    logging.WithComponent("regime"),
		now:       time.Now,
		detect:    Detect,
		states:    make(map[string]*models.RegimeState),
		pairLocks: make(map[string]*sync.Mutex),
	}
}

// SetClock replaces the time source; used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) lockPair(pair string) func() {
	m.mu.Lock()
	l, ok := m.pairLocks[pair]
	if !ok {
		l = &sync.Mutex{}
		m.pairLocks[pair] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Current returns the confirmed regime held in memory, TRANSITION if unknown.
func (m *Manager) Current(pair string) models.Regime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[pair]; ok {
		return st.CurrentRegime
	}
	return models.RegimeTransition
}

// State returns a copy of the pair's state, loading it from the store if needed.
func (m *Manager) State(ctx context.Context, pair string) (*models.RegimeState, error) {
	unlock := m.lockPair(pair)
	defer unlock()
	st, err := m.load(ctx, pair)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// States returns copies of every state held in memory.
func (m *Manager) States() map[string]*models.RegimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.RegimeState, len(m.states))
	for k, v := range m.states {
		out[k] = v.Clone()
	}
	return out
}

func (m *Manager) load(ctx context.Context, pair string) (*models.RegimeState, error) {
	m.mu.Lock()
	st, ok := m.states[pair]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	if m.store != nil {
		stored, err := m.store.GetRegimeState(ctx, pair)
		if err != nil {
			return nil, fmt.Errorf("load regime state for %s: %w", pair, err)
		}
		if stored != nil {
			if !stored.CurrentRegime.Valid() {
				m.logger.Warn("Stored regime invalid, resetting to TRANSITION", "pair", pair, "regime", string(stored.CurrentRegime))
				stored.CurrentRegime = models.RegimeTransition
			}
			m.mu.Lock()
			m.states[pair] = stored
			m.mu.Unlock()
			return stored, nil
		}
	}

	st = models.NewRegimeState(pair, m.now())
	m.mu.Lock()
	m.states[pair] = st
	m.mu.Unlock()
	return st, nil
}

func (m *Manager) analyze(ctx context.Context, pair string, candles []models.Candle) (Analysis, bool) {
	key := fmt.Sprintf(cache.PrefixRegimeAnalysis, pair)
	var cached cachedAnalysis
	err := m.cache.Get(ctx, key, &cached)
	if err == nil {
		return cached.Analysis, false
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		m.logger.Debug("Regime cache read failed", "pair", pair, "error", err)
	}

	a := m.detect(candles)
	if err := m.cache.Set(ctx, key, cachedAnalysis{Analysis: a, ComputedAt: m.now()}, m.cfg.CacheTTL); err != nil {
		m.logger.Debug("Regime cache write failed", "pair", pair, "error", err)
	}
	return a, true
}

// Update runs one cycle of the confirm/hold protocol for pair.
// The store is written before the in-memory state; on a store error the
// in-memory state is left untouched and the error returned.
func (m *Manager) Update(ctx context.Context, pair string, candles []models.Candle) (*Result, error) {
	unlock := m.lockPair(pair)
	defer unlock()

	cur, err := m.load(ctx, pair)
	if err != nil {
		return nil, err
	}

	analysis, fresh := m.analyze(ctx, pair, candles)
	res := &Result{Analysis: analysis, Fresh: fresh}
	if !fresh {
		res.State = cur.Clone()
		return res, nil
	}

	now := m.now()
	next := cur.Clone()
	next.UpdatedAt = now
	next.LastADX = analysis.ADX

	if analysis.Regime == cur.CurrentRegime {
		next.CandidateRegime = ""
		next.CandidateCount = 0
	} else {
		if analysis.Regime == cur.CandidateRegime {
			next.CandidateCount = cur.CandidateCount + 1
		} else {
			next.CandidateRegime = analysis.Regime
			next.CandidateCount = 1
		}

		holdActive := cur.HoldUntil != nil && now.Before(*cur.HoldUntil)
		hardExit := analysis.ADX < m.cfg.ADXHardExit
		if next.CandidateCount >= m.cfg.ConfirmScans && (!holdActive || hardExit) {
			res.Change = m.commit(next, cur.CurrentRegime, analysis, now)
			res.Change.HardExit = holdActive && hardExit
		} else if holdActive && next.CandidateCount >= m.cfg.ConfirmScans {
			m.logger.Debug("Regime flip held", "pair", pair, "candidate", string(next.CandidateRegime), "hold_until", *cur.HoldUntil)
		}
	}

	if m.store != nil {
		if err := m.store.SaveRegimeState(ctx, next); err != nil {
			return nil, fmt.Errorf("save regime state for %s: %w", pair, err)
		}
	}
	m.mu.Lock()
	m.states[pair] = next
	m.mu.Unlock()

	res.State = next.Clone()
	if res.Change != nil {
		m.logger.Info("Regime changed",
			"pair", pair,
			"from", string(res.Change.From),
			"to", string(res.Change.To),
			"adx", analysis.ADX,
			"hard_exit", res.Change.HardExit,
			"notify", res.Change.Notify,
		)
	}
	return res, nil
}

func (m *Manager) commit(st *models.RegimeState, from models.Regime, a Analysis, now time.Time) *Change {
	to := st.CandidateRegime
	hold := now.Add(m.cfg.MinHold)

	st.CurrentRegime = to
	st.ConfirmedAt = &now
	st.HoldUntil = &hold
	st.CandidateRegime = ""
	st.CandidateCount = 0
	if to == models.RegimeTransition {
		st.TransitionSince = &now
	} else {
		st.TransitionSince = nil
	}

	change := &Change{
		Pair:       st.Pair,
		From:       from,
		To:         to,
		ADX:        a.ADX,
		Reason:     a.Reason,
		ParamsHash: ParamsHash(to),
		ReasonHash: ReasonHash(string(from) + "->" + string(to)),
		At:         now,
	}
	change.Notify = m.shouldNotify(st, change, now)
	if change.Notify {
		st.LastNotifiedAt = &now
		st.LastParamsHash = change.ParamsHash
		st.LastReasonHash = change.ReasonHash
	}
	return change
}

// shouldNotify applies the alert dedup rules: cooldown since the last alert,
// identical params/reason fingerprints, and TRANSITION to TRANSITION noise.
func (m *Manager) shouldNotify(st *models.RegimeState, c *Change, now time.Time) bool {
	if c.From == models.RegimeTransition && c.To == models.RegimeTransition {
		return false
	}
	if st.LastNotifiedAt != nil && now.Sub(*st.LastNotifiedAt) < m.cfg.NotifyCooldown {
		return false
	}
	if st.LastParamsHash == c.ParamsHash && st.LastReasonHash == c.ReasonHash {
		return false
	}
	return true
}
