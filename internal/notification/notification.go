package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"krakenbot/config"
	"krakenbot/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyRegimeChange  NotificationType = "regime_change"
	NotifyPositionOpen  NotificationType = "position_open"
	NotifyPositionClose NotificationType = "position_close"
	NotifySpreadAlert   NotificationType = "spread_alert"
	NotifyReconcile     NotificationType = "reconcile"
	NotifyError         NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	Pair       string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider. Delivery is
// best effort: failures are logged and never reach the trading path.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	timeout   time.Duration
	logger    *logging.Logger
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewManager creates a new notification manager
func NewManager(enabled bool) *Manager {
	return &Manager{
		enabled: enabled,
		timeout: 10 * time.Second,
		logger:  logging.WithComponent("notification"),
		now:     time.Now,
	}
}

// FromConfig builds a manager with the providers cfg enables.
func FromConfig(cfg config.NotificationConfig) *Manager {
	m := NewManager(cfg.Enabled)
	if cfg.Telegram.Enabled {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers synchronously and returns the last provider error.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if m == nil || !m.enabled {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = m.now().UTC()
	}

	var lastErr error
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			m.logger.Warn("Notification failed", "provider", p.Name(), "type", string(n.Type), "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// Dispatch delivers in the background with the manager timeout.
func (m *Manager) Dispatch(n *Notification) {
	if m == nil || !m.enabled {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		_ = m.Send(ctx, n)
	}()
}

// Wait blocks until background deliveries finish.
func (m *Manager) Wait() {
	if m != nil {
		m.wg.Wait()
	}
}

// RegimeChange alerts on a confirmed regime switch.
func (m *Manager) RegimeChange(pair, from, to string, adx float64, preset string) {
	m.Dispatch(&Notification{
		Type:    NotifyRegimeChange,
		Title:   fmt.Sprintf("Regime change: %s", pair),
		Message: fmt.Sprintf("%s -> %s (ADX %.1f)\nPreset: %s", from, to, adx, preset),
		Pair:    pair,
	})
}

// PositionOpened alerts on a new lot.
func (m *Manager) PositionOpened(pair, lotID string, price, qty float64) {
	m.Dispatch(&Notification{
		Type:    NotifyPositionOpen,
		Title:   fmt.Sprintf("Position opened: %s", pair),
		Message: fmt.Sprintf("Lot %s\nPrice: %.4f\nQuantity: %.8f", lotID, price, qty),
		Pair:    pair,
		Price:   price,
	})
}

// PositionClosed alerts on a SMART_GUARD or manual exit.
func (m *Manager) PositionClosed(pair string, entryPrice, exitPrice, pnl, pnlPct float64, reason string) {
	m.Dispatch(&Notification{
		Type:       NotifyPositionClose,
		Title:      fmt.Sprintf("Position closed: %s", pair),
		Message:    fmt.Sprintf("Entry: %.4f -> Exit: %.4f\nP&L: %.4f (%.2f%%)\nReason: %s", entryPrice, exitPrice, pnl, pnlPct, reason),
		Pair:       pair,
		Price:      exitPrice,
		PnL:        pnl,
		PnLPercent: pnlPct,
	})
}

// SpreadAlert alerts when the spread filter rejects an entry.
func (m *Manager) SpreadAlert(pair string, spreadPct, thresholdPct float64, regime string) {
	m.Dispatch(&Notification{
		Type:    NotifySpreadAlert,
		Title:   fmt.Sprintf("Spread too wide: %s", pair),
		Message: fmt.Sprintf("Spread %.3f%% > %.3f%% (%s)", spreadPct, thresholdPct, regime),
		Pair:    pair,
	})
}

// ReconcileSummary alerts when a reconcile pass changed lots.
func (m *Manager) ReconcileSummary(exchange string, deleted, updated, orphans int) {
	m.Dispatch(&Notification{
		Type:    NotifyReconcile,
		Title:   fmt.Sprintf("Reconcile: %s", exchange),
		Message: fmt.Sprintf("Deleted: %d | Updated: %d | Orphans: %d", deleted, updated, orphans),
	})
}

// Error alerts on an operational failure.
func (m *Manager) Error(title, message string) {
	m.Dispatch(&Notification{
		Type:    NotifyError,
		Title:   title,
		Message: message,
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	baseURL  string
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// markdownEscaper escapes the characters legacy Markdown treats as markup.
var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func (t *TelegramNotifier) Send(ctx context.Context, n *Notification) error {
	if !t.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", markdownEscaper.Replace(n.Title), markdownEscaper.Replace(n.Message)),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
