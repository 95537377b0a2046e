package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"proctorhub/internal/config"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// HTTPLedger posts high-severity violations to an external audit
// service. Delivery is best-effort: the caller fires Record from a
// goroutine and a failed post only produces a log line.
type HTTPLedger struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPLedger(cfg config.AuditConfig, logger *slog.Logger) *HTTPLedger {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPLedger{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (l *HTTPLedger) Record(ctx context.Context, entry types.AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("audit ledger post failed",
			"session_id", entry.SessionID,
			"violation_type", entry.ViolationType,
			"error", err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("audit service returned status %d", resp.StatusCode)
		l.logger.Warn("audit ledger post rejected",
			"session_id", entry.SessionID,
			"status", resp.StatusCode)
		return err
	}
	return nil
}

// NoopLedger is used when no audit service is configured.
type NoopLedger struct{}

func (NoopLedger) Record(context.Context, types.AuditEntry) error { return nil }

// NewLedger returns the HTTP ledger when auditing is enabled, the noop
// ledger otherwise.
func NewLedger(cfg config.AuditConfig, logger *slog.Logger) interfaces.AuditLedger {
	if !cfg.Enabled || cfg.URL == "" {
		return NoopLedger{}
	}
	return NewHTTPLedger(cfg, logger)
}

var (
	_ interfaces.AuditLedger = (*HTTPLedger)(nil)
	_ interfaces.AuditLedger = NoopLedger{}
)
