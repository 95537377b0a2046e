package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"proctorhub/internal/config"
	"proctorhub/internal/logging"
	"proctorhub/pkg/types"
)

func TestRecordPostsEntry(t *testing.T) {
	var received types.AuditEntry
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ledger := NewHTTPLedger(config.AuditConfig{
		Enabled: true,
		URL:     server.URL,
		Timeout: time.Second,
	}, logging.NewLogger("error"))

	entry := types.AuditEntry{
		SessionID:     "session-1",
		UserID:        "student1",
		ViolationType: types.EventPhoneDetected,
		Timestamp:     time.Now().UTC(),
	}
	if err := ledger.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if received.SessionID != "session-1" || received.ViolationType != types.EventPhoneDetected {
		t.Errorf("unexpected entry received: %+v", received)
	}
}

func TestRecordReportsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ledger := NewHTTPLedger(config.AuditConfig{URL: server.URL, Timeout: time.Second},
		logging.NewLogger("error"))

	if err := ledger.Record(context.Background(), types.AuditEntry{SessionID: "s"}); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestNewLedgerDisabled(t *testing.T) {
	ledger := NewLedger(config.AuditConfig{Enabled: false}, logging.NewLogger("error"))
	if _, ok := ledger.(NoopLedger); !ok {
		t.Errorf("expected NoopLedger, got %T", ledger)
	}
	if err := ledger.Record(context.Background(), types.AuditEntry{}); err != nil {
		t.Errorf("noop Record returned error: %v", err)
	}
}
