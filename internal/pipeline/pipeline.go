package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorhub/internal/classifier"
	"proctorhub/internal/config"
	"proctorhub/internal/session"
	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

// Pipeline is the ingest path for detection reports: validate,
// classify, resolve the session, dedupe, persist, then fan out to
// monitoring clients. Reports for the same session are processed one
// at a time so persisted event order matches arrival order.
type Pipeline struct {
	classifier *classifier.Classifier
	dedupe     *classifier.DedupeCache
	sessions   *session.Manager
	store      interfaces.SessionStore
	evidence   interfaces.EvidenceStore
	audit      interfaces.AuditLedger
	tracker    interfaces.HeartbeatTracker
	hub        interfaces.Publisher

	persistTimeout time.Duration
	logger         *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(
	cfg config.DetectionConfig,
	sessions *session.Manager,
	store interfaces.SessionStore,
	evidence interfaces.EvidenceStore,
	audit interfaces.AuditLedger,
	tracker interfaces.HeartbeatTracker,
	hub interfaces.Publisher,
	logger *slog.Logger,
) *Pipeline {
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = 10 * time.Second
	}
	return &Pipeline{
		classifier:     classifier.NewClassifier(cfg.Safelist),
		dedupe:         classifier.NewDedupeCache(cfg.DedupeWindow),
		sessions:       sessions,
		store:          store,
		evidence:       evidence,
		audit:          audit,
		tracker:        tracker,
		hub:            hub,
		persistTimeout: persistTimeout,
		logger:         logger,
		locks:          make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) sessionLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[sessionID] = lock
	}
	return lock
}

// Process handles one detection report and returns the events it
// persisted. A batch with no reportable detections has no side
// effects at all: no session creation, no heartbeat, no broadcast.
func (p *Pipeline) Process(ctx context.Context, report *types.DetectionReport) ([]*types.ProctoringEvent, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	detections := p.classifier.Classify(report.Detections)
	if len(detections) == 0 {
		return nil, nil
	}

	sess, err := p.sessions.EnsureSession(ctx, report.SessionID, report.UserID, report.ExamID)
	if err != nil {
		return nil, err
	}

	lock := p.sessionLock(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	// A report carrying violations is also proof of liveness.
	p.tracker.Mark(sess.ID)

	now := time.Now().UTC()
	evidencePending := report.Evidence

	var persisted []*types.ProctoringEvent
	for _, d := range detections {
		if p.dedupe.Suppress(sess.ID, d.Type, now) {
			continue
		}

		event := &types.ProctoringEvent{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Type:      d.Type,
			Severity:  d.Severity,
			Timestamp: now,
			Metadata:  d.Metadata,
		}
		if d.Confidence != nil {
			if event.Metadata == nil {
				event.Metadata = make(map[string]interface{})
			}
			event.Metadata["confidence"] = *d.Confidence
		}

		// The report's evidence attaches to its first persisted event.
		// Losing the evidence write only costs the capture reference.
		var capture *types.MediaCapture
		if evidencePending != nil {
			persistCtx, cancel := context.WithTimeout(ctx, p.persistTimeout)
			ref, err := p.evidence.Save(persistCtx, event.ID, evidencePending)
			cancel()
			if err != nil {
				p.logger.Warn("evidence save failed",
					"session_id", sess.ID, "event_id", event.ID, "error", err)
			} else {
				capture = &types.MediaCapture{
					ID:          uuid.NewString(),
					EventID:     event.ID,
					CaptureType: evidencePending.CaptureType,
					StorageRef:  ref,
				}
				if event.Metadata == nil {
					event.Metadata = make(map[string]interface{})
				}
				event.Metadata["evidence_ref"] = ref
			}
			evidencePending = nil
		}

		persistCtx, cancel := context.WithTimeout(ctx, p.persistTimeout)
		err := p.store.CreateEvent(persistCtx, event, capture)
		cancel()
		if err != nil {
			p.logger.Error("event persistence failed",
				"session_id", sess.ID, "type", d.Type, "error", err)
			continue
		}
		persisted = append(persisted, event)

		if event.Severity == types.SeverityHigh {
			go p.recordAudit(sess, event)
		}

		p.hub.PublishToExam(sess.ExamID, types.BroadcastViolation, map[string]interface{}{
			"event_id":   event.ID,
			"session_id": sess.ID,
			"exam_id":    sess.ExamID,
			"user_id":    sess.UserID,
			"type":       event.Type,
			"severity":   event.Severity,
			"timestamp":  event.Timestamp,
		})
	}

	p.hub.PublishToExam(sess.ExamID, types.BroadcastSessionStatus, map[string]interface{}{
		"session_id":    sess.ID,
		"exam_id":       sess.ExamID,
		"user_id":       sess.UserID,
		"status":        sess.Status,
		"face_detected": faceDetected(detections),
		"new_events":    len(persisted),
	})

	return persisted, nil
}

// recordAudit submits a high-severity violation to the external
// ledger. Runs detached from the request; failure is already logged by
// the ledger.
func (p *Pipeline) recordAudit(sess *types.ExamSession, event *types.ProctoringEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.persistTimeout)
	defer cancel()

	_ = p.audit.Record(ctx, types.AuditEntry{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		ViolationType: event.Type,
		Timestamp:     event.Timestamp,
	})
}

// faceDetected derives the status-update hint: false when the batch
// reports the candidate's face missing.
func faceDetected(detections []types.Detection) bool {
	for _, d := range detections {
		if d.Type == types.EventFaceNotDetected {
			return false
		}
	}
	return true
}
