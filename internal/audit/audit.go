// Package audit records operator-relevant events in the append-only audit log.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/samma/market-engine/internal/model"
)

// Store is the persistence the recorder writes to.
type Store interface {
	InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error
}

// Recorder writes audit entries. Writes are best effort: a failure is logged
// and never returned to the caller.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder backed by s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Record stores e, filling its id and timestamp.
func (r *Recorder) Record(ctx context.Context, e model.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	if err := r.store.InsertAuditEntry(ctx, &e); err != nil {
		r.logger.Error("audit write failed",
			"action", e.Action, "model", e.ModelName, "object_id", e.ObjectID, "err", err)
	}
}

// Payment records a payment-related event.
func (r *Recorder) Payment(ctx context.Context, actorID string, p *model.Payment, event string, changes map[string]any) {
	if changes == nil {
		changes = map[string]any{}
	}
	changes["event"] = event
	changes["status"] = string(p.Status)
	r.Record(ctx, model.AuditEntry{
		UserID:     actorID,
		Action:     model.AuditPayment,
		ModelName:  "payment",
		ObjectID:   p.ID,
		ObjectRepr: "Payment " + p.ID + " for listing " + p.ListingID,
		Changes:    changes,
	})
}

// Consistency records an operation rejected by a payment's current state.
// These entries are the only trace such events leave.
func (r *Recorder) Consistency(ctx context.Context, p *model.Payment, op, detail string) {
	r.logger.Warn("settlement consistency error",
		"payment_id", p.ID, "status", p.Status, "op", op, "detail", detail)
	r.Payment(ctx, "", p, "consistency_error", map[string]any{
		"operation": op,
		"detail":    detail,
	})
}
