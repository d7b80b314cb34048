// Package notify delivers user notifications raised by settlement and
// ranking. Delivery is best effort: a failed notification is logged and
// counted, never propagated into the operation that raised it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/samma/market-engine/internal/metrics"
	"github.com/samma/market-engine/internal/model"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n *model.Notification) error
}

// Store is the persistence StoreNotifier writes to.
type Store interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
}

// StoreNotifier persists notifications as in-app rows.
type StoreNotifier struct {
	store Store
}

// NewStoreNotifier creates a notifier backed by s.
func NewStoreNotifier(s Store) *StoreNotifier {
	return &StoreNotifier{store: s}
}

func (n *StoreNotifier) Notify(ctx context.Context, note *model.Notification) error {
	return n.store.InsertNotification(ctx, note)
}

type named struct {
	name string
	Notifier
}

// Multi fans a notification out to several notifiers. Every sink is tried;
// failures are logged and joined into the returned error.
type Multi struct {
	sinks  []named
	logger *slog.Logger
}

// NewMulti creates an empty fan-out notifier.
func NewMulti(logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{logger: logger}
}

// Add registers a sink under name (used in logs and metrics).
func (m *Multi) Add(name string, n Notifier) *Multi {
	m.sinks = append(m.sinks, named{name: name, Notifier: n})
	return m
}

func (m *Multi) Notify(ctx context.Context, n *model.Notification) error {
	Prepare(n)
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, n); err != nil {
			metrics.NotificationFailures.WithLabelValues(s.name).Inc()
			m.logger.Warn("notification delivery failed",
				"sink", s.name, "user_id", n.UserID, "type", n.Type, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Prepare fills the id and timestamp of a new notification.
func Prepare(n *model.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Data == nil {
		n.Data = map[string]string{}
	}
}
