/**
 * @description
 * Shared plumbing for the ledger components: bounded transactions, operation
 * metrics and best-effort event publication after commit.
 *
 * @dependencies
 * - internal/store: Store and Tx contracts.
 * - internal/metrics: operation counters and latency histograms.
 * - github.com/google/uuid: generated record ids.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maudeniemann/dish-drop-sub000/internal/domain"
	"github.com/maudeniemann/dish-drop-sub000/internal/metrics"
	"github.com/maudeniemann/dish-drop-sub000/internal/store"
	"github.com/maudeniemann/dish-drop-sub000/internal/streak"
)

const (
	defaultOpTimeout      = 5 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultLedgerExchange = "dishdrop.ledger"
)

// EventPublisher is satisfied by pkg/rabbitmq producers.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Options configures every ledger component. Zero values fall back to defaults.
type Options struct {
	Logger    *slog.Logger
	Publisher EventPublisher
	Exchange  string
	Calendar  streak.Calendar
	OpTimeout time.Duration
	Now       func() time.Time
	NewID     func() string
}

type service struct {
	store     store.Store
	logger    *slog.Logger
	publisher EventPublisher
	exchange  string
	calendar  streak.Calendar
	opTimeout time.Duration
	now       func() time.Time
	newID     func() string
}

func newService(st store.Store, opts Options) service {
	s := service{
		store:     st,
		logger:    opts.Logger,
		publisher: opts.Publisher,
		exchange:  opts.Exchange,
		calendar:  opts.Calendar,
		opTimeout: opts.OpTimeout,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.exchange == "" {
		s.exchange = defaultLedgerExchange
	}
	if s.opTimeout <= 0 {
		s.opTimeout = defaultOpTimeout
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// inTx runs fn as one bounded transaction and records its outcome.
func (s service) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	start := time.Now()
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(ctx, tx)
	})
	metrics.RecordOperation(op, err, time.Since(start))
	return err
}

// publish sends an event after commit. Failures are logged and never surface to the caller.
func (s service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
	defer cancel()

	if err := s.publisher.Publish(pubCtx, s.exchange, routingKey, body); err != nil {
		s.logger.Warn("failed to publish ledger event", "routing_key", routingKey, "error", err)
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrInvalidRequest}, args...)...)
}

func requireID(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", invalidf("%s is required", name)
	}
	return value, nil
}
