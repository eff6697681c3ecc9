package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golden-vcr/micro-catalog/rmq"
)

// ErrMissingID is the dead-letter reason for event payloads that don't identify a record
var ErrMissingID = errors.New("event payload has no id")

// SyncConfig describes where the sync services consume model events from
type SyncConfig struct {
	// Exchange is the topic exchange that model events are published to
	Exchange string
	// QueuePrefix is prepended to the entity name to form each service's queue name
	QueuePrefix string
	// DeadLetterExchange, if set, receives events that can never be applied
	DeadLetterExchange string
}

const (
	DefaultExchange    = "amq.topic"
	DefaultQueuePrefix = "micro-catalog/sync-videos"
)

func (c SyncConfig) withDefaults() SyncConfig {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.QueuePrefix == "" {
		c.QueuePrefix = DefaultQueuePrefix
	}
	return c
}

// QueueName returns the durable queue that the sync service for an entity consumes from
func (c SyncConfig) QueueName(entity string) string {
	return fmt.Sprintf("%s/%s", c.withDefaults().QueuePrefix, entity)
}

// SyncService keeps the local copy of one entity type in step with the model events
// published for it: 'model.<entity>.created', 'model.<entity>.updated' and
// 'model.<entity>.deleted'
type SyncService[T any] struct {
	entity   string
	repo     Repository[T]
	cfg      SyncConfig
	logger   *slog.Logger
	notifier Notifier
	idOf     func(*T) string
	validate func(record *T, creating bool) error
}

// NewCategorySync initializes the sync service for categories
func NewCategorySync(repo Repository[Category], logger *slog.Logger, cfg SyncConfig, notifier Notifier) *SyncService[Category] {
	return &SyncService[Category]{
		entity:   EntityCategory,
		repo:     repo,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		notifier: notifier,
		idOf:     func(c *Category) string { return c.ID },
		validate: validateCategory,
	}
}

// NewGenreSync initializes the sync service for genres
func NewGenreSync(repo Repository[Genre], logger *slog.Logger, cfg SyncConfig, notifier Notifier) *SyncService[Genre] {
	return &SyncService[Genre]{
		entity:   EntityGenre,
		repo:     repo,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		notifier: notifier,
		idOf:     func(g *Genre) string { return g.ID },
		validate: validateGenre,
	}
}

// NewCastMemberSync initializes the sync service for cast members
func NewCastMemberSync(repo Repository[CastMember], logger *slog.Logger, cfg SyncConfig, notifier Notifier) *SyncService[CastMember] {
	return &SyncService[CastMember]{
		entity:   EntityCastMember,
		repo:     repo,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		notifier: notifier,
		idOf:     func(m *CastMember) string { return m.ID },
		validate: validateCastMember,
	}
}

func (s *SyncService[T]) Name() string {
	return s.entity + "-sync"
}

func (s *SyncService[T]) Subscriptions() []rmq.Subscription {
	return []rmq.Subscription{
		{
			Exchange:           s.cfg.Exchange,
			RoutingKeys:        []string{rmq.ModelWildcard(s.entity)},
			Queue:              s.cfg.QueueName(s.entity),
			QueueOptions:       rmq.QueueOptions{Durable: true},
			DeadLetterExchange: s.cfg.DeadLetterExchange,
			Handler:            rmq.Typed(s.handle),
		},
	}
}

func (s *SyncService[T]) handle(ctx context.Context, msg *rmq.Message, record *T, decodeErr error) rmq.Result {
	logger := s.logger.With("entity", s.entity, "routingKey", msg.RoutingKey, "deliveryTag", msg.DeliveryTag)

	// Events that aren't meant for us are acked and dropped: redelivering them would
	// never produce a different outcome
	event, err := rmq.ParseModelRoutingKey(msg.RoutingKey)
	if err != nil || event.Entity != s.entity {
		logger.Warn("Ignoring event with unexpected routing key")
		return rmq.Ack()
	}
	if !event.Action.Known() {
		logger.Warn("Ignoring event with unrecognized action", "action", event.Action)
		return rmq.Ack()
	}

	if decodeErr != nil {
		return rmq.DeadLetter(fmt.Errorf("failed to decode %s payload: %w", s.entity, decodeErr))
	}
	id := s.idOf(record)
	if id == "" {
		return rmq.DeadLetter(ErrMissingID)
	}
	logger = logger.With("id", id)

	applied, err := s.apply(ctx, event.Action, id, record)
	if err != nil {
		return s.failed(logger, msg, err)
	}

	logger.Info("Applied model event", "action", event.Action)
	if s.notifier != nil {
		change := Change{
			Entity:    s.entity,
			Action:    event.Action,
			ID:        id,
			AppliedAt: time.Now().UTC(),
		}
		if applied != nil {
			change.Record = applied
		}
		s.notifier.Publish(change)
	}
	return rmq.Ack()
}

// apply makes the change described by action, returning the record as it now stands
// (or nil, if it was deleted)
func (s *SyncService[T]) apply(ctx context.Context, action rmq.ModelAction, id string, record *T) (*T, error) {
	switch action {
	case rmq.ActionCreated:
		if err := s.validate(record, true); err != nil {
			return nil, err
		}
		return s.repo.Create(ctx, record)
	case rmq.ActionUpdated:
		if err := s.validate(record, false); err != nil {
			return nil, err
		}
		return record, s.repo.UpdateByID(ctx, id, record)
	case rmq.ActionDeleted:
		return nil, s.repo.DeleteByID(ctx, id)
	}
	return nil, fmt.Errorf("unsupported action '%s'", action)
}

// failed decides how to settle an event that could not be applied
func (s *SyncService[T]) failed(logger *slog.Logger, msg *rmq.Message, err error) rmq.Result {
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Warn("Record does not exist; nothing to do", "error", err)
		return rmq.Ack()
	case errors.Is(err, ErrInvalidRecord):
		return rmq.DeadLetter(err)
	case msg.Redelivered:
		return rmq.DeadLetter(fmt.Errorf("failed to store %s after redelivery: %w", s.entity, err))
	}
	return rmq.Reject(fmt.Errorf("failed to store %s: %w", s.entity, err), true)
}

var _ rmq.Service = (*SyncService[Category])(nil)
