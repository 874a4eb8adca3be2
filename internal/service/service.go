package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"dexarb/internal/alerting"
	"dexarb/internal/pipeline"
	"dexarb/internal/storage"
	"dexarb/internal/stream"
)

// ErrLockHeld is returned when another ingester owns the advisory lock.
var ErrLockHeld = errors.New("service: advisory lock held by another ingester")

// EventSource is the part of the stream manager the service drives.
type EventSource interface {
	OnPoolEvent(handler func(stream.PoolEvent))
	OnStatus(handler func(old, new stream.Status))
	Connect(ctx context.Context) error
	SubscribeToPool(ctx context.Context, addr common.Address) error
	ActiveEndpoint() stream.Endpoint
	Err() <-chan error
	Shutdown()
}

// Options configure the service.
type Options struct {
	Pools []common.Address
	// AlertHighPriority sends a notification for every high-priority event.
	AlertHighPriority bool
	LockKey           int64
}

// Service orchestrates streaming, the pipeline, persistence, and alerting.
type Service struct {
	source   EventSource
	pipe     *pipeline.Pipeline
	events   storage.EventStore
	metrics  storage.MetricsStore
	locker   storage.AdvisoryLocker
	notifier alerting.Notifier
	logger   zerolog.Logger
	opts     Options

	mu       sync.Mutex
	handlers []func(pipeline.FilteredEvent)
}

// New constructs the ingestion service. Any of events, metrics and notifier may be nil.
func New(opts Options, source EventSource, pipe *pipeline.Pipeline, events storage.EventStore, metrics storage.MetricsStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := events.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if notifier == nil {
		notifier = alerting.NopNotifier{}
	}

	return &Service{
		source:   source,
		pipe:     pipe,
		events:   events,
		metrics:  metrics,
		locker:   locker,
		notifier: notifier,
		logger:   logger.With().Str("component", "service").Logger(),
		opts:     opts,
	}
}

// OnEvent registers a consumer of emitted events, such as an opportunity evaluator.
// Handlers run on the service's consumer goroutine in emission order.
func (s *Service) OnEvent(handler func(pipeline.FilteredEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Run connects the stream, subscribes configured pools and forwards events
// until ctx is cancelled or every endpoint has failed. Endpoint exhaustion is
// reported to the notifier and returned.
func (s *Service) Run(ctx context.Context) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		return ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	s.source.OnPoolEvent(s.pipe.Process)
	s.source.OnStatus(func(old, next stream.Status) {
		s.logger.Info().Str("from", old.String()).Str("to", next.String()).Msg("stream status changed")
	})

	s.pipe.Start(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.consumeEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		s.consumeMetrics()
	}()
	defer func() {
		s.source.Shutdown()
		s.pipe.Stop()
		wg.Wait()
	}()

	if err := s.source.Connect(ctx); err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}
	for _, pool := range s.opts.Pools {
		if err := s.source.SubscribeToPool(ctx, pool); err != nil && !errors.Is(err, stream.ErrNotConnected) {
			return fmt.Errorf("subscribe %s: %w", pool.Hex(), err)
		}
	}
	s.logger.Info().Int("pools", len(s.opts.Pools)).Msg("ingestion started")

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("ingestion stopping")
		return nil
	case err := <-s.source.Err():
		s.logger.Error().Err(err).Msg("stream exhausted all endpoints")
		note := alerting.Notification{
			Kind:     alerting.KindEndpointsFailed,
			At:       time.Now().UTC(),
			Endpoint: s.source.ActiveEndpoint().String(),
			Err:      err,
		}
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if nerr := s.notifier.Notify(notifyCtx, note); nerr != nil {
			s.logger.Error().Err(nerr).Msg("failed to dispatch endpoint failure alert")
		}
		return err
	}
}

func (s *Service) consumeEvents(ctx context.Context) {
	for fe := range s.pipe.Events() {
		s.handleEvent(ctx, fe)
	}
}

func (s *Service) handleEvent(ctx context.Context, fe pipeline.FilteredEvent) {
	if s.events != nil {
		if err := s.events.InsertPoolEvent(ctx, storage.EventRecordFrom(fe)); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("pool", fe.Pool.Hex()).Msg("failed to persist event")
		}
	}

	if fe.Priority == pipeline.PriorityHigh && s.opts.AlertHighPriority {
		note := alerting.Notification{
			Kind:        alerting.KindHighPriority,
			At:          fe.ReceivedAt,
			Pool:        fe.Pool,
			EventType:   string(fe.Type),
			BlockNumber: fe.BlockNumber,
			TxHash:      fe.TxHash,
			PriceDelta:  fe.PriceDelta,
		}
		if err := s.notifier.Notify(ctx, note); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Str("pool", fe.Pool.Hex()).Msg("failed to dispatch event alert")
		}
	}

	s.mu.Lock()
	handlers := make([]func(pipeline.FilteredEvent), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()
	for _, h := range handlers {
		h(fe)
	}
}

func (s *Service) consumeMetrics() {
	for m := range s.pipe.Metrics() {
		if m.EventsDropped > 0 {
			s.logger.Debug().Uint64("dropped", m.EventsDropped).Int("queue_size", m.QueueSize).Msg("pipeline backpressure")
		}
	}
}

// PersistMetrics stores the current pipeline snapshot. It is a scheduler tick.
func (s *Service) PersistMetrics(ctx context.Context, at time.Time) error {
	if s.metrics == nil {
		return nil
	}
	snap := s.pipe.Snapshot()
	snap.At = at
	if err := s.metrics.UpsertMetrics(ctx, storage.MetricsRecordFrom(snap)); err != nil {
		return fmt.Errorf("persist metrics: %w", err)
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
