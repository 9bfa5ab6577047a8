// Package persister moves aged message queues out of the Redis queue cache
// into the durable message store and wakes the owning device afterwards.
//
// One Persister runs per node. Nodes share no state besides the cache: the
// cache picks the slot each cycle and the per-queue lock keeps two nodes
// from draining the same queue at once.
package persister

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-persister/internal/cache"
	"go-persister/internal/observability"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned by Start on a running persister.
var ErrAlreadyRunning = errors.New("persister is already running")

const (
	defaultPersistDelay      = 10 * time.Minute
	defaultPollInterval      = 100 * time.Millisecond
	defaultQueueBatchLimit   = 100
	defaultMessageBatchLimit = 100
)

// Config tunes a Persister. Zero values fall back to the defaults above.
type Config struct {
	PersistDelay      time.Duration
	PollInterval      time.Duration
	QueueBatchLimit   int
	MessageBatchLimit int
	Metrics           observability.MetricsCollector
	Logger            *logrus.Logger
}

// Persister runs the persistence loop for one node.
type Persister struct {
	cache    MessagesCache
	store    MessageStore
	accounts AccountDirectory
	notifier *Notifier

	persistDelay      time.Duration
	pollInterval      time.Duration
	queueBatchLimit   int
	messageBatchLimit int
	metrics           observability.MetricsCollector
	logger            *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Persister. It does nothing until Start or one of the Persist
// methods is called.
func New(messagesCache MessagesCache, store MessageStore, accounts AccountDirectory, notifier *Notifier, cfg Config) *Persister {
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = defaultPersistDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.QueueBatchLimit <= 0 {
		cfg.QueueBatchLimit = defaultQueueBatchLimit
	}
	if cfg.MessageBatchLimit <= 0 {
		cfg.MessageBatchLimit = defaultMessageBatchLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}

	return &Persister{
		cache:             messagesCache,
		store:             store,
		accounts:          accounts,
		notifier:          notifier,
		persistDelay:      cfg.PersistDelay,
		pollInterval:      cfg.PollInterval,
		queueBatchLimit:   cfg.QueueBatchLimit,
		messageBatchLimit: cfg.MessageBatchLimit,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
	}
}

// Start launches the polling loop. It returns immediately.
func (p *Persister) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	p.logger.WithFields(logrus.Fields{
		"persist_delay": p.persistDelay,
		"poll_interval": p.pollInterval,
	}).Info("Starting queue persister")

	go p.run(ctx, cancel, done)
	return nil
}

// Stop ends the polling loop and waits for the in-flight cycle to finish.
func (p *Persister) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Info("Queue persister stopped")
}

func (p *Persister) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		// The loop can also end through the parent context; clear the
		// running state so a later Start is accepted.
		p.mu.Lock()
		if p.done == done {
			p.cancel, p.done = nil, nil
		}
		p.mu.Unlock()
		cancel()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// A cycle runs to completion once begun; Stop waits for it.
		if err := p.PersistNextQueues(context.WithoutCancel(ctx), time.Now()); err != nil {
			p.metrics.IncCycleFailed()
			p.logger.WithError(err).Error("Persist cycle failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// PersistNextQueues runs one cycle: it drains and notifies every queue in
// the next slot whose oldest message was queued before now minus the
// persist delay.
func (p *Persister) PersistNextQueues(ctx context.Context, now time.Time) error {
	slot, err := p.cache.GetNextSlotToPersist(ctx)
	if err != nil {
		return fmt.Errorf("failed to pick next slot: %w", err)
	}

	cutoff := now.Add(-p.persistDelay)
	queuesPersisted := 0
	defer func() {
		p.metrics.RecordQueueCount(queuesPersisted)
	}()

	// Queues that stay in the index (unparseable, no account, nothing to
	// drain) are stepped over so each page moves forward.
	offset := 0
	for {
		start := time.Now()
		queues, err := p.cache.GetQueuesToPersist(ctx, slot, cutoff, offset, p.queueBatchLimit)
		p.metrics.ObserveGetQueues(time.Since(start))
		if err != nil {
			return fmt.Errorf("failed to list queues in slot %d: %w", slot, err)
		}

		for _, queue := range queues {
			accountUUID, deviceID, err := cache.ParseQueueName(queue)
			if err != nil {
				p.logger.WithError(err).WithField("queue", queue).Error("Skipping unparseable queue")
				offset++
				continue
			}

			persisted, err := p.PersistQueue(ctx, queue)
			if err != nil {
				return err
			}
			if persisted == 0 {
				offset++
			}
			queuesPersisted++

			if err := p.notifier.NotifyClients(ctx, accountUUID, deviceID); err != nil {
				p.metrics.IncNotification(observability.NotificationFailed)
				p.logger.WithError(err).WithField("queue", queue).Error("Failed to notify device")
			}
		}

		if len(queues) < p.queueBatchLimit {
			return nil
		}
	}
}

// PersistQueue drains one queue into the message store under the queue's
// persistence lock and returns the number of messages moved.
func (p *Persister) PersistQueue(ctx context.Context, queue string) (int, error) {
	accountUUID, deviceID, err := cache.ParseQueueName(queue)
	if err != nil {
		return 0, err
	}

	log := p.logger.WithFields(logrus.Fields{
		"queue":   queue,
		"account": accountUUID.String(),
		"device":  deviceID,
	})

	account, found, err := p.accounts.Get(ctx, accountUUID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve account %s: %w", accountUUID, err)
	}
	if !found {
		log.Error("No account found for queue, leaving it in cache")
		p.metrics.IncMissingAccount(observability.PathPersist)
		return 0, nil
	}

	start := time.Now()
	token, err := p.cache.LockQueueForPersistence(ctx, queue)
	if err != nil {
		return 0, err
	}

	persisted, drainErr := p.drain(ctx, queue, token, accountUUID, deviceID, account.Number)

	if err := p.cache.UnlockQueueForPersistence(ctx, queue, token); err != nil {
		switch {
		case drainErr != nil:
			log.WithError(err).Error("Failed to unlock queue after failed drain")
		case errors.Is(err, cache.ErrLockNotHeld):
			log.WithError(err).Warn("Queue lock expired before drain finished")
		default:
			drainErr = err
		}
	}

	p.metrics.ObservePersistQueue(time.Since(start))
	p.metrics.RecordQueueSize(persisted)

	if drainErr != nil {
		return persisted, drainErr
	}
	log.WithField("messages", persisted).Debug("Persisted queue")
	return persisted, nil
}

func (p *Persister) drain(ctx context.Context, queue, token string, accountUUID uuid.UUID, deviceID int64, destination string) (int, error) {
	persisted := 0
	for page := 0; ; page++ {
		if page > 0 {
			if err := p.cache.ExtendQueueLock(ctx, queue, token); err != nil {
				return persisted, fmt.Errorf("failed to keep lock: %w", err)
			}
		}

		envelopes, err := p.cache.GetMessagesToPersist(ctx, accountUUID, deviceID, p.messageBatchLimit)
		if err != nil {
			return persisted, fmt.Errorf("failed to fetch messages: %w", err)
		}

		for _, envelope := range envelopes {
			guid, err := uuid.Parse(envelope.ServerGUID)
			if err != nil {
				return persisted, fmt.Errorf("envelope has invalid guid %q: %w", envelope.ServerGUID, err)
			}
			if err := p.store.Store(ctx, guid, envelope, destination, deviceID); err != nil {
				return persisted, fmt.Errorf("failed to store message %s: %w", guid, err)
			}
			if err := p.cache.Remove(ctx, accountUUID, deviceID, guid); err != nil {
				return persisted, fmt.Errorf("failed to remove message %s: %w", guid, err)
			}
			persisted++
		}

		if len(envelopes) < p.messageBatchLimit {
			return persisted, nil
		}
	}
}
