package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go-persister/internal/observability"
	"go-persister/pkg/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueLocked is returned when another persister holds the queue.
	ErrQueueLocked = errors.New("queue is locked for persistence")
	// ErrLockNotHeld is returned on unlock when the token no longer owns the lock.
	ErrLockNotHeld = errors.New("queue persistence lock not held")
)

const defaultLockTTL = 30 * time.Second

type Config struct {
	LockTTL time.Duration
	Clock   func() time.Time
	Logger  *logrus.Logger
}

// MessagesCache holds per-device message queues in a (possibly clustered)
// Redis. Every key for one queue shares the queue's hash tag, and the slot
// index key is built from a tag that hashes to the same slot, so each Lua
// script only touches keys on one node.
type MessagesCache struct {
	client  redis.UniversalClient
	lockTTL time.Duration
	clock   func() time.Time
	logger  *logrus.Logger
}

func NewMessagesCache(client redis.UniversalClient, cfg Config) *MessagesCache {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}

	return &MessagesCache{
		client:  client,
		lockTTL: cfg.LockTTL,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Insert appends an envelope to the device's queue and returns its local id.
// Inserting the same guid twice returns the first id.
func (c *MessagesCache) Insert(ctx context.Context, guid uuid.UUID, accountUUID uuid.UUID, deviceID int64, envelope models.Envelope) (int64, error) {
	envelope.ServerGUID = guid.String()
	payload, err := json.Marshal(envelope)
	if err != nil {
		return 0, fmt.Errorf("failed to encode envelope: %w", err)
	}

	id, err := insertScript.Run(ctx, c.client,
		[]string{
			QueueName(accountUUID, deviceID),
			queueMetadataKey(accountUUID, deviceID),
			queueIndexKey(accountUUID, deviceID),
		},
		string(payload),
		c.clock().UnixMilli(),
		guid.String(),
		QueueName(accountUUID, deviceID),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to insert message %s: %w", guid, err)
	}
	return id, nil
}

// Remove deletes one message by guid. Removing an absent message is not an error.
func (c *MessagesCache) Remove(ctx context.Context, accountUUID uuid.UUID, deviceID int64, guid uuid.UUID) error {
	queueName := QueueName(accountUUID, deviceID)
	err := removeScript.Run(ctx, c.client,
		[]string{
			queueName,
			queueMetadataKey(accountUUID, deviceID),
			queueIndexKey(accountUUID, deviceID),
		},
		guid.String(),
		queueName,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to remove message %s: %w", guid, err)
	}
	return nil
}

// QueueSize returns the number of messages waiting for the device.
func (c *MessagesCache) QueueSize(ctx context.Context, accountUUID uuid.UUID, deviceID int64) (int64, error) {
	return c.client.ZCard(ctx, QueueName(accountUUID, deviceID)).Result()
}

// GetNextSlotToPersist rotates through the cluster's slots, shared by every
// persister instance.
func (c *MessagesCache) GetNextSlotToPersist(ctx context.Context) (int, error) {
	next, err := c.client.Incr(ctx, nextSlotToPersistKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get next slot: %w", err)
	}
	return int(next % SlotCount), nil
}

// GetQueuesToPersist lists up to limit queue names in slot whose first
// message arrived at or before maxTime, oldest first, skipping the first
// offset matches.
func (c *MessagesCache) GetQueuesToPersist(ctx context.Context, slot int, maxTime time.Time, offset, limit int) ([]string, error) {
	queues, err := c.client.ZRangeByScore(ctx, queueIndexKeyForSlot(slot), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(maxTime.UnixMilli(), 10),
		Offset: int64(offset),
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get queues for slot %d: %w", slot, err)
	}
	return queues, nil
}

// GetMessagesToPersist returns up to limit of the oldest messages in a queue.
func (c *MessagesCache) GetMessagesToPersist(ctx context.Context, accountUUID uuid.UUID, deviceID int64, limit int) ([]models.Envelope, error) {
	if limit <= 0 {
		return nil, nil
	}

	payloads, err := c.client.ZRange(ctx, QueueName(accountUUID, deviceID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for %s: %w", QueueName(accountUUID, deviceID), err)
	}

	envelopes := make([]models.Envelope, 0, len(payloads))
	for _, payload := range payloads {
		var envelope models.Envelope
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode message in %s: %w", QueueName(accountUUID, deviceID), err)
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}

// LockQueueForPersistence claims the queue for one persister. The returned
// token must be passed to UnlockQueueForPersistence.
func (c *MessagesCache) LockQueueForPersistence(ctx context.Context, queueName string) (string, error) {
	accountUUID, deviceID, err := ParseQueueName(queueName)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, persistInProgressKey(accountUUID, deviceID), token, c.lockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to lock %s: %w", queueName, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrQueueLocked, queueName)
	}

	c.logger.WithFields(logrus.Fields{
		"queue": queueName,
		"ttl":   c.lockTTL,
	}).Debug("Locked queue for persistence")
	return token, nil
}

// ExtendQueueLock pushes the lock's expiry a full TTL into the future while
// token still owns it.
func (c *MessagesCache) ExtendQueueLock(ctx context.Context, queueName, token string) error {
	accountUUID, deviceID, err := ParseQueueName(queueName)
	if err != nil {
		return err
	}

	extended, err := extendLockScript.Run(ctx, c.client, []string{persistInProgressKey(accountUUID, deviceID)},
		token, c.lockTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock on %s: %w", queueName, err)
	}
	if extended == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, queueName)
	}
	return nil
}

func (c *MessagesCache) UnlockQueueForPersistence(ctx context.Context, queueName, token string) error {
	accountUUID, deviceID, err := ParseQueueName(queueName)
	if err != nil {
		return err
	}

	released, err := unlockScript.Run(ctx, c.client, []string{persistInProgressKey(accountUUID, deviceID)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", queueName, err)
	}
	if released == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, queueName)
	}
	return nil
}
