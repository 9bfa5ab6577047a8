package cache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	queueKeyPrefix       = "user_queue::"
	queueMetadataPrefix  = "user_queue_metadata::"
	queueIndexPrefix     = "user_queue_index::"
	queuePersistPrefix   = "user_queue_persisting::"
	nextSlotToPersistKey = "user_queue_persist_slot"
)

var ErrInvalidQueueName = errors.New("invalid queue name")

func queueTag(accountUUID uuid.UUID, deviceID int64) string {
	return "{" + accountUUID.String() + "::" + strconv.FormatInt(deviceID, 10) + "}"
}

// QueueName returns the cache key of the queue for one device.
func QueueName(accountUUID uuid.UUID, deviceID int64) string {
	return queueKeyPrefix + queueTag(accountUUID, deviceID)
}

func queueMetadataKey(accountUUID uuid.UUID, deviceID int64) string {
	return queueMetadataPrefix + queueTag(accountUUID, deviceID)
}

func persistInProgressKey(accountUUID uuid.UUID, deviceID int64) string {
	return queuePersistPrefix + queueTag(accountUUID, deviceID)
}

func queueIndexKeyForSlot(slot int) string {
	return queueIndexPrefix + "{" + HashTagForSlot(slot) + "}"
}

func queueIndexKey(accountUUID uuid.UUID, deviceID int64) string {
	return queueIndexKeyForSlot(KeySlot(QueueName(accountUUID, deviceID)))
}

// ParseQueueName extracts the account UUID and device id from a queue name.
func ParseQueueName(queueName string) (uuid.UUID, int64, error) {
	start := strings.IndexByte(queueName, '{')
	end := strings.LastIndexByte(queueName, '}')
	if start < 0 || end <= start {
		return uuid.Nil, 0, fmt.Errorf("%w: %q", ErrInvalidQueueName, queueName)
	}

	account, device, ok := strings.Cut(queueName[start+1:end], "::")
	if !ok {
		return uuid.Nil, 0, fmt.Errorf("%w: %q", ErrInvalidQueueName, queueName)
	}

	accountUUID, err := uuid.Parse(account)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %q: %v", ErrInvalidQueueName, queueName, err)
	}
	deviceID, err := strconv.ParseInt(device, 10, 64)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %q: %v", ErrInvalidQueueName, queueName, err)
	}
	return accountUUID, deviceID, nil
}

func AccountUUIDFromQueueName(queueName string) (uuid.UUID, error) {
	accountUUID, _, err := ParseQueueName(queueName)
	return accountUUID, err
}

func DeviceIDFromQueueName(queueName string) (int64, error) {
	_, deviceID, err := ParseQueueName(queueName)
	return deviceID, err
}
