package cache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueueName(t *testing.T) {
	accountUUID := uuid.New()
	queueName := QueueName(accountUUID, 7)

	parsedUUID, deviceID, err := ParseQueueName(queueName)
	require.NoError(t, err)
	assert.Equal(t, accountUUID, parsedUUID)
	assert.Equal(t, int64(7), deviceID)

	fromName, err := AccountUUIDFromQueueName(queueName)
	require.NoError(t, err)
	assert.Equal(t, accountUUID, fromName)

	device, err := DeviceIDFromQueueName(queueName)
	require.NoError(t, err)
	assert.Equal(t, int64(7), device)
}

func TestParseQueueName_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		queue string
	}{
		{name: "no braces", queue: "user_queue::abc::1"},
		{name: "no separator", queue: "user_queue::{" + uuid.NewString() + "}"},
		{name: "bad uuid", queue: "user_queue::{not-a-uuid::1}"},
		{name: "bad device", queue: "user_queue::{" + uuid.NewString() + "::x}"},
		{name: "empty", queue: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseQueueName(tt.queue)
			assert.ErrorIs(t, err, ErrInvalidQueueName)
		})
	}
}

func TestQueueKeysShareSlot(t *testing.T) {
	accountUUID := uuid.New()
	slot := KeySlot(QueueName(accountUUID, 1))

	assert.Equal(t, slot, KeySlot(queueMetadataKey(accountUUID, 1)))
	assert.Equal(t, slot, KeySlot(persistInProgressKey(accountUUID, 1)))
	assert.Equal(t, slot, KeySlot(queueIndexKey(accountUUID, 1)))
}
