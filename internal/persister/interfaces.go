package persister

import (
	"context"
	"time"

	"go-persister/pkg/models"

	"github.com/google/uuid"
)

// MessagesCache is the slice of the queue cache the persister drives.
type MessagesCache interface {
	GetNextSlotToPersist(ctx context.Context) (int, error)
	GetQueuesToPersist(ctx context.Context, slot int, maxTime time.Time, offset, limit int) ([]string, error)
	GetMessagesToPersist(ctx context.Context, accountUUID uuid.UUID, deviceID int64, limit int) ([]models.Envelope, error)
	Remove(ctx context.Context, accountUUID uuid.UUID, deviceID int64, guid uuid.UUID) error
	LockQueueForPersistence(ctx context.Context, queueName string) (string, error)
	ExtendQueueLock(ctx context.Context, queueName, token string) error
	UnlockQueueForPersistence(ctx context.Context, queueName, token string) error
}

// MessageStore is the durable store. Store must be safe to repeat for a guid.
type MessageStore interface {
	Store(ctx context.Context, guid uuid.UUID, envelope models.Envelope, destination string, deviceID int64) error
}

// AccountDirectory resolves accounts by UUID or by number. A missing account
// is reported through the bool, not an error.
type AccountDirectory interface {
	Get(ctx context.Context, accountUUID uuid.UUID) (models.Account, bool, error)
	GetByNumber(ctx context.Context, number string) (models.Account, bool, error)
}

// Publisher reports whether a live subscriber received the message.
type Publisher interface {
	Publish(ctx context.Context, address models.WebsocketAddress, msg models.PubSubMessage) (bool, error)
}

// PushSender requests a push wake for a device. It fails with
// push.ErrNotPushRegistered for devices without a push token.
type PushSender interface {
	SendQueuedNotification(ctx context.Context, account models.Account, device models.Device) error
}
