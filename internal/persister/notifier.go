package persister

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-persister/internal/observability"
	"go-persister/internal/push"
	"go-persister/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Notifier tells a device that it has mail waiting, over its live connection
// when one is subscribed and through a push wake otherwise.
type Notifier struct {
	accounts  AccountDirectory
	publisher Publisher
	push      PushSender
	metrics   observability.MetricsCollector
	logger    *logrus.Logger
}

func NewNotifier(accounts AccountDirectory, publisher Publisher, pushSender PushSender, metrics observability.MetricsCollector, logger *logrus.Logger) *Notifier {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &Notifier{
		accounts:  accounts,
		publisher: publisher,
		push:      pushSender,
		metrics:   metrics,
		logger:    logger,
	}
}

func (n *Notifier) NotifyClients(ctx context.Context, accountUUID uuid.UUID, deviceID int64) error {
	start := time.Now()
	defer func() {
		n.metrics.ObserveNotify(time.Since(start))
	}()

	log := n.logger.WithFields(logrus.Fields{
		"account": accountUUID.String(),
		"device":  deviceID,
	})

	account, found, err := n.accounts.Get(ctx, accountUUID)
	if err != nil {
		return fmt.Errorf("failed to resolve account %s: %w", accountUUID, err)
	}
	if !found {
		log.Error("No account found for notification")
		n.metrics.IncMissingAccount(observability.PathNotify)
		n.metrics.IncNotification(observability.NotificationNone)
		return nil
	}

	address := models.WebsocketAddress{Number: account.Number, DeviceID: deviceID}
	delivered, err := n.publisher.Publish(ctx, address, models.PubSubMessage{Type: models.PubSubTypeQueryDB})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", address, err)
	}
	if delivered {
		n.metrics.IncNotification(observability.NotificationLive)
		return nil
	}

	// The push path looks the account up by its number, which is the
	// address the device registered its tokens under.
	owner, found, err := n.accounts.GetByNumber(ctx, account.Number)
	if err != nil {
		return fmt.Errorf("failed to resolve account by number: %w", err)
	}
	if !found {
		log.Error("No account found for number")
		n.metrics.IncMissingAccount(observability.PathNotify)
		n.metrics.IncNotification(observability.NotificationNone)
		return nil
	}

	device, found := owner.Device(deviceID)
	if !found {
		log.Error("No device found for notification")
		n.metrics.IncNotification(observability.NotificationNone)
		return nil
	}

	n.metrics.IncNotification(observability.NotificationPush)
	if err := n.push.SendQueuedNotification(ctx, owner, device); err != nil {
		if errors.Is(err, push.ErrNotPushRegistered) {
			log.WithError(err).Warn("Device is not push registered")
			n.metrics.IncNotPushRegistered()
			return nil
		}
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	return nil
}
