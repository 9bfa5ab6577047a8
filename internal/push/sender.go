// Package push requests platform push wakes for devices without a live
// connection. Requests are written to a Kafka topic that the push gateway
// consumes; gateway protocols live on the other side of that topic.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-persister/internal/observability"
	"go-persister/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrNotPushRegistered is returned for devices without a GCM or APN token.
var ErrNotPushRegistered = errors.New("device is not push registered")

type SenderConfig struct {
	Topic           string
	BreakerFailures int
	BreakerReset    time.Duration
	Logger          *logrus.Logger
	Clock           func() time.Time
}

// Sender turns queued-message notifications into push gateway requests.
type Sender struct {
	producer ProducerClient
	topic    string
	breaker  *gobreaker.CircuitBreaker
	logger   *logrus.Logger
	clock    func() time.Time
}

func NewSender(producer ProducerClient, cfg SenderConfig) *Sender {
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}

	logger := cfg.Logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push-" + cfg.Topic,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Push circuit breaker state changed")
		},
	})

	return &Sender{
		producer: producer,
		topic:    cfg.Topic,
		breaker:  breaker,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}
}

// SendQueuedNotification asks the push gateway to wake device so it fetches
// its queued messages.
func (s *Sender) SendQueuedNotification(ctx context.Context, account models.Account, device models.Device) error {
	notification := models.PushNotification{
		ID:          uuid.NewString(),
		AccountUUID: account.UUID.String(),
		Number:      account.Number,
		DeviceID:    device.ID,
		Kind:        models.PushKindQueued,
		CreatedAt:   s.clock().UnixMilli(),
	}

	if !device.IsPushRegistered() {
		return fmt.Errorf("%w: %s.%d", ErrNotPushRegistered, account.Number, device.ID)
	}
	if device.GCMID != "" {
		notification.Platform = models.PushPlatformGCM
		notification.Token = device.GCMID
	} else {
		notification.Platform = models.PushPlatformAPN
		notification.Token = device.APNID
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode push notification: %w", err)
	}
	headers := map[string]string{
		models.HeaderMessageID:    notification.ID,
		models.HeaderNotification: notification.Kind,
		models.HeaderPlatform:     notification.Platform,
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.producer.Publish(ctx, s.topic, notification.Key(), payload, headers)
	})
	if err != nil {
		return fmt.Errorf("failed to send queued notification to %s: %w", notification.Key(), err)
	}

	s.logger.WithFields(logrus.Fields{
		"number":   account.Number,
		"device":   device.ID,
		"platform": notification.Platform,
	}).Debug("Sent queued notification")
	return nil
}
