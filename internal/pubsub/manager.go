package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"go-persister/internal/observability"
	"go-persister/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Manager publishes signals to live device connections over Redis pub/sub.
type Manager struct {
	client redis.UniversalClient
	logger *logrus.Logger
}

func NewManager(client redis.UniversalClient, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &Manager{client: client, logger: logger}
}

// Publish sends msg to the address's channel and reports whether at least
// one subscriber received it.
func (m *Manager) Publish(ctx context.Context, address models.WebsocketAddress, msg models.PubSubMessage) (bool, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to encode pubsub message: %w", err)
	}

	receivers, err := m.client.Publish(ctx, address.Serialize(), payload).Result()
	if err != nil {
		return false, fmt.Errorf("failed to publish to %s: %w", address, err)
	}

	m.logger.WithFields(logrus.Fields{
		"address":   address.Serialize(),
		"type":      msg.Type,
		"receivers": receivers,
	}).Debug("Published pubsub message")
	return receivers > 0, nil
}

// Subscription delivers decoded messages for one address until closed.
type Subscription struct {
	ps       *redis.PubSub
	messages chan models.PubSubMessage
	logger   *logrus.Logger
}

// Subscribe listens on the address's channel. The subscription is confirmed
// by the server before Subscribe returns.
func (m *Manager) Subscribe(ctx context.Context, address models.WebsocketAddress) (*Subscription, error) {
	ps := m.client.Subscribe(ctx, address.Serialize())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", address, err)
	}

	s := &Subscription{
		ps:       ps,
		messages: make(chan models.PubSubMessage, 16),
		logger:   m.logger,
	}
	go s.run()
	return s, nil
}

func (s *Subscription) run() {
	defer close(s.messages)

	for raw := range s.ps.Channel() {
		var msg models.PubSubMessage
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			s.logger.WithError(err).WithField("channel", raw.Channel).Warn("Dropping undecodable pubsub message")
			continue
		}
		s.messages <- msg
	}
}

func (s *Subscription) Messages() <-chan models.PubSubMessage {
	return s.messages
}

func (s *Subscription) Close() error {
	return s.ps.Close()
}
