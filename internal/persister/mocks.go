package persister

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-persister/internal/cache"
	"go-persister/pkg/models"

	"github.com/google/uuid"
)

// EventLog records the order of side effects across fakes.
type EventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *EventLog) add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *EventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]string, len(l.events))
	copy(events, l.events)
	return events
}

// MockCache is an in-memory MessagesCache. Listing pages are scripted through
// QueuePages; messages live in Queues keyed by queue name.
type MockCache struct {
	mu         sync.Mutex
	Slot       int
	QueuePages [][]string
	Queues     map[string][]models.Envelope
	locks      map[string]string
	Log        *EventLog

	NextSlotFunc   func(ctx context.Context) (int, error)
	GetQueuesFunc  func(ctx context.Context, slot int, maxTime time.Time, offset, limit int) ([]string, error)
	LockFunc       func(ctx context.Context, queueName string) (string, error)
	UnlockFunc     func(ctx context.Context, queueName, token string) error
	ExtendFunc     func(ctx context.Context, queueName, token string) error
	GetMessagesErr error

	GetQueuesCalls   int
	GetMessagesCalls int
	RemoveCalls      int
	LockCalls        int
	UnlockCalls      int
	ExtendCalls      int
	MaxTimes         []time.Time
	Offsets          []int
}

func NewMockCache() *MockCache {
	return &MockCache{
		Queues: make(map[string][]models.Envelope),
		locks:  make(map[string]string),
	}
}

// AddMessages queues count envelopes for the device and returns the queue name.
func (m *MockCache) AddMessages(accountUUID uuid.UUID, deviceID int64, count int) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := cache.QueueName(accountUUID, deviceID)
	for i := 0; i < count; i++ {
		m.Queues[queue] = append(m.Queues[queue], models.Envelope{
			ServerGUID:      uuid.NewString(),
			Type:            models.EnvelopeTypeCiphertext,
			DestinationUUID: accountUUID.String(),
			ServerTimestamp: int64(i),
			Content:         []byte(fmt.Sprintf("message-%d", i)),
		})
	}
	return queue
}

func (m *MockCache) Size(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Queues[queue])
}

func (m *MockCache) GetNextSlotToPersist(ctx context.Context) (int, error) {
	if m.NextSlotFunc != nil {
		return m.NextSlotFunc(ctx)
	}
	return m.Slot, nil
}

// GetQueuesToPersist pops the next scripted page; offset is only recorded.
func (m *MockCache) GetQueuesToPersist(ctx context.Context, slot int, maxTime time.Time, offset, limit int) ([]string, error) {
	m.mu.Lock()
	m.GetQueuesCalls++
	m.MaxTimes = append(m.MaxTimes, maxTime)
	m.Offsets = append(m.Offsets, offset)
	m.mu.Unlock()

	if m.GetQueuesFunc != nil {
		return m.GetQueuesFunc(ctx, slot, maxTime, offset, limit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.QueuePages) == 0 {
		return nil, nil
	}
	page := m.QueuePages[0]
	m.QueuePages = m.QueuePages[1:]
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (m *MockCache) GetMessagesToPersist(ctx context.Context, accountUUID uuid.UUID, deviceID int64, limit int) ([]models.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetMessagesCalls++
	if m.GetMessagesErr != nil {
		return nil, m.GetMessagesErr
	}

	queue := m.Queues[cache.QueueName(accountUUID, deviceID)]
	if len(queue) > limit {
		queue = queue[:limit]
	}
	page := make([]models.Envelope, len(queue))
	copy(page, queue)
	return page, nil
}

func (m *MockCache) Remove(ctx context.Context, accountUUID uuid.UUID, deviceID int64, guid uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RemoveCalls++
	m.Log.add("remove:%s", guid)

	name := cache.QueueName(accountUUID, deviceID)
	queue := m.Queues[name]
	for i, envelope := range queue {
		if envelope.ServerGUID == guid.String() {
			m.Queues[name] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockCache) LockQueueForPersistence(ctx context.Context, queueName string) (string, error) {
	m.mu.Lock()
	m.LockCalls++
	m.mu.Unlock()
	m.Log.add("lock:%s", queueName)

	if m.LockFunc != nil {
		return m.LockFunc(ctx, queueName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[queueName]; held {
		return "", fmt.Errorf("%w: %s", cache.ErrQueueLocked, queueName)
	}
	token := uuid.NewString()
	m.locks[queueName] = token
	return token, nil
}

func (m *MockCache) ExtendQueueLock(ctx context.Context, queueName, token string) error {
	m.mu.Lock()
	m.ExtendCalls++
	m.mu.Unlock()

	if m.ExtendFunc != nil {
		return m.ExtendFunc(ctx, queueName, token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[queueName] != token {
		return fmt.Errorf("%w: %s", cache.ErrLockNotHeld, queueName)
	}
	return nil
}

func (m *MockCache) UnlockQueueForPersistence(ctx context.Context, queueName, token string) error {
	m.mu.Lock()
	m.UnlockCalls++
	m.mu.Unlock()
	m.Log.add("unlock:%s", queueName)

	if m.UnlockFunc != nil {
		return m.UnlockFunc(ctx, queueName, token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[queueName] != token {
		return fmt.Errorf("%w: %s", cache.ErrLockNotHeld, queueName)
	}
	delete(m.locks, queueName)
	return nil
}

// Locked reports whether queueName is currently locked.
func (m *MockCache) Locked(queueName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.locks[queueName]
	return held
}

type StoredMessage struct {
	GUID        uuid.UUID
	Envelope    models.Envelope
	Destination string
	DeviceID    int64
}

type MockStore struct {
	mu        sync.Mutex
	Stored    []StoredMessage
	StoreFunc func(ctx context.Context, guid uuid.UUID, envelope models.Envelope, destination string, deviceID int64) error
	Log       *EventLog
}

func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) Store(ctx context.Context, guid uuid.UUID, envelope models.Envelope, destination string, deviceID int64) error {
	m.Log.add("store:%s", guid)
	if m.StoreFunc != nil {
		if err := m.StoreFunc(ctx, guid, envelope, destination, deviceID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stored = append(m.Stored, StoredMessage{
		GUID:        guid,
		Envelope:    envelope,
		Destination: destination,
		DeviceID:    deviceID,
	})
	return nil
}

func (m *MockStore) GetStored() []StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]StoredMessage, len(m.Stored))
	copy(stored, m.Stored)
	return stored
}

type MockAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]models.Account
	GetErr   error

	GetCalls         int
	GetByNumberCalls int
}

func NewMockAccounts(accounts ...models.Account) *MockAccounts {
	m := &MockAccounts{accounts: make(map[uuid.UUID]models.Account)}
	for _, account := range accounts {
		m.accounts[account.UUID] = account
	}
	return m
}

func (m *MockAccounts) Get(ctx context.Context, accountUUID uuid.UUID) (models.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetCalls++
	if m.GetErr != nil {
		return models.Account{}, false, m.GetErr
	}
	account, ok := m.accounts[accountUUID]
	return account, ok, nil
}

func (m *MockAccounts) GetByNumber(ctx context.Context, number string) (models.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetByNumberCalls++
	for _, account := range m.accounts {
		if account.Number == number {
			return account, true, nil
		}
	}
	return models.Account{}, false, nil
}

type MockPublisher struct {
	mu         sync.Mutex
	Subscribed map[string]bool
	PublishErr error
	Published  []models.WebsocketAddress
	Messages   []models.PubSubMessage
	Log        *EventLog
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{Subscribed: make(map[string]bool)}
}

func (m *MockPublisher) Publish(ctx context.Context, address models.WebsocketAddress, msg models.PubSubMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Log.add("publish:%s", address.Serialize())
	if m.PublishErr != nil {
		return false, m.PublishErr
	}
	m.Published = append(m.Published, address)
	m.Messages = append(m.Messages, msg)
	return m.Subscribed[address.Serialize()], nil
}

type PushCall struct {
	Account models.Account
	Device  models.Device
}

type MockPushSender struct {
	mu       sync.Mutex
	Calls    []PushCall
	SendFunc func(ctx context.Context, account models.Account, device models.Device) error
	Log      *EventLog
}

func NewMockPushSender() *MockPushSender {
	return &MockPushSender{}
}

func (m *MockPushSender) SendQueuedNotification(ctx context.Context, account models.Account, device models.Device) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, PushCall{Account: account, Device: device})
	m.mu.Unlock()
	m.Log.add("push:%s:%d", account.Number, device.ID)

	if m.SendFunc != nil {
		return m.SendFunc(ctx, account, device)
	}
	return nil
}

func (m *MockPushSender) GetCalls() []PushCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]PushCall, len(m.Calls))
	copy(calls, m.Calls)
	return calls
}
