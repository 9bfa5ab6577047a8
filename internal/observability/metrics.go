package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// Notification kinds recorded by IncNotification
const (
	NotificationLive = "live"
	NotificationPush = "push"
	NotificationNone = "none"
	// NotificationFailed counts notifications abandoned on an error
	NotificationFailed = "failed"
)

// Lookup paths recorded by IncMissingAccount
const (
	PathPersist = "persist"
	PathNotify  = "notify"
)

// MetricsCollector provides hooks for persister metrics collection
type MetricsCollector interface {
	ObserveGetQueues(d time.Duration)
	ObservePersistQueue(d time.Duration)
	ObserveNotify(d time.Duration)
	RecordQueueCount(n int)
	RecordQueueSize(n int)
	IncMissingAccount(path string)
	IncNotification(kind string)
	IncNotPushRegistered()
	IncCycleFailed()
	IncPushPublished()
	IncPushPublishFailed()
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	GetQueuesCalls    atomic.Int64
	PersistQueueCalls atomic.Int64
	NotifyCalls       atomic.Int64
	QueuesPersisted   atomic.Int64
	MessagesPersisted atomic.Int64
	NotPushRegistered atomic.Int64
	CycleFailed       atomic.Int64
	PushPublished     atomic.Int64
	PushPublishFailed atomic.Int64

	mu              sync.Mutex
	missingAccounts map[string]int64
	notifications   map[string]int64
	queueSizes      []int
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		missingAccounts: make(map[string]int64),
		notifications:   make(map[string]int64),
	}
}

func (m *InMemoryMetrics) ObserveGetQueues(time.Duration) {
	m.GetQueuesCalls.Add(1)
}

func (m *InMemoryMetrics) ObservePersistQueue(time.Duration) {
	m.PersistQueueCalls.Add(1)
}

func (m *InMemoryMetrics) ObserveNotify(time.Duration) {
	m.NotifyCalls.Add(1)
}

func (m *InMemoryMetrics) RecordQueueCount(n int) {
	m.QueuesPersisted.Add(int64(n))
}

func (m *InMemoryMetrics) RecordQueueSize(n int) {
	m.MessagesPersisted.Add(int64(n))
	m.mu.Lock()
	m.queueSizes = append(m.queueSizes, n)
	m.mu.Unlock()
}

func (m *InMemoryMetrics) IncMissingAccount(path string) {
	m.mu.Lock()
	m.missingAccounts[path]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) IncNotification(kind string) {
	m.mu.Lock()
	m.notifications[kind]++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) IncNotPushRegistered() {
	m.NotPushRegistered.Add(1)
}

func (m *InMemoryMetrics) IncCycleFailed() {
	m.CycleFailed.Add(1)
}

func (m *InMemoryMetrics) IncPushPublished() {
	m.PushPublished.Add(1)
}

func (m *InMemoryMetrics) IncPushPublishFailed() {
	m.PushPublishFailed.Add(1)
}

func (m *InMemoryMetrics) GetQueuesPersisted() int64 {
	return m.QueuesPersisted.Load()
}

func (m *InMemoryMetrics) GetMessagesPersisted() int64 {
	return m.MessagesPersisted.Load()
}

func (m *InMemoryMetrics) GetCycleFailed() int64 {
	return m.CycleFailed.Load()
}

func (m *InMemoryMetrics) GetNotPushRegistered() int64 {
	return m.NotPushRegistered.Load()
}

func (m *InMemoryMetrics) GetMissingAccounts(path string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missingAccounts[path]
}

func (m *InMemoryMetrics) GetNotifications(kind string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifications[kind]
}

// GetQueueSizes returns the recorded per-queue drain sizes in order
func (m *InMemoryMetrics) GetQueueSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.queueSizes))
	copy(sizes, m.queueSizes)
	return sizes
}
