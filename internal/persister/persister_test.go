package persister

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"go-persister/internal/cache"
	"go-persister/internal/observability"
	"go-persister/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cache     *MockCache
	store     *MockStore
	accounts  *MockAccounts
	publisher *MockPublisher
	push      *MockPushSender
	metrics   *observability.InMemoryMetrics
	log       *EventLog
	persister *Persister
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(cfg Config, accounts ...models.Account) *fixture {
	f := &fixture{
		cache:     NewMockCache(),
		store:     NewMockStore(),
		accounts:  NewMockAccounts(accounts...),
		publisher: NewMockPublisher(),
		push:      NewMockPushSender(),
		metrics:   observability.NewInMemoryMetrics(),
		log:       &EventLog{},
	}
	f.cache.Log = f.log
	f.store.Log = f.log
	f.publisher.Log = f.log
	f.push.Log = f.log

	logger := quietLogger()
	cfg.Metrics = f.metrics
	cfg.Logger = logger
	notifier := NewNotifier(f.accounts, f.publisher, f.push, f.metrics, logger)
	f.persister = New(f.cache, f.store, f.accounts, notifier, cfg)
	return f
}

func newAccount(number string, devices ...models.Device) models.Account {
	return models.Account{UUID: uuid.New(), Number: number, Devices: devices}
}

func TestNew_Defaults(t *testing.T) {
	p := New(NewMockCache(), NewMockStore(), NewMockAccounts(), nil, Config{})

	assert.Equal(t, 10*time.Minute, p.persistDelay)
	assert.Equal(t, 100*time.Millisecond, p.pollInterval)
	assert.Equal(t, 100, p.queueBatchLimit)
	assert.Equal(t, 100, p.messageBatchLimit)
	assert.NotNil(t, p.metrics)
	assert.NotNil(t, p.logger)
}

func TestPersistQueue_PaginationTerminates(t *testing.T) {
	const pageSize = 10

	for _, size := range []int{0, 1, pageSize - 1, pageSize, pageSize + 1, 2 * pageSize} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			account := newAccount("+14155550100", models.Device{ID: 1})
			f := newFixture(Config{MessageBatchLimit: pageSize}, account)
			queue := f.cache.AddMessages(account.UUID, 1, size)

			persisted, err := f.persister.PersistQueue(context.Background(), queue)
			require.NoError(t, err)

			assert.Equal(t, size, persisted)
			assert.Len(t, f.store.GetStored(), size)
			assert.Equal(t, 0, f.cache.Size(queue))
			assert.Equal(t, size/pageSize+1, f.cache.GetMessagesCalls)
			assert.Equal(t, 1, f.cache.LockCalls)
			assert.Equal(t, 1, f.cache.UnlockCalls)
			assert.False(t, f.cache.Locked(queue))
		})
	}
}

func TestPersistNextQueues_ExampleScenario(t *testing.T) {
	account := newAccount("+14155550101", models.Device{ID: 1, GCMID: "token"})
	f := newFixture(Config{QueueBatchLimit: 100, MessageBatchLimit: 100}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 150)
	f.cache.QueuePages = [][]string{{queue}}

	err := f.persister.PersistNextQueues(context.Background(), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, f.cache.GetMessagesCalls)
	assert.Equal(t, 1, f.cache.GetQueuesCalls)
	assert.Equal(t, 1, f.cache.LockCalls)
	assert.Equal(t, 1, f.cache.UnlockCalls)
	assert.Len(t, f.store.GetStored(), 150)
	assert.Equal(t, 0, f.cache.Size(queue))
	assert.Len(t, f.publisher.Published, 1)
	assert.Len(t, f.push.GetCalls(), 1)

	assert.Equal(t, []int{150}, f.metrics.GetQueueSizes())
	assert.Equal(t, int64(1), f.metrics.GetQueuesPersisted())
}

func TestPersistNextQueues_PagesThroughQueues(t *testing.T) {
	tests := []struct {
		name          string
		pages         int
		lastPageSize  int
		expectListing int
	}{
		{"short first page", 1, 1, 1},
		{"full page then empty", 1, 2, 2},
		{"full page then short", 2, 1, 2},
		{"two full pages then empty", 2, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var accounts []models.Account
			var pages [][]string
			for i := 0; i < tt.pages; i++ {
				size := 2
				if i == tt.pages-1 {
					size = tt.lastPageSize
				}
				page := make([]string, 0, size)
				for j := 0; j < size; j++ {
					account := newAccount(fmt.Sprintf("+1415555%04d", i*10+j), models.Device{ID: 1})
					accounts = append(accounts, account)
					page = append(page, cache.QueueName(account.UUID, 1))
				}
				pages = append(pages, page)
			}

			f := newFixture(Config{QueueBatchLimit: 2}, accounts...)
			for _, account := range accounts {
				f.cache.AddMessages(account.UUID, 1, 3)
			}
			f.cache.QueuePages = pages

			err := f.persister.PersistNextQueues(context.Background(), time.Now())
			require.NoError(t, err)

			assert.Equal(t, tt.expectListing, f.cache.GetQueuesCalls)
			assert.Equal(t, int64(len(accounts)), f.metrics.GetQueuesPersisted())
			assert.Len(t, f.store.GetStored(), 3*len(accounts))
			assert.Len(t, f.publisher.Published, len(accounts))
		})
	}
}

func TestPersistNextQueues_UsesPersistDelayCutoff(t *testing.T) {
	f := newFixture(Config{PersistDelay: 5 * time.Minute})
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, f.persister.PersistNextQueues(context.Background(), now))

	require.Len(t, f.cache.MaxTimes, 1)
	assert.Equal(t, now.Add(-5*time.Minute), f.cache.MaxTimes[0])
}

func TestPersistQueue_StoresBeforeRemovingAndUnlocksBeforeNotify(t *testing.T) {
	account := newAccount("+14155550102", models.Device{ID: 1})
	f := newFixture(Config{MessageBatchLimit: 2}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 3)
	f.cache.QueuePages = [][]string{{queue}}
	f.publisher.Subscribed[account.Number+":1"] = true

	require.NoError(t, f.persister.PersistNextQueues(context.Background(), time.Now()))

	events := f.log.Events()
	require.Len(t, events, 9)
	assert.Equal(t, "lock:"+queue, events[0])
	for i := 1; i < 7; i += 2 {
		require.True(t, strings.HasPrefix(events[i], "store:"), events[i])
		guid := strings.TrimPrefix(events[i], "store:")
		assert.Equal(t, "remove:"+guid, events[i+1])
	}
	assert.Equal(t, "unlock:"+queue, events[7])
	assert.Equal(t, "publish:"+account.Number+":1", events[8])
}

func TestPersistQueue_StoresWithOwnerAddress(t *testing.T) {
	account := newAccount("+14155550103", models.Device{ID: 2})
	f := newFixture(Config{}, account)
	queue := f.cache.AddMessages(account.UUID, 2, 1)

	_, err := f.persister.PersistQueue(context.Background(), queue)
	require.NoError(t, err)

	stored := f.store.GetStored()
	require.Len(t, stored, 1)
	assert.Equal(t, account.Number, stored[0].Destination)
	assert.Equal(t, int64(2), stored[0].DeviceID)
	assert.Equal(t, stored[0].GUID.String(), stored[0].Envelope.ServerGUID)
}

func TestPersistQueue_MissingAccountIsSkipped(t *testing.T) {
	f := newFixture(Config{})
	queue := f.cache.AddMessages(uuid.New(), 1, 5)

	persisted, err := f.persister.PersistQueue(context.Background(), queue)
	require.NoError(t, err)

	assert.Equal(t, 0, persisted)
	assert.Equal(t, 0, f.cache.LockCalls)
	assert.Equal(t, 0, f.cache.GetMessagesCalls)
	assert.Equal(t, 0, f.cache.RemoveCalls)
	assert.Empty(t, f.store.GetStored())
	assert.Equal(t, 5, f.cache.Size(queue))
	assert.Equal(t, int64(1), f.metrics.GetMissingAccounts(observability.PathPersist))
}

func TestPersistNextQueues_MissingAccountDoesNotFailCycle(t *testing.T) {
	f := newFixture(Config{})
	queue := f.cache.AddMessages(uuid.New(), 1, 5)
	f.cache.QueuePages = [][]string{{queue}}

	require.NoError(t, f.persister.PersistNextQueues(context.Background(), time.Now()))

	assert.Equal(t, 0, f.cache.LockCalls)
	assert.Empty(t, f.publisher.Published)
	assert.Equal(t, int64(1), f.metrics.GetMissingAccounts(observability.PathPersist))
	assert.Equal(t, int64(1), f.metrics.GetMissingAccounts(observability.PathNotify))
}

func TestPersistQueue_AccountLookupErrorPropagates(t *testing.T) {
	f := newFixture(Config{})
	f.accounts.GetErr = errors.New("directory unavailable")
	queue := f.cache.AddMessages(uuid.New(), 1, 1)

	_, err := f.persister.PersistQueue(context.Background(), queue)

	assert.ErrorIs(t, err, f.accounts.GetErr)
	assert.Equal(t, 0, f.cache.LockCalls)
}

func TestPersistQueue_LockContention(t *testing.T) {
	account := newAccount("+14155550104", models.Device{ID: 1})
	f := newFixture(Config{}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 3)

	token, err := f.cache.LockQueueForPersistence(context.Background(), queue)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = f.persister.PersistQueue(context.Background(), queue)

	assert.ErrorIs(t, err, cache.ErrQueueLocked)
	assert.Equal(t, 0, f.cache.GetMessagesCalls)
	assert.Equal(t, 0, f.cache.UnlockCalls)
	assert.Equal(t, 3, f.cache.Size(queue))
}

func TestPersistQueue_ReleasesLockWhenStoreFails(t *testing.T) {
	account := newAccount("+14155550105", models.Device{ID: 1})
	f := newFixture(Config{MessageBatchLimit: 10}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 5)

	storeErr := errors.New("store unavailable")
	calls := 0
	f.store.StoreFunc = func(ctx context.Context, guid uuid.UUID, envelope models.Envelope, destination string, deviceID int64) error {
		calls++
		if calls > 2 {
			return storeErr
		}
		return nil
	}

	persisted, err := f.persister.PersistQueue(context.Background(), queue)

	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, 2, persisted)
	assert.Equal(t, 1, f.cache.UnlockCalls)
	assert.False(t, f.cache.Locked(queue))
	assert.Equal(t, 3, f.cache.Size(queue))
	assert.Equal(t, 2, f.cache.RemoveCalls)
}

func TestPersistQueue_DrainErrorWinsOverUnlockError(t *testing.T) {
	account := newAccount("+14155550106", models.Device{ID: 1})
	f := newFixture(Config{}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 1)

	fetchErr := errors.New("fetch failed")
	f.cache.GetMessagesErr = fetchErr
	f.cache.UnlockFunc = func(ctx context.Context, queueName, token string) error {
		return errors.New("unlock failed")
	}

	_, err := f.persister.PersistQueue(context.Background(), queue)

	assert.ErrorIs(t, err, fetchErr)
	assert.Equal(t, 1, f.cache.UnlockCalls)
}

func TestPersistQueue_UnlockErrors(t *testing.T) {
	t.Run("expired lock is not an error", func(t *testing.T) {
		account := newAccount("+14155550107", models.Device{ID: 1})
		f := newFixture(Config{}, account)
		queue := f.cache.AddMessages(account.UUID, 1, 2)
		f.cache.UnlockFunc = func(ctx context.Context, queueName, token string) error {
			return fmt.Errorf("%w: %s", cache.ErrLockNotHeld, queueName)
		}

		persisted, err := f.persister.PersistQueue(context.Background(), queue)
		require.NoError(t, err)
		assert.Equal(t, 2, persisted)
	})

	t.Run("connection error is returned", func(t *testing.T) {
		account := newAccount("+14155550108", models.Device{ID: 1})
		f := newFixture(Config{}, account)
		queue := f.cache.AddMessages(account.UUID, 1, 2)
		unlockErr := errors.New("connection reset")
		f.cache.UnlockFunc = func(ctx context.Context, queueName, token string) error {
			return unlockErr
		}

		persisted, err := f.persister.PersistQueue(context.Background(), queue)
		assert.ErrorIs(t, err, unlockErr)
		assert.Equal(t, 2, persisted)
	})
}

func TestPersistQueue_InvalidGUIDAbortsDrain(t *testing.T) {
	account := newAccount("+14155550109", models.Device{ID: 1})
	f := newFixture(Config{}, account)
	queue := cache.QueueName(account.UUID, 1)
	f.cache.Queues[queue] = []models.Envelope{{ServerGUID: "not-a-uuid"}}

	_, err := f.persister.PersistQueue(context.Background(), queue)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid guid")
	assert.Empty(t, f.store.GetStored())
	assert.False(t, f.cache.Locked(queue))
}

func TestPersistQueue_InvalidQueueName(t *testing.T) {
	f := newFixture(Config{})

	_, err := f.persister.PersistQueue(context.Background(), "user_queue::garbage")

	assert.ErrorIs(t, err, cache.ErrInvalidQueueName)
	assert.Equal(t, 0, f.accounts.GetCalls)
}

func TestPersistNextQueues_SkipsUnparseableQueue(t *testing.T) {
	account := newAccount("+14155550110", models.Device{ID: 1})
	f := newFixture(Config{}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 1)
	f.cache.QueuePages = [][]string{{"not-a-queue", queue}}

	require.NoError(t, f.persister.PersistNextQueues(context.Background(), time.Now()))

	assert.Len(t, f.store.GetStored(), 1)
	assert.Equal(t, int64(1), f.metrics.GetQueuesPersisted())
}

func TestPersistNextQueues_ListingErrorAbortsCycle(t *testing.T) {
	f := newFixture(Config{})
	listErr := errors.New("cluster down")
	f.cache.GetQueuesFunc = func(ctx context.Context, slot int, maxTime time.Time, offset, limit int) ([]string, error) {
		return nil, listErr
	}

	err := f.persister.PersistNextQueues(context.Background(), time.Now())

	assert.ErrorIs(t, err, listErr)
	assert.Equal(t, 0, f.cache.LockCalls)
}

func TestPersistNextQueues_DrainErrorSkipsNotification(t *testing.T) {
	account := newAccount("+14155550111", models.Device{ID: 1})
	f := newFixture(Config{}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 1)
	f.cache.QueuePages = [][]string{{queue}}
	storeErr := errors.New("store unavailable")
	f.store.StoreFunc = func(ctx context.Context, guid uuid.UUID, envelope models.Envelope, destination string, deviceID int64) error {
		return storeErr
	}

	err := f.persister.PersistNextQueues(context.Background(), time.Now())

	assert.ErrorIs(t, err, storeErr)
	assert.Empty(t, f.publisher.Published)
}

func TestPersister_StartStop(t *testing.T) {
	f := newFixture(Config{PollInterval: 5 * time.Millisecond})

	require.NoError(t, f.persister.Start(context.Background()))
	assert.ErrorIs(t, f.persister.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		return f.metrics.GetQueuesCalls.Load() >= 3
	}, time.Second, time.Millisecond)

	f.persister.Stop()
	after := f.metrics.GetQueuesCalls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, f.metrics.GetQueuesCalls.Load())

	f.persister.Stop()

	require.NoError(t, f.persister.Start(context.Background()))
	f.persister.Stop()
}

func TestPersister_StopWithoutStart(t *testing.T) {
	f := newFixture(Config{})
	f.persister.Stop()
}

func TestPersister_CycleFailuresDoNotStopLoop(t *testing.T) {
	f := newFixture(Config{PollInterval: time.Millisecond})
	f.cache.NextSlotFunc = func(ctx context.Context) (int, error) {
		return 0, errors.New("redis unavailable")
	}

	require.NoError(t, f.persister.Start(context.Background()))
	defer f.persister.Stop()

	require.Eventually(t, func() bool {
		return f.metrics.GetCycleFailed() >= 3
	}, time.Second, time.Millisecond)
}

func TestPersister_StopWaitsForInFlightCycle(t *testing.T) {
	f := newFixture(Config{PollInterval: time.Millisecond})

	entered := make(chan struct{})
	release := make(chan struct{})
	var cycleCtxErr error
	f.cache.GetQueuesFunc = func(ctx context.Context, slot int, maxTime time.Time, offset, limit int) ([]string, error) {
		select {
		case <-entered:
		default:
			close(entered)
			<-release
			cycleCtxErr = ctx.Err()
		}
		return nil, nil
	}

	require.NoError(t, f.persister.Start(context.Background()))
	<-entered

	stopped := make(chan struct{})
	go func() {
		f.persister.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}
	assert.NoError(t, cycleCtxErr)
}

func TestPersistNextQueues_NotificationFailureDoesNotStopPersistence(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{
			name: "push failure",
			setup: func(f *fixture) {
				f.push.SendFunc = func(ctx context.Context, account models.Account, device models.Device) error {
					return errors.New("circuit breaker is open")
				}
			},
		},
		{
			name: "publish failure",
			setup: func(f *fixture) {
				f.publisher.PublishErr = errors.New("redis unavailable")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var accounts []models.Account
			for i := 0; i < 3; i++ {
				accounts = append(accounts, newAccount(fmt.Sprintf("+1415555040%d", i), models.Device{ID: 1, GCMID: "token"}))
			}
			f := newFixture(Config{}, accounts...)
			var page []string
			for _, account := range accounts {
				page = append(page, f.cache.AddMessages(account.UUID, 1, 5))
			}
			f.cache.QueuePages = [][]string{page}
			tt.setup(f)

			require.NoError(t, f.persister.PersistNextQueues(context.Background(), time.Now()))

			for _, queue := range page {
				assert.Equal(t, 0, f.cache.Size(queue), queue)
			}
			assert.Len(t, f.store.GetStored(), 15)
			assert.Equal(t, 15, f.cache.RemoveCalls)
			assert.Equal(t, int64(3), f.metrics.GetNotifications(observability.NotificationFailed))
			assert.Equal(t, int64(3), f.metrics.GetQueuesPersisted())
		})
	}
}

func TestPersistNextQueues_StepsOverQueuesLeftInIndex(t *testing.T) {
	live := newAccount("+14155550500", models.Device{ID: 1})
	f := newFixture(Config{QueueBatchLimit: 2}, live)
	missing := f.cache.AddMessages(uuid.New(), 1, 2)
	liveQueue := f.cache.AddMessages(live.UUID, 1, 2)
	f.cache.QueuePages = [][]string{{"not-a-queue", missing}, {liveQueue}}

	require.NoError(t, f.persister.PersistNextQueues(context.Background(), time.Now()))

	assert.Equal(t, []int{0, 2}, f.cache.Offsets)
	assert.Equal(t, 0, f.cache.Size(liveQueue))
	assert.Equal(t, 2, f.cache.Size(missing))
}

func TestPersistNextQueues_DrainedQueuesDoNotAdvanceOffset(t *testing.T) {
	a := newAccount("+14155550501", models.Device{ID: 1})
	b := newAccount("+14155550502", models.Device{ID: 1})
	f := newFixture(Config{QueueBatchLimit: 2}, a, b)
	f.cache.QueuePages = [][]string{{
		f.cache.AddMessages(a.UUID, 1, 1),
		f.cache.AddMessages(b.UUID, 1, 1),
	}}

	require.NoError(t, f.persister.PersistNextQueues(context.Background(), time.Now()))

	assert.Equal(t, []int{0, 0}, f.cache.Offsets)
}

func TestPersistQueue_ExtendsLockBetweenPages(t *testing.T) {
	account := newAccount("+14155550503", models.Device{ID: 1})
	f := newFixture(Config{MessageBatchLimit: 2}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 5)

	persisted, err := f.persister.PersistQueue(context.Background(), queue)
	require.NoError(t, err)

	assert.Equal(t, 5, persisted)
	assert.Equal(t, 3, f.cache.GetMessagesCalls)
	assert.Equal(t, 2, f.cache.ExtendCalls)
}

func TestPersistQueue_LostLockAbortsDrain(t *testing.T) {
	account := newAccount("+14155550504", models.Device{ID: 1})
	f := newFixture(Config{MessageBatchLimit: 2}, account)
	queue := f.cache.AddMessages(account.UUID, 1, 5)
	f.cache.ExtendFunc = func(ctx context.Context, queueName, token string) error {
		return fmt.Errorf("%w: %s", cache.ErrLockNotHeld, queueName)
	}

	persisted, err := f.persister.PersistQueue(context.Background(), queue)

	assert.ErrorIs(t, err, cache.ErrLockNotHeld)
	assert.Equal(t, 2, persisted)
	assert.Equal(t, 3, f.cache.Size(queue))
	assert.Equal(t, 1, f.cache.UnlockCalls)
}

func TestPersister_RestartAfterParentCancelled(t *testing.T) {
	f := newFixture(Config{PollInterval: time.Millisecond})

	parent, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.persister.Start(parent))
	cancel()

	require.Eventually(t, func() bool {
		return f.persister.Start(context.Background()) == nil
	}, time.Second, time.Millisecond)

	calls := f.metrics.GetQueuesCalls.Load()
	require.Eventually(t, func() bool {
		return f.metrics.GetQueuesCalls.Load() > calls
	}, time.Second, time.Millisecond)
	f.persister.Stop()
}
