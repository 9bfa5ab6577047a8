package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "go-persister"

// OTelMetrics implements MetricsCollector on OpenTelemetry instruments
type OTelMetrics struct {
	getQueuesDuration    metric.Float64Histogram
	persistQueueDuration metric.Float64Histogram
	notifyDuration       metric.Float64Histogram
	queueCount           metric.Int64Histogram
	queueSize            metric.Int64Histogram
	missingAccounts      metric.Int64Counter
	notifications        metric.Int64Counter
	notPushRegistered    metric.Int64Counter
	cycleFailed          metric.Int64Counter
	pushPublished        metric.Int64Counter
	pushPublishFailed    metric.Int64Counter
}

// NewOTelMetrics creates all instruments on the given meter, or on the
// global meter provider when meter is nil.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	m := &OTelMetrics{}
	var err error

	if m.getQueuesDuration, err = meter.Float64Histogram(
		"persister.get_queues.duration",
		metric.WithDescription("Time spent listing queues eligible for persistence"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create getQueues histogram: %w", err)
	}

	if m.persistQueueDuration, err = meter.Float64Histogram(
		"persister.persist_queue.duration",
		metric.WithDescription("Time spent draining one queue under its lock"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create persistQueue histogram: %w", err)
	}

	if m.notifyDuration, err = meter.Float64Histogram(
		"persister.notify_subscribers.duration",
		metric.WithDescription("Time spent notifying a device after persistence"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create notifySubscribers histogram: %w", err)
	}

	if m.queueCount, err = meter.Int64Histogram(
		"persister.queue_count",
		metric.WithDescription("Queues persisted per cycle"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queueCount histogram: %w", err)
	}

	if m.queueSize, err = meter.Int64Histogram(
		"persister.queue_size",
		metric.WithDescription("Messages persisted per queue"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queueSize histogram: %w", err)
	}

	if m.missingAccounts, err = meter.Int64Counter(
		"persister.missing_account.total",
		metric.WithDescription("Account lookups that found no record"),
	); err != nil {
		return nil, fmt.Errorf("failed to create missingAccounts counter: %w", err)
	}

	if m.notifications, err = meter.Int64Counter(
		"persister.notifications.total",
		metric.WithDescription("Notifications by delivery path"),
	); err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	if m.notPushRegistered, err = meter.Int64Counter(
		"persister.not_push_registered.total",
		metric.WithDescription("Push wakes skipped because the device has no push token"),
	); err != nil {
		return nil, fmt.Errorf("failed to create notPushRegistered counter: %w", err)
	}

	if m.cycleFailed, err = meter.Int64Counter(
		"persister.cycle_failed.total",
		metric.WithDescription("Persistence cycles aborted by an error"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cycleFailed counter: %w", err)
	}

	if m.pushPublished, err = meter.Int64Counter(
		"push.published.total",
		metric.WithDescription("Push notifications written to the gateway topic"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pushPublished counter: %w", err)
	}

	if m.pushPublishFailed, err = meter.Int64Counter(
		"push.publish_failed.total",
		metric.WithDescription("Push notifications that exhausted their retries"),
	); err != nil {
		return nil, fmt.Errorf("failed to create pushPublishFailed counter: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) ObserveGetQueues(d time.Duration) {
	m.getQueuesDuration.Record(context.Background(), d.Seconds())
}

func (m *OTelMetrics) ObservePersistQueue(d time.Duration) {
	m.persistQueueDuration.Record(context.Background(), d.Seconds())
}

func (m *OTelMetrics) ObserveNotify(d time.Duration) {
	m.notifyDuration.Record(context.Background(), d.Seconds())
}

func (m *OTelMetrics) RecordQueueCount(n int) {
	m.queueCount.Record(context.Background(), int64(n))
}

func (m *OTelMetrics) RecordQueueSize(n int) {
	m.queueSize.Record(context.Background(), int64(n))
}

func (m *OTelMetrics) IncMissingAccount(path string) {
	m.missingAccounts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("path", path)))
}

func (m *OTelMetrics) IncNotification(kind string) {
	m.notifications.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *OTelMetrics) IncNotPushRegistered() {
	m.notPushRegistered.Add(context.Background(), 1)
}

func (m *OTelMetrics) IncCycleFailed() {
	m.cycleFailed.Add(context.Background(), 1)
}

func (m *OTelMetrics) IncPushPublished() {
	m.pushPublished.Add(context.Background(), 1)
}

func (m *OTelMetrics) IncPushPublishFailed() {
	m.pushPublishFailed.Add(context.Background(), 1)
}

// InitMeterProvider registers a global MeterProvider exporting over OTLP/gRPC.
// The returned function flushes and shuts the provider down.
func InitMeterProvider(ctx context.Context, endpoint, serviceName, instanceID string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.instance.id", instanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(10*time.Second),
		)),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
