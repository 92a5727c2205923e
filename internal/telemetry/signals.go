// Package telemetry is the operator-visible error channel: degraded scheduling
// and failed notifications are logged and published as CloudWatch metrics.
package telemetry

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

const (
	MetricNamespace     = "Reminders"
	MetricDegraded      = "SchedulingDegraded"
	MetricFanoutFailure = "FanoutFailure"
	MetricFiring        = "ReminderFiring"

	DimOperation = "Operation"
	DimChannel   = "Channel"
	DimOutcome   = "Outcome"
)

// FanoutFailure describes one party that could not be notified
type FanoutFailure struct {
	JobID    string
	EntityID string
	PartyID  string
	Channel  string
	Err      error
}

// Reporter receives operational signals
type Reporter interface {
	// Degraded reports scheduling that gave up after retries
	Degraded(ctx context.Context, operation, entityID string, err error)
	FanoutFailure(ctx context.Context, f FanoutFailure)
	// Firing counts worker outcomes (fired, stale, released)
	Firing(ctx context.Context, outcome string)
}

// LogReporter writes signals to the log only
type LogReporter struct {
	Logger *zap.Logger
}

func (r LogReporter) Degraded(_ context.Context, operation, entityID string, err error) {
	r.Logger.Error("reminder scheduling degraded",
		zap.String("operation", operation),
		zap.String("entity_id", entityID),
		zap.Error(err))
}

func (r LogReporter) FanoutFailure(_ context.Context, f FanoutFailure) {
	r.Logger.Warn("reminder notification failed",
		zap.String("job_id", f.JobID),
		zap.String("entity_id", f.EntityID),
		zap.String("party_id", f.PartyID),
		zap.String("channel", f.Channel),
		zap.Error(f.Err))
}

func (r LogReporter) Firing(context.Context, string) {}

// CloudWatchClient abstracts PutMetricData for tests
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchReporter logs every signal and emits a count metric for it
type CloudWatchReporter struct {
	LogReporter
	client    CloudWatchClient
	namespace string
}

var _ Reporter = (*CloudWatchReporter)(nil)

func NewCloudWatchReporter(client CloudWatchClient, namespace string, logger *zap.Logger) *CloudWatchReporter {
	if namespace == "" {
		namespace = MetricNamespace
	}
	return &CloudWatchReporter{LogReporter: LogReporter{Logger: logger}, client: client, namespace: namespace}
}

func (r *CloudWatchReporter) Degraded(ctx context.Context, operation, entityID string, err error) {
	r.LogReporter.Degraded(ctx, operation, entityID, err)
	r.count(ctx, MetricDegraded, DimOperation, operation)
}

func (r *CloudWatchReporter) FanoutFailure(ctx context.Context, f FanoutFailure) {
	r.LogReporter.FanoutFailure(ctx, f)
	r.count(ctx, MetricFanoutFailure, DimChannel, f.Channel)
}

func (r *CloudWatchReporter) Firing(ctx context.Context, outcome string) {
	r.count(ctx, MetricFiring, DimOutcome, outcome)
}

func (r *CloudWatchReporter) count(ctx context.Context, metric, dimName, dimValue string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(metric),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(dimName), Value: aws.String(dimValue)},
				},
			},
		},
	}
	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.Logger.Warn("failed to publish metric",
			zap.String("metric", metric),
			zap.String(dimName, dimValue),
			zap.Error(err))
	}
}

// Recorder keeps signals in memory. Used by tests and the admin endpoint.
type Recorder struct {
	mu       sync.Mutex
	degraded []string
	failures []FanoutFailure
	firings  map[string]int
}

func NewRecorder() *Recorder {
	return &Recorder{firings: make(map[string]int)}
}

func (r *Recorder) Degraded(_ context.Context, operation, entityID string, _ error) {
	r.mu.Lock()
	r.degraded = append(r.degraded, operation+":"+entityID)
	r.mu.Unlock()
}

func (r *Recorder) FanoutFailure(_ context.Context, f FanoutFailure) {
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

func (r *Recorder) Firing(_ context.Context, outcome string) {
	r.mu.Lock()
	r.firings[outcome]++
	r.mu.Unlock()
}

func (r *Recorder) DegradedSignals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.degraded...)
}

func (r *Recorder) Failures() []FanoutFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FanoutFailure(nil), r.failures...)
}

func (r *Recorder) Firings(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firings[outcome]
}

// Multi forwards every signal to each reporter
type Multi []Reporter

func (m Multi) Degraded(ctx context.Context, operation, entityID string, err error) {
	for _, r := range m {
		r.Degraded(ctx, operation, entityID, err)
	}
}

func (m Multi) FanoutFailure(ctx context.Context, f FanoutFailure) {
	for _, r := range m {
		r.FanoutFailure(ctx, f)
	}
}

func (m Multi) Firing(ctx context.Context, outcome string) {
	for _, r := range m {
		r.Firing(ctx, outcome)
	}
}
