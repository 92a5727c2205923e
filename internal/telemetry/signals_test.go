package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type MockCloudWatch struct {
	mock.Mock
}

func (m *MockCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*cloudwatch.PutMetricDataOutput)
	return out, args.Error(1)
}

func metricNamed(name, dimValue string) any {
	return mock.MatchedBy(func(in *cloudwatch.PutMetricDataInput) bool {
		if len(in.MetricData) != 1 {
			return false
		}
		d := in.MetricData[0]
		return aws.ToString(d.MetricName) == name &&
			len(d.Dimensions) == 1 && aws.ToString(d.Dimensions[0].Value) == dimValue
	})
}

func TestCloudWatchReporter_EmitsMetrics(t *testing.T) {
	cw := new(MockCloudWatch)
	r := NewCloudWatchReporter(cw, "", zap.NewNop())

	cw.On("PutMetricData", mock.Anything, metricNamed(MetricDegraded, "enqueue")).Return(&cloudwatch.PutMetricDataOutput{}, nil)
	cw.On("PutMetricData", mock.Anything, metricNamed(MetricFanoutFailure, "email")).Return(&cloudwatch.PutMetricDataOutput{}, nil)
	cw.On("PutMetricData", mock.Anything, metricNamed(MetricFiring, "fired")).Return(nil, errors.New("throttled"))

	ctx := context.Background()
	r.Degraded(ctx, "enqueue", "b1", errors.New("down"))
	r.FanoutFailure(ctx, FanoutFailure{PartyID: "u1", Channel: "email", Err: errors.New("smtp")})
	r.Firing(ctx, "fired")

	cw.AssertExpectations(t)
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	m := Multi{a, b, LogReporter{Logger: zap.NewNop()}}

	ctx := context.Background()
	m.Degraded(ctx, "cancel", "b1", errors.New("down"))
	m.FanoutFailure(ctx, FanoutFailure{PartyID: "u2", Channel: "sink"})
	m.Firing(ctx, "stale")
	m.Firing(ctx, "stale")

	for _, r := range []*Recorder{a, b} {
		assert.Equal(t, []string{"cancel:b1"}, r.DegradedSignals())
		assert.Len(t, r.Failures(), 1)
		assert.Equal(t, 2, r.Firings("stale"))
	}
}
