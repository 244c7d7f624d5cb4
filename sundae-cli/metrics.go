package sundaecli

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/rs/zerolog"
)

// Recorder is the subset of Metrics the relay components depend on.
type Recorder interface {
	Event(ctx context.Context, name MetricName, dimensions ...map[DimensionName]string)
	Count(ctx context.Context, name MetricName, n int, dimensions ...map[DimensionName]string)
	Timing(ctx context.Context, name MetricName, start time.Time, dimensions ...map[DimensionName]string)
}

// DefaultMetricsTimeout bounds each PutMetricData call so a slow CloudWatch
// never holds up the caller.
const DefaultMetricsTimeout = time.Second

type Metrics struct {
	service    Service
	cloudwatch cloudwatchiface.CloudWatchAPI
	timeout    time.Duration
}

// NewMetrics returns a CloudWatch backed recorder. A nil client yields a
// recorder that drops everything, which is what console and dry runs use.
func NewMetrics(service Service, cloudwatch cloudwatchiface.CloudWatchAPI) Metrics {
	return Metrics{
		service:    service,
		cloudwatch: cloudwatch,
		timeout:    DefaultMetricsTimeout,
	}
}

// WithTimeout returns a copy of m whose publishes give up after d.
func (m Metrics) WithTimeout(d time.Duration) Metrics {
	m.timeout = d
	return m
}

type MetricName string

const (
	ResponseTimeMetric MetricName = "ResponseTime"

	ConnectionOpenedMetric   MetricName = "ConnectionOpened"
	ConnectionRejectedMetric MetricName = "ConnectionRejected"
	ConnectionClosedMetric   MetricName = "ConnectionClosed"
	ConnectionExpiredMetric  MetricName = "ConnectionExpired"
	ConnectionsSweptMetric   MetricName = "ConnectionsSwept"
	MessageRelayedMetric     MetricName = "MessageRelayed"
	BackendFailureMetric     MetricName = "BackendFailure"
	BroadcastDeliveredMetric MetricName = "BroadcastDelivered"
	BroadcastGoneMetric      MetricName = "BroadcastGone"
	BroadcastFailedMetric    MetricName = "BroadcastFailed"
)

type DimensionName string

const (
	ServiceNameDimension    DimensionName = "Service"
	ServiceVersionDimension DimensionName = "Version"
	OperationNameDimension  DimensionName = "OperationName"
	ConnectionTypeDimension DimensionName = "ConnectionType"
)

func defaultDimensions(service Service) map[DimensionName]string {
	return map[DimensionName]string{
		ServiceNameDimension:    service.Name,
		ServiceVersionDimension: service.Version,
	}
}

func mapToDimensions(ms ...map[DimensionName]string) []*cloudwatch.Dimension {
	var dimensions []*cloudwatch.Dimension
	for _, ds := range ms {
		for k, v := range ds {
			if v == "" {
				continue
			}
			dimensions = append(dimensions, &cloudwatch.Dimension{
				Name:  aws.String(string(k)),
				Value: aws.String(v),
			})
		}
	}
	return dimensions
}

func (m Metrics) put(ctx context.Context, name MetricName, unit string, value float64, dimensions []map[DimensionName]string) {
	if m.cloudwatch == nil {
		return
	}
	timeout := m.timeout
	if timeout <= 0 {
		timeout = DefaultMetricsTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	awsDimensions := mapToDimensions(append(dimensions, defaultDimensions(m.service))...)
	_, err := m.cloudwatch.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String("sundae-services"),
		MetricData: []*cloudwatch.MetricDatum{
			{
				MetricName: aws.String(string(name)),
				Timestamp:  aws.Time(time.Now()),
				Unit:       aws.String(unit),
				Value:      aws.Float64(value),
				Dimensions: awsDimensions,
			},
		},
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("metric", string(name)).Msg("couldn't publish metric")
	}
}

func (m Metrics) Event(ctx context.Context, name MetricName, dimensions ...map[DimensionName]string) {
	m.put(ctx, name, "Count", 1, dimensions)
}

func (m Metrics) Count(ctx context.Context, name MetricName, n int, dimensions ...map[DimensionName]string) {
	if n == 0 {
		return
	}
	m.put(ctx, name, "Count", float64(n), dimensions)
}

func (m Metrics) Timing(ctx context.Context, name MetricName, start time.Time, dimensions ...map[DimensionName]string) {
	m.put(ctx, name, "Milliseconds", float64(time.Since(start).Milliseconds()), dimensions)
}

func (m Metrics) Gauge(ctx context.Context, name MetricName, value float64, dimensions ...map[DimensionName]string) {
	m.put(ctx, name, "None", value, dimensions)
}
