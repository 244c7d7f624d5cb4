package sundaews

import (
	"context"
	"encoding/json"
	"errors"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/publish"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
)

// Dispatcher fans out envelopes published to the relay stream. Stream records
// carry no request context, so pushes always go to Endpoint.
type Dispatcher struct {
	Directory   Directory
	Transports  transport.Factory
	Endpoint    string
	Concurrency int
	Metrics     sundaecli.Recorder
}

var errNoEndpoint = errors.New("dispatcher has no api gateway endpoint configured")

// HandleRecord delivers one stream record. Malformed envelopes are logged and
// skipped so they can't wedge the shard.
func (d *Dispatcher) HandleRecord(ctx context.Context, record events.KinesisEventRecord) error {
	logger := zerolog.Ctx(ctx)

	if d.Endpoint == "" || d.Transports == nil {
		return errNoEndpoint
	}

	var envelope publish.Envelope
	if err := json.Unmarshal(record.Kinesis.Data, &envelope); err != nil {
		logger.Warn().Err(err).Str("event_id", record.EventID).Msg("skipping malformed envelope")
		return nil
	}
	if err := envelope.Validate(); err != nil {
		logger.Warn().Err(err).Str("event_id", record.EventID).Msg("skipping invalid envelope")
		return nil
	}

	subject := envelope.Target()
	storeCtx, cancel := context.WithTimeout(ctx, DefaultStoreTimeout)
	ids, err := d.Directory.ListBySubject(storeCtx, subject, envelope.ConnectionType)
	cancel()
	if err != nil {
		logger.Error().Err(err).Str("subject", subject).Msg("failed to list connections for envelope")
		return nil
	}

	broadcaster := Broadcaster{
		Concurrency: d.Concurrency,
		Metrics:     d.Metrics,
	}
	report := broadcaster.Deliver(ctx, d.Transports(d.Endpoint), ids, envelope.Payload)
	logger.Info().
		Str("subject", subject).
		Str("connection_type", string(envelope.ConnectionType)).
		Int("resolved", report.Resolved).
		Int("delivered", report.Delivered).
		Int("gone", report.Gone).
		Int("failed", report.Failed).
		Msg("dispatched envelope")
	return nil
}
