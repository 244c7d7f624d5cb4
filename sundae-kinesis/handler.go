// Package sundaekinesis provides utilities for building AWS Kinesis consumers.
//
// A Handler processes records either as a Lambda subscribed to the stream or,
// in console mode, by scanning the stream directly with kinesis-consumer.
package sundaekinesis

import (
	"context"
	"fmt"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	consumer "github.com/harlow/kinesis-consumer"
	"github.com/rs/zerolog"
)

type HandleMessageCallback func(ctx context.Context, record events.KinesisEventRecord) error

type Handler struct {
	Service sundaecli.Service
	Logger  zerolog.Logger

	defaultStream string
	handleMessage HandleMessageCallback
}

// NewGenericHandler builds a handler that passes each record to handleMessage.
// defaultStream is used in console mode when --stream-name isn't set.
func NewGenericHandler(
	service sundaecli.Service,
	defaultStream string,
	handleMessage HandleMessageCallback,
) *Handler {
	return &Handler{
		Service:       service,
		Logger:        sundaecli.Logger(service),
		defaultStream: defaultStream,
		handleMessage: handleMessage,
	}
}

func (h *Handler) Start() error {
	if !sundaecli.CommonOpts.Console {
		lambda.Start(h.HandleKinesisEvent)
		return nil
	}
	return h.handleRealtime()
}

// HandleKinesisEvent handles a Lambda batch. A failing record fails the batch
// so Lambda retries it.
func (h *Handler) HandleKinesisEvent(ctx context.Context, event events.KinesisEvent) error {
	ctx = h.Logger.WithContext(ctx)
	for _, r := range event.Records {
		if err := h.handleMessage(ctx, r); err != nil {
			return fmt.Errorf("failed to handle kinesis record %v: %w", r.EventID, err)
		}
	}
	return nil
}

func (h *Handler) streamName() string {
	if KinesisOpts.StreamName != "" {
		return KinesisOpts.StreamName
	}
	return h.defaultStream
}

func (h *Handler) handleRealtime() error {
	streamName := h.streamName()

	var options []consumer.Option
	switch {
	case KinesisOpts.Replay && replayFrom() != nil:
		options = append(options,
			consumer.WithShardIteratorType("AT_TIMESTAMP"),
			consumer.WithTimestamp(*replayFrom()),
		)
	case KinesisOpts.Replay:
		options = append(options, consumer.WithShardIteratorType("TRIM_HORIZON"))
	default:
		options = append(options, consumer.WithShardIteratorType("LATEST"))
	}

	c, err := consumer.New(streamName, options...)
	if err != nil {
		return fmt.Errorf("unable to create consumer for stream %v: %w", streamName, err)
	}

	ctx := h.Logger.WithContext(context.Background())
	callback := func(record *consumer.Record) error {
		er := events.KinesisEventRecord{
			Kinesis: events.KinesisRecord{Data: record.Data},
		}
		return h.handleMessage(ctx, er)
	}
	h.Logger.Info().Str("stream", streamName).Msg("listening")
	return c.Scan(ctx, callback)
}
