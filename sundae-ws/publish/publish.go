// Package publish lets backends push events to WebSocket clients without an
// inbound message, by writing envelopes to the relay's Kinesis stream.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
)

// Envelope addresses a payload to the connections of one subject, or of one
// user when UserID is set.
type Envelope struct {
	Subject        string                       `json:"subject,omitempty"`
	ConnectionType connectiondao.ConnectionType `json:"connection_type"`
	UserID         string                       `json:"user_id,omitempty"`
	Payload        json.RawMessage              `json:"payload"`
}

// Target is the directory subject the envelope resolves to.
func (e Envelope) Target() string {
	if e.UserID != "" {
		return connectiondao.UserSubject(e.UserID)
	}
	return e.Subject
}

func (e Envelope) Validate() error {
	switch {
	case e.Target() == "":
		return errors.New("envelope needs a subject or user_id")
	case !e.ConnectionType.Valid():
		return fmt.Errorf("envelope has invalid connection type %q", e.ConnectionType)
	case len(e.Payload) == 0 || !json.Valid(e.Payload):
		return errors.New("envelope payload must be JSON")
	}
	return nil
}

// Publisher publishes envelopes to the relay's Kinesis stream.
type Publisher struct {
	client     kinesisiface.KinesisAPI
	streamName string
}

func New(client kinesisiface.KinesisAPI, streamName string) *Publisher {
	return &Publisher{
		client:     client,
		streamName: streamName,
	}
}

// Build creates a new Publisher using the standard stream name for the given
// environment.
func Build(s *session.Session, env string) *Publisher {
	return New(kinesis.New(s), StreamName(env))
}

func StreamName(env string) string {
	return env + "-sundae-ws-relay-events"
}

// Send publishes envelope. The target subject is the partition key so events
// for one subject stay ordered.
func (p *Publisher) Send(ctx context.Context, envelope Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	_, err = p.client.PutRecordWithContext(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(p.streamName),
		PartitionKey: aws.String(envelope.Target()),
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to kinesis stream %v: %w", p.streamName, err)
	}
	return nil
}
