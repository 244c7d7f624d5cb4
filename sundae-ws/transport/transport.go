// Package transport pushes payloads to individual WebSocket connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi/apigatewaymanagementapiiface"
)

var (
	// ErrGone means the connection no longer exists at the gateway.
	ErrGone = errors.New("connection gone")
	// ErrNotInitialized means no push endpoint was available for the event.
	ErrNotInitialized = errors.New("client not initialized")
)

type Status int

const (
	Delivered Status = iota
	Gone
	Failed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Gone:
		return "gone"
	default:
		return "failed"
	}
}

// Outcome is the result of a single send. Err is set for Gone and Failed.
type Outcome struct {
	Status Status
	Err    error
}

func delivered() Outcome { return Outcome{Status: Delivered} }

func gone(connectionID string) Outcome {
	return Outcome{Status: Gone, Err: fmt.Errorf("%w: %v", ErrGone, connectionID)}
}

func failed(err error) Outcome { return Outcome{Status: Failed, Err: err} }

// Transport sends a payload to one connection.
type Transport interface {
	Send(ctx context.Context, connectionID string, payload []byte) Outcome
}

// Factory builds a Transport bound to a push endpoint.
type Factory func(endpoint string) Transport

// ManagementAPI sends through the API Gateway Management API.
type ManagementAPI struct {
	api apigatewaymanagementapiiface.ApiGatewayManagementApiAPI
}

func NewManagementAPI(api apigatewaymanagementapiiface.ApiGatewayManagementApiAPI) *ManagementAPI {
	return &ManagementAPI{api: api}
}

// ManagementFactory returns a Factory that builds a client per endpoint from
// the given session.
func ManagementFactory(s *session.Session) Factory {
	return func(endpoint string) Transport {
		if endpoint == "" {
			return Unavailable{}
		}
		return NewManagementAPI(apigatewaymanagementapi.New(s, aws.NewConfig().WithEndpoint(endpoint)))
	}
}

func (m *ManagementAPI) Send(ctx context.Context, connectionID string, payload []byte) Outcome {
	if m == nil || m.api == nil {
		return failed(ErrNotInitialized)
	}

	_, err := m.api.PostToConnectionWithContext(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	switch {
	case err == nil:
		return delivered()
	case IsGone(err):
		return gone(connectionID)
	default:
		return failed(fmt.Errorf("failed to post to connection %v: %w", connectionID, err))
	}
}

// IsGone reports whether err says the connection no longer exists (HTTP 410).
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrGone) {
		return true
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusGone {
		return true
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) && awsErr.Code() == apigatewaymanagementapi.ErrCodeGoneException {
		return true
	}
	return strings.Contains(err.Error(), apigatewaymanagementapi.ErrCodeGoneException)
}

// Unavailable fails every send. It stands in when an event carries no usable
// push endpoint.
type Unavailable struct{}

func (Unavailable) Send(context.Context, string, []byte) Outcome {
	return failed(ErrNotInitialized)
}
