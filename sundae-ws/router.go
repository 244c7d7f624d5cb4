// Package sundaews relays API Gateway WebSocket events to an HTTP backend and
// fans backend replies out to the connections subscribed to a subject.
package sundaews

import (
	"context"
	"errors"
	"time"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/backend"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
)

const (
	DefaultConnTTL      = 24 * time.Hour
	DefaultConcurrency  = 10
	DefaultStoreTimeout = 2 * time.Second
	DefaultSendTimeout  = 2 * time.Second
)

// Directory tracks which connections are subscribed to which subject.
type Directory interface {
	Put(ctx context.Context, conn connectiondao.Connection) error
	Delete(ctx context.Context, connectionID, subject string) error
	ListBySubject(ctx context.Context, subject string, connectionType connectiondao.ConnectionType) ([]string, error)
	GetByConnectionID(ctx context.Context, connectionID string) (*connectiondao.Connection, error)
}

// Backend is the HTTP backend messages are relayed to.
// errInternal is all a client learns about a handler panic; the panic value
// only goes to the log.
var errInternal = errors.New("internal error")

type Backend interface {
	Call(ctx context.Context, path string, req backend.Request) backend.Result
}

// Router handles WebSocket lifecycle events. It keeps no state between
// events; everything it knows about a connection lives in Directory.
type Router struct {
	Directory  Directory
	Backend    Backend
	Transports transport.Factory
	// Endpoint overrides the push endpoint derived from each event.
	Endpoint string
	Logger   zerolog.Logger
	Metrics  sundaecli.Recorder

	ConnTTL      time.Duration
	Concurrency  int
	StoreTimeout time.Duration
	SendTimeout  time.Duration
	Now          func() time.Time
}

// HandleEvent is the Lambda entry point for the WebSocket API.
func (r *Router) HandleEvent(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	return r.Handle(ctx, EventFromRequest(req)).Response(), nil
}

// Handle routes one event. The caller's cancellation is ignored; every
// external call runs under its own timeout instead.
func (r *Router) Handle(ctx context.Context, event Event) (outcome Outcome) {
	logger := r.Logger.With().
		Str("connection_id", event.ConnectionID).
		Str("route", event.Route).
		Logger()
	ctx = logger.WithContext(context.WithoutCancel(ctx))

	defer func(started time.Time) {
		if v := recover(); v != nil {
			logger.Error().Interface("panic", v).Msg("event handler panicked")
			outcome = failure(errInternal)
		}
		if outcome.Err != nil {
			logger.Warn().Err(outcome.Err).Int("status", outcome.StatusCode).Msg("event failed")
		}
		r.metrics().Timing(ctx, sundaecli.ResponseTimeMetric, started, map[sundaecli.DimensionName]string{
			sundaecli.OperationNameDimension: event.Route,
		})
	}(time.Now())

	switch event.Route {
	case RouteConnect:
		return r.connect(ctx, event)
	case RouteDisconnect:
		return r.disconnect(ctx, event)
	default:
		return r.message(ctx, event)
	}
}

func (r *Router) disconnect(ctx context.Context, event Event) Outcome {
	logger := zerolog.Ctx(ctx)

	storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()

	if err := r.Directory.Delete(storeCtx, event.ConnectionID, ""); err != nil {
		logger.Error().Err(err).Msg("failed to delete connection")
	}

	r.metrics().Event(ctx, sundaecli.ConnectionClosedMetric)
	logger.Info().Msg("connection closed")
	return ok()
}

// transport builds the push client for this event. A configured endpoint wins
// over the one derived from the request context.
func (r *Router) transport(event Event) transport.Transport {
	endpoint := r.Endpoint
	if endpoint == "" {
		endpoint = event.Endpoint()
	}
	if r.Transports == nil {
		return transport.Unavailable{}
	}
	return r.Transports(endpoint)
}

func (r *Router) send(ctx context.Context, t transport.Transport, connectionID string, payload []byte) transport.Outcome {
	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout())
	defer cancel()
	return t.Send(ctx, connectionID, payload)
}

func (r *Router) store(ctx context.Context, conn connectiondao.Connection) {
	logger := zerolog.Ctx(ctx)

	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()

	if err := r.Directory.Put(ctx, conn); err != nil {
		logger.Error().Err(err).Str("subject", conn.Subject).Msg("failed to store connection, continuing without it")
		return
	}
	logger.Info().
		Str("subject", conn.Subject).
		Str("connection_type", string(conn.ConnectionType)).
		Msg("stored connection")
}

// listBySubject never fails; a directory error means nobody to deliver to.
func (r *Router) listBySubject(ctx context.Context, subject string, connectionType connectiondao.ConnectionType) []string {
	logger := zerolog.Ctx(ctx)

	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()

	ids, err := r.Directory.ListBySubject(ctx, subject, connectionType)
	if err != nil {
		logger.Error().Err(err).Str("subject", subject).Msg("failed to list connections")
		return nil
	}
	return ids
}

func (r *Router) broadcaster() Broadcaster {
	return Broadcaster{
		Concurrency: r.Concurrency,
		SendTimeout: r.sendTimeout(),
		Metrics:     r.metrics(),
	}
}

func (r *Router) metrics() sundaecli.Recorder {
	if r.Metrics == nil {
		return sundaecli.NewMetrics(sundaecli.Service{}, nil)
	}
	return r.Metrics
}

func (r *Router) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func (r *Router) connTTL() time.Duration {
	if r.ConnTTL <= 0 {
		return DefaultConnTTL
	}
	return r.ConnTTL
}

func (r *Router) storeTimeout() time.Duration {
	if r.StoreTimeout <= 0 {
		return DefaultStoreTimeout
	}
	return r.StoreTimeout
}

func (r *Router) sendTimeout() time.Duration {
	if r.SendTimeout <= 0 {
		return DefaultSendTimeout
	}
	return r.SendTimeout
}
