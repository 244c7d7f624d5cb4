// Package localgw stands in for API Gateway when running in console mode. It
// accepts WebSocket connections directly, turns their lifecycle into relay
// events and delivers pushes back over the socket.
package localgw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	sundaews "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	Stage = "local"

	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var errBufferFull = errors.New("send buffer full")

// EventHandler handles relay events; *sundaews.Router is one.
type EventHandler interface {
	Handle(ctx context.Context, event sundaews.Event) sundaews.Outcome
}

// Gateway is both the WebSocket server and the transport that pushes to its
// connections.
type Gateway struct {
	Handler EventHandler
	Logger  zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func New(handler EventHandler, logger zerolog.Logger) *Gateway {
	return &Gateway{
		Handler: handler,
		Logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[string]*client{},
	}
}

// Factory returns a transport.Factory that always sends through g, whatever
// endpoint the event carried.
func (g *Gateway) Factory() transport.Factory {
	return func(string) transport.Transport {
		return g
	}
}

func (g *Gateway) Send(_ context.Context, connectionID string, payload []byte) transport.Outcome {
	g.mu.RLock()
	c, ok := g.clients[connectionID]
	g.mu.RUnlock()
	if !ok {
		return transport.Outcome{Status: transport.Gone, Err: fmt.Errorf("%w: %v", transport.ErrGone, connectionID)}
	}

	switch err := c.enqueue(payload); {
	case err == nil:
		return transport.Outcome{Status: transport.Delivered}
	case errors.Is(err, transport.ErrGone):
		return transport.Outcome{Status: transport.Gone, Err: fmt.Errorf("%w: %v", err, connectionID)}
	default:
		return transport.Outcome{Status: transport.Failed, Err: fmt.Errorf("failed to send to %v: %w", connectionID, err)}
	}
}

// ServeHTTP runs one connection: $connect before the upgrade, so a rejection
// is a plain HTTP error, then $default per frame and $disconnect on close.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var (
		id     = uuid.NewString()
		c      = newClient()
		logger = g.Logger.With().Str("connection_id", id).Logger()
		ctx    = logger.WithContext(context.Background())
	)

	query := map[string]string{}
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	// registered before $connect so pushes made while connecting are buffered
	g.register(id, c)

	outcome := g.Handler.Handle(ctx, g.event(req, sundaews.RouteConnect, id, query, ""))
	if outcome.StatusCode != http.StatusOK {
		g.unregister(id)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(outcome.StatusCode)
		_, _ = w.Write([]byte(outcome.Body))
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("upgrade failed")
		g.unregister(id)
		g.Handler.Handle(ctx, g.event(req, sundaews.RouteDisconnect, id, nil, ""))
		return
	}
	defer conn.Close()

	go c.writeLoop(conn)
	logger.Info().Msg("connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		outcome := g.Handler.Handle(ctx, g.event(req, sundaews.RouteDefault, id, nil, string(data)))
		if outcome.Err != nil {
			logger.Warn().Int("status", outcome.StatusCode).Str("body", outcome.Body).Msg("message rejected")
		}
	}

	g.unregister(id)
	g.Handler.Handle(ctx, g.event(req, sundaews.RouteDisconnect, id, nil, ""))
	logger.Info().Msg("disconnected")
}

func (g *Gateway) event(req *http.Request, route, id string, query map[string]string, body string) sundaews.Event {
	return sundaews.Event{
		Route:        route,
		ConnectionID: id,
		DomainName:   req.Host,
		Stage:        Stage,
		QueryParams:  query,
		Body:         body,
	}
}

func (g *Gateway) register(id string, c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[id] = c
}

func (g *Gateway) unregister(id string) {
	g.mu.Lock()
	c, ok := g.clients[id]
	delete(g.clients, id)
	g.mu.Unlock()
	if ok {
		c.close()
	}
}

// Len is the number of open connections.
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

type client struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient() *client {
	return &client{
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return transport.ErrGone
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return transport.ErrGone
	default:
		return errBufferFull
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
