package sundaews

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	sundaerest "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-rest"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxPushBody = 256 << 10

// PushAPI lets backends push to, and inspect, the connections of a subject
// over HTTP.
type PushAPI struct {
	Directory   Directory
	Transports  transport.Factory
	Endpoint    string
	Broadcaster Broadcaster
	// APIKey, when set, is required in the X-Api-Key header.
	APIKey string
}

type connectionsResponse struct {
	Subject        string                       `json:"subject"`
	ConnectionType connectiondao.ConnectionType `json:"connection_type"`
	ConnectionIDs  []string                     `json:"connection_ids"`
}

func (p *PushAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(sundaerest.RequireAPIKey(p.APIKey))
	r.Post("/push/{type}/{subject}", p.push)
	r.Get("/connections/{type}/{subject}", p.connections)
	return r
}

func (p *PushAPI) push(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	logger := zerolog.Ctx(ctx)

	subject, connectionType, ok := p.target(w, req)
	if !ok {
		return
	}
	if p.Endpoint == "" || p.Transports == nil {
		sundaerest.WriteError(w, http.StatusServiceUnavailable, "no api gateway endpoint configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(req.Body, maxPushBody))
	if err != nil || !json.Valid(payload) {
		sundaerest.WriteError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	ids, err := p.list(ctx, subject, connectionType)
	if err != nil {
		logger.Error().Err(err).Str("subject", subject).Msg("failed to list connections")
	}

	report := p.Broadcaster.Deliver(ctx, p.Transports(p.Endpoint), ids, payload)
	logger.Info().
		Str("subject", subject).
		Int("resolved", report.Resolved).
		Int("delivered", report.Delivered).
		Msg("pushed")
	sundaerest.WriteJSON(w, http.StatusOK, report)
}

func (p *PushAPI) connections(w http.ResponseWriter, req *http.Request) {
	subject, connectionType, ok := p.target(w, req)
	if !ok {
		return
	}

	ids, err := p.list(req.Context(), subject, connectionType)
	if err != nil {
		sundaerest.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}

	sundaerest.WriteJSON(w, http.StatusOK, connectionsResponse{
		Subject:        subject,
		ConnectionType: connectionType,
		ConnectionIDs:  ids,
	})
}

func (p *PushAPI) target(w http.ResponseWriter, req *http.Request) (string, connectiondao.ConnectionType, bool) {
	connectionType, err := connectiondao.ParseConnectionType(chi.URLParam(req, "type"))
	if err != nil {
		sundaerest.WriteError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	subject := chi.URLParam(req, "subject")
	if subject == "" {
		sundaerest.WriteError(w, http.StatusBadRequest, "subject required")
		return "", "", false
	}
	return subject, connectionType, true
}

func (p *PushAPI) list(ctx context.Context, subject string, connectionType connectiondao.ConnectionType) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultStoreTimeout)
	defer cancel()
	return p.Directory.ListBySubject(ctx, subject, connectionType)
}
