// Package sundaecron provides utilities for building scheduled Lambda functions.
package sundaecron

import (
	"context"
	"encoding/json"
	"time"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"
)

type RunCallback func(ctx context.Context) error

type Handler struct {
	service sundaecli.Service
	logger  zerolog.Logger

	runOnce RunCallback
}

func NewHandler(
	service sundaecli.Service,
	runOnce RunCallback,
) *Handler {
	return &Handler{
		service: service,
		logger:  sundaecli.Logger(service),
		runOnce: runOnce,
	}
}

func (h *Handler) RunOnce(ctx context.Context, _ json.RawMessage) (err error) {
	defer func(begin time.Time) {
		h.logger.Info().Err(err).Dur("elapsed", time.Since(begin)).Msg("scheduled task finished")
	}(time.Now())

	h.logger.Info().Msg("running scheduled task")
	return h.runOnce(h.logger.WithContext(ctx))
}

func (h *Handler) Start() error {
	if sundaecli.CommonOpts.Console {
		return h.RunOnce(context.Background(), nil)
	}
	lambda.Start(h.RunOnce)
	return nil
}
