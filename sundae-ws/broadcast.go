package sundaews

import (
	"context"
	"sync"
	"time"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BroadcastReport tallies a fan-out. Delivered == Resolved - Gone - Failed.
type BroadcastReport struct {
	Resolved  int `json:"resolved"`
	Delivered int `json:"delivered"`
	Gone      int `json:"gone"`
	Failed    int `json:"failed"`
}

func (r *BroadcastReport) add(status transport.Status) {
	switch status {
	case transport.Delivered:
		r.Delivered++
	case transport.Gone:
		r.Gone++
	default:
		r.Failed++
	}
}

// Broadcaster delivers one payload to many connections with bounded
// parallelism.
type Broadcaster struct {
	Concurrency int
	SendTimeout time.Duration
	Metrics     sundaecli.Recorder
}

// Deliver sends payload to every distinct id and waits for all of them.
// Individual failures are counted, never returned, and never cause records to
// be deleted; cleanup is left to disconnect and ttl.
func (b Broadcaster) Deliver(ctx context.Context, t transport.Transport, ids []string, payload []byte) BroadcastReport {
	logger := zerolog.Ctx(ctx)

	ids = dedupe(ids)
	report := BroadcastReport{Resolved: len(ids)}
	if len(ids) == 0 {
		return report
	}

	concurrency := b.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sendTimeout := b.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()

			outcome := t.Send(sendCtx, id, payload)
			switch outcome.Status {
			case transport.Gone:
				logger.Info().Str("target", id).Msg("broadcast target gone, leaving cleanup to disconnect")
			case transport.Failed:
				logger.Warn().Err(outcome.Err).Str("target", id).Msg("failed to deliver broadcast")
			}

			mu.Lock()
			report.add(outcome.Status)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if b.Metrics != nil {
		b.Metrics.Count(ctx, sundaecli.BroadcastDeliveredMetric, report.Delivered)
		b.Metrics.Count(ctx, sundaecli.BroadcastGoneMetric, report.Gone)
		b.Metrics.Count(ctx, sundaecli.BroadcastFailedMetric, report.Failed)
	}
	return report
}
