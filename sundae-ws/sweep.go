package sundaews

import (
	"context"
	"fmt"
	"time"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/rs/zerolog"
)

// Sweepable is a directory that can delete its own expired records.
type Sweepable interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Sweeper removes records past their ttl. DynamoDB's own ttl deletion can lag
// by up to two days; this keeps fan-out lists honest in the meantime.
type Sweeper struct {
	Directory Sweepable
	Metrics   sundaecli.Recorder
	Now       func() time.Time
}

func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}

	swept, err := s.Directory.Sweep(ctx, now)
	if s.Metrics != nil {
		s.Metrics.Count(ctx, sundaecli.ConnectionsSweptMetric, swept)
	}
	if err != nil {
		return fmt.Errorf("failed to sweep connections after %v deletes: %w", swept, err)
	}

	zerolog.Ctx(ctx).Info().Int("swept", swept).Msg("swept expired connections")
	return nil
}

var _ Sweepable = (*connectiondao.DAO)(nil)
