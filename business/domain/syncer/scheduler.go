package syncer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/entities"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Runner interface {
	Network() entities.Network
	Run(ctx context.Context) (RunResult, error)
}

// Schedule runs every runner once right away and then on every tick of interval, one goroutine per
// runner, until ctx is done. Failed runs are logged and retried on the next tick.
func Schedule(ctx context.Context, interval time.Duration, runners []Runner, logger *zap.SugaredLogger) error {
	if interval <= 0 {
		return errors.Errorf("invalid sync interval [%s]", interval)
	}
	var errorGroup errgroup.Group
	for _, runner := range runners {
		errorGroup.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				result, err := runner.Run(ctx)
				if err != nil {
					logger.Errorw("Scheduled sync run failed", "network", runner.Network().String(),
						"state", result.State, "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return errorGroup.Wait()
}
