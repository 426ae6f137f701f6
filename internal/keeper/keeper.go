package keeper

import (
	"context"
	"time"

	"LevTrade/internal/engine"
	"LevTrade/internal/event"
	"LevTrade/internal/observability"

	"github.com/rs/zerolog"
)

// Keeper watches venue price updates and force-closes positions the move
// pushed below their liquidation threshold. Liquidation itself is
// permissionless engine logic; the keeper only decides when to look.
type Keeper struct {
	engine  *engine.Engine
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(e *engine.Engine, log zerolog.Logger, metrics *observability.Metrics) *Keeper {
	return &Keeper{
		engine:  e,
		log:     log.With().Str("component", "keeper").Logger(),
		metrics: metrics,
	}
}

// Run consumes price updates until the context is cancelled or the
// channel closes. Every update triggers a scan of the pair it names.
func (k *Keeper) Run(ctx context.Context, updates <-chan event.PriceUpdated) {
	k.log.Info().Msg("keeper started")
	for {
		select {
		case <-ctx.Done():
			k.log.Info().Msg("keeper stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				k.log.Info().Msg("price stream closed, keeper stopping")
				return
			}
			if k.metrics != nil {
				k.metrics.PriceUpdates.WithLabelValues(upd.Pair).Inc()
			}
			k.Scan(ctx, upd.Pair)
		}
	}
}

// Scan walks the pair's open positions and liquidates every one that is
// at or below its threshold. Returns the number liquidated. Individual
// failures are logged and skipped so one bad position cannot shield the
// rest of the pair.
func (k *Keeper) Scan(ctx context.Context, pairID string) int {
	start := time.Now()
	liquidated := 0

	for _, p := range k.engine.OpenByTradePair(pairID) {
		done, err := k.engine.Liquidate(ctx, p.ID)
		if err != nil {
			k.log.Error().Err(err).
				Str("position", p.ID.String()).
				Str("pair", pairID).
				Msg("liquidation attempt failed")
			continue
		}
		if done {
			liquidated++
			if k.metrics != nil {
				k.metrics.KeeperLiquidations.WithLabelValues(pairID).Inc()
			}
		}
	}

	if k.metrics != nil {
		k.metrics.KeeperScans.Inc()
		k.metrics.KeeperScanDuration.Observe(time.Since(start).Seconds())
	}
	if liquidated > 0 {
		k.log.Info().Str("pair", pairID).Int("liquidated", liquidated).Msg("scan complete")
	}
	return liquidated
}
