package anomaly

import (
	"context"
	"time"

	"go.uber.org/fx"

	"recon_bot/internal/modules/config"
	"recon_bot/internal/modules/health/service"
	"recon_bot/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("anomaly",
		fx.Provide(
			func(cfg *config.Config) (*Store, error) {
				return NewStore(cfg.AnomalyFile)
			},
			func(cfg *config.Config) *Windows {
				return NewWindows(cfg.Monitoring)
			},
			func(cfg *config.Config, ex ExchangeClient, l Ledger, s *Store, w *Windows, n Notifier) *Engine {
				return NewEngine(cfg.Monitoring, ex, l, s, w, n)
			},
		),
		fx.Invoke(func(
			lc fx.Lifecycle,
			cfg *config.Config,
			e *Engine,
			state *service.State,
			ctx context.Context,
		) {
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					for name, symbol := range cfg.Strategies {
						e.RegisterStrategy(name, symbol)
					}
					recovered := e.RegisterRecovered(time.Now())
					if recovered > 0 {
						logger.Info("🔍 startup: %d recovered positions under extended protection", recovered)
					}

					go func() {
						// первый скан молчаливый: восстановленное после
						// рестарта состояние не должно заспамить оператора
						e.Scan(ctx, time.Now(), true)
						state.MarkScan()

						ticker := time.NewTicker(cfg.Monitoring.ScanInterval)
						defer ticker.Stop()
						for {
							select {
							case <-ctx.Done():
								return
							case <-ticker.C:
								e.Scan(ctx, time.Now(), false)
								state.MarkScan()
							}
						}
					}()
					return nil
				},
			})
		}),
	)
}
