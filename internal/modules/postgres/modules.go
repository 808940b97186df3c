package postgres

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"recon_bot/internal/anomaly"
	"recon_bot/internal/history"
	"recon_bot/internal/modules/config"
	"recon_bot/pkg/db"
	"recon_bot/pkg/logger"
)

// Module поднимает пул соединений и подключает историю сканов.
// Пустой DSN выключает историю целиком, это не ошибка.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(ctx context.Context, cfg *config.Config) (db.TxManager, error) {
				if cfg.DB == "" {
					logger.Info("📊 postgres: DSN не задан, история сканов выключена")
					return nil, nil
				}

				poolMaster, err := db.NewPool(ctx, db.PoolConfig{
					DSN: cfg.DB,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}

				err = poolMaster.Ping(ctx)
				if err != nil {
					return nil, err
				}

				return db.NewPgTxManager(poolMaster), nil
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, tm db.TxManager, e *anomaly.Engine) {
			if tm == nil {
				return
			}
			rec := history.NewPg(tm)
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := rec.Init(ctx); err != nil {
						return err
					}
					e.SetHistory(rec)
					return nil
				},
				OnStop: func(_ context.Context) error {
					tm.Close()
					return nil
				},
			})
		}),
	)
}
