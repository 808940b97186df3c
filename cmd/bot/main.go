package main

import (
	"context"
	"log"

	"go.uber.org/fx"

	"recon_bot/internal/anomaly"
	"recon_bot/internal/exchange"
	"recon_bot/internal/ledger"
	"recon_bot/internal/modules/config"
	"recon_bot/internal/modules/health"
	"recon_bot/internal/modules/postgres"
	"recon_bot/internal/notify"
	"recon_bot/pkg/logger"
	"recon_bot/pkg/tracing"
)

func main() {
	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
			func(cfg *config.Config) *exchange.Client {
				c := exchange.NewClient(cfg.Binance.BaseURL, cfg.Binance.WSURL)
				c.SetCreds(cfg.Binance.APIKey, cfg.Binance.APISecret)
				return c
			},
			func(cfg *config.Config) *ledger.Ledger {
				return ledger.New(cfg.LedgerFile)
			},
			// Notifier: если TELEGRAM_* нет — используем stdout
			func(cfg *config.Config, ex *exchange.Client) notify.Notifier {
				if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
					if tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, ex); err == nil {
						return tg
					}
				}
				return notify.NewStdout()
			},
			// адаптеры под интерфейсы движка
			func(c *exchange.Client) anomaly.ExchangeClient { return c },
			func(l *ledger.Ledger) anomaly.Ledger { return l },
			func(n notify.Notifier) anomaly.Notifier { return n },
			func(e *anomaly.Engine) health.SummaryProvider { return e },
		),
		config.Module(),
		postgres.Module(),
		anomaly.Module(),
		health.Module(),
		fx.Invoke(
			func(lc fx.Lifecycle, ctx context.Context, cfg *config.Config, ex *exchange.Client, n notify.Notifier, e *anomaly.Engine) error {
				logger.SetServiceName(cfg.Service.Name)

				if cfg.Jaeger.Host != "" {
					tracing.SetServiceName(cfg.Service.Name)
					_, closeTracer, err := tracing.InitTracer(tracing.Config{
						Host: cfg.Jaeger.Host,
						Port: cfg.Jaeger.Port,
					})
					if err != nil {
						return err
					}
					lc.Append(fx.Hook{
						OnStop: func(_ context.Context) error {
							closeTracer()
							return nil
						},
					})
				}

				lc.Append(fx.Hook{
					OnStart: func(_ context.Context) error {
						if tg, ok := n.(*notify.Telegram); ok {
							tg.SetStatusSource(e)
							if err := tg.Start(ctx); err != nil {
								return err
							}
						}

						// кеш цен для оценки объёма в уведомлениях
						for _, symbol := range cfg.Strategies {
							ch := ex.StreamMarkPrice(ctx, symbol)
							go func() {
								for range ch {
								}
							}()
						}
						log.Println("reconciliation engine started")
						return nil
					},
					OnStop: func(_ context.Context) error {
						if tg, ok := n.(*notify.Telegram); ok {
							tg.Stop()
						}
						log.Println("stopping...")
						return nil
					},
				})
				return nil
			},
		),
	)
	app.Run()
}
