package history

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"

	"recon_bot/internal/anomaly"
	"recon_bot/pkg/db"
)

const createTable = `
CREATE TABLE IF NOT EXISTS reconciliation_scans (
    id          BIGSERIAL PRIMARY KEY,
    scanned_at  TIMESTAMPTZ NOT NULL,
    suppressed  BOOLEAN NOT NULL,
    stats       JSONB NOT NULL
)`

const insertScan = `
INSERT INTO reconciliation_scans (scanned_at, suppressed, stats)
VALUES ($1, $2, $3)`

// Pg пишет статистику каждого скана в Postgres. Опционален: без DSN
// движок работает и так, история просто не ведётся.
type Pg struct {
	tm db.TxManager
}

func NewPg(tm db.TxManager) *Pg {
	return &Pg{tm: tm}
}

func (p *Pg) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("history.Init: %w", err)
		}
	}()
	return p.tm.RunMaster(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createTable)
		return err
	})
}

func (p *Pg) SaveScan(ctx context.Context, s anomaly.ScanStats) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("history.SaveScan: %w", err)
		}
	}()

	var data []byte
	data, err = sonic.Marshal(s)
	if err != nil {
		return err
	}
	return p.tm.RunMaster(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertScan, s.At, s.Suppressed, data)
		return err
	})
}
