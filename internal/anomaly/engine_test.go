package anomaly

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"recon_bot/internal/models"
)

type stubExchange struct {
	positions []models.ExternalPosition
	err       error
}

func (s *stubExchange) FuturesPositions(_ context.Context) ([]models.ExternalPosition, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.positions, nil
}

type stubLedger struct {
	positions map[string]models.Position
	clearOK   bool
	cleared   []string
}

func (s *stubLedger) ActivePositions() map[string]models.Position {
	out := make(map[string]models.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

func (s *stubLedger) ClearOrphan(strategy string) bool {
	s.cleared = append(s.cleared, strategy)
	if s.clearOK {
		delete(s.positions, strategy)
		return true
	}
	return false
}

type stubNotifier struct {
	detected []string
	cleared  []string
}

func (s *stubNotifier) NotifyDetected(a *models.Anomaly) { s.detected = append(s.detected, a.ID) }
func (s *stubNotifier) NotifyCleared(a *models.Anomaly)  { s.cleared = append(s.cleared, a.ID) }

type testEngine struct {
	engine   *Engine
	exchange *stubExchange
	ledger   *stubLedger
	notifier *stubNotifier
	store    *Store
	now      time.Time
}

// newTestEngine собирает движок с истёкшим стартовым грейсом.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	cfg := testMonitoring()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store, err := NewStore(filepath.Join(t.TempDir(), "anomalies.json"))
	if err != nil {
		t.Fatal(err)
	}
	ex := &stubExchange{}
	lg := &stubLedger{positions: map[string]models.Position{}, clearOK: true}
	nt := &stubNotifier{}
	w := newWindowsAt(cfg, now.Add(-time.Hour))

	return &testEngine{
		engine:   NewEngine(cfg, ex, lg, store, w, nt),
		exchange: ex,
		ledger:   lg,
		notifier: nt,
		store:    store,
		now:      now,
	}
}

func (te *testEngine) scan(suppress bool) {
	te.engine.Scan(context.Background(), te.now, suppress)
	te.now = te.now.Add(30 * time.Second)
}

func btcPosition() models.Position {
	return models.Position{
		Strategy:   "btc_long",
		Symbol:     "BTCUSDT",
		Side:       "BUY",
		Quantity:   0.5,
		EntryPrice: 50000,
		OpenedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestOrphanLifecycle(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition()
	// биржа позицию не видит

	te.scan(false)

	a, ok := te.store.Get("orphan_btc_long_BTCUSDT")
	if !ok {
		t.Fatal("orphan must be created")
	}
	// создание и тик жизненного цикла происходят в одном скане
	if a.CyclesRemaining != 1 {
		t.Fatalf("after first scan cycles must be 1, got %d", a.CyclesRemaining)
	}
	if !a.Notified {
		t.Fatal("detect notification must be sent and recorded")
	}
	if len(te.notifier.detected) != 1 {
		t.Fatalf("expected exactly 1 detect notification, got %d", len(te.notifier.detected))
	}
	if a.EntryPrice != 50000 {
		t.Fatalf("entry price must be copied from the position, got %v", a.EntryPrice)
	}

	te.scan(false)

	a, _ = te.store.Get("orphan_btc_long_BTCUSDT")
	if a.Active() {
		t.Fatal("orphan must be cleared on the second scan")
	}
	if a.ClearedAt == nil {
		t.Fatal("cleared_at must be set")
	}
	if len(te.ledger.cleared) != 1 || te.ledger.cleared[0] != "btc_long" {
		t.Fatalf("ledger.ClearOrphan must be called for btc_long, got %v", te.ledger.cleared)
	}
	if len(te.notifier.cleared) != 1 {
		t.Fatalf("expected exactly 1 clear notification, got %d", len(te.notifier.cleared))
	}

	// повторный скан ничего не создаёт: позиция снята с журнала
	te.scan(false)
	if len(te.notifier.detected) != 1 {
		t.Fatal("cleared orphan must not be re-detected")
	}
}

func TestScanTwiceSameTickIsIdempotent(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition()

	// два вызова с одним и тем же now: один тик, один декремент
	te.engine.Scan(context.Background(), te.now, false)
	te.engine.Scan(context.Background(), te.now, false)

	a, _ := te.store.Get("orphan_btc_long_BTCUSDT")
	if a.CyclesRemaining != 1 {
		t.Fatalf("same-tick rescan must not decrement again, got %d", a.CyclesRemaining)
	}
	if len(te.store.ListActive()) != 1 {
		t.Fatal("same-tick rescan must not create duplicates")
	}
	if len(te.notifier.detected) != 1 {
		t.Fatalf("expected 1 detect notification, got %d", len(te.notifier.detected))
	}
}

func TestOrphanClearRetry(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition()
	te.ledger.clearOK = false

	te.scan(false) // cycles 2 -> 1
	te.scan(false) // cycles 1 -> 0, clear fails, reset to 1

	a, _ := te.store.Get("orphan_btc_long_BTCUSDT")
	if !a.Active() {
		t.Fatal("orphan must stay active while clearing fails")
	}
	if a.CyclesRemaining != 1 {
		t.Fatalf("failed clear must reset cycles to 1, got %d", a.CyclesRemaining)
	}

	te.scan(false) // retry fails again, still active
	a, _ = te.store.Get("orphan_btc_long_BTCUSDT")
	if !a.Active() || a.CyclesRemaining != 1 {
		t.Fatalf("orphan must keep retrying: active=%v cycles=%d", a.Active(), a.CyclesRemaining)
	}

	te.ledger.clearOK = true
	te.scan(false)
	a, _ = te.store.Get("orphan_btc_long_BTCUSDT")
	if a.Active() {
		t.Fatal("orphan must clear once the ledger cooperates")
	}
}

func TestOrphanSkippedDuringStartup(t *testing.T) {
	te := newTestEngine(t)
	cfg := testMonitoring()
	// движок со свежим стартом процесса
	te.engine.windows = newWindowsAt(cfg, te.now)
	te.ledger.positions["btc_long"] = btcPosition()

	te.scan(false)
	if len(te.store.ListActive()) != 0 {
		t.Fatal("no orphans during startup protection")
	}

	// окно истекло, следующий скан находит орфана
	te.now = te.now.Add(cfg.StartupProtection)
	te.scan(false)
	if _, ok := te.store.Get("orphan_btc_long_BTCUSDT"); !ok {
		t.Fatal("orphan must be detected after startup protection expires")
	}
}

func TestGhostDetectedForManualPosition(t *testing.T) {
	te := newTestEngine(t)
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 100, EntryPrice: 0.5},
	}

	te.scan(false)

	a, ok := te.store.Get("ghost_manual_xrpusdt_XRPUSDT")
	if !ok {
		t.Fatal("ghost must be created with a synthesized manual strategy")
	}
	if a.Side != "LONG" || a.Quantity != 100 || a.ExternalAmount != 100 {
		t.Fatalf("ghost fields mangled: %+v", a)
	}
	if a.CyclesRemaining != 20 {
		t.Fatalf("ghost starts at the configured cycle count, got %d", a.CyclesRemaining)
	}
	if len(te.notifier.detected) != 1 {
		t.Fatalf("expected 1 detect notification, got %d", len(te.notifier.detected))
	}
}

func TestGhostUsesRegisteredStrategy(t *testing.T) {
	te := newTestEngine(t)
	te.engine.RegisterStrategy("eth_short", "ETHUSDT")
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "ETHUSDT", Amount: -2},
	}

	te.scan(false)

	a, ok := te.store.Get("ghost_eth_short_ETHUSDT")
	if !ok {
		t.Fatal("ghost must use the registered strategy name")
	}
	if a.Side != "SHORT" {
		t.Fatalf("negative amount is a SHORT, got %s", a.Side)
	}
}

func TestLedgerMatchWithinToleranceIsNotGhost(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition() // BUY 0.5
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "BTCUSDT", Amount: 0.504}, // внутри 1%
	}

	te.scan(false)

	if n := len(te.store.ListActive()); n != 0 {
		t.Fatalf("matched position must not raise anomalies, got %d", n)
	}
}

func TestLedgerMismatchBeyondToleranceIsGhost(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition() // BUY 0.5
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "BTCUSDT", Amount: 0.7},
	}

	te.scan(false)

	if _, ok := te.store.Get("ghost_manual_btcusdt_BTCUSDT"); !ok {
		t.Fatal("amount beyond tolerance must raise a ghost")
	}
}

func TestGhostSkippedDuringCooldown(t *testing.T) {
	te := newTestEngine(t)
	te.engine.RegisterTrade("XRPUSDT", "manual_xrpusdt", te.now, false)
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 100},
	}

	te.scan(false)
	if len(te.store.ListActive()) != 0 {
		t.Fatal("symbol inside trade cooldown must be skipped")
	}

	// кулдаун истёк
	te.now = te.now.Add(testMonitoring().TradeCooldown)
	te.scan(false)
	if _, ok := te.store.Get("ghost_manual_xrpusdt_XRPUSDT"); !ok {
		t.Fatal("ghost must be detected after cooldown expires")
	}
}

func TestGhostNeverClearsByCounter(t *testing.T) {
	te := newTestEngine(t)
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 100},
	}

	// намного больше сканов, чем ghost_cycles
	for i := 0; i < 30; i++ {
		te.scan(false)
	}

	a, _ := te.store.Get("ghost_manual_xrpusdt_XRPUSDT")
	if !a.Active() {
		t.Fatal("ghost must stay active while the position exists on the exchange")
	}
	if len(te.notifier.detected) != 1 {
		t.Fatalf("ghost must be notified once, got %d", len(te.notifier.detected))
	}
}

func TestGhostClearsWhenPositionGone(t *testing.T) {
	te := newTestEngine(t)
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 100},
	}
	te.scan(false)

	te.exchange.positions = nil
	te.scan(false)

	a, _ := te.store.Get("ghost_manual_xrpusdt_XRPUSDT")
	if a.Active() {
		t.Fatal("ghost must clear once the position leaves the snapshot")
	}
	if a.ClearedAt == nil {
		t.Fatal("cleared_at must be set")
	}
	if len(te.notifier.cleared) != 1 {
		t.Fatalf("expected 1 clear notification, got %d", len(te.notifier.cleared))
	}
}

func TestGhostQuantityDriftUpdatesInPlace(t *testing.T) {
	te := newTestEngine(t)
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 100},
	}
	te.scan(false)

	before, _ := te.store.Get("ghost_manual_xrpusdt_XRPUSDT")

	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 150},
	}
	te.scan(false)

	a, _ := te.store.Get("ghost_manual_xrpusdt_XRPUSDT")
	if a.Quantity != 150 || a.ExternalAmount != 150 {
		t.Fatalf("drifted quantity must be updated in place: %+v", a)
	}
	// счётчик продолжает идти своим чередом, без сброса
	if a.CyclesRemaining != before.CyclesRemaining-1 {
		t.Fatalf("drift update must not reset cycles: before=%d after=%d",
			before.CyclesRemaining, a.CyclesRemaining)
	}
	if len(te.notifier.detected) != 1 {
		t.Fatal("drift update must not re-notify")
	}
}

func TestSuppressedScanSkipsNotificationsAndGhostCounter(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition()
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 100},
	}

	te.scan(true)

	if len(te.notifier.detected) != 0 {
		t.Fatal("suppressed scan must not notify")
	}
	ghost, _ := te.store.Get("ghost_manual_xrpusdt_XRPUSDT")
	if ghost.CyclesRemaining != 20 {
		t.Fatalf("suppressed scan must not advance ghost counter, got %d", ghost.CyclesRemaining)
	}
	// орфан же тикает независимо от подавления
	orphan, _ := te.store.Get("orphan_btc_long_BTCUSDT")
	if orphan.CyclesRemaining != 1 {
		t.Fatalf("orphan counter ticks regardless of suppression, got %d", orphan.CyclesRemaining)
	}
}

func TestFetchFailureAbortsScan(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition()
	te.exchange.err = errors.New("binance 503")

	te.scan(false)

	if len(te.store.All()) != 0 {
		t.Fatal("failed snapshot must leave the store untouched")
	}
	if len(te.notifier.detected) != 0 {
		t.Fatal("failed snapshot must not notify")
	}

	// следующий удачный скан отрабатывает как обычно
	te.exchange.err = nil
	te.scan(false)
	if _, ok := te.store.Get("orphan_btc_long_BTCUSDT"); !ok {
		t.Fatal("detection resumes on the next successful scan")
	}
}

func TestRegisterTradeClearsMatchingAnomalies(t *testing.T) {
	te := newTestEngine(t)
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 100},
	}
	te.scan(false)

	te.engine.RegisterTrade("XRPUSDT", "manual_xrpusdt", te.now, false)

	a, _ := te.store.Get("ghost_manual_xrpusdt_XRPUSDT")
	if a.Active() {
		t.Fatal("anomaly must clear when the position becomes legitimate")
	}
}

func TestRegisterRecoveredProtectsLedgerPositions(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition()
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "BTCUSDT", Amount: 0.7}, // не совпадает с журналом
	}

	if n := te.engine.RegisterRecovered(te.now); n != 1 {
		t.Fatalf("expected 1 recovered position, got %d", n)
	}

	te.scan(false)
	if len(te.store.ListActive()) != 0 {
		t.Fatal("recovered symbol must be protected from ghost detection")
	}
}

func TestHasBlockingAnomaly(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition()

	te.scan(false)

	if !te.engine.HasBlockingAnomaly("btc_long") {
		t.Fatal("strategy with an active orphan must be blocked")
	}
	if te.engine.HasBlockingAnomaly("eth_short") {
		t.Fatal("unrelated strategy must not be blocked")
	}

	te.scan(false) // орфан закрывается
	if te.engine.HasBlockingAnomaly("btc_long") {
		t.Fatal("cleared anomaly must unblock the strategy")
	}
}

func TestRetentionPurgeDuringScan(t *testing.T) {
	te := newTestEngine(t)

	old := testAnomaly("orphan_stale_BTCUSDT", models.KindOrphan, te.now.AddDate(0, 0, -30))
	old.Status = models.StatusCleared
	clearedAt := te.now.AddDate(0, 0, -20)
	old.ClearedAt = &clearedAt
	te.store.Add(old)

	te.scan(false)

	if _, ok := te.store.Get("orphan_stale_BTCUSDT"); ok {
		t.Fatal("scan must purge cleared anomalies past retention")
	}
}

func TestSummary(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.positions["btc_long"] = btcPosition()
	te.exchange.positions = []models.ExternalPosition{
		{Symbol: "XRPUSDT", Amount: 100},
	}

	te.scan(false)

	sum := te.engine.Summary()
	if sum["total_active"] != 2 {
		t.Fatalf("expected 2 active anomalies, got %v", sum["total_active"])
	}
	if sum["orphan_trades"] != 1 || sum["ghost_trades"] != 1 {
		t.Fatalf("summary split wrong: %v", sum)
	}
}
