package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"recon_bot/internal/models"
	"recon_bot/pkg/logger"
)

type Notifier interface {
	NotifyDetected(a *models.Anomaly)
	NotifyCleared(a *models.Anomaly)
	Send(msg string)
}

// PriceSource — откуда брать текущую цену для оценки объёма в USDT.
type PriceSource interface {
	LastPrice(symbol string) (float64, bool)
}

// StatusSource — сводка активных аномалий для команды /anomalies.
type StatusSource interface {
	Summary() map[string]any
}

// Telegram — пассивный нотифайер + обработка одной команды /anomalies.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	prices PriceSource
	status StatusSource
}

func NewTelegram(token string, chatID int64, prices PriceSource) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:    b,
		chatID: chatID,
		prices: prices,
	}, nil
}

// SetStatusSource подключает источник сводки после сборки графа зависимостей.
func (t *Telegram) SetStatusSource(s StatusSource) {
	if t != nil {
		t.status = s
	}
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		logger.Error("telegram send failed: %v", err)
	}
}

func (t *Telegram) NotifyDetected(a *models.Anomaly) {
	go t.Send(t.detectedMessage(a))
}

func (t *Telegram) NotifyCleared(a *models.Anomaly) {
	go t.Send(clearedMessage(a))
}

func (t *Telegram) detectedMessage(a *models.Anomaly) string {
	if a.Kind == models.KindOrphan {
		return fmt.Sprintf(`👻 ОБНАРУЖЕН ОРФАН

Стратегия: %s
Символ: %s
Сторона: %s
Цена входа: $%.4f

📝 Бот открыл позицию, но на бирже её больше нет
🔍 Система снимет её с учёта через %d циклов
💡 Стратегия временно не открывает новые сделки`,
			strings.ToUpper(a.Strategy), a.Symbol, a.Side, a.EntryPrice, a.CyclesRemaining)
	}

	var value string
	if price, ok := t.lastPrice(a.Symbol); ok {
		value = fmt.Sprintf("\nОценка: $%.2f", a.Quantity*price)
	}
	return fmt.Sprintf(`👻 ОБНАРУЖЕН ГОСТ

Стратегия: %s
Символ: %s
Сторона: %s
Объём: %.6f%s

📝 Позиция открыта вручную, бот её не вёл
🔍 Мониторим до закрытия на бирже`,
		strings.ToUpper(a.Strategy), a.Symbol, a.Side, a.Quantity, value)
}

func clearedMessage(a *models.Anomaly) string {
	if a.Kind == models.KindOrphan {
		return fmt.Sprintf(`🧹 ОРФАН СНЯТ С УЧЁТА

Стратегия: %s
Символ: %s

✅ Запись очищена автоматически
🎯 Стратегия снова может торговать`,
			strings.ToUpper(a.Strategy), a.Symbol)
	}
	return fmt.Sprintf(`🧹 ГОСТ ЗАКРЫТ

Стратегия: %s
Символ: %s

✅ Ручная позиция закрыта на бирже`,
		strings.ToUpper(a.Strategy), a.Symbol)
}

func (t *Telegram) lastPrice(symbol string) (float64, bool) {
	if t.prices == nil {
		return 0, false
	}
	return t.prices.LastPrice(symbol)
}

// /anomalies — вывод активных аномалий
func (t *Telegram) handleAnomalies() {
	if t.status == nil {
		t.Send("❗️ Источник сводки не инициализирован")
		return
	}
	summary := t.status.Summary()
	items, _ := summary["anomalies"].([]map[string]any)
	if len(items) == 0 {
		t.Send("📭 Активных аномалий нет")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Активные аномалии (%d):\n", len(items))
	for _, it := range items {
		fmt.Fprintf(&b, "- %s [%v] %v/%v qty=%v cycles=%v\n",
			it["id"], it["type"], it["strategy"], it["symbol"], it["quantity"], it["cycles_remaining"])
	}
	t.Send(b.String())
}

// Start: long-polling для команд оператора.
func (t *Telegram) Start(ctx context.Context) error {
	if t == nil || t.bot == nil {
		return nil
	}

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd := <-updates:
				if upd.Message != nil && upd.Message.Chat != nil &&
					upd.Message.Chat.ID == t.chatID && upd.Message.IsCommand() {

					switch upd.Message.Command() {
					case "anomalies":
						go t.handleAnomalies()
					}
				}
			}
		}
	}()
	return nil
}

func (t *Telegram) Stop() {}

// Stdout — заглушка, всё пишет в лог.
type Stdout struct{}

func NewStdout() *Stdout { return &Stdout{} }

func (s *Stdout) Send(msg string) { log.Println(msg) }

func (s *Stdout) NotifyDetected(a *models.Anomaly) {
	log.Printf("ANOMALY DETECTED: %s (%s %s/%s)", a.ID, a.Kind, a.Strategy, a.Symbol)
}

func (s *Stdout) NotifyCleared(a *models.Anomaly) {
	log.Printf("ANOMALY CLEARED: %s", a.ID)
}
