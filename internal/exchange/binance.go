package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"recon_bot/internal/models"
)

// Client — минимальный клиент USD-M фьючерсов Binance: только чтение позиций
// и стрим mark price. Ордера этот сервис не размещает.
type Client struct {
	mu       sync.RWMutex
	prices   map[string]float64
	http     *http.Client
	wsDialer *websocket.Dialer

	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
}

func NewClient(baseURL, wsURL string) *Client {
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
	}
	if wsURL == "" {
		wsURL = "wss://fstream.binance.com/ws"
	}
	return &Client{
		prices:   make(map[string]float64),
		http:     &http.Client{Timeout: 10 * time.Second},
		wsDialer: &websocket.Dialer{},
		baseURL:  baseURL,
		wsURL:    wsURL,
	}
}

func (c *Client) SetCreds(key, secret string) { c.apiKey, c.apiSecret = key, secret }

func (c *Client) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
}

// LastPrice — последняя цена из ws-кеша; false, если символ не стримится.
func (c *Client) LastPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	return p, ok
}

type positionRiskRow struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
}

// FuturesPositions вытаскивает открытые позиции аккаунта. Любая сетевая или
// авторизационная ошибка — транзиентная: вызывающий пропускает скан и ждёт
// следующего тика.
func (c *Client) FuturesPositions(ctx context.Context) ([]models.ExternalPosition, error) {
	resp, err := c.http.Do(c.generateRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}))
	if err != nil {
		return nil, errors.Wrap(err, "binance positions")
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("binance positions: http %d: %s", resp.StatusCode, string(rb))
	}

	var rows []positionRiskRow
	if err := json.Unmarshal(rb, &rows); err != nil {
		return nil, errors.Wrap(err, "binance positions decode")
	}

	res := make([]models.ExternalPosition, 0, len(rows))
	for _, r := range rows {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			// positionRisk отдаёт строку на каждый символ, нулевые не интересны
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		res = append(res, models.ExternalPosition{
			Symbol:     r.Symbol,
			Amount:     amt,
			EntryPrice: entry,
		})
	}
	return res, nil
}

func (c *Client) generateRequest(ctx context.Context, method, requestPath string, params url.Values) *http.Request {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(params.Encode()))
	sig := hex.EncodeToString(h.Sum(nil))

	u := fmt.Sprintf("%s%s?%s&signature=%s", c.baseURL, requestPath, params.Encode(), sig)
	req, _ := http.NewRequestWithContext(ctx, method, u, nil)
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return req
}
