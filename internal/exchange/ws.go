package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ===== WS: mark price per symbol =====

// StreamMarkPrice подписывается на markPrice символа и обновляет кеш цен.
// Реконнект с бэкоффом, как у любого "вечного" стрима.
func (c *Client) StreamMarkPrice(ctx context.Context, symbol string) <-chan float64 {
	ch := make(chan float64)
	go func() {
		defer close(ch)
		url := c.wsURL + "/" + strings.ToLower(symbol) + "@markPrice@1s"
		retry := 0
		for {
			conn, _, err := c.wsDialer.Dial(url, nil)
			if err != nil {
				retry++
				if retry > 8 {
					return
				}
				time.Sleep(time.Duration(300*retry) * time.Millisecond)
				continue
			}
			retry = 0

			stopPing := make(chan struct{})
			go func() {
				t := time.NewTicker(3 * time.Minute)
				defer t.Stop()
				for {
					select {
					case <-stopPing:
						return
					case <-ctx.Done():
						return
					case <-t.C:
						_ = conn.WriteControl(9 /* ping */, nil, time.Now().Add(5*time.Second))
					}
				}
			}()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					close(stopPing)
					_ = conn.Close()
					break
				}
				var frame struct {
					Event string `json:"e"`
					Price string `json:"p"`
				}
				if err := json.Unmarshal(msg, &frame); err == nil && frame.Event == "markPriceUpdate" {
					if px, err := strconv.ParseFloat(frame.Price, 64); err == nil && px != 0 {
						c.SetPrice(symbol, px)
						select {
						case ch <- px:
						case <-ctx.Done():
							_ = conn.Close()
							return
						default:
							// медленный потребитель не должен тормозить кеш
						}
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(1 * time.Second)
			}
		}
	}()
	return ch
}
