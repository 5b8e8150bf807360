package exchange

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/transdsign-boop/byliquidation/internal/domain"
	"go.uber.org/zap"
)

// LiquidationWS consumes the public allLiquidation stream and fans out
// parsed events. Events below minUSDValue are delivered with Qualifies set
// to false so subscribers can count rejects.
type LiquidationWS struct {
	wsURL       string
	minUSDValue float64
	logger      *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	callbacks  []func(ev domain.LiquidationEvent)
	subscribed map[string]bool
	closed     bool
}

func NewLiquidationWS(wsURL string, minUSDValue float64, logger *zap.Logger) *LiquidationWS {
	return &LiquidationWS{
		wsURL:       wsURL,
		minUSDValue: minUSDValue,
		logger:      logger,
		subscribed:  make(map[string]bool),
	}
}

func (l *LiquidationWS) OnLiquidation(callback func(ev domain.LiquidationEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, callback)
}

func (l *LiquidationWS) Subscribe(symbols []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		c, _, err := websocket.DefaultDialer.Dial(l.wsURL, nil)
		if err != nil {
			return err
		}
		l.conn = c
		go l.readLoop(c)
		go l.pingLoop(c)
	}

	var args []interface{}
	for _, s := range symbols {
		if l.subscribed[s] {
			continue
		}
		l.subscribed[s] = true
		args = append(args, "allLiquidation."+s)
	}
	if len(args) == 0 {
		return nil
	}

	return l.conn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
}

func (l *LiquidationWS) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *LiquidationWS) pingLoop(c *websocket.Conn) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		if l.closed || l.conn != c {
			l.mu.Unlock()
			return
		}
		err := c.WriteJSON(map[string]string{"op": "ping"})
		l.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (l *LiquidationWS) readLoop(c *websocket.Conn) {
	defer c.Close()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			if l.conn == c {
				l.conn = nil
			}
			l.mu.Unlock()
			if closed {
				return
			}
			l.logger.Warn("liquidation stream read error, reconnecting", zap.Error(err))
			l.reconnect()
			return
		}

		var event struct {
			Topic string `json:"topic"`
			Data  []struct {
				Symbol string `json:"s"`
				Side   string `json:"S"` // side of the forced order
				Size   string `json:"v"`
				Price  string `json:"p"`
				Time   int64  `json:"T"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !strings.HasPrefix(event.Topic, "allLiquidation.") {
			continue
		}

		for _, item := range event.Data {
			price, _ := strconv.ParseFloat(item.Price, 64)
			qty, _ := strconv.ParseFloat(item.Size, 64)
			if price <= 0 || qty <= 0 {
				continue
			}

			// A forced Buy order closes a short; the liquidated side is the
			// opposite of the order side.
			ev := domain.LiquidationEvent{
				Symbol:         item.Symbol,
				LiquidatedSide: domain.Side(item.Side).Opposite(),
				Price:          price,
				Qty:            qty,
				USDValue:       price * qty,
				Time:           time.UnixMilli(item.Time),
			}
			ev.Qualifies = ev.USDValue >= l.minUSDValue

			l.mu.Lock()
			callbacks := make([]func(domain.LiquidationEvent), len(l.callbacks))
			copy(callbacks, l.callbacks)
			l.mu.Unlock()

			for _, cb := range callbacks {
				cb(ev)
			}
		}
	}
}

// reconnect re-dials with capped backoff and replays subscriptions.
func (l *LiquidationWS) reconnect() {
	l.mu.Lock()
	symbols := make([]string, 0, len(l.subscribed))
	for s := range l.subscribed {
		symbols = append(symbols, s)
	}
	l.subscribed = make(map[string]bool)
	l.mu.Unlock()

	backoff := time.Second
	for {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}

		if err := l.Subscribe(symbols); err == nil {
			l.logger.Info("liquidation stream reconnected", zap.Int("symbols", len(symbols)))
			return
		}

		l.mu.Lock()
		l.subscribed = make(map[string]bool)
		l.mu.Unlock()

		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
