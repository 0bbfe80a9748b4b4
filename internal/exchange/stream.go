package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kirillm/perp-agent/pkg/utils"
)

// Candle минутная свеча, собранная из потока сделок
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Stream WebSocket-поток сделок биржи. Держит последний тик и скользящее
// окно минутных свечей по каждому подписанному символу.
type Stream struct {
	url     string
	symbols []string
	logger  *utils.Logger

	mu      sync.RWMutex
	last    map[string]tickerSnapshot
	candles map[string][]Candle

	maxCandles int
	cancel     context.CancelFunc
	done       chan struct{}
}

type tickerSnapshot struct {
	price float64
	at    time.Time
}

// wsTrade сделка из потока
type wsTrade struct {
	Channel string `json:"channel"`
	Data    []struct {
		Coin  string `json:"coin"`
		Px    string `json:"px"`
		Sz    string `json:"sz"`
		Time  int64  `json:"time"`
	} `json:"data"`
}

func NewStream(url string, symbols []string, logger *utils.Logger) *Stream {
	return &Stream{
		url:        url,
		symbols:    symbols,
		logger:     logger.WithPrefix("stream"),
		last:       make(map[string]tickerSnapshot),
		candles:    make(map[string][]Candle),
		maxCandles: 500,
		done:       make(chan struct{}),
	}
}

// Start подключается и запускает цикл чтения с переподключением
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop останавливает поток и ждёт завершения цикла чтения
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("connection lost: %v, reconnecting in 5s", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info("connected to %s", s.url)

	for _, symbol := range s.symbols {
		sub := map[string]interface{}{
			"method": "subscribe",
			"subscription": map[string]string{
				"type": "trades",
				"coin": symbol,
			},
		}
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(message)
	}
}

func (s *Stream) handleMessage(message []byte) {
	var trade wsTrade
	if err := json.Unmarshal(message, &trade); err != nil || trade.Channel != "trades" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trade.Data {
		price := parseFloat(t.Px)
		size := parseFloat(t.Sz)
		if price <= 0 {
			continue
		}
		at := time.UnixMilli(t.Time)
		s.last[t.Coin] = tickerSnapshot{price: price, at: at}
		s.appendTrade(t.Coin, price, size, at)
	}
}

// appendTrade агрегирует сделку в минутную свечу. Вызывается под mu.
func (s *Stream) appendTrade(symbol string, price, size float64, at time.Time) {
	bucket := at.Truncate(time.Minute)
	candles := s.candles[symbol]

	if n := len(candles); n > 0 && candles[n-1].OpenTime.Equal(bucket) {
		c := &candles[n-1]
		if price > c.High {
			c.High = price
		}
		if price < c.Low {
			c.Low = price
		}
		c.Close = price
		c.Volume += size
		return
	}

	candles = append(candles, Candle{
		OpenTime: bucket,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   size,
	})
	if len(candles) > s.maxCandles {
		candles = candles[len(candles)-s.maxCandles:]
	}
	s.candles[symbol] = candles
}

// LastPrice возвращает последнюю цену из потока и её возраст
func (s *Stream) LastPrice(symbol string) (float64, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.last[symbol]
	if !ok {
		return 0, time.Time{}, false
	}
	return snap.price, snap.at, true
}

// Candles возвращает копию последних n минутных свечей символа
func (s *Stream) Candles(symbol string, n int) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candles := s.candles[symbol]
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out
}
