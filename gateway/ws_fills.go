package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"auto-trader-go/infrastructure/logger"
)

// WSFill 成交推送消息
type WSFill struct {
	TradeID       string  `json:"tradeId"`
	OrderID       string  `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty,string"`
	Price         float64 `json:"price,string"`
	Commission    float64 `json:"commission,string"`
	Time          int64   `json:"time"`
}

// FillStream 订阅经纪商成交推送。
// 连接断开后按固定间隔重连；推送丢失由对账循环兜底。
type FillStream struct {
	url       string
	dialer    *websocket.Dialer
	log       *logger.Logger
	reconnect time.Duration
	onFill    func(WSFill)
}

// NewFillStream onFill 在读协程中被调用，不可阻塞太久
func NewFillStream(url string, log *logger.Logger, onFill func(WSFill)) *FillStream {
	if log == nil {
		log = logger.Nop()
	}
	return &FillStream{
		url:       url,
		dialer:    websocket.DefaultDialer,
		log:       log.Named("fill_stream"),
		reconnect: 5 * time.Second,
		onFill:    onFill,
	}
}

// Run 阻塞读取直到 ctx 取消，内部处理重连
func (s *FillStream) Run(ctx context.Context) error {
	for {
		if err := s.readLoop(ctx); err != nil {
			s.log.Warn("fill stream disconnected: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnect):
		}
	}
}

func (s *FillStream) readLoop(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// ctx 取消时强制断开阻塞中的 ReadMessage
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var fill WSFill
		if err := json.Unmarshal(message, &fill); err != nil {
			s.log.Warn("skip malformed fill message: " + err.Error())
			continue
		}
		if fill.TradeID == "" {
			continue
		}
		s.onFill(fill)
	}
}
