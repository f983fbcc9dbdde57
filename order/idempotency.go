package order

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// IdempotencyKey 由信号身份派生的确定性幂等键。
// 同一 (symbol, side, strategy, 信号时间, broker) 永远得到同一个键，
// 重启或重复投递不会产生第二笔订单。
func IdempotencyKey(symbol, side, strategyID, broker string, signalTime time.Time) string {
	identity := fmt.Sprintf("%s|%s|%s|%s|%d", symbol, side, strategyID, broker, signalTime.UTC().UnixNano())
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:32]
}
