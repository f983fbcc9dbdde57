// Package id 生成按时间排序的 ULID 标识符。
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	// Monotonic 保证同一毫秒内生成的 ID 仍按字典序递增
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New 返回一个 ULID 字符串，可按生成时间排序，适合订单与日志主键。
func New() string {
	mu.Lock()
	defer mu.Unlock()

	v, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		panic(err)
	}
	return v.String()
}
