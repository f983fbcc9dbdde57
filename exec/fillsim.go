package exec

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"auto-trader-go/pkg/id"
)

// FillSimConfig 撮合模拟配置
type FillSimConfig struct {
	Seed           int64   `yaml:"seed"`             // 随机种子，相同种子结果可复现
	VolumeCapRatio float64 `yaml:"volume_cap_ratio"` // 单次最多吃掉盘口量的比例，0 关闭部分成交
	RejectRate     float64 `yaml:"reject_rate"`      // 随机拒单概率，混沌测试用
}

// FillSimulator 确定性撮合模拟器。
// 同一种子与同一事件序列产生完全一致的成交流。
type FillSimulator struct {
	mu         sync.Mutex
	rng        *rand.Rand
	slippage   SlippageModel
	commission CommissionModel
	cfg        FillSimConfig
}

// NewFillSimulator slippage/commission 可为 nil 表示无滑点/无手续费
func NewFillSimulator(cfg FillSimConfig, slippage SlippageModel, commission CommissionModel) *FillSimulator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &FillSimulator{
		rng:        rand.New(rand.NewSource(seed)),
		slippage:   slippage,
		commission: commission,
		cfg:        cfg,
	}
}

// Fill 对一笔订单在给定报价下撮合，可能产生多笔部分成交。
// 返回成交列表；随机拒单时返回 Transient 错误。
func (s *FillSimulator) Fill(req OrderRequest, brokerOrderID string, q Quote, now time.Time) ([]Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.RejectRate > 0 && s.rng.Float64() < s.cfg.RejectRate {
		return nil, Transient("SIM_REJECT", fmt.Errorf("simulated broker rejection"))
	}

	base := q.Ask
	if req.Side == SideSell {
		base = q.Bid
	}
	if req.Type == TypeLimit {
		base = req.LimitPrice
	}

	remaining := req.Quantity
	var fills []Fill
	for remaining > 0 {
		qty := remaining
		if s.cfg.VolumeCapRatio > 0 && q.Volume > 0 {
			maxQty := q.Volume * s.cfg.VolumeCapRatio
			if qty > maxQty {
				qty = maxQty
			}
		}

		price := base
		if s.slippage != nil {
			price = s.slippage.Apply(req.Side, base, q, qty)
		}
		var commission float64
		if s.commission != nil {
			commission = s.commission.Commission(qty, price)
		}

		fills = append(fills, Fill{
			FillID:        id.New(),
			BrokerOrderID: brokerOrderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      qty,
			Price:         price,
			Commission:    commission,
			Slippage:      price - base,
			Timestamp:     now,
		})
		remaining -= qty
	}
	return fills, nil
}
