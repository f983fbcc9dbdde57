// Package gateway 封装经纪商 REST/WS 接入，签名与限流在此处理。
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Config 经纪商接入配置
type Config struct {
	BaseURL   string        `yaml:"base_url"`
	WSURL     string        `yaml:"ws_url"`
	APIKey    string        `yaml:"api_key" env:"BROKER_API_KEY"`
	Secret    string        `yaml:"secret" env:"BROKER_API_SECRET"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // 每秒请求数
	Burst     int           `yaml:"burst"`
}

// APIError 经纪商返回的错误，Status 供调用方做重试分类
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api status %d code=%s: %s", e.Status, e.Code, e.Message)
}

// Retryable 429 与 5xx 视为临时故障
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client 可签名的经纪商 REST 客户端；HTTPClient 可注入 httptest。
type Client struct {
	cfg        Config
	HTTPClient *http.Client
	limiter    RateLimiter
}

// NewClient 创建客户端，默认带超时与令牌桶限流
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rate := cfg.RateLimit
	if rate <= 0 {
		rate = 10
	}
	return &Client{
		cfg:        cfg,
		HTTPClient: &http.Client{Timeout: timeout},
		limiter:    NewTokenBucketLimiter(rate, cfg.Burst),
	}
}

// orderResp 下单响应
type orderResp struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// PlaceOrder 下单，clientOrderID 作为幂等键原样传给经纪商
func (c *Client) PlaceOrder(ctx context.Context, symbol, side, orderType string, qty, limitPrice float64, clientOrderID string) (string, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             orderType,
		"quantity":         fmt.Sprintf("%f", qty),
		"newClientOrderId": clientOrderID,
	}
	if orderType == "LIMIT" {
		params["price"] = fmt.Sprintf("%f", limitPrice)
		params["timeInForce"] = "GTC"
	}

	var resp orderResp
	if err := c.call(ctx, http.MethodPost, "/api/v1/order", params, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("empty orderId in response")
	}
	return resp.OrderID, nil
}

// CancelOrder 按经纪商订单号撤单
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	return c.call(ctx, http.MethodDelete, "/api/v1/order", params, nil)
}

// OpenOrderView 经纪商侧未终态订单
type OpenOrderView struct {
	OrderID       string  `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Status        string  `json:"status"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	UpdateTime    int64   `json:"updateTime"`
}

// OpenOrders 全部未终态订单
func (c *Client) OpenOrders(ctx context.Context) ([]OpenOrderView, error) {
	var out []OpenOrderView
	if err := c.call(ctx, http.MethodGet, "/api/v1/openOrders", map[string]string{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FillView 成交记录
type FillView struct {
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

// Fills 自 since 以来的成交
func (c *Client) Fills(ctx context.Context, since time.Time) ([]FillView, error) {
	params := map[string]string{
		"startTime": fmt.Sprintf("%d", since.UnixMilli()),
	}
	var out []FillView
	if err := c.call(ctx, http.MethodGet, "/api/v1/myTrades", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// call 签名并发起请求，非 2xx 解析为 APIError
func (c *Client) call(ctx context.Context, method, path string, params map[string]string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	params["timestamp"] = fmt.Sprintf("%d", time.Now().UnixMilli())
	query, sig := SignParams(params, c.cfg.Secret)
	endpoint := c.cfg.BaseURL + path + "?" + query + "&signature=" + url.QueryEscape(sig)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-KEY", c.cfg.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SignParams 参数按键排序后拼接并做 HMAC-SHA256 签名
func SignParams(params map[string]string, secret string) (string, string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	query := values.Encode()

	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(query))
	return query, fmt.Sprintf("%x", h.Sum(nil))
}
