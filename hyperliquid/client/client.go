// Package client 是 Hyperliquid 的 REST + websocket 客户端。
//
// /info 查询走带重试的 resty 客户端；/exchange 提交不做传输层重试，
// 因为同一个 nonce 重放要么被交易所拒绝，要么造成重复下单。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/pkg/ratelimit"
)

var clientLog = logrus.WithField("component", "hl_client")

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryCount = 3
	userAgent         = "hlmcp/1.0"
)

// Config 客户端配置
type Config struct {
	Network types.Network
	// BaseURL/WSURL 为空时按 Network 推导
	BaseURL string
	WSURL   string

	Timeout         time.Duration
	RetryCount      int
	WeightPerMinute int

	now func() time.Time
}

// Client Adapter 的真实实现
type Client struct {
	config   Config
	info     *resty.Client
	exchange *resty.Client
	limiter  *ratelimit.Manager
	now      func() time.Time
}

// NewClient 创建客户端
func NewClient(cfg Config) *Client {
	if cfg.Network == "" {
		cfg.Network = types.Mainnet
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = cfg.Network.APIURL()
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = wsURLFor(cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch {
	case cfg.RetryCount == 0:
		cfg.RetryCount = defaultRetryCount
	case cfg.RetryCount < 0:
		cfg.RetryCount = 0
	}
	if cfg.WeightPerMinute <= 0 {
		cfg.WeightPerMinute = ratelimit.DefaultWeightPerMinute
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	info := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 时优先使用 Retry-After 头
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if d, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return d, nil
					}
				}
				return 2 * time.Second, nil
			}
			return 0, nil
		})

	exchange := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", userAgent).
		SetRetryCount(0)

	return &Client{
		config:   cfg,
		info:     info,
		exchange: exchange,
		limiter:  ratelimit.NewManager(cfg.WeightPerMinute),
		now:      now,
	}
}

func wsURLFor(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}

// Network 客户端所连网络
func (c *Client) Network() types.Network { return c.config.Network }

// postInfo 发送一次 /info 查询并把结果解析到 out
func (c *Client) postInfo(ctx context.Context, body map[string]interface{}, out interface{}) error {
	reqType, _ := body["type"].(string)
	if err := c.limiter.WaitN(ctx, "info", ratelimit.InfoWeight(reqType)); err != nil {
		return classifyTransportError(err, "等待限流")
	}

	resp, err := c.info.R().SetContext(ctx).SetBody(body).Post("/info")
	if err != nil {
		return classifyTransportError(err, "info "+reqType)
	}
	if err := classifyStatus(resp, "info "+reqType); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return apperr.Wrapf(err, apperr.KindInternal, "解析 info %s 响应", reqType)
	}
	return nil
}

// SubmitSignedAction 提交已签名的交易动作；不重试
func (c *Client) SubmitSignedAction(ctx context.Context, req types.ExchangeRequest) (*types.ExchangeResponse, error) {
	weight := 1
	switch a := req.Action.(type) {
	case types.OrderAction:
		weight = ratelimit.ExchangeWeight(len(a.Orders))
	case types.CancelAction:
		weight = ratelimit.ExchangeWeight(len(a.Cancels))
	case types.CancelByCloidAction:
		weight = ratelimit.ExchangeWeight(len(a.Cancels))
	}
	if err := c.limiter.WaitN(ctx, "exchange", weight); err != nil {
		return nil, classifyTransportError(err, "等待限流")
	}

	actionType := types.ActionType(req.Action)
	resp, err := c.exchange.R().SetContext(ctx).SetBody(req).Post("/exchange")
	if err != nil {
		return nil, classifyTransportError(err, "exchange "+actionType)
	}
	if err := classifyStatus(resp, "exchange "+actionType); err != nil {
		return nil, err
	}

	var out types.ExchangeResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, apperr.Wrapf(err, apperr.KindInternal, "解析 exchange %s 响应", actionType)
	}
	if !out.OK() {
		clientLog.Warnf("exchange %s 被拒绝: %s", actionType, out.ErrorMessage())
		return &out, apperr.New(apperr.KindRejected, "%s", out.ErrorMessage())
	}
	return &out, nil
}

// classifyTransportError 把传输层错误归类
func classifyTransportError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrapf(err, apperr.KindTimeout, "%s 超时", op)
	}
	if errors.Is(err, context.Canceled) {
		return apperr.Wrapf(err, apperr.KindTimeout, "%s 已取消", op)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrapf(err, apperr.KindTimeout, "%s 超时", op)
	}
	return apperr.Wrapf(err, apperr.KindTransientNetwork, "%s 网络错误", op)
}

// classifyStatus 非 2xx 的 HTTP 状态归类
func classifyStatus(resp *resty.Response, op string) error {
	if resp.IsSuccess() {
		return nil
	}
	code := resp.StatusCode()
	body := strings.TrimSpace(string(resp.Body()))
	if len(body) > 256 {
		body = body[:256]
	}
	switch {
	case code == http.StatusTooManyRequests:
		return apperr.New(apperr.KindTransientNetwork, "%s 被限流 (429)", op)
	case code >= 500:
		return apperr.New(apperr.KindTransientNetwork, "%s 服务端错误 %d", op, code)
	default:
		return apperr.New(apperr.KindRejected, "%s 返回 %d: %s", op, code, body)
	}
}

func toMillis(t time.Time) int64 { return t.UnixNano() / int64(time.Millisecond) }
