package types

import "strings"

// Network 网络
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

const (
	MainnetAPIURL = "https://api.hyperliquid.xyz"
	TestnetAPIURL = "https://api.hyperliquid-testnet.xyz"
)

// ParseNetwork 解析网络名称，"test" 作为 testnet 的别名
func ParseNetwork(s string) (Network, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet", "main":
		return Mainnet, true
	case "testnet", "test":
		return Testnet, true
	default:
		return "", false
	}
}

// APIURL 返回网络对应的 REST 地址
func (n Network) APIURL() string {
	if n == Testnet {
		return TestnetAPIURL
	}
	return MainnetAPIURL
}

// WSURL 返回网络对应的 websocket 地址
func (n Network) WSURL() string {
	return "wss" + strings.TrimPrefix(n.APIURL(), "https") + "/ws"
}

// ChainName 用户签名动作里的 hyperliquidChain 字段
func (n Network) ChainName() string {
	if n == Testnet {
		return "Testnet"
	}
	return "Mainnet"
}

// IsMainnet 是否主网
func (n Network) IsMainnet() bool { return n != Testnet }

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 解析方向；同时接受交易所的 "B"/"A" 缩写
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b", "bid", "long":
		return SideBuy, true
	case "sell", "a", "ask", "short":
		return SideSell, true
	default:
		return "", false
	}
}

// IsBuy 是否买入
func (s Side) IsBuy() bool { return s == SideBuy }

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TIF 有效期类型
type TIF string

const (
	TIFGtc TIF = "Gtc"
	TIFIoc TIF = "Ioc"
	TIFAlo TIF = "Alo" // post-only
)

// ParseTIF 解析有效期，大小写不敏感
func ParseTIF(s string) (TIF, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gtc":
		return TIFGtc, true
	case "ioc":
		return TIFIoc, true
	case "alo", "post_only", "postonly":
		return TIFAlo, true
	default:
		return "", false
	}
}

// SpotAssetOffset 现货资产 ID = 10000 + spot universe index
const SpotAssetOffset = 10000
