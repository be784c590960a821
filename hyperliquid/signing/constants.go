package signing

const (
	// L1 动作（下单/撤单/改单/杠杆）使用的 phantom agent 域
	ExchangeDomainName = "Exchange"
	ExchangeVersion    = "1"
	ExchangeChainID    = 1337

	// MainnetSource / TestnetSource phantom agent 的 source 字段
	MainnetSource = "a"
	TestnetSource = "b"

	// 用户签名动作（授权 agent、builder 费用、划转）使用的域
	UserSignedDomainName = "HyperliquidSignTransaction"
	UserSignedVersion    = "1"
	UserSignedChainID    = 421614
	// SignatureChainID 421614 的十六进制，放在动作体里
	SignatureChainID = "0x66eee"

	// UserSignedTypePrefix 用户签名动作的 primaryType 前缀
	UserSignedTypePrefix = "HyperliquidTransaction:"

	zeroAddress = "0x0000000000000000000000000000000000000000"
)
