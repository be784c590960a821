package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/betbot/hlmcp/hyperliquid/types"
)

// 凭证存储方式
const (
	StoreEnv    = "env"
	StoreBadger = "badger"
)

// DefaultDerivationPath 助记词默认派生路径
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// CredentialConfig 钱包与凭证配置
type CredentialConfig struct {
	AgentPrivateKey string
	AgentExpiresAt  time.Time // 未知时为零值
	MainPrivateKey  string
	Mnemonic        string
	DerivationPath  string
	WalletAddress   string
	VaultAddress    string

	Store     string // env 或 badger
	EnvFile   string // env 存储的文件路径
	SecretDB  string // badger 数据目录
	SecretKey string // badger 加密密钥（hex 或 base64）
}

// CacheConfig 状态缓存配置
type CacheConfig struct {
	RealtimeEnabled   bool
	MaxStaleness      time.Duration // 正常模式下读缓存的最大陈旧时间
	DegradedStaleness time.Duration // 降级轮询模式下的最大陈旧时间
	HeartbeatTimeout  time.Duration // 超过该时间没有心跳进入 Degraded
	GracePeriod       time.Duration // Degraded 持续超过该时间触发重连
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	OutageThreshold   time.Duration // 断线超过该时间进入降级轮询模式
}

// ExecutionConfig 下单执行配置
type ExecutionConfig struct {
	QueueTimeout  time.Duration // 排队等待上限
	SubmitTimeout time.Duration // 单次提交超时
	RetentionTTL  time.Duration // 终态意图保留时长（用于幂等重试识别）
}

// HTTPConfig REST 客户端配置
type HTTPConfig struct {
	Timeout    time.Duration
	RetryCount int
	RateLimit  int // 每分钟权重
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string
	File       string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
}

// Config 应用配置
type Config struct {
	Network     types.Network
	Credentials CredentialConfig
	Cache       CacheConfig
	Execution   ExecutionConfig
	HTTP        HTTPConfig
	Log         LogConfig
	MetricsAddr string // 为空则不启动指标服务
}

// ConfigFile 配置文件结构（YAML/JSON），时长字段使用 "5s" 这样的字符串
type ConfigFile struct {
	Network string `yaml:"network" json:"network"`
	Log     struct {
		Level      string `yaml:"level" json:"level"`
		File       string `yaml:"file" json:"file"`
		MaxSize    int    `yaml:"max_size" json:"max_size"`
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAge     int    `yaml:"max_age" json:"max_age"`
		Compress   *bool  `yaml:"compress" json:"compress"`
	} `yaml:"log" json:"log"`
	Cache struct {
		RealtimeEnabled   *bool  `yaml:"realtime_enabled" json:"realtime_enabled"`
		MaxStaleness      string `yaml:"max_staleness" json:"max_staleness"`
		DegradedStaleness string `yaml:"degraded_staleness" json:"degraded_staleness"`
		HeartbeatTimeout  string `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
		GracePeriod       string `yaml:"grace_period" json:"grace_period"`
		BackoffBase       string `yaml:"backoff_base" json:"backoff_base"`
		BackoffMax        string `yaml:"backoff_max" json:"backoff_max"`
		OutageThreshold   string `yaml:"outage_threshold" json:"outage_threshold"`
	} `yaml:"cache" json:"cache"`
	Execution struct {
		QueueTimeout  string `yaml:"queue_timeout" json:"queue_timeout"`
		SubmitTimeout string `yaml:"submit_timeout" json:"submit_timeout"`
		RetentionTTL  string `yaml:"retention_ttl" json:"retention_ttl"`
	} `yaml:"execution" json:"execution"`
	HTTP struct {
		Timeout    string `yaml:"timeout" json:"timeout"`
		RetryCount *int   `yaml:"retry_count" json:"retry_count"`
		RateLimit  int    `yaml:"rate_limit" json:"rate_limit"`
	} `yaml:"http" json:"http"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Network: types.Mainnet,
		Credentials: CredentialConfig{
			DerivationPath: DefaultDerivationPath,
			Store:          StoreEnv,
			EnvFile:        DefaultEnvFile(),
		},
		Cache: CacheConfig{
			RealtimeEnabled:   true,
			MaxStaleness:      5 * time.Second,
			DegradedStaleness: 30 * time.Second,
			HeartbeatTimeout:  30 * time.Second,
			GracePeriod:       10 * time.Second,
			BackoffBase:       500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			OutageThreshold:   2 * time.Minute,
		},
		Execution: ExecutionConfig{
			QueueTimeout:  30 * time.Second,
			SubmitTimeout: 10 * time.Second,
			RetentionTTL:  10 * time.Minute,
		},
		HTTP: HTTPConfig{
			Timeout:    10 * time.Second,
			RetryCount: 3,
			RateLimit:  1200,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// DefaultEnvFile 默认凭证文件 ~/.config/hyperliquid-mcp/.env
func DefaultEnvFile() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".env"
	}
	return filepath.Join(home, ".config", "hyperliquid-mcp", ".env")
}

var globalConfig *Config

// Get 返回最近一次 Load 的结果
func Get() *Config {
	return globalConfig
}

// Load 加载配置：环境变量 > 配置文件 > 默认值。
// 先加载 .env 文件（不覆盖已有环境变量），path 为空时只用环境变量。
func Load(path string) (*Config, error) {
	envFile := getEnv("HLMCP_ENV_FILE", DefaultEnvFile())
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("加载 %s 失败: %w", envFile, err)
	}

	cfg := Default()
	cfg.Credentials.EnvFile = envFile

	if path != "" {
		cf, err := loadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", path, err)
		}
		if err := cfg.applyFile(cf); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	globalConfig = cfg
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cf ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cf)
	default:
		err = yaml.Unmarshal(data, &cf)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return &cf, nil
}

func (c *Config) applyFile(cf *ConfigFile) error {
	if cf.Network != "" {
		n, ok := types.ParseNetwork(cf.Network)
		if !ok {
			return fmt.Errorf("无效的 network: %q", cf.Network)
		}
		c.Network = n
	}

	if cf.Log.Level != "" {
		c.Log.Level = cf.Log.Level
	}
	if cf.Log.File != "" {
		c.Log.File = cf.Log.File
	}
	if cf.Log.MaxSize > 0 {
		c.Log.MaxSize = cf.Log.MaxSize
	}
	if cf.Log.MaxBackups > 0 {
		c.Log.MaxBackups = cf.Log.MaxBackups
	}
	if cf.Log.MaxAge > 0 {
		c.Log.MaxAge = cf.Log.MaxAge
	}
	if cf.Log.Compress != nil {
		c.Log.Compress = *cf.Log.Compress
	}

	if cf.Cache.RealtimeEnabled != nil {
		c.Cache.RealtimeEnabled = *cf.Cache.RealtimeEnabled
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cache.max_staleness", cf.Cache.MaxStaleness, &c.Cache.MaxStaleness},
		{"cache.degraded_staleness", cf.Cache.DegradedStaleness, &c.Cache.DegradedStaleness},
		{"cache.heartbeat_timeout", cf.Cache.HeartbeatTimeout, &c.Cache.HeartbeatTimeout},
		{"cache.grace_period", cf.Cache.GracePeriod, &c.Cache.GracePeriod},
		{"cache.backoff_base", cf.Cache.BackoffBase, &c.Cache.BackoffBase},
		{"cache.backoff_max", cf.Cache.BackoffMax, &c.Cache.BackoffMax},
		{"cache.outage_threshold", cf.Cache.OutageThreshold, &c.Cache.OutageThreshold},
		{"execution.queue_timeout", cf.Execution.QueueTimeout, &c.Execution.QueueTimeout},
		{"execution.submit_timeout", cf.Execution.SubmitTimeout, &c.Execution.SubmitTimeout},
		{"execution.retention_ttl", cf.Execution.RetentionTTL, &c.Execution.RetentionTTL},
		{"http.timeout", cf.HTTP.Timeout, &c.HTTP.Timeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: 无效的时长 %q", d.name, d.raw)
		}
		*d.dst = v
	}

	if cf.HTTP.RetryCount != nil {
		c.HTTP.RetryCount = *cf.HTTP.RetryCount
	}
	if cf.HTTP.RateLimit > 0 {
		c.HTTP.RateLimit = cf.HTTP.RateLimit
	}
	if cf.MetricsAddr != "" {
		c.MetricsAddr = cf.MetricsAddr
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := getEnv("HYPERLIQUID_NETWORK", ""); v != "" {
		n, ok := types.ParseNetwork(v)
		if !ok {
			return fmt.Errorf("无效的 HYPERLIQUID_NETWORK: %q", v)
		}
		c.Network = n
	}

	cred := &c.Credentials
	cred.AgentPrivateKey = getEnv("HYPERLIQUID_AGENT_PRIVATE_KEY", cred.AgentPrivateKey)
	cred.MainPrivateKey = getEnv("HYPERLIQUID_PRIVATE_KEY", cred.MainPrivateKey)
	cred.Mnemonic = getEnv("HYPERLIQUID_MNEMONIC", cred.Mnemonic)
	cred.DerivationPath = getEnv("HYPERLIQUID_DERIVATION_PATH", cred.DerivationPath)
	cred.WalletAddress = getEnv("HYPERLIQUID_WALLET_ADDRESS", cred.WalletAddress)
	cred.VaultAddress = getEnv("HYPERLIQUID_VAULT_ADDRESS", cred.VaultAddress)
	cred.Store = strings.ToLower(getEnv("HLMCP_CREDENTIAL_STORE", cred.Store))
	cred.SecretDB = getEnv("HLMCP_SECRET_DB", cred.SecretDB)
	cred.SecretKey = getEnv("HLMCP_SECRET_KEY", cred.SecretKey)
	if v := getEnv("HYPERLIQUID_AGENT_EXPIRES_AT", ""); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("无效的 HYPERLIQUID_AGENT_EXPIRES_AT（需要 RFC3339）: %q", v)
		}
		cred.AgentExpiresAt = t
	}

	c.Cache.RealtimeEnabled = parseBoolEnv("REALTIME_ENABLED", c.Cache.RealtimeEnabled)
	c.Log.Level = getEnv("HLMCP_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("HLMCP_LOG_FILE", c.Log.File)
	c.MetricsAddr = getEnv("HLMCP_METRICS_ADDR", c.MetricsAddr)
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Network != types.Mainnet && c.Network != types.Testnet {
		return fmt.Errorf("无效的网络: %q", c.Network)
	}

	cred := c.Credentials
	for name, addr := range map[string]string{
		"HYPERLIQUID_WALLET_ADDRESS": cred.WalletAddress,
		"HYPERLIQUID_VAULT_ADDRESS":  cred.VaultAddress,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s 不是有效地址", name)
		}
	}
	switch cred.Store {
	case StoreEnv:
	case StoreBadger:
		if cred.SecretDB == "" {
			return fmt.Errorf("HLMCP_CREDENTIAL_STORE=badger 时必须设置 HLMCP_SECRET_DB")
		}
	default:
		return fmt.Errorf("无效的 HLMCP_CREDENTIAL_STORE: %q（可选 env、badger）", cred.Store)
	}

	positive := map[string]time.Duration{
		"cache.max_staleness":      c.Cache.MaxStaleness,
		"cache.degraded_staleness": c.Cache.DegradedStaleness,
		"cache.heartbeat_timeout":  c.Cache.HeartbeatTimeout,
		"cache.grace_period":       c.Cache.GracePeriod,
		"cache.backoff_base":       c.Cache.BackoffBase,
		"cache.backoff_max":        c.Cache.BackoffMax,
		"cache.outage_threshold":   c.Cache.OutageThreshold,
		"execution.queue_timeout":  c.Execution.QueueTimeout,
		"execution.submit_timeout": c.Execution.SubmitTimeout,
		"execution.retention_ttl":  c.Execution.RetentionTTL,
		"http.timeout":             c.HTTP.Timeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s 必须大于 0", name)
		}
	}
	if c.Cache.BackoffMax < c.Cache.BackoffBase {
		return fmt.Errorf("cache.backoff_max 不能小于 cache.backoff_base")
	}
	if c.Cache.DegradedStaleness < c.Cache.MaxStaleness {
		return fmt.Errorf("cache.degraded_staleness 不能小于 cache.max_staleness")
	}
	if c.HTTP.RetryCount < 0 {
		return fmt.Errorf("http.retry_count 不能为负数")
	}
	if c.HTTP.RateLimit <= 0 {
		return fmt.Errorf("http.rate_limit 必须大于 0")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// parseBoolEnv false/0/no/off 视为关闭，其它非空值视为开启
func parseBoolEnv(key string, defaultValue bool) bool {
	v := strings.ToLower(getEnv(key, ""))
	switch v {
	case "":
		return defaultValue
	case "false", "0", "no", "off":
		return false
	default:
		return true
	}
}
