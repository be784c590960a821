package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/pkg/config"
)

var identityLog = logrus.WithField("component", "identity")

const (
	provisionAttempts  = 3
	defaultRetryBase   = 500 * time.Millisecond
	defaultStepTimeout = 15 * time.Second
)

// Options Manager 的依赖
type Options struct {
	Network     types.Network
	Credentials config.CredentialConfig
	Store       CredentialStore
	Registrar   Registrar
	Now         func() time.Time
	// RetryBase 供应流程每一步重试的初始退避
	RetryBase time.Duration
}

// Manager 持有进程内唯一的交易签名身份
type Manager struct {
	mu sync.RWMutex

	network types.Network
	main    *Identity
	agent   *Identity
	wallet  *common.Address
	vault   *common.Address

	store     CredentialStore
	registrar Registrar
	now       func() time.Time
	retryBase time.Duration

	warnOnce sync.Once
}

// NewManager 从配置与凭证存储构建身份。没有任何凭证不是错误，只读工具仍可使用
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		network:   opts.Network,
		store:     opts.Store,
		registrar: opts.Registrar,
		now:       opts.Now,
		retryBase: opts.RetryBase,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.retryBase <= 0 {
		m.retryBase = defaultRetryBase
	}
	cred := opts.Credentials

	var mainSigner *signing.KeySigner
	switch {
	case strings.TrimSpace(cred.MainPrivateKey) != "":
		s, err := signing.NewKeySigner(cred.MainPrivateKey)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindNoCredential, "HYPERLIQUID_PRIVATE_KEY 无效")
		}
		mainSigner = s
	case strings.TrimSpace(cred.Mnemonic) != "":
		path := cred.DerivationPath
		if path == "" {
			path = config.DefaultDerivationPath
		}
		s, err := SignerFromMnemonic(cred.Mnemonic, path)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindNoCredential, "HYPERLIQUID_MNEMONIC 无效")
		}
		mainSigner = s
	}
	if mainSigner != nil {
		m.main = newIdentity(mainSigner, RoleMain, m.network, time.Time{}, time.Time{})
	}

	agentKey := strings.TrimSpace(cred.AgentPrivateKey)
	createdAt, expiresAt := time.Time{}, cred.AgentExpiresAt
	if agentKey == "" && m.store != nil {
		stored, err := m.store.LoadAgent()
		if err != nil {
			return nil, errors.Wrap(err, "读取 agent 凭证")
		}
		if stored != nil {
			agentKey = stored.PrivateKey
			createdAt, expiresAt = stored.CreatedAt, stored.ExpiresAt
		}
	}
	if agentKey != "" {
		s, err := signing.NewKeySigner(agentKey)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindNoCredential, "agent 私钥无效")
		}
		m.agent = newIdentity(s, RoleAgent, m.network, createdAt, expiresAt)
	}

	if cred.WalletAddress != "" {
		a := common.HexToAddress(cred.WalletAddress)
		m.wallet = &a
	}
	if cred.VaultAddress != "" {
		v := common.HexToAddress(cred.VaultAddress)
		m.vault = &v
	}

	fields := logrus.Fields{"network": m.network}
	if m.main != nil {
		fields["main"] = m.main.Address.Hex()
	}
	if m.agent != nil {
		fields["agent"] = m.agent.Address.Hex()
	}
	if m.vault != nil {
		fields["vault"] = m.vault.Hex()
	}
	identityLog.WithFields(fields).Info("身份已加载")
	return m, nil
}

// Network 当前网络
func (m *Manager) Network() types.Network { return m.network }

// CurrentSigner 当前交易签名身份，只能是 agent。
// 只有主钱包时需要先完成 provisioning；主钱包只用于用户签名动作
func (m *Manager) CurrentSigner() (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.agent != nil {
		return m.agent, nil
	}
	if m.main != nil {
		return nil, apperr.New(apperr.KindNoCredential,
			"agent 钱包尚未授权，交易需要 agent；主钱包 %s 只用于授权，重启后会重新尝试 provisioning", m.main.Address.Hex())
	}
	return nil, apperr.New(apperr.KindNoCredential,
		"未配置交易凭证，请设置 HYPERLIQUID_AGENT_PRIVATE_KEY 或 HYPERLIQUID_PRIVATE_KEY")
}

// EnsureValid 签名前检查身份是否可用；过期不可重试
func (m *Manager) EnsureValid() (*Identity, error) {
	id, err := m.CurrentSigner()
	if err != nil {
		return nil, err
	}
	if id.ExpiredAt(m.now()) {
		return nil, apperr.New(apperr.KindIdentityExpired,
			"agent %s 已于 %s 过期，请重新授权 agent 钱包", id.Address.Hex(), id.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return id, nil
}

// MainSigner 主钱包身份，只用于用户签名动作
func (m *Manager) MainSigner() (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.main == nil {
		return nil, apperr.New(apperr.KindNoCredential,
			"该操作需要主钱包，请设置 HYPERLIQUID_PRIVATE_KEY 或 HYPERLIQUID_MNEMONIC")
	}
	return m.main, nil
}

// Vault 金库地址；未配置时为 nil
func (m *Manager) Vault() *common.Address {
	return m.vault
}

// QueryAddress 查询账户数据使用的地址：金库 > 主钱包 > HYPERLIQUID_WALLET_ADDRESS > agent
func (m *Manager) QueryAddress() (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case m.vault != nil:
		return *m.vault, nil
	case m.main != nil:
		return m.main.Address, nil
	case m.wallet != nil:
		return *m.wallet, nil
	case m.agent != nil:
		m.warnOnce.Do(func() {
			identityLog.Warnf("未配置主钱包地址，使用 agent 地址 %s 查询账户，结果可能为空；请设置 HYPERLIQUID_WALLET_ADDRESS", m.agent.Address.Hex())
		})
		return m.agent.Address, nil
	default:
		return common.Address{}, apperr.New(apperr.KindNoCredential,
			"未配置钱包地址，请设置 HYPERLIQUID_WALLET_ADDRESS 或私钥")
	}
}

// NeedsProvisioning 有主钱包、没有 agent 且不是金库模式时需要首次供应
func (m *Manager) NeedsProvisioning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.main != nil && m.agent == nil && m.vault == nil
}

// Provision 首次运行时创建并授权 agent：生成密钥、approveAgent、approveBuilderFee、持久化。
// 只有持久化成功后 agent 才成为当前签名身份；任一步失败则保持原状态，下次启动重新执行。
// 金库模式不自动供应，需要配置金库 leader 授权过的 agent。
func (m *Manager) Provision(ctx context.Context) (*Identity, error) {
	if !m.NeedsProvisioning() {
		return m.CurrentSigner()
	}
	main, err := m.MainSigner()
	if err != nil {
		return nil, err
	}
	if m.registrar == nil || m.store == nil {
		return nil, apperr.New(apperr.KindInternal, "身份管理未配置 registrar 或凭证存储")
	}

	agentSigner, err := signing.GenerateKeySigner()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "生成 agent 密钥")
	}
	created := m.now().UTC()
	expires := created.Add(AgentLifetime)
	name := AgentName(created)
	log := identityLog.WithFields(logrus.Fields{"agent": agentSigner.Address().Hex(), "name": name})
	log.Info("开始供应 agent 钱包")

	if err := m.retry(ctx, "approveAgent", func(ctx context.Context) error {
		return m.registrar.ApproveAgent(ctx, main.Signer(), agentSigner.Address(), name)
	}); err != nil {
		return nil, err
	}
	if err := m.retry(ctx, "approveBuilderFee", func(ctx context.Context) error {
		return m.registrar.ApproveBuilderFee(ctx, main.Signer(), DefaultBuilder, DefaultBuilderMaxFeeRate)
	}); err != nil {
		return nil, err
	}

	var location string
	if err := m.retry(ctx, "persist", func(context.Context) error {
		loc, err := m.store.SaveAgent(AgentCredential{PrivateKey: agentSigner.ExportHex(), CreatedAt: created, ExpiresAt: expires})
		location = loc
		return err
	}); err != nil {
		return nil, err
	}

	id := newIdentity(agentSigner, RoleAgent, m.network, created, expires)
	m.mu.Lock()
	m.agent = id
	m.mu.Unlock()
	log.WithField("location", location).Infof("✅ agent 钱包已启用，有效期至 %s", expires.Format(time.RFC3339))
	return id, nil
}

// CreateAgent 用主钱包创建并授权一个新 agent，保存后在下次启动时生效（运行中不切换身份）
func (m *Manager) CreateAgent(ctx context.Context) (common.Address, string, error) {
	main, err := m.MainSigner()
	if err != nil {
		return common.Address{}, "", err
	}
	if m.registrar == nil || m.store == nil {
		return common.Address{}, "", apperr.New(apperr.KindInternal, "身份管理未配置 registrar 或凭证存储")
	}
	agentSigner, err := signing.GenerateKeySigner()
	if err != nil {
		return common.Address{}, "", apperr.Wrap(err, apperr.KindInternal, "生成 agent 密钥")
	}
	created := m.now().UTC()

	if err := m.registrar.ApproveAgent(ctx, main.Signer(), agentSigner.Address(), AgentName(created)); err != nil {
		return common.Address{}, "", err
	}
	location, err := m.store.SaveAgent(AgentCredential{
		PrivateKey: agentSigner.ExportHex(),
		CreatedAt:  created,
		ExpiresAt:  created.Add(AgentLifetime),
	})
	if err != nil {
		return common.Address{}, "", apperr.Wrap(err, apperr.KindInternal, "保存 agent 凭证")
	}
	identityLog.WithField("agent", agentSigner.Address().Hex()).Infof("新 agent 已保存到 %s，重启后生效", location)
	return agentSigner.Address(), location, nil
}

// retry 每一步最多 provisionAttempts 次，退避翻倍；Rejected 等永久错误不重试
func (m *Manager) retry(ctx context.Context, step string, fn func(context.Context) error) error {
	wait := m.retryBase
	var lastErr error
	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, defaultStepTimeout)
		lastErr = fn(stepCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		kind := apperr.KindOf(lastErr)
		identityLog.Warnf("供应步骤 %s 第 %d 次失败: %v", step, attempt, lastErr)
		if kind == apperr.KindRejected || kind == apperr.KindValidation {
			break
		}
		if attempt == provisionAttempts {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return apperr.Wrap(ctx.Err(), apperr.KindTimeout, "供应已取消")
		}
		wait *= 2
	}
	if _, ok := apperr.As(lastErr); ok {
		return lastErr
	}
	return apperr.Wrapf(lastErr, apperr.KindInternal, "供应步骤 %s 失败", step)
}
