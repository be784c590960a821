package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
	"github.com/betbot/hlmcp/internal/apperr"
	"github.com/betbot/hlmcp/pkg/config"
	"github.com/betbot/hlmcp/pkg/secretstore"
)

const mainKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var fixedNow = time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mock     *client.MockClient
	store    *EnvFileStore
	registry *VenueRegistrar
	envPath  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := client.NewMockClient()
	envPath := filepath.Join(t.TempDir(), ".env")
	return &fixture{
		mock:     mock,
		store:    NewEnvFileStore(envPath),
		registry: NewVenueRegistrar(mock, signing.NewNonceSource(time.Now), types.Testnet),
		envPath:  envPath,
	}
}

func (f *fixture) manager(t *testing.T, cred config.CredentialConfig) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Network:     types.Testnet,
		Credentials: cred,
		Store:       f.store,
		Registrar:   f.registry,
		Now:         func() time.Time { return fixedNow },
		RetryBase:   time.Millisecond,
	})
	require.NoError(t, err)
	return m
}

func TestProvisionActivatesAgentAfterPersist(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.envPath, []byte("HYPERLIQUID_NETWORK=testnet\n# comment\n"), 0o644))

	m := f.manager(t, config.CredentialConfig{MainPrivateKey: mainKey})
	require.True(t, m.NeedsProvisioning())

	_, err := m.CurrentSigner()
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err), "授权完成前主钱包不能交易")

	id, err := m.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RoleAgent, id.Role)
	assert.Equal(t, fixedNow.Add(AgentLifetime), id.ExpiresAt)
	assert.False(t, m.NeedsProvisioning())

	current, err := m.CurrentSigner()
	require.NoError(t, err)
	assert.Equal(t, id.Address, current.Address)

	// venue 侧：agent 已授权，builder 费用已授权给主钱包
	assert.Equal(t, "hlmcp-030725", f.mock.ApprovedAgents[strings.ToLower(id.Address.Hex())])
	mainAddr := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	assert.Equal(t, DefaultBuilderFee, f.mock.MaxBuilderFee[strings.ToLower(mainAddr.Hex())])

	// 文件：agent 私钥在第一行，原有内容保留，权限 0600
	raw, err := os.ReadFile(f.envPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.True(t, strings.HasPrefix(lines[0], EnvAgentPrivateKey+"=0x"))
	assert.Contains(t, string(raw), "HYPERLIQUID_NETWORK=testnet")
	assert.Contains(t, string(raw), "# comment")

	info, err := os.Stat(f.envPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(filepath.Join(filepath.Dir(f.envPath), ".env.tmp"))
	assert.True(t, os.IsNotExist(err))

	// 下次启动从文件加载同一个 agent
	reloaded := f.manager(t, config.CredentialConfig{MainPrivateKey: mainKey})
	assert.False(t, reloaded.NeedsProvisioning())
	again, err := reloaded.CurrentSigner()
	require.NoError(t, err)
	assert.Equal(t, id.Address, again.Address)
	assert.Equal(t, id.ExpiresAt, again.ExpiresAt)
}

func TestProvisionRejectedLeavesNoAgent(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, config.CredentialConfig{MainPrivateKey: mainKey})
	f.mock.FailNext("SubmitSignedAction", apperr.New(apperr.KindRejected, "User or API Wallet does not exist"))

	_, err := m.Provision(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindRejected, apperr.KindOf(err))
	// 永久错误不重试
	assert.Equal(t, 1, f.mock.CallCount("SubmitSignedAction"))

	// 授权失败后不能用主钱包下 L1 单，用户签名动作仍可用
	_, err = m.CurrentSigner()
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err))
	_, err = m.EnsureValid()
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err))
	mainID, err := m.MainSigner()
	require.NoError(t, err)
	assert.Equal(t, RoleMain, mainID.Role)
	assert.True(t, m.NeedsProvisioning())
	_, err = os.Stat(f.envPath)
	assert.True(t, os.IsNotExist(err))
}

func TestProvisionRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, config.CredentialConfig{MainPrivateKey: mainKey})
	f.mock.FailNext("SubmitSignedAction", apperr.New(apperr.KindTransientNetwork, "connection reset"))

	id, err := m.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RoleAgent, id.Role)
	// 一次失败 + approveAgent + approveBuilderFee
	assert.Equal(t, 3, f.mock.CallCount("SubmitSignedAction"))
}

func TestProvisionSkippedWithVault(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, config.CredentialConfig{
		MainPrivateKey: mainKey,
		VaultAddress:   "0x1111111111111111111111111111111111111111",
	})
	assert.False(t, m.NeedsProvisioning())

	// 金库模式没有 agent 时不能交易，也不会自动授权
	_, err := m.Provision(context.Background())
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err))
	assert.Equal(t, 0, f.mock.CallCount("SubmitSignedAction"))
}

func TestEnsureValidRejectsExpiredAgent(t *testing.T) {
	f := newFixture(t)
	agent, err := signing.GenerateKeySigner()
	require.NoError(t, err)

	expired := f.manager(t, config.CredentialConfig{
		AgentPrivateKey: agent.ExportHex(),
		AgentExpiresAt:  fixedNow.Add(-time.Minute),
	})
	_, err = expired.EnsureValid()
	require.Error(t, err)
	assert.Equal(t, apperr.KindIdentityExpired, apperr.KindOf(err))
	assert.False(t, apperr.Retryable(apperr.KindOf(err)))

	valid := f.manager(t, config.CredentialConfig{
		AgentPrivateKey: agent.ExportHex(),
		AgentExpiresAt:  fixedNow.Add(time.Hour),
	})
	id, err := valid.EnsureValid()
	require.NoError(t, err)
	assert.Equal(t, agent.Address(), id.Address)

	// 没有到期时间的 agent 视为有效
	unknown := f.manager(t, config.CredentialConfig{AgentPrivateKey: agent.ExportHex()})
	_, err = unknown.EnsureValid()
	assert.NoError(t, err)
}

func TestNoCredential(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, config.CredentialConfig{})

	_, err := m.CurrentSigner()
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err))
	_, err = m.EnsureValid()
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err))
	_, err = m.MainSigner()
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err))
	_, err = m.QueryAddress()
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err))
	assert.False(t, m.NeedsProvisioning())
}

func TestQueryAddressPriority(t *testing.T) {
	agent, err := signing.GenerateKeySigner()
	require.NoError(t, err)
	main, err := signing.NewKeySigner(mainKey)
	require.NoError(t, err)
	vault := "0x1111111111111111111111111111111111111111"
	wallet := "0x2222222222222222222222222222222222222222"

	tests := []struct {
		name string
		cred config.CredentialConfig
		want common.Address
	}{
		{"vault first", config.CredentialConfig{MainPrivateKey: mainKey, AgentPrivateKey: agent.ExportHex(), WalletAddress: wallet, VaultAddress: vault}, common.HexToAddress(vault)},
		{"main", config.CredentialConfig{MainPrivateKey: mainKey, AgentPrivateKey: agent.ExportHex(), WalletAddress: wallet}, main.Address()},
		{"configured wallet", config.CredentialConfig{AgentPrivateKey: agent.ExportHex(), WalletAddress: wallet}, common.HexToAddress(wallet)},
		{"agent fallback", config.CredentialConfig{AgentPrivateKey: agent.ExportHex()}, agent.Address()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFixture(t).manager(t, tt.cred)
			got, err := m.QueryAddress()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateAgentPersistsWithoutActivating(t *testing.T) {
	f := newFixture(t)
	existing, err := signing.GenerateKeySigner()
	require.NoError(t, err)
	m := f.manager(t, config.CredentialConfig{MainPrivateKey: mainKey, AgentPrivateKey: existing.ExportHex()})

	addr, location, err := m.CreateAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.envPath, location)
	assert.NotEqual(t, existing.Address(), addr)
	assert.Contains(t, f.mock.ApprovedAgents, strings.ToLower(addr.Hex()))

	current, err := m.CurrentSigner()
	require.NoError(t, err)
	assert.Equal(t, existing.Address(), current.Address)

	stored, err := f.store.LoadAgent()
	require.NoError(t, err)
	require.NotNil(t, stored)
	s, err := signing.NewKeySigner(stored.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, addr, s.Address())
}

func TestCreateAgentRequiresMainWallet(t *testing.T) {
	f := newFixture(t)
	agent, err := signing.GenerateKeySigner()
	require.NoError(t, err)
	m := f.manager(t, config.CredentialConfig{AgentPrivateKey: agent.ExportHex()})

	_, _, err = m.CreateAgent(context.Background())
	assert.Equal(t, apperr.KindNoCredential, apperr.KindOf(err))
	assert.Equal(t, 0, f.mock.CallCount("SubmitSignedAction"))
}

func TestIdentityNeverPrintsKey(t *testing.T) {
	s, err := signing.NewKeySigner(mainKey)
	require.NoError(t, err)
	id := newIdentity(s, RoleMain, types.Mainnet, time.Time{}, time.Time{})

	keyHex := strings.TrimPrefix(mainKey, "0x")
	for _, out := range []string{id.String(), fmt.Sprintf("%v", id), fmt.Sprintf("%#v", id), fmt.Sprintf("%+v", *id)} {
		assert.NotContains(t, out, keyHex)
	}
	raw, err := json.Marshal(id)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), keyHex)
	assert.JSONEq(t, `{"address":"0x2c7536E3605D9C16a7a3D7b1898e529396a65c23","role":"main","network":"mainnet"}`, string(raw))
}

func TestAgentName(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 本地时间已是 1 月 1 日，UTC 仍在 12 月 31 日
	assert.Equal(t, "hlmcp-123124", AgentName(time.Date(2025, 1, 1, 5, 0, 0, 0, loc)))
}

func TestEnvFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".env")
	store := NewEnvFileStore(path)

	cred, err := store.LoadAgent()
	require.NoError(t, err)
	assert.Nil(t, cred)

	first := AgentCredential{PrivateKey: strings.Repeat("ab", 32), CreatedAt: fixedNow, ExpiresAt: fixedNow.Add(AgentLifetime)}
	_, err = store.SaveAgent(first)
	require.NoError(t, err)
	second := AgentCredential{PrivateKey: strings.Repeat("cd", 32), CreatedAt: fixedNow, ExpiresAt: fixedNow.Add(AgentLifetime)}
	_, err = store.SaveAgent(second)
	require.NoError(t, err)

	got, err := store.LoadAgent()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.PrivateKey, got.PrivateKey)
	assert.True(t, second.ExpiresAt.Equal(got.ExpiresAt))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), EnvAgentPrivateKey+"="))
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets.badger")
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: dir, EncryptionKey: []byte(strings.Repeat("k", 32))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	store := NewBadgerStore(ss, dir)

	cred, err := store.LoadAgent()
	require.NoError(t, err)
	assert.Nil(t, cred)

	want := AgentCredential{PrivateKey: strings.Repeat("ef", 32), CreatedAt: fixedNow, ExpiresAt: fixedNow.Add(AgentLifetime)}
	location, err := store.SaveAgent(want)
	require.NoError(t, err)
	assert.Equal(t, dir, location)

	got, err := store.LoadAgent()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.PrivateKey, got.PrivateKey)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
}

func TestSignerFromMnemonic(t *testing.T) {
	s, err := SignerFromMnemonic("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", config.DefaultDerivationPath)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94"), s.Address())

	_, err = SignerFromMnemonic("not a real mnemonic phrase", config.DefaultDerivationPath)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "real mnemonic")
}

func TestBuilderStatus(t *testing.T) {
	f := newFixture(t)
	m := f.manager(t, config.CredentialConfig{MainPrivateKey: mainKey})
	status := NewBuilderStatus(m, f.mock, f.registry)
	ctx := context.Background()

	info, err := status.Check(ctx)
	require.NoError(t, err)
	assert.False(t, info.Approved)
	assert.NotEmpty(t, status.Nudge(info))
	assert.Empty(t, status.Nudge(info), "提示只出现一次")

	info, err = status.Approve(ctx)
	require.NoError(t, err)
	assert.True(t, info.Approved)
	assert.Equal(t, DefaultBuilderFee, info.MaxFee)
}
