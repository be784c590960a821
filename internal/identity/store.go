package identity

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/betbot/hlmcp/pkg/secretstore"
)

// 凭证文件与加密库中使用的键
const (
	EnvAgentPrivateKey = "HYPERLIQUID_AGENT_PRIVATE_KEY"
	EnvAgentCreatedAt  = "HYPERLIQUID_AGENT_CREATED_AT"
	EnvAgentExpiresAt  = "HYPERLIQUID_AGENT_EXPIRES_AT"
)

// AgentCredential 持久化的 agent 凭证
type AgentCredential struct {
	PrivateKey string // hex，不带 0x
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// CredentialStore agent 凭证存储
type CredentialStore interface {
	// LoadAgent 没有已保存的凭证时返回 (nil, nil)
	LoadAgent() (*AgentCredential, error)
	// SaveAgent 返回凭证保存的位置（用于提示用户）
	SaveAgent(cred AgentCredential) (string, error)
}

// EnvFileStore 以 .env 文件保存凭证
type EnvFileStore struct {
	Path string
}

// NewEnvFileStore 创建 .env 存储
func NewEnvFileStore(path string) *EnvFileStore {
	return &EnvFileStore{Path: path}
}

func (s *EnvFileStore) LoadAgent() (*AgentCredential, error) {
	values, err := godotenv.Read(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "读取 %s", s.Path)
	}
	return credentialFromMap(values)
}

// SaveAgent 原子写入：先写 .env.tmp（0600），再 rename。
// agent 私钥放在第一行，文件中其它变量原样保留。
func (s *EnvFileStore) SaveAgent(cred AgentCredential) (string, error) {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrapf(err, "创建目录 %s", dir)
	}

	existing, err := os.ReadFile(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "读取 %s", s.Path)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s=0x%s\n", EnvAgentPrivateKey, strings.TrimPrefix(cred.PrivateKey, "0x"))
	fmt.Fprintf(&buf, "%s=%s\n", EnvAgentCreatedAt, cred.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "%s=%s\n", EnvAgentExpiresAt, cred.ExpiresAt.UTC().Format(time.RFC3339))

	sc := bufio.NewScanner(bytes.NewReader(existing))
	for sc.Scan() {
		line := sc.Text()
		if isManagedLine(line) {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return "", errors.Wrapf(err, "解析 %s", s.Path)
	}

	// 写出前确认内容仍可被解析
	if _, err := godotenv.Unmarshal(buf.String()); err != nil {
		return "", errors.Wrap(err, "生成的 .env 内容无效")
	}

	tmp := filepath.Join(dir, ".env.tmp")
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return "", errors.Wrapf(err, "写入 %s", tmp)
	}
	// WriteFile 不会修改已存在文件的权限
	if err := os.Chmod(tmp, 0o600); err != nil {
		return "", errors.Wrapf(err, "设置 %s 权限", tmp)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return "", errors.Wrapf(err, "替换 %s", s.Path)
	}
	return s.Path, nil
}

func isManagedLine(line string) bool {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "export "))
	for _, key := range []string{EnvAgentPrivateKey, EnvAgentCreatedAt, EnvAgentExpiresAt} {
		if strings.HasPrefix(trimmed, key+"=") {
			return true
		}
	}
	return false
}

func credentialFromMap(values map[string]string) (*AgentCredential, error) {
	key := strings.TrimSpace(values[EnvAgentPrivateKey])
	if key == "" {
		return nil, nil
	}
	cred := &AgentCredential{PrivateKey: strings.TrimPrefix(key, "0x")}
	for name, dst := range map[string]*time.Time{
		EnvAgentCreatedAt: &cred.CreatedAt,
		EnvAgentExpiresAt: &cred.ExpiresAt,
	} {
		raw := strings.TrimSpace(values[name])
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.Errorf("%s 不是 RFC3339 时间", name)
		}
		*dst = t
	}
	return cred, nil
}

// BadgerStore 以加密 badger 库保存凭证
type BadgerStore struct {
	store *secretstore.Store
	path  string
}

// NewBadgerStore 包装一个已打开的 secretstore
func NewBadgerStore(store *secretstore.Store, path string) *BadgerStore {
	return &BadgerStore{store: store, path: path}
}

func (s *BadgerStore) LoadAgent() (*AgentCredential, error) {
	values := make(map[string]string, 3)
	for _, key := range []string{EnvAgentPrivateKey, EnvAgentCreatedAt, EnvAgentExpiresAt} {
		v, ok, err := s.store.GetString(key)
		if err != nil {
			return nil, errors.Wrapf(err, "读取 %s", key)
		}
		if ok {
			values[key] = v
		}
	}
	return credentialFromMap(values)
}

func (s *BadgerStore) SaveAgent(cred AgentCredential) (string, error) {
	err := s.store.SetStrings(map[string]string{
		EnvAgentPrivateKey: strings.TrimPrefix(cred.PrivateKey, "0x"),
		EnvAgentCreatedAt:  cred.CreatedAt.UTC().Format(time.RFC3339),
		EnvAgentExpiresAt:  cred.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", errors.Wrap(err, "写入加密存储")
	}
	return s.path, nil
}
