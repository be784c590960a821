// Package identity 管理签名身份：主钱包、agent 钱包及其有效期。
//
// 私钥只以 signing.Signer 的形式存在于本包内，Identity 的字符串与 JSON 形式
// 只包含地址与角色。
package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/hyperliquid/types"
)

// Role 身份角色
type Role string

const (
	RoleMain  Role = "main"
	RoleAgent Role = "agent"
)

// AgentLifetime agent 钱包的最长有效期
const AgentLifetime = 180 * 24 * time.Hour

// Identity 一个签名身份
type Identity struct {
	Address   common.Address
	Role      Role
	Network   types.Network
	CreatedAt time.Time
	ExpiresAt time.Time // 零值表示未知或不过期

	signer signing.Signer
}

func newIdentity(signer signing.Signer, role Role, network types.Network, createdAt, expiresAt time.Time) *Identity {
	return &Identity{
		Address:   signer.Address(),
		Role:      role,
		Network:   network,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		signer:    signer,
	}
}

// Signer 签名能力
func (i *Identity) Signer() signing.Signer { return i.signer }

// ExpiredAt 在 now 时刻是否已过期
func (i *Identity) ExpiredAt(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

func (i *Identity) String() string {
	return fmt.Sprintf("%s(%s)", i.Role, i.Address.Hex())
}

// GoString 防止 %#v 打印出内部签名器
func (i *Identity) GoString() string { return i.String() }

type identityJSON struct {
	Address   string     `json:"address"`
	Role      Role       `json:"role"`
	Network   string     `json:"network"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (i *Identity) MarshalJSON() ([]byte, error) {
	out := identityJSON{Address: i.Address.Hex(), Role: i.Role, Network: string(i.Network)}
	if !i.CreatedAt.IsZero() {
		t := i.CreatedAt.UTC()
		out.CreatedAt = &t
	}
	if !i.ExpiresAt.IsZero() {
		t := i.ExpiresAt.UTC()
		out.ExpiresAt = &t
	}
	return json.Marshal(out)
}

// AgentName approveAgent 使用的名称，按 UTC 日期生成
func AgentName(now time.Time) string {
	u := now.UTC()
	return fmt.Sprintf("hlmcp-%02d%02d%02d", int(u.Month()), u.Day(), u.Year()%100)
}
