package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// 用户角色
const (
	RoleUser     = "user"
	RoleAdmin    = "admin"
	RolePlatform = "platform"
)

// 用户状态
const (
	UserStatusActive = "active"
	UserStatusFrozen = "frozen"
	UserStatusBanned = "banned"
)

// User 用户表
type User struct {
	BaseModel
	Username      string     `gorm:"uniqueIndex;size:50;not null" json:"username"`
	PasswordHash  string     `gorm:"size:255;not null" json:"-"`
	WalletAddress *string    `gorm:"uniqueIndex;size:64" json:"wallet_address,omitempty"` // 链上结算地址
	Role          string     `gorm:"size:20;default:'user'" json:"role"`
	Status        string     `gorm:"size:20;default:'active'" json:"status"` // active, frozen, banned
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP   string     `gorm:"size:50" json:"last_login_ip"`
}

// BeforeCreate 创建前的钩子
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.WalletAddress != nil {
		addr := strings.ToLower(strings.TrimSpace(*u.WalletAddress))
		if addr == "" {
			u.WalletAddress = nil
		} else {
			u.WalletAddress = &addr
		}
	}
	return nil
}

// CanLogin 检查用户是否可以登录
func (u *User) CanLogin() bool {
	return u.Status == UserStatusActive && u.Role != RolePlatform
}

// Wallet 返回链上地址，未绑定时为空串
func (u *User) Wallet() string {
	if u.WalletAddress == nil {
		return ""
	}
	return *u.WalletAddress
}

// UpdateLoginInfo 更新登录信息
func (u *User) UpdateLoginInfo(ip string) {
	now := time.Now()
	u.LastLoginAt = &now
	u.LastLoginIP = ip
}
