package models

import (
	"time"

	"gorm.io/gorm"
)

// User is an account identified by email, by wallet address, or both.
// Passwords are stored as bcrypt hashes only.
type User struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	DisplayName   string         `gorm:"size:64" json:"display_name"`
	Email         *string        `gorm:"size:255;uniqueIndex" json:"email"`
	EmailVerified bool           `gorm:"not null;default:false" json:"email_verified"`
	PasswordHash  string         `gorm:"size:255" json:"-"`
	WalletAddress *string        `gorm:"size:42;uniqueIndex" json:"wallet_address"`
	Provider      string         `gorm:"size:32" json:"provider"`
	ProviderID    string         `gorm:"size:255" json:"-"`
	RegisterIP    string         `gorm:"size:45" json:"-"`
	Points        int            `gorm:"not null;default:0" json:"points"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate hook ensures timestamps are set even when not provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return nil
}

// EmailValue returns the email or an empty string for wallet-only accounts.
func (u *User) EmailValue() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// VerifiedEmail returns the email only once its ownership has been proven,
// by a mailed code or by an OAuth provider.
func (u *User) VerifiedEmail() string {
	if !u.EmailVerified {
		return ""
	}
	return u.EmailValue()
}

// WalletValue returns the linked wallet address or an empty string.
func (u *User) WalletValue() string {
	if u.WalletAddress == nil {
		return ""
	}
	return *u.WalletAddress
}
