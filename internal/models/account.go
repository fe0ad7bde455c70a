package models

import (
	"fmt"
	"strings"
	"time"
)

// Account is one publisher whose session credentials are captured. Key is the
// stable external identifier (the __biz value for the target service).
type Account struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnknownAccountKey marks captured traffic that carried no account identifier.
const UnknownAccountKey = "unknown"

// Validate checks if the account is valid.
func (a *Account) Validate() error {
	if err := ValidateAccountKey(a.Key); err != nil {
		return err
	}
	if len(a.Name) > 512 {
		return fmt.Errorf("account name too long")
	}
	return nil
}

// ValidateAccountKey rejects keys that cannot own a credential.
func ValidateAccountKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("account key is required")
	}
	if key == UnknownAccountKey {
		return fmt.Errorf("account key is unresolved")
	}
	if len(key) > 256 {
		return fmt.Errorf("account key too long")
	}
	return nil
}

// ApplyName updates the display name when name is non-empty and different.
// It reports whether the account changed.
func (a *Account) ApplyName(name string, now time.Time) bool {
	name = strings.TrimSpace(name)
	if name == "" || name == a.Name {
		return false
	}
	a.Name = name
	a.UpdatedAt = now
	return true
}
