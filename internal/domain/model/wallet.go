package model

import (
	"regexp"
	"strings"
	"time"
)

var walletPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Wallet is a lowercase-normalized 20-byte hex address. All wallet
// comparisons in the system happen between normalized values.
type Wallet string

// ParseWallet validates s against the address pattern and returns its
// normalized form.
func ParseWallet(s string) (Wallet, bool) {
	trimmed := strings.TrimSpace(s)
	if !walletPattern.MatchString(trimmed) {
		return "", false
	}
	return Wallet(strings.ToLower(trimmed)), true
}

func (w Wallet) String() string {
	return string(w)
}

// Equal compares two wallets case-insensitively.
func (w Wallet) Equal(other Wallet) bool {
	return strings.EqualFold(string(w), string(other))
}

// WalletAccount is a registered wallet identity.
type WalletAccount struct {
	Address     Wallet
	CreatedAt   time.Time
	LastLoginAt *time.Time
	UpdatedAt   time.Time
}
