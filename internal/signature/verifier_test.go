package signature

import (
	"crypto/ecdsa"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func sign(t *testing.T, key *ecdsa.PrivateKey, message string, legacyV bool) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	if legacyV {
		sig[64] += 27
	}
	return hexutil.Encode(sig)
}

func TestVerify_ValidSignature(t *testing.T) {
	key, addr := newKey(t)
	v := NewVerifier()
	msg := LoginMessage("abc123")

	assert.True(t, v.Verify(addr, msg, sign(t, key, msg, true)))
	assert.True(t, v.Verify(strings.ToLower(addr), msg, sign(t, key, msg, false)))
	assert.True(t, v.Verify(strings.ToUpper("0x"+addr[2:]), msg, sign(t, key, msg, true)))
}

func TestVerify_Rejections(t *testing.T) {
	key, addr := newKey(t)
	_, otherAddr := newKey(t)
	v := NewVerifier()
	msg := SigningMessage("CONTRACT-ORD-1", addr)
	good := sign(t, key, msg, true)

	tests := []struct {
		name    string
		wallet  string
		message string
		sig     string
	}{
		{"different wallet", otherAddr, msg, good},
		{"different message", addr, msg + "x", good},
		{"not hex", addr, msg, "zz"},
		{"empty", addr, msg, ""},
		{"short", addr, msg, good[:60]},
		{"bad recovery id", addr, msg, good[:len(good)-2] + "05"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, v.Verify(tt.wallet, tt.message, tt.sig))
		})
	}
}

func TestRecover(t *testing.T) {
	key, addr := newKey(t)
	got, err := Recover("hello", sign(t, key, "hello", false))
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(addr), got)

	_, err = Recover("hello", "0x1234")
	assert.Error(t, err)
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "Login to System: n1", LoginMessage("n1"))
	assert.Equal(t,
		"Sign contract CONTRACT-ORD-1 as 0xabcdef0123456789abcdef0123456789abcdef01",
		SigningMessage("CONTRACT-ORD-1", "0xABCDEF0123456789ABCDEF0123456789ABCDEF01"))
}

func TestVerify_MemoizesRecoveredSigner(t *testing.T) {
	key, addr := newKey(t)
	_, otherAddr := newKey(t)
	v := NewVerifier()
	msg := LoginMessage("retry-nonce")
	sig := sign(t, key, msg, false)

	require.True(t, v.Verify(addr, msg, sig))
	assert.Equal(t, 1, v.signers.Len())

	// A cached signer still has to match the claimed wallet.
	assert.True(t, v.Verify(addr, msg, "0x"+strings.ToUpper(sig[2:])))
	assert.False(t, v.Verify(otherAddr, msg, sig))
	assert.Equal(t, 1, v.signers.Len())

	assert.False(t, v.Verify(addr, msg, "0xdead"))
	assert.Equal(t, 1, v.signers.Len(), "failed recoveries are not cached")
}
