package signature

import (
	"fmt"
	"strings"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/cache"
	"github.com/emperorhan/cargo-escrow/internal/metrics"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	signatureLength = 65
	recoveryIDIndex = 64
	legacyVOffset   = 27

	signerCacheSize = 4096
	signerCacheTTL  = 15 * time.Minute
)

// Verifier checks personal-message (EIP-191) signatures. Recovered signers
// are memoized per (message, signature) pair.
type Verifier struct {
	signers *cache.LRU[string, string]
}

func NewVerifier() *Verifier {
	return &Verifier{signers: cache.NewLRU[string, string](signerCacheSize, signerCacheTTL)}
}

// Verify reports whether signature over message recovers to claimedWallet.
// Malformed input is a verification failure, never an error.
func (v *Verifier) Verify(claimedWallet, message, signature string) bool {
	recovered, err := v.signer(message, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, strings.TrimSpace(claimedWallet))
}

func (v *Verifier) signer(message, signature string) (string, error) {
	key := message + "\x00" + strings.ToLower(strings.TrimSpace(signature))
	if addr, ok := v.signers.Get(key); ok {
		metrics.SignerCacheLookupsTotal.WithLabelValues("hit").Inc()
		return addr, nil
	}
	metrics.SignerCacheLookupsTotal.WithLabelValues("miss").Inc()
	addr, err := Recover(message, signature)
	if err != nil {
		return "", err
	}
	v.signers.Put(key, addr)
	return addr, nil
}

// Recover returns the lowercase address that produced signature over the
// personal-message hash of message.
func Recover(message, signature string) (string, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != signatureLength {
		return "", fmt.Errorf("signature length %d, want %d", len(sig), signatureLength)
	}
	switch sig[recoveryIDIndex] {
	case 0, 1:
	case legacyVOffset, legacyVOffset + 1:
		sig[recoveryIDIndex] -= legacyVOffset
	default:
		return "", fmt.Errorf("invalid recovery id %d", sig[recoveryIDIndex])
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// LoginMessage is the text a wallet signs to redeem a nonce challenge.
func LoginMessage(nonce string) string {
	return "Login to System: " + nonce
}

// SigningMessage is the text a party signs to accept a contract.
func SigningMessage(contractID, wallet string) string {
	return fmt.Sprintf("Sign contract %s as %s", contractID, strings.ToLower(wallet))
}
