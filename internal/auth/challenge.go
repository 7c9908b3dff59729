package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/metrics"
	"github.com/emperorhan/cargo-escrow/internal/signature"
	"github.com/emperorhan/cargo-escrow/internal/store"
	redisstore "github.com/emperorhan/cargo-escrow/internal/store/redis"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	nonceBytes = 32
	issuer     = "cargo-escrow"
)

type SignatureVerifier interface {
	Verify(claimedWallet, message, signature string) bool
}

type Config struct {
	Secret   []byte
	NonceTTL time.Duration
	TokenTTL time.Duration
}

type Challenge struct {
	Wallet    model.Wallet `json:"wallet"`
	Nonce     string       `json:"nonce"`
	Message   string       `json:"message"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type Session struct {
	Token     string       `json:"token"`
	Wallet    model.Wallet `json:"wallet"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// ChallengeService implements wallet login: a single-use nonce is issued,
// the wallet signs LoginMessage(nonce), and a bearer token is returned.
type ChallengeService struct {
	nonces   redisstore.NonceStore
	wallets  store.WalletRepository
	verifier SignatureVerifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewChallengeService(
	nonces redisstore.NonceStore,
	wallets store.WalletRepository,
	verifier SignatureVerifier,
	cfg Config,
	logger *slog.Logger,
) (*ChallengeService, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: token secret is empty")
	}
	if cfg.NonceTTL <= 0 || cfg.TokenTTL <= 0 {
		return nil, errors.New("auth: nonce and token TTLs must be positive")
	}
	return &ChallengeService{
		nonces:   nonces,
		wallets:  wallets,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger.With("component", "auth"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Issue registers the wallet if needed and stores a fresh nonce for it,
// replacing any outstanding one.
func (s *ChallengeService) Issue(ctx context.Context, rawWallet string) (*Challenge, error) {
	wallet, ok := model.ParseWallet(rawWallet)
	if !ok {
		return nil, apperror.ErrInvalidWallet
	}
	if _, err := s.wallets.Ensure(ctx, wallet); err != nil {
		return nil, apperror.Internal(err, "register wallet")
	}

	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, apperror.Internal(err, "generate nonce")
	}
	nonce := hex.EncodeToString(buf)
	if err := s.nonces.Put(ctx, string(wallet), nonce, s.cfg.NonceTTL); err != nil {
		return nil, apperror.Internal(err, "store nonce")
	}

	metrics.AuthLoginsTotal.WithLabelValues("challenge_issued").Inc()
	return &Challenge{
		Wallet:    wallet,
		Nonce:     nonce,
		Message:   signature.LoginMessage(nonce),
		ExpiresAt: s.now().Add(s.cfg.NonceTTL),
	}, nil
}

// Verify consumes the wallet's nonce and, if sig recovers to the wallet,
// returns a signed session token. A consumed nonce cannot be replayed even
// when the signature check fails.
func (s *ChallengeService) Verify(ctx context.Context, rawWallet, sig string) (*Session, error) {
	wallet, ok := model.ParseWallet(rawWallet)
	if !ok {
		return nil, apperror.ErrInvalidWallet
	}

	nonce, ok, err := s.nonces.Take(ctx, string(wallet))
	if err != nil {
		return nil, apperror.Internal(err, "read nonce")
	}
	if !ok {
		metrics.AuthLoginsTotal.WithLabelValues("nonce_expired").Inc()
		return nil, apperror.ErrNonceExpired
	}
	if !s.verifier.Verify(string(wallet), signature.LoginMessage(nonce), sig) {
		metrics.AuthLoginsTotal.WithLabelValues("invalid_signature").Inc()
		s.logger.Info("login signature rejected", "wallet", wallet)
		return nil, apperror.ErrInvalidSignature
	}

	now := s.now()
	if err := s.wallets.TouchLogin(ctx, wallet, now); err != nil {
		s.logger.Warn("update last login failed", "wallet", wallet, "error", err)
	}

	expiresAt := now.Add(s.cfg.TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   string(wallet),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(s.cfg.Secret)
	if err != nil {
		return nil, apperror.Internal(err, "sign session token")
	}

	metrics.AuthLoginsTotal.WithLabelValues("success").Inc()
	s.logger.Info("wallet logged in", "wallet", wallet)
	return &Session{Token: signed, Wallet: wallet, ExpiresAt: expiresAt}, nil
}

// ParseToken validates a session token and returns its wallet.
func (s *ChallengeService) ParseToken(raw string) (model.Wallet, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", apperror.ErrUnauthenticated.With("invalid or expired session token")
	}
	wallet, ok := model.ParseWallet(claims.Subject)
	if !ok {
		return "", apperror.ErrUnauthenticated.With("session token subject is not a wallet")
	}
	return wallet, nil
}
