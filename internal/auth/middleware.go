package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
)

type ctxKey struct{}

// TokenParser resolves a bearer token to a wallet.
type TokenParser interface {
	ParseToken(raw string) (model.Wallet, error)
}

// ErrorWriter renders an error response. The API layer supplies its
// envelope writer so auth failures look like every other failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

func WithWallet(ctx context.Context, wallet model.Wallet) context.Context {
	return context.WithValue(ctx, ctxKey{}, wallet)
}

// WalletFrom returns the authenticated wallet, if any.
func WalletFrom(ctx context.Context) (model.Wallet, bool) {
	w, ok := ctx.Value(ctxKey{}).(model.Wallet)
	return w, ok
}

// Middleware authenticates requests carrying "Authorization: Bearer". A
// request without the header passes through anonymously; a bad token is
// rejected.
func Middleware(tokens TokenParser, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || tokens == nil {
				next.ServeHTTP(w, r)
				return
			}
			parts := strings.Fields(header)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeErr(w, r, apperror.ErrUnauthenticated.With("authorization header must be a bearer token"))
				return
			}
			wallet, err := tokens.ParseToken(parts[1])
			if err != nil {
				writeErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithWallet(r.Context(), wallet)))
		})
	}
}

// RequireWallet rejects anonymous requests when required is set.
func RequireWallet(required bool, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !required {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := WalletFrom(r.Context()); !ok {
				writeErr(w, r, apperror.ErrUnauthenticated)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Acting resolves the wallet a request acts as. An explicit wallet in the
// body must agree with the authenticated one; with no session the explicit
// value is used as given.
func Acting(ctx context.Context, explicit string) (string, error) {
	authed, ok := WalletFrom(ctx)
	if !ok {
		return explicit, nil
	}
	if explicit == "" {
		return string(authed), nil
	}
	if w, valid := model.ParseWallet(explicit); !valid || w != authed {
		return "", apperror.ErrWalletMismatch
	}
	return string(authed), nil
}
