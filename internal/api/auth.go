package api

import (
	"net/http"
	"time"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
)

type nonceRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type nonceResponse struct {
	WalletAddress model.Wallet `json:"wallet_address"`
	Nonce         string       `json:"nonce"`
	Message       string       `json:"message"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

type verifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"`
}

type verifyResponse struct {
	Token         string       `json:"token"`
	WalletAddress model.Wallet `json:"wallet_address"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

var errAuthDisabled = apperror.New(apperror.KindNotFound, "AUTH_DISABLED", "wallet login is not configured")

func (s *Server) handleAuthNonce(w http.ResponseWriter, r *http.Request) {
	if s.svc.Auth == nil {
		s.writeErr(w, r, errAuthDisabled)
		return
	}
	var req nonceRequest
	if err := s.schemas.decode(w, r, "auth_nonce", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	ch, err := s.svc.Auth.Issue(r.Context(), req.WalletAddress)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonceResponse{
		WalletAddress: ch.Wallet,
		Nonce:         ch.Nonce,
		Message:       ch.Message,
		ExpiresAt:     ch.ExpiresAt,
	})
}

// handleAuthVerify answers every authorization failure with 401, including
// a bad signature, which elsewhere maps to 403.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if s.svc.Auth == nil {
		s.writeErr(w, r, errAuthDisabled)
		return
	}
	var req verifyRequest
	if err := s.schemas.decode(w, r, "auth_verify", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sess, err := s.svc.Auth.Verify(r.Context(), req.WalletAddress, req.Signature)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindAuthorization {
			writeErrorStatus(w, r, s.logger, err, http.StatusUnauthorized)
			return
		}
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{
		Token:         sess.Token,
		WalletAddress: sess.Wallet,
		ExpiresAt:     sess.ExpiresAt,
	})
}
