package api

import (
	"net/http"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/auth"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/ledger"
	"github.com/go-chi/chi/v5"
)

type createDepositRequest struct {
	OrderRef     string `json:"order_ref"`
	BuyerWallet  string `json:"buyer_wallet"`
	TokenAddress string `json:"token_address"`
	TxHash       string `json:"tx_hash"`
}

type createDepositResponse struct {
	Deposit      *model.DepositTransaction `json:"deposit"`
	RiskProfile  model.RiskProfile         `json:"risk_profile"`
	BalanceCheck model.BalanceCheck        `json:"balance_check"`
}

type confirmDepositRequest struct {
	ConfirmerWallet string `json:"confirmer_wallet"`
}

type confirmDepositResponse struct {
	Deposit *model.DepositTransaction `json:"deposit"`
	Order   *model.TransportOrder     `json:"order"`
}

func (s *Server) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req createDepositRequest
	if err := s.schemas.decode(w, r, "create_deposit", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	buyer, err := auth.Acting(r.Context(), req.BuyerWallet)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	d, err := s.svc.Deposits.CreateDeposit(r.Context(), ledger.CreateDepositInput{
		OrderRef:     req.OrderRef,
		BuyerWallet:  buyer,
		TokenAddress: req.TokenAddress,
		TxHash:       req.TxHash,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createDepositResponse{
		Deposit:      d,
		RiskProfile:  d.RiskProfile,
		BalanceCheck: d.BalanceCheck,
	})
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Deposits.GetDeposit(r.Context(), chi.URLParam(r, "depositRef"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListOrderDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := s.svc.Deposits.ListByOrder(r.Context(), chi.URLParam(r, "orderRef"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if deposits == nil {
		deposits = []model.DepositTransaction{}
	}
	writeJSON(w, http.StatusOK, deposits)
}

// handleConfirmDeposit confirms as the session wallet, or as the optional
// confirmer_wallet for anonymous callers. With neither, the recipient check
// is skipped.
func (s *Server) handleConfirmDeposit(w http.ResponseWriter, r *http.Request) {
	var req confirmDepositRequest
	if err := s.schemas.decode(w, r, "confirm_deposit", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	acting, err := auth.Acting(r.Context(), req.ConfirmerWallet)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var confirmer *model.Wallet
	if acting != "" {
		wallet, ok := model.ParseWallet(acting)
		if !ok {
			s.writeErr(w, r, apperror.ErrInvalidWallet.With("confirmer_wallet must match 0x followed by 40 hex characters"))
			return
		}
		confirmer = &wallet
	}

	res, err := s.svc.Deposits.ConfirmDeposit(r.Context(), chi.URLParam(r, "depositRef"), confirmer)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmDepositResponse{Deposit: res.Deposit, Order: res.Order})
}
