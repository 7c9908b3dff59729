package api

import (
	"net/http"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/auth"
	"github.com/emperorhan/cargo-escrow/internal/contract"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/signature"
	"github.com/go-chi/chi/v5"
)

type createContractRequest struct {
	OrderID string `json:"orderId"`
}

type signContractRequest struct {
	Wallet    string `json:"wallet"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type signContractResponse struct {
	Contract  *model.MultiPartyContract `json:"contract"`
	Activated bool                      `json:"activated"`
}

type signingMessageResponse struct {
	ContractID string       `json:"contract_id"`
	Wallet     model.Wallet `json:"wallet"`
	Message    string       `json:"message"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := s.schemas.decode(w, r, "create_contract", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	c, err := s.svc.Contracts.CreateFromOrder(r.Context(), req.OrderID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	contracts, err := s.svc.Contracts.List(r.Context(), limit, offset)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if contracts == nil {
		contracts = []model.MultiPartyContract{}
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Contracts.Get(r.Context(), chi.URLParam(r, "contractId"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleSigningMessage returns the text a party signs for a contract.
func (s *Server) handleSigningMessage(w http.ResponseWriter, r *http.Request) {
	acting, err := auth.Acting(r.Context(), r.URL.Query().Get("wallet"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	wallet, ok := model.ParseWallet(acting)
	if !ok {
		s.writeErr(w, r, apperror.ErrInvalidWallet)
		return
	}
	id := chi.URLParam(r, "contractId")
	writeJSON(w, http.StatusOK, signingMessageResponse{
		ContractID: id,
		Wallet:     wallet,
		Message:    signature.SigningMessage(id, string(wallet)),
	})
}

func (s *Server) handleSignContract(w http.ResponseWriter, r *http.Request) {
	var req signContractRequest
	if err := s.schemas.decode(w, r, "sign_contract", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	acting, err := auth.Acting(r.Context(), req.Wallet)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if acting == "" {
		s.writeErr(w, r, apperror.Validation("wallet is required"))
		return
	}

	id := chi.URLParam(r, "contractId")
	if req.Message != "" {
		if wallet, ok := model.ParseWallet(acting); ok && req.Message != signature.SigningMessage(id, string(wallet)) {
			s.writeErr(w, r, apperror.Validation("message does not match the signing message for this contract and wallet"))
			return
		}
	}

	c, activated, err := s.svc.Contracts.Sign(r.Context(), contract.SignInput{
		ContractID: id,
		Wallet:     acting,
		Signature:  req.Signature,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signContractResponse{Contract: c, Activated: activated})
}

func (s *Server) handleContractStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.schemas.decode(w, r, "contract_status", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	c, err := s.svc.Contracts.UpdateStatus(r.Context(), chi.URLParam(r, "contractId"), req.Status)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
