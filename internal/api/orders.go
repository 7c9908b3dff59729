package api

import (
	"net/http"
	"strconv"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/auth"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/order"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type createOrderRequest struct {
	FromWallet        string           `json:"from_wallet"`
	ToWallet          string           `json:"to_wallet"`
	CarrierWallet     string           `json:"carrier_wallet"`
	Cargo             model.Cargo      `json:"cargo"`
	PickupImages      []string         `json:"pickup_images"`
	PickupImageHashes []string         `json:"pickup_image_hashes"`
	PickupLocation    *model.GeoPoint  `json:"pickup_location"`
	UploadedBy        string           `json:"uploaded_by"`
	TokenUsed         string           `json:"token_used"`
	AmountDueUSD      *decimal.Decimal `json:"amount_due_usd"`
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := s.schemas.decode(w, r, "create_order", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	// An authenticated caller creates orders as the buyer.
	from, err := auth.Acting(r.Context(), req.FromWallet)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	o, err := s.svc.Orders.Create(r.Context(), order.CreateInput{
		FromWallet:        from,
		ToWallet:          req.ToWallet,
		CarrierWallet:     req.CarrierWallet,
		Cargo:             req.Cargo,
		PickupImages:      req.PickupImages,
		PickupImageHashes: req.PickupImageHashes,
		PickupLocation:    req.PickupLocation,
		UploadedBy:        req.UploadedBy,
		TokenUsed:         req.TokenUsed,
		AmountDueUSD:      req.AmountDueUSD,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	orders, err := s.svc.Orders.List(r.Context(), limit, offset)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.TransportOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.Orders.Get(r.Context(), chi.URLParam(r, "orderRef"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.schemas.decode(w, r, "order_status", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	o, err := s.svc.Orders.Transition(r.Context(), chi.URLParam(r, "orderRef"), req.Status)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// pageParams reads limit and offset; the services clamp the values.
func pageParams(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, apperror.Validationf("limit %q is not an integer", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			return 0, 0, apperror.Validationf("offset %q is not an integer", v)
		}
	}
	return limit, offset, nil
}
