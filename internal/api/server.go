package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/emperorhan/cargo-escrow/internal/apperror"
	"github.com/emperorhan/cargo-escrow/internal/auth"
	"github.com/emperorhan/cargo-escrow/internal/contract"
	"github.com/emperorhan/cargo-escrow/internal/domain/model"
	"github.com/emperorhan/cargo-escrow/internal/ledger"
	"github.com/emperorhan/cargo-escrow/internal/order"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

type OrderService interface {
	Create(ctx context.Context, in order.CreateInput) (*model.TransportOrder, error)
	Get(ctx context.Context, orderRef string) (*model.TransportOrder, error)
	List(ctx context.Context, limit, offset int) ([]model.TransportOrder, error)
	Transition(ctx context.Context, orderRef, status string) (*model.TransportOrder, error)
}

type DepositService interface {
	CreateDeposit(ctx context.Context, in ledger.CreateDepositInput) (*model.DepositTransaction, error)
	ConfirmDeposit(ctx context.Context, depositRef string, confirmer *model.Wallet) (*ledger.ConfirmResult, error)
	GetDeposit(ctx context.Context, depositRef string) (*model.DepositTransaction, error)
	ListByOrder(ctx context.Context, orderRef string) ([]model.DepositTransaction, error)
}

type ContractService interface {
	CreateFromOrder(ctx context.Context, orderRef string) (*model.MultiPartyContract, error)
	Sign(ctx context.Context, in contract.SignInput) (*model.MultiPartyContract, bool, error)
	UpdateStatus(ctx context.Context, contractID, status string) (*model.MultiPartyContract, error)
	Get(ctx context.Context, contractID string) (*model.MultiPartyContract, error)
	List(ctx context.Context, limit, offset int) ([]model.MultiPartyContract, error)
}

type AuthService interface {
	Issue(ctx context.Context, wallet string) (*auth.Challenge, error)
	Verify(ctx context.Context, wallet, signature string) (*auth.Session, error)
	ParseToken(raw string) (model.Wallet, error)
}

type Services struct {
	Orders    OrderService
	Deposits  DepositService
	Contracts ContractService
	Auth      AuthService
}

type Config struct {
	CORSAllowedOrigins []string
	RateRPS            float64
	RateBurst          int
	// RequireAuth rejects anonymous calls to mutating routes.
	RequireAuth bool
}

// Server is the public settlement API.
type Server struct {
	svc      Services
	cfg      Config
	schemas  schemaSet
	limiter  *ipLimiter
	logger   *slog.Logger
	writeErr func(http.ResponseWriter, *http.Request, error)
	handler  http.Handler
}

var errRouteNotFound = apperror.New(apperror.KindNotFound, "ROUTE_NOT_FOUND", "no such route")

func NewServer(cfg Config, svc Services, logger *slog.Logger) (*Server, error) {
	schemas, err := loadSchemas()
	if err != nil {
		return nil, fmt.Errorf("load request schemas: %w", err)
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}

	logger = logger.With("component", "api")
	s := &Server{
		svc:      svc,
		cfg:      cfg,
		schemas:  schemas,
		limiter:  newIPLimiter(cfg.RateRPS, cfg.RateBurst),
		logger:   logger,
		writeErr: errorWriter(logger),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close stops the rate limiter's cleanup goroutine.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         300,
	}))
	r.Use(s.limiter.middleware(s.writeErr))

	var tokens auth.TokenParser
	if s.svc.Auth != nil {
		tokens = s.svc.Auth
	}
	r.Use(auth.Middleware(tokens, s.writeErr))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeErr(w, r, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, r, s.logger, apperror.Validationf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/nonce", s.handleAuthNonce)
		r.Post("/verify", s.handleAuthVerify)
	})

	// Reads are public.
	r.Get("/orders", s.handleListOrders)
	r.Get("/orders/{orderRef}", s.handleGetOrder)
	r.Get("/orders/{orderRef}/deposits", s.handleListOrderDeposits)
	r.Get("/deposits/{depositRef}", s.handleGetDeposit)
	r.Get("/contracts", s.handleListContracts)
	r.Get("/contracts/{contractId}", s.handleGetContract)
	r.Get("/contracts/{contractId}/signing-message", s.handleSigningMessage)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireWallet(s.cfg.RequireAuth, s.writeErr))

		r.Post("/orders", s.handleCreateOrder)
		r.Put("/orders/{orderRef}/status", s.handleOrderStatus)
		r.Post("/deposits", s.handleCreateDeposit)
		r.Put("/deposits/{depositRef}/confirm", s.handleConfirmDeposit)
		r.Post("/contracts/create-from-order", s.handleCreateContract)
		r.Post("/contracts/{contractId}/sign", s.handleSignContract)
		r.Patch("/contracts/{contractId}/status", s.handleContractStatus)
	})
	return r
}
