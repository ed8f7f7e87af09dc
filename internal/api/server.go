// Package api implements the control plane (spec §6): JSON-over-HTTP
// operations onto the Lifecycle Controller. Grounded on the teacher's
// internal/api/server.go — the same stdlib http.ServeMux, CORS middleware,
// and writeJSONResponse/writeErrorResponse helper shape — reworked from the
// teacher's four order/secret routes onto the spec's nine-operation
// surface, with error responses mapped from internal/coordinator/errs kinds
// instead of the teacher's single generic 400/404/500 split.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unite-defi/relayer/internal/config"
	"github.com/unite-defi/relayer/internal/coordinator"
	"github.com/unite-defi/relayer/internal/coordinator/errs"
	"github.com/unite-defi/relayer/internal/partialfill"
	"github.com/unite-defi/relayer/internal/safety"
	"github.com/unite-defi/relayer/internal/types"
)

// Controller is the subset of *coordinator.Controller the API surface
// drives; kept as an interface so handlers can be tested against a fake.
type Controller interface {
	Admit(ctx context.Context, intent types.Intent, signature, preimage []byte, fillMode types.FillMode) (*types.Order, error)
	Commit(ctx context.Context, orderID, resolver string, quoted *big.Int) (*coordinator.CommitResult, error)
	EscrowsReady(ctx context.Context, orderID, resolver, srcEscrow, dstEscrow, srcDepositTx, dstDepositTx string, minSrcDeposit, minDstDeposit *big.Int) (*types.Order, error)
	NotifySettlement(ctx context.Context, orderID, resolver string, dstAmount *big.Int, dstTxHash string) (*types.Order, error)
	RescueOrder(ctx context.Context, orderID, resolver string) (*types.Order, string, error)
	PartialFill(ctx context.Context, orderID, resolver string, amount *big.Int, txHash string) (secret string, completed bool, err error)
	Order(orderID string) (*types.Order, error)
	ActiveOrders() ([]*types.Order, error)
	Quote(ctx context.Context, orderID string) (*coordinator.Quote, error)
	OrderSecret(orderID, resolver string) (revealTxHash string, revealedAt *time.Time, err error)
	Deposit(orderID string) (*safety.Deposit, []*safety.Deposit, error)
}

// Server is the HTTP control plane.
type Server struct {
	server     *http.Server
	cfg        config.API
	controller Controller
	minDeposit *big.Int // minSafetyDepositPerChain, applied uniformly for escrowsReady verification
	mux        *http.ServeMux
	log        *zap.Logger
}

func NewServer(cfg config.API, controller Controller, minSafetyDeposit int64, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:        cfg,
		controller: controller,
		minDeposit: big.NewInt(minSafetyDeposit),
		mux:        mux,
		log:        log.Named("api"),
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.log.Info("starting control-plane server", zap.String("addr", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down control-plane server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/", s.cors(s.notFoundHandler))
	s.mux.HandleFunc("/health", s.cors(s.healthHandler))
	s.mux.HandleFunc("/swaps", s.cors(s.createSwapHandler))
	s.mux.HandleFunc("/swaps/active", s.cors(s.activeOrdersHandler))
	s.mux.HandleFunc("/swaps/", s.cors(s.swapDetailHandler))
	s.mux.HandleFunc("/commitments", s.cors(s.commitResolverHandler))
	s.mux.HandleFunc("/escrows-ready", s.cors(s.escrowsReadyHandler))
	s.mux.HandleFunc("/settlements", s.cors(s.notifySettlementHandler))
	s.mux.HandleFunc("/rescues", s.cors(s.rescueOrderHandler))
	s.mux.HandleFunc("/fills", s.cors(s.partialFillHandler))
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy", "timestamp": time.Now().Unix()})
}

// createSwapRequest mirrors spec §6 createSwap's {intent, signature, preimage}.
type createSwapRequest struct {
	Intent    types.Intent   `json:"intent"`
	Signature string         `json:"signature"`          // hex-encoded
	Preimage  string         `json:"preimage"`           // hex-encoded
	FillMode  types.FillMode `json:"fillMode,omitempty"` // defaults to "single"
}

func (s *Server) createSwapHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req createSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	signature, err := hexDecode(req.Signature)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed signature", err)
		return
	}
	preimage, err := hexDecode(req.Preimage)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed preimage", err)
		return
	}
	if req.FillMode == "" {
		req.FillMode = types.FillModeSingle
	}

	order, err := s.controller.Admit(r.Context(), req.Intent, signature, preimage, req.FillMode)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orderId":     order.ID,
		"marketPrice": order.MarketPrice.String(),
		"expiresAt":   order.ExpiresAt,
	})
}

type commitResolverRequest struct {
	OrderID       string `json:"orderId"`
	Resolver      string `json:"resolver"`
	AcceptedPrice string `json:"acceptedPrice"`
	Timestamp     int64  `json:"timestamp"`
}

func (s *Server) commitResolverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req commitResolverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	quoted, err := types.ParseBigInt(req.AcceptedPrice)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed acceptedPrice", err)
		return
	}

	result, err := s.controller.Commit(r.Context(), req.OrderID, req.Resolver, quoted)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	current, err := s.controller.Quote(r.Context(), req.OrderID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":           true,
		"currentPrice":      current.CurrentPrice.String(),
		"expectedDstAmount": result.TakerAmount.String(),
	})
}

type escrowsReadyRequest struct {
	OrderID      string `json:"orderId"`
	Resolver     string `json:"resolver"`
	SrcEscrow    string `json:"srcEscrow"`
	DstEscrow    string `json:"dstEscrow"`
	SrcDepositTx string `json:"srcDepositTx"`
	DstDepositTx string `json:"dstDepositTx"`
}

func (s *Server) escrowsReadyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req escrowsReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	_, err := s.controller.EscrowsReady(r.Context(), req.OrderID, req.Resolver, req.SrcEscrow, req.DstEscrow,
		req.SrcDepositTx, req.DstDepositTx, s.minDeposit, s.minDeposit)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type notifySettlementRequest struct {
	OrderID        string `json:"orderId"`
	Resolver       string `json:"resolver"`
	DstTokenAmount string `json:"dstTokenAmount"`
	DstTxHash      string `json:"dstTxHash"`
}

func (s *Server) notifySettlementHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req notifySettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	dstAmount, err := types.ParseBigInt(req.DstTokenAmount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed dstTokenAmount", err)
		return
	}
	_, err = s.controller.NotifySettlement(r.Context(), req.OrderID, req.Resolver, dstAmount, req.DstTxHash)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type rescueOrderRequest struct {
	OrderID  string `json:"orderId"`
	Resolver string `json:"resolver"`
}

func (s *Server) rescueOrderHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req rescueOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	_, originalResolver, err := s.controller.RescueOrder(r.Context(), req.OrderID, req.Resolver)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "originalResolver": originalResolver})
}

type partialFillRequest struct {
	OrderID  string `json:"orderId"`
	Resolver string `json:"resolver"`
	Amount   string `json:"amount"`
	TxHash   string `json:"txHash"`
}

// partialFillHandler serves the optional fillMode=partial path (SPEC_FULL.md
// §2): a resolver reports the amount of one fill, which is added to the
// order's filled total, and receives the Merkle-tree secret for the band
// that new cumulative total lands in.
func (s *Server) partialFillHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}
	var req partialFillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body", err)
		return
	}
	amount, err := types.ParseBigInt(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed amount", err)
		return
	}
	secret, completed, err := s.controller.PartialFill(r.Context(), req.OrderID, req.Resolver, amount, req.TxHash)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"secret":    secret,
		"completed": completed,
	})
}

func (s *Server) activeOrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	orders, err := s.controller.ActiveOrders()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list active orders", err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		view := redact(o)
		if quote, err := s.controller.Quote(r.Context(), o.ID); err == nil {
			view.CurrentPrice = quote.CurrentPrice.String()
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": views, "count": len(views)})
}

// swapDetailHandler serves /swaps/{id}, /swaps/{id}/price, /swaps/{id}/secret.
func (s *Server) swapDetailHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/swaps/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusBadRequest, "order id required", nil)
		return
	}
	orderID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "price":
		s.auctionPriceHandler(w, r, orderID)
	case len(parts) == 2 && parts[1] == "secret":
		s.orderSecretHandler(w, r, orderID)
	case len(parts) == 2 && parts[1] == "deposit":
		s.depositHandler(w, r, orderID)
	default:
		s.orderStatusHandler(w, r, orderID)
	}
}

func (s *Server) orderStatusHandler(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := s.controller.Order(orderID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, redact(order))
}

func (s *Server) auctionPriceHandler(w http.ResponseWriter, r *http.Request, orderID string) {
	quote, err := s.controller.Quote(r.Context(), orderID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"currentPrice":  quote.CurrentPrice.String(),
		"makerAmount":   quote.MakerAmount.String(),
		"takerAmount":   quote.TakerAmount.String(),
		"timeRemaining": int64(quote.TimeRemaining.Seconds()),
	})
}

func (s *Server) orderSecretHandler(w http.ResponseWriter, r *http.Request, orderID string) {
	resolver := r.URL.Query().Get("resolver")
	if resolver == "" {
		s.writeError(w, http.StatusBadRequest, "resolver query parameter required", nil)
		return
	}
	txHash, revealedAt, err := s.controller.OrderSecret(orderID, resolver)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"revealTxHash": txHash, "revealedAt": revealedAt})
}

// depositHandler serves the safety-deposit audit trail (SPEC_FULL.md §2):
// the current resolver's posted deposit plus any forfeited by a
// predecessor that let its commitment lapse.
func (s *Server) depositHandler(w http.ResponseWriter, r *http.Request, orderID string) {
	current, history, err := s.controller.Deposit(orderID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	if current == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"deposit": nil, "forfeited": []interface{}{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deposit":   depositView(current),
		"forfeited": forfeitedViews(history),
	})
}

func depositView(d *safety.Deposit) map[string]interface{} {
	return map[string]interface{}{
		"resolver":    d.Resolver,
		"amount":      d.Amount.String(),
		"status":      string(d.Status),
		"depositedAt": d.DepositedAt.Format(time.RFC3339),
		"claimedBy":   d.ClaimedBy,
		"claimReason": string(d.ClaimReason),
	}
}

func forfeitedViews(history []*safety.Deposit) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(history))
	for _, d := range history {
		out = append(out, depositView(d))
	}
	return out
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "endpoint not found", nil)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("encode json response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{"error": message, "status": statusCode, "timestamp": time.Now().Unix()}
	if err != nil {
		s.log.Info("request failed", zap.String("message", message), zap.Error(err))
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}

// writeCoordinatorError maps internal/coordinator/errs sentinels onto the
// status codes spec §6's operation table enumerates per-operation.
func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrOrderNotFound):
		s.writeError(w, http.StatusNotFound, "order not found", err)
	case errors.Is(err, errs.ErrBadSignature):
		s.writeError(w, http.StatusUnauthorized, "bad signature", err)
	case errors.Is(err, errs.ErrNotOwner):
		s.writeError(w, http.StatusForbidden, "resolver does not own this order", err)
	case errors.Is(err, errs.ErrWrongStatus), errors.Is(err, errs.ErrNotRescuable), errors.Is(err, errs.ErrDuplicateOrder):
		s.writeError(w, http.StatusConflict, "operation not valid in current state", err)
	case errors.Is(err, errs.ErrPriceOutOfBand):
		s.writeError(w, http.StatusUnprocessableEntity, "quoted price out of band", err)
	case errors.Is(err, errs.ErrFundVerification):
		s.writeError(w, http.StatusUnprocessableEntity, "escrow underfunded", err)
	case errors.Is(err, errs.ErrMalformed), errors.Is(err, errs.ErrHashMismatch):
		s.writeError(w, http.StatusBadRequest, "malformed request", err)
	case errors.Is(err, errs.ErrInsufficientAllowance):
		s.writeError(w, http.StatusConflict, "insufficient allowance", err)
	case errors.Is(err, partialfill.ErrUnknownOrder):
		s.writeError(w, http.StatusNotFound, "order not found", err)
	case errors.Is(err, partialfill.ErrInvalidParts), errors.Is(err, partialfill.ErrFillExceedsTotal):
		s.writeError(w, http.StatusUnprocessableEntity, "invalid fill amount", err)
	case errors.Is(err, partialfill.ErrOrderNotActive):
		s.writeError(w, http.StatusConflict, "operation not valid in current state", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

// orderView is the redacted order record spec §6 promises: no secret, no
// signature, ever.
type orderView struct {
	OrderID      string `json:"orderId"`
	Maker        string `json:"maker"`
	SrcChain     string `json:"srcChain"`
	SrcToken     string `json:"srcToken"`
	SrcAmount    string `json:"srcAmount"`
	DstChain     string `json:"dstChain"`
	DstToken     string `json:"dstToken"`
	Status       string `json:"status"`
	Resolver     string `json:"resolver,omitempty"`
	CurrentPrice string `json:"currentPrice,omitempty"`
	CreatedAt    string `json:"createdAt"`
	ExpiresAt    string `json:"expiresAt"`
}

func redact(o *types.Order) orderView {
	return orderView{
		OrderID:   o.ID,
		Maker:     o.Intent.Maker,
		SrcChain:  o.Intent.SrcChain,
		SrcToken:  o.Intent.SrcToken,
		SrcAmount: o.Intent.SrcAmount.String(),
		DstChain:  o.Intent.DstChain,
		DstToken:  o.Intent.DstToken,
		Status:    string(o.Status),
		Resolver:  o.Resolver,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
		ExpiresAt: o.ExpiresAt.Format(time.RFC3339),
	}
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
