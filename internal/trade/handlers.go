package trade

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/contract"
	"github.com/atmx/prediction-engine/internal/cpmm"
	"github.com/atmx/prediction-engine/internal/model"
)

// Settler closes markets. Implemented by settlement.Resolver.
type Settler interface {
	Resolve(ctx context.Context, marketID string, result model.Result) error
	Cancel(ctx context.Context, marketID string) error
}

// Handler exposes the trade service and market settlement over HTTP.
type Handler struct {
	svc     *Service
	settler Settler
}

// NewHandler creates the HTTP handlers. settler may be nil, in which case
// the resolve and cancel routes are not mounted.
func NewHandler(svc *Service, settler Settler) *Handler {
	return &Handler{svc: svc, settler: settler}
}

// Routes mounts the market and portfolio endpoints on r, which is expected
// to be the /api/v1 sub-router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/preview", h.PreviewBuy)
	r.Post("/markets/{marketID}/buy", h.Buy)
	r.Post("/markets/{marketID}/sell", h.Sell)
	if h.settler != nil {
		r.Post("/markets/{marketID}/resolve", h.Resolve)
		r.Post("/markets/{marketID}/cancel", h.Cancel)
	}

	r.Get("/portfolios/{portfolioID}/shares", h.ListShares)
	r.Get("/portfolios/{portfolioID}/transactions", h.ListTransactions)
}

// --- Request/Response types ---

// BuyRequest is the JSON body for POST /markets/{marketID}/buy.
type BuyRequest struct {
	PortfolioID string          `json:"portfolio_id"`
	Amount      decimal.Decimal `json:"amount"` // spend ceiling in the market currency
	Side        model.Side      `json:"side"`   // "yes" or "no"
}

// SellRequest is the JSON body for POST /markets/{marketID}/sell.
type SellRequest struct {
	PortfolioID string `json:"portfolio_id"`
	ShareID     string `json:"share_id"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Result model.Result `json:"result"` // "yes", "no" or "null"
}

// PreviewResponse wraps a preview; Preview is null when no whole share is
// affordable.
type PreviewResponse struct {
	Preview *cpmm.Preview `json:"preview"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var def contract.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := h.svc.CreateMarket(r.Context(), def)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?status=pending|resolved|cancelled.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.svc.ListMarkets(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := []model.Market{}
		for _, m := range markets {
			if string(m.Status) == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
// Returns the market together with its history snapshots.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.GetMarketData(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// PreviewBuy handles GET /api/v1/markets/{marketID}/preview?side=yes&amount=10
func (h *Handler) PreviewBuy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal number", http.StatusBadRequest)
		return
	}

	p, err := h.svc.PreviewBuy(r.Context(), chi.URLParam(r, "marketID"), amount, model.Side(q.Get("side")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{Preview: p})
}

// Buy handles POST /api/v1/markets/{marketID}/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PortfolioID == "" {
		writeError(w, "portfolio_id is required", http.StatusBadRequest)
		return
	}

	res, err := h.svc.BuyShares(r.Context(), chi.URLParam(r, "marketID"), req.PortfolioID, req.Amount, req.Side)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/markets/{marketID}/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PortfolioID == "" || req.ShareID == "" {
		writeError(w, "portfolio_id and share_id are required", http.StatusBadRequest)
		return
	}

	res, err := h.svc.SellShares(r.Context(), chi.URLParam(r, "marketID"), req.PortfolioID, req.ShareID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	if err := h.settler.Resolve(r.Context(), marketID, req.Result); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market_id": marketID, "status": string(model.StatusResolved), "result": string(req.Result)})
}

// Cancel handles POST /api/v1/markets/{marketID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if err := h.settler.Cancel(r.Context(), marketID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market_id": marketID, "status": string(model.StatusCancelled)})
}

// ListShares handles GET /api/v1/portfolios/{portfolioID}/shares
// Optionally filtered by ?market_id=a&market_id=b or ?market_id=a,b.
func (h *Handler) ListShares(w http.ResponseWriter, r *http.Request) {
	var marketIDs []string
	for _, v := range r.URL.Query()["market_id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				marketIDs = append(marketIDs, id)
			}
		}
	}

	shares, err := h.svc.ListPortfolioShares(r.Context(), chi.URLParam(r, "portfolioID"), marketIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

// ListTransactions handles GET /api/v1/portfolios/{portfolioID}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.svc.ListTransactions(r.Context(), chi.URLParam(r, "portfolioID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrMarketNotFound),
		errors.Is(err, model.ErrPortfolioNotFound),
		errors.Is(err, model.ErrShareNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrCurrencyUnavailable),
		errors.Is(err, model.ErrSpendTooLowForOneShare):
		return http.StatusUnprocessableEntity
	}

	switch model.Kind(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindPrecondition:
		return http.StatusConflict
	case model.KindConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	if model.Retryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
