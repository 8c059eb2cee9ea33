package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/service"
	"tillbook/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	validate      *validator.Validate
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		validate:      validator.New(),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{a.allowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Get("/api/products", a.handleListProducts)
		r.Get("/api/products/{productID}", a.handleGetProduct)
		r.Get("/api/stock/movements", a.handleStockHistory)
		r.Post("/api/stock/movements", a.handleRecordStockMovement)

		r.Get("/api/cash/balance", a.handleCashBalance)
		r.Get("/api/cash/movements", a.handleCashHistory)
		r.Post("/api/cash/movements", a.handleRecordCashMovement)
		r.Get("/api/cash/summary", a.handleCashSummary)

		r.Post("/api/transactions", a.handleCreateTransaction)
		r.Get("/api/transactions/{transactionID}", a.handleGetTransaction)
		r.Get("/api/transactions/invoice/{invoiceNumber}", a.handleGetTransactionByInvoice)
		r.Post("/api/transactions/{transactionID}/void", a.handleVoidTransaction)

		r.Post("/api/sessions/open", a.handleOpenSession)
		r.Post("/api/sessions/close", a.handleCloseSession)
		r.Get("/api/sessions/current", a.handleCurrentSession)
		r.Get("/api/sessions/{sessionID}", a.handleGetSession)

		r.Post("/api/closures", a.handleCloseDay)
		r.Get("/api/closures", a.handleListClosures)
		r.Get("/api/closures/{businessDate}", a.handleDayClosure)

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole("admin"))

			r.Post("/api/products", a.handleCreateProduct)
			r.Put("/api/products/{productID}/price", a.handleUpdateProductPrice)
			r.Put("/api/cash/balance", a.handleSetCashBalance)
			r.Post("/api/closures/reopen", a.handleReopenDay)
			r.Get("/api/audit", a.handleAuditEntries)
		})
	})

	return r
}

// requireAuth resolves the bearer token into an actor and stashes it, plus
// the request origin, on the context for the service layer's audit entries.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		actor, err := a.auth.ParseToken(header[len(prefix):])
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := service.WithActor(r.Context(), actor)
		ctx = service.WithOrigin(ctx, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := service.ActorFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		})
	}
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if !a.decode(w, r, &req) {
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleUpdateProductPrice(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductPriceUpdateRequest
	if !a.decode(w, r, &req) {
		return
	}
	product, err := a.service.UpdateProductPrice(r.Context(), chi.URLParam(r, "productID"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleRecordStockMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.StockMovementRequest
	if !a.decode(w, r, &req) {
		return
	}
	movement, err := a.service.RecordStockMovement(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if movement == nil {
		// untracked product, nothing recorded
		writeJSON(w, http.StatusOK, map[string]any{"recorded": false})
		return
	}
	writeJSON(w, http.StatusCreated, movement)
}

func (a *API) handleStockHistory(w http.ResponseWriter, r *http.Request) {
	from, to, limit, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	movements, err := a.service.StockHistory(r.Context(), r.URL.Query().Get("product_id"), from, to, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleCashBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := a.service.CashBalance(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (a *API) handleRecordCashMovement(w http.ResponseWriter, r *http.Request) {
	var req domain.CashMovementRequest
	if !a.decode(w, r, &req) {
		return
	}
	movement, err := a.service.RecordCashMovement(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, movement)
}

func (a *API) handleSetCashBalance(w http.ResponseWriter, r *http.Request) {
	var req domain.SetCashBalanceRequest
	if !a.decode(w, r, &req) {
		return
	}
	movement, err := a.service.SetCashBalance(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if movement == nil {
		writeJSON(w, http.StatusOK, map[string]any{"changed": false})
		return
	}
	writeJSON(w, http.StatusOK, movement)
}

func (a *API) handleCashHistory(w http.ResponseWriter, r *http.Request) {
	from, to, limit, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	movements, err := a.service.CashHistory(r.Context(), from, to, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleCashSummary(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, errors.New("date query parameter required"))
		return
	}
	summary, err := a.service.CashSummary(r.Context(), date)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionCreateRequest
	if !a.decode(w, r, &req) {
		return
	}
	tx, err := a.service.CreateTransaction(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleGetTransactionByInvoice(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransactionByInvoice(r.Context(), chi.URLParam(r, "invoiceNumber"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleVoidTransaction(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidTransactionRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.TransactionID = chi.URLParam(r, "transactionID")
	tx, err := a.service.VoidTransaction(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionOpenRequest
	if !a.decode(w, r, &req) {
		return
	}
	session, err := a.service.OpenSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCloseRequest
	if !a.decode(w, r, &req) {
		return
	}
	session, err := a.service.CloseSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.CurrentSession(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleCloseDay(w http.ResponseWriter, r *http.Request) {
	var req domain.DailyClosureRequest
	if !a.decode(w, r, &req) {
		return
	}
	closure, err := a.service.CloseDay(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, closure)
}

func (a *API) handleListClosures(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 30)
	closures, err := a.service.ListClosures(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closures": closures})
}

func (a *API) handleDayClosure(w http.ResponseWriter, r *http.Request) {
	closure, err := a.service.DayClosure(r.Context(), chi.URLParam(r, "businessDate"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closure)
}

func (a *API) handleReopenDay(w http.ResponseWriter, r *http.Request) {
	var req domain.ReopenClosureRequest
	if !a.decode(w, r, &req) {
		return
	}
	closure, err := a.service.ReopenDay(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closure)
}

func (a *API) handleAuditEntries(w http.ResponseWriter, r *http.Request) {
	from, to, limit, err := rangeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := a.service.ListAuditEntries(r.Context(), from, to, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// decode unmarshals and validates the request body, writing a 400 itself
// when either step fails.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func rangeParams(r *http.Request) (time.Time, time.Time, int, error) {
	var from, to time.Time
	q := r.URL.Query()
	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errors.New("from must be RFC3339")
		}
		from = parsed
	}
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, 0, errors.New("to must be RFC3339")
		}
		to = parsed
	}
	return from, to, intParam(r, "limit", 100), nil
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}

// writeServiceError maps the store error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidAmount), errors.Is(err, store.ErrInvalidPayment):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrDuplicateInvoice),
		errors.Is(err, store.ErrSessionAlreadyOpen),
		errors.Is(err, store.ErrSessionNotOpen),
		errors.Is(err, store.ErrClosureExists),
		errors.Is(err, store.ErrConcurrentModification):
		writeError(w, http.StatusConflict, err)
	case err.Error() == "admin role required":
		writeError(w, http.StatusForbidden, err)
	case err.Error() == "authentication required":
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
