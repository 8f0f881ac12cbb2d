// Package httpapi exposes the REST surface: chi routing, bearer-token auth
// and the JSON handlers over the service layer.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"mitienda/backend/internal/domain"
	"mitienda/backend/internal/service"
	"mitienda/backend/internal/store"
)

type API struct {
	service      *service.Service
	auth         *AuthManager
	log          *zap.Logger
	loginLimiter *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:      svc,
		auth:         auth,
		log:          logger,
		loginLimiter: newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler(allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Post("/login", a.handleLogin)
	// Legacy read, kept open for existing dashboard clients.
	r.Get("/sales/lastweek", a.handleSalesLastWeek)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Route("/sales", func(r chi.Router) {
			r.Get("/", a.handleSalesList)
			r.Post("/", a.handleSaleCreate)
			r.Put("/", a.handleSaleUpdate)
			r.Delete("/", a.handleSaleDelete)
			r.Patch("/paid", a.handleSalePaid)
			r.Patch("/delivered", a.handleSaleDelivered)
			r.Get("/detail", a.handleSaleGet)
			r.Put("/detail", a.handleSaleLineUpdate)
			r.Delete("/detail", a.handleSaleLineDelete)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", a.handleProductsList)
			r.Post("/", a.handleProductCreate)
			r.Put("/", a.handleProductUpdate)
			r.Delete("/", a.handleProductRetire)
			r.Get("/detail", a.handleProductGet)
			r.Patch("/stock", a.handleProductStock)
			r.Get("/types", a.handleProductTypesList)
			r.Put("/types", a.handleProductTypeUpdate)
		})

		r.Route("/materials", func(r chi.Router) {
			r.Get("/", a.handleMaterialsList)
			r.Post("/", a.handleMaterialCreate)
			r.Put("/", a.handleMaterialUpdate)
			r.Delete("/", a.handleMaterialDelete)
			r.Get("/detail", a.handleMaterialGet)
			r.Post("/buy", a.handleMaterialBuy)
		})

		r.Route("/production", func(r chi.Router) {
			r.Get("/", a.handleProductionList)
			r.Post("/", a.handleProductionCreate)
		})

		r.Route("/clients", func(r chi.Router) {
			r.Get("/", a.handleClientsList)
			r.Post("/", a.handleClientCreate)
			r.Get("/detail", a.handleClientGet)
		})

		r.Route("/transaction", func(r chi.Router) {
			r.Get("/", a.handleLedgerList)
			r.Post("/", a.handleLedgerCreate)
			r.Get("/income", a.handleLedgerIncome)
			r.Get("/expenses", a.handleLedgerExpenses)
			r.Get("/balance", a.handleLedgerBalance)
		})

		r.Route("/fixed-spent-type", func(r chi.Router) {
			r.Get("/", a.handleFixedSpentTypesList)
			r.Post("/", a.handleFixedSpentTypeCreate)
			r.Put("/", a.handleFixedSpentTypeUpdate)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", a.handleHistoryList)
			r.Post("/", a.handleHistoryCreate)
		})

		r.Route("/statistics", func(r chi.Router) {
			r.Get("/products", a.handleStatsProducts)
			r.Get("/clients", a.handleStatsClients)
			r.Get("/general", a.handleStatsGeneral)
		})
	})

	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, a.log, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, a.log, http.StatusUnauthorized, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

// --- auth + health ---

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, a.log, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, a.log, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- sales ---

func (a *API) handleSaleCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	sale, err := a.service.CreateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleSalesList(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.ListSales(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sales)
}

func (a *API) handleSalesLastWeek(w http.ResponseWriter, r *http.Request) {
	sales, err := a.service.ListSalesLastWeek(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sales)
}

func (a *API) handleSaleGet(w http.ResponseWriter, r *http.Request) {
	filter := domain.SaleFilter{
		ID:        queryString(r, "id"),
		ClientID:  queryString(r, "client_id"),
		Paid:      queryBool(r, "paid"),
		Delivered: queryBool(r, "delivered"),
	}

	sale, err := a.service.GetSale(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSaleUpdate(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	sale, err := a.service.UpdateSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSaleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := decodeID(r)
	if err != nil {
		writeError(w, a.log, http.StatusForbidden, errors.New("id is required"))
		return
	}

	sale, err := a.service.DeleteSale(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSalePaid(w http.ResponseWriter, r *http.Request) {
	id, err := decodeID(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("id is required"))
		return
	}

	sale, err := a.service.ToggleSalePaid(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSaleDelivered(w http.ResponseWriter, r *http.Request) {
	id, err := decodeID(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("id is required"))
		return
	}

	sale, err := a.service.ToggleSaleDelivered(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleSaleLineUpdate(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleLineUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	line, err := a.service.UpdateSaleLine(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (a *API) handleSaleLineDelete(w http.ResponseWriter, r *http.Request) {
	id, err := decodeID(r)
	if err != nil {
		writeError(w, a.log, http.StatusForbidden, errors.New("id is required"))
		return
	}

	line, err := a.service.DeleteSaleLine(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

// --- products ---

func (a *API) handleProductsList(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleProductCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleProductGet(w http.ResponseWriter, r *http.Request) {
	filter := domain.ProductFilter{
		ID:   queryString(r, "id"),
		Name: queryString(r, "name"),
	}

	product, err := a.service.GetProduct(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleProductUpdate(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	product, err := a.service.UpdateProduct(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleProductRetire(w http.ResponseWriter, r *http.Request) {
	id, err := decodeID(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("id is required"))
		return
	}

	product, err := a.service.RetireProduct(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleProductStock(w http.ResponseWriter, r *http.Request) {
	var adj domain.StockAdjustment
	if err := decodeJSON(r, &adj); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	product, err := a.service.AdjustProductStock(r.Context(), adj)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleProductTypesList(w http.ResponseWriter, r *http.Request) {
	types, err := a.service.ListProductTypes(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (a *API) handleProductTypeUpdate(w http.ResponseWriter, r *http.Request) {
	var t domain.ProductType
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	updated, err := a.service.UpdateProductType(r.Context(), t)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- materials ---

func (a *API) handleMaterialsList(w http.ResponseWriter, r *http.Request) {
	materials, err := a.service.ListMaterials(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materials)
}

func (a *API) handleMaterialCreate(w http.ResponseWriter, r *http.Request) {
	var material domain.Material
	if err := decodeJSON(r, &material); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	created, err := a.service.CreateMaterial(r.Context(), material)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleMaterialGet(w http.ResponseWriter, r *http.Request) {
	filter := domain.MaterialFilter{
		ID:   queryString(r, "id"),
		Name: queryString(r, "name"),
	}

	material, err := a.service.GetMaterial(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, material)
}

func (a *API) handleMaterialUpdate(w http.ResponseWriter, r *http.Request) {
	var material domain.Material
	if err := decodeJSON(r, &material); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	updated, err := a.service.UpdateMaterial(r.Context(), material)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleMaterialDelete(w http.ResponseWriter, r *http.Request) {
	id, err := decodeID(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("id is required"))
		return
	}

	deleted, err := a.service.DeleteMaterial(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

func (a *API) handleMaterialBuy(w http.ResponseWriter, r *http.Request) {
	var req domain.MaterialBuyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	material, err := a.service.BuyMaterial(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, material)
}

// --- production ---

func (a *API) handleProductionList(w http.ResponseWriter, r *http.Request) {
	runs, err := a.service.ListProductions(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleProductionCreate(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductionCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	created, err := a.service.CreateProduction(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// --- clients ---

func (a *API) handleClientsList(w http.ResponseWriter, r *http.Request) {
	clients, err := a.service.ListClients(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (a *API) handleClientCreate(w http.ResponseWriter, r *http.Request) {
	var client domain.Client
	if err := decodeJSON(r, &client); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	created, err := a.service.CreateClient(r.Context(), client)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleClientGet(w http.ResponseWriter, r *http.Request) {
	filter := domain.ClientFilter{
		ID:   queryString(r, "id"),
		Name: queryString(r, "name"),
	}

	client, err := a.service.GetClient(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// --- ledger ---

func (a *API) handleLedgerList(w http.ResponseWriter, r *http.Request) {
	entries, err := a.service.ListLedgerEntries(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleLedgerCreate(w http.ResponseWriter, r *http.Request) {
	var entry domain.LedgerEntry
	if err := decodeJSON(r, &entry); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	created, err := a.service.CreateLedgerEntry(r.Context(), entry)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleLedgerIncome(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	entries, err := a.service.ListIncome(r.Context(), q)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleLedgerExpenses(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	entries, err := a.service.ListExpenses(r.Context(), q, r.URL.Query().Get("type"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleLedgerBalance(w http.ResponseWriter, r *http.Request) {
	since := time.Unix(0, 0).UTC()
	if raw := r.URL.Query().Get("start"); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = time.Unix(secs, 0).UTC()
		} else if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		} else {
			writeError(w, a.log, http.StatusBadRequest, errors.New("start must be a unix timestamp or RFC3339 time"))
			return
		}
	}

	balance, err := a.service.Balance(r.Context(), since)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// --- fixed spent types ---

func (a *API) handleFixedSpentTypesList(w http.ResponseWriter, r *http.Request) {
	types, err := a.service.ListFixedSpentTypes(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (a *API) handleFixedSpentTypeCreate(w http.ResponseWriter, r *http.Request) {
	var t domain.FixedSpentType
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	created, err := a.service.CreateFixedSpentType(r.Context(), t)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleFixedSpentTypeUpdate(w http.ResponseWriter, r *http.Request) {
	var t domain.FixedSpentType
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	updated, err := a.service.UpdateFixedSpentType(r.Context(), t)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- history ---

func (a *API) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 1000)
	logs, err := a.service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *API) handleHistoryCreate(w http.ResponseWriter, r *http.Request) {
	var entry domain.AuditLog
	if err := decodeJSON(r, &entry); err != nil {
		writeError(w, a.log, http.StatusBadRequest, errors.New("invalid json body"))
		return
	}

	if err := a.service.RecordAuditLog(r.Context(), entry); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// --- statistics ---

func (a *API) handleStatsProducts(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	stats, err := a.service.ProductStatistics(r.Context(), q)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleStatsClients(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	stats, err := a.service.ClientStatistics(r.Context(), q)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleStatsGeneral(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		writeError(w, a.log, http.StatusBadRequest, err)
		return
	}
	stats, err := a.service.GeneralStatistics(r.Context(), q)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- helpers ---

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrInsufficientStock):
		writeError(w, a.log, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, a.log, http.StatusNotFound, err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, a.log, http.StatusConflict, err)
	default:
		writeError(w, a.log, http.StatusInternalServerError, err)
	}
}

type idRequest struct {
	ID string `json:"id"`
}

func decodeID(r *http.Request) (string, error) {
	var req idRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", err
	}
	if req.ID == "" {
		return "", errors.New("id is required")
	}
	return req.ID, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func queryString(r *http.Request, key string) *string {
	if !r.URL.Query().Has(key) {
		return nil
	}
	val := r.URL.Query().Get(key)
	return &val
}

func queryBool(r *http.Request, key string) *bool {
	if !r.URL.Query().Has(key) {
		return nil
	}
	val, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return nil
	}
	return &val
}

func parseStatsQuery(r *http.Request) (domain.StatsQuery, error) {
	q := domain.StatsQuery{Range: r.URL.Query().Get("range")}
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.StatsQuery{}, errors.New("start must be an RFC3339 time")
		}
		q.Start = &parsed
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.StatsQuery{}, errors.New("end must be an RFC3339 time")
		}
		q.End = &parsed
	}
	return q, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, err error) {
	// 5xx responses return a generic message so internals (SQL errors, file
	// paths) never reach the client.
	msg := err.Error()
	if status >= 500 {
		logger.Error("internal error", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
