package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitienda/backend/internal/cache"
	"mitienda/backend/internal/domain"
	"mitienda/backend/internal/service"
	"mitienda/backend/internal/store/memory"
)

// newTestAPI builds a full API over the in-memory store so handler tests
// exercise the complete request path, auth included.
func newTestAPI(t *testing.T) http.Handler {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopStatisticsCache{}, nil)
	auth := NewAuthManager("test-secret-key-0123456789abcdef", time.Hour, repo)

	return New(svc, auth, nil).Handler(nil)
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	require.Equal(t, http.StatusOK, rec.Code, "login failed: %s", rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func seededSaleFixture(t *testing.T, handler http.Handler, token string) (domain.Product, domain.Client) {
	t.Helper()

	rec := doJSON(t, handler, http.MethodGet, "/products", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	products := decodeBody[[]domain.Product](t, rec)
	require.NotEmpty(t, products)

	rec = doJSON(t, handler, http.MethodGet, "/clients", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	clients := decodeBody[[]domain.Client](t, rec)
	require.NotEmpty(t, clients)

	return products[0], clients[0]
}

func TestHealthIsOpen(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestLoginRejectsBadPassword(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodPost, "/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	handler := newTestAPI(t)

	creds := map[string]string{"username": "admin", "password": "wrong"}
	for i := 0; i < 5; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/login", "", creds)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := doJSON(t, handler, http.MethodPost, "/login", "", creds)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestAPI(t)

	for _, path := range []string{"/sales", "/products", "/materials", "/clients", "/transaction", "/statistics/general"} {
		rec := doJSON(t, handler, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "expected 401 for %s", path)
	}

	rec := doJSON(t, handler, http.MethodGet, "/sales", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSalesLastWeekIsOpen(t *testing.T) {
	handler := newTestAPI(t)

	rec := doJSON(t, handler, http.MethodGet, "/sales/lastweek", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)
	product, client := seededSaleFixture(t, handler, token)
	require.NotNil(t, product.Stock)
	startStock := *product.Stock

	rec := doJSON(t, handler, http.MethodPost, "/sales", token, map[string]any{
		"data": map[string]any{
			"date":      time.Now().UTC().Format(time.RFC3339),
			"total":     "2400",
			"client_id": client.ID,
		},
		"items": []map[string]any{
			{"id": product.ID, "quantity": 2},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decodeBody[domain.Sale](t, rec)
	require.NotEmpty(t, sale.ID)

	rec = doJSON(t, handler, http.MethodGet, "/products/detail?id="+product.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[domain.ProductComplete](t, rec)
	require.NotNil(t, detail.Stock)
	assert.Equal(t, startStock-2, *detail.Stock)

	rec = doJSON(t, handler, http.MethodPatch, "/sales/paid", token, map[string]string{"id": sale.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	paid := decodeBody[domain.Sale](t, rec)
	assert.True(t, paid.Paid)

	rec = doJSON(t, handler, http.MethodGet, "/sales/detail?id="+sale.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	complete := decodeBody[domain.SaleComplete](t, rec)
	assert.Equal(t, client.Name, complete.Client.Name)
	require.Len(t, complete.Items, 1)

	rec = doJSON(t, handler, http.MethodDelete, "/sales", token, map[string]string{"id": sale.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/products/detail?id="+product.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail = decodeBody[domain.ProductComplete](t, rec)
	require.NotNil(t, detail.Stock)
	assert.Equal(t, startStock, *detail.Stock)
}

func TestSaleDeleteWithoutIDIsForbidden(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)

	rec := doJSON(t, handler, http.MethodDelete, "/sales", token, map[string]string{})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/sales/detail", token, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSaleDeleteUnknownIDIsNotFound(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)

	rec := doJSON(t, handler, http.MethodDelete, "/sales", token, map[string]string{"id": "no-such-sale"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaleCreateInsufficientStockIsBadRequest(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)
	product, client := seededSaleFixture(t, handler, token)
	require.NotNil(t, product.Stock)

	rec := doJSON(t, handler, http.MethodPost, "/sales", token, map[string]any{
		"data": map[string]any{
			"date":      time.Now().UTC().Format(time.RFC3339),
			"total":     "99999",
			"client_id": client.ID,
		},
		"items": []map[string]any{
			{"id": product.ID, "quantity": *product.Stock + 1},
		},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaleUpdateRejectsPaidField(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)
	product, client := seededSaleFixture(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/sales", token, map[string]any{
		"data": map[string]any{
			"date":      time.Now().UTC().Format(time.RFC3339),
			"total":     "1200",
			"client_id": client.ID,
		},
		"items": []map[string]any{
			{"id": product.ID, "quantity": 1},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	sale := decodeBody[domain.Sale](t, rec)

	// Paid state is owned by PATCH /sales/paid, the update body must not
	// smuggle it in.
	rec = doJSON(t, handler, http.MethodPut, "/sales", token, map[string]any{
		"id":   sale.ID,
		"paid": true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProductCreateAndTypes(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/products/types", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	types := decodeBody[[]domain.ProductType](t, rec)
	require.NotEmpty(t, types)

	rec = doJSON(t, handler, http.MethodPost, "/products", token, map[string]any{
		"name":    "Alfajor nuevo",
		"stock":   6,
		"type_id": types[0].ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[domain.Product](t, rec)
	assert.Equal(t, "Alfajor nuevo", created.Name)

	rec = doJSON(t, handler, http.MethodGet, "/materials/detail?name="+url.QueryEscape(domain.LabelPrefix+"Alfajor nuevo"), token, nil)
	require.Equal(t, http.StatusOK, rec.Code, "product creation should register a label material")
}

func TestMaterialBuyOverHTTP(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/materials", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	materials := decodeBody[[]domain.Material](t, rec)
	require.NotEmpty(t, materials)
	target := materials[0]

	rec = doJSON(t, handler, http.MethodPost, "/materials/buy", token, map[string]any{
		"id":       target.ID,
		"price":    "300",
		"quantity": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bought := decodeBody[domain.Material](t, rec)
	assert.Equal(t, target.Stock+10, bought.Stock)

	rec = doJSON(t, handler, http.MethodGet, "/transaction/expenses?range=7days", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	expenses := decodeBody[[]domain.LedgerEntry](t, rec)
	require.NotEmpty(t, expenses)
}

func TestStatisticsEndpoints(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)

	for _, path := range []string{
		"/statistics/products?range=7days",
		"/statistics/clients?range=30days",
		"/statistics/general?range=1year",
		"/transaction/income",
		"/transaction/balance?start=0",
	} {
		rec := doJSON(t, handler, http.MethodGet, path, token, nil)
		assert.Equal(t, http.StatusOK, rec.Code, "expected 200 for %s, body %s", path, rec.Body.String())
	}
}

func TestStatisticsRejectsMalformedWindow(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)

	for _, path := range []string{
		"/statistics/general?start=not-a-time",
		"/statistics/products?end=yesterday",
		"/transaction/income?start=1234",
		"/transaction/expenses?end=not-a-time",
	} {
		rec := doJSON(t, handler, http.MethodGet, path, token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "expected 400 for %s", path)
	}
}

func TestSaleFilterBoolParsing(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)
	product, client := seededSaleFixture(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/sales", token, map[string]any{
		"data": map[string]any{
			"date":      time.Now().UTC().Format(time.RFC3339),
			"total":     "2400",
			"client_id": client.ID,
			"paid":      true,
		},
		"items": []map[string]any{
			{"id": product.ID, "quantity": 1},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decodeBody[domain.Sale](t, rec)

	// Case variants of true must match the paid sale, not filter for unpaid.
	for _, raw := range []string{"true", "TRUE", "1"} {
		rec = doJSON(t, handler, http.MethodGet, "/sales/detail?client_id="+client.ID+"&paid="+raw, token, nil)
		require.Equal(t, http.StatusOK, rec.Code, "paid=%s should find the paid sale", raw)
		found := decodeBody[domain.SaleComplete](t, rec)
		assert.Equal(t, sale.ID, found.ID, "paid=%s matched the wrong sale", raw)
	}
}

func TestUnknownJSONFieldRejected(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/clients", token, map[string]any{
		"name":     "Cliente X",
		"deleted?": true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFixedSpentTypeEndpoints(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/fixed-spent-type", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/fixed-spent-type", token, map[string]string{"name": "Seguro"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[domain.FixedSpentType](t, rec)
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, handler, http.MethodPost, "/fixed-spent-type", token, map[string]string{"name": "Seguro"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, handler, http.MethodPut, "/fixed-spent-type", token, map[string]string{
		"id":   created.ID,
		"name": "Seguro del local",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[domain.FixedSpentType](t, rec)
	assert.Equal(t, "Seguro del local", updated.Name)

	rec = doJSON(t, handler, http.MethodGet, "/fixed-spent-type", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	types := decodeBody[[]domain.FixedSpentType](t, rec)
	var found bool
	for _, ft := range types {
		if ft.ID == created.ID {
			found = true
		}
	}
	require.True(t, found, "created type missing from listing")
}

func TestHistoryEndpoint(t *testing.T) {
	handler := newTestAPI(t)
	token := login(t, handler)
	product, client := seededSaleFixture(t, handler, token)

	rec := doJSON(t, handler, http.MethodPost, "/sales", token, map[string]any{
		"data": map[string]any{
			"date":      time.Now().UTC().Format(time.RFC3339),
			"total":     "1200",
			"client_id": client.ID,
		},
		"items": []map[string]any{
			{"id": product.ID, "quantity": 1},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/history?limit=5", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[[]domain.AuditLog](t, rec)
	require.NotEmpty(t, logs)
	assert.Equal(t, "sale_create", logs[0].Action)
	assert.NotEmpty(t, logs[0].UserID)
}
