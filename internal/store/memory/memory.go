// Package memory implements store.Repository with in-process maps. It backs
// dev mode when no DATABASE_URL is configured and the unit tests.
package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"mitienda/backend/internal/domain"
	"mitienda/backend/internal/store"
)

type Store struct {
	mu               sync.RWMutex
	clients          map[string]domain.Client
	productTypes     map[string]domain.ProductType
	products         map[string]domain.Product
	recipesByProduct map[string][]domain.MaterialRecipe
	materials        map[string]domain.Material
	sales            map[string]domain.Sale
	linesByID        map[string]domain.SaleLine
	ledger           map[string]domain.LedgerEntry
	fixedSpentTypes  map[string]domain.FixedSpentType
	productions      map[string]domain.ProductionRun
	detailsByRun     map[string][]domain.ProductionDetail
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		clients:          make(map[string]domain.Client),
		productTypes:     make(map[string]domain.ProductType),
		products:         make(map[string]domain.Product),
		recipesByProduct: make(map[string][]domain.MaterialRecipe),
		materials:        make(map[string]domain.Material),
		sales:            make(map[string]domain.Sale),
		linesByID:        make(map[string]domain.SaleLine),
		ledger:           make(map[string]domain.LedgerEntry),
		fixedSpentTypes:  make(map[string]domain.FixedSpentType),
		productions:      make(map[string]domain.ProductionRun),
		detailsByRun:     make(map[string][]domain.ProductionDetail),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode. The
// admin password comes from SEED_ADMIN_PASSWORD; if unset a hardcoded dev
// default is used with a warning. These credentials are never used in
// production (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD to override.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPwd), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("[memory-store] failed to hash seed password: %v", err)
	}
	now := time.Now().UTC()
	return map[string]domain.UserAccount{
		"admin": {
			ID:        uuid.NewString(),
			Username:  "admin",
			Password:  string(hash),
			Name:      "Administrador",
			CreatedAt: now,
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()

	typeBox6 := domain.ProductType{ID: uuid.NewString(), Name: "Caja x6", Price: decimal.NewFromInt(4000), RetailPrice: decimal.NewFromInt(4600)}
	typeBox12 := domain.ProductType{ID: uuid.NewString(), Name: "Caja x12", Price: decimal.NewFromInt(7600), RetailPrice: decimal.NewFromInt(8400)}
	s.productTypes[typeBox6.ID] = typeBox6
	s.productTypes[typeBox12.ID] = typeBox12

	now := time.Now().UTC()
	for _, c := range []domain.Client{
		{ID: uuid.NewString(), Name: domain.WalkInClientName, CreatedAt: now},
		{ID: uuid.NewString(), Name: "Kiosco El Paso", Phone: "2615550147", Lat: -32.8895, Lon: -68.8458, CreatedAt: now},
		{ID: uuid.NewString(), Name: "Almacén San José", Phone: "2615550912", Lat: -32.9267, Lon: -68.8631, CreatedAt: now},
	} {
		s.clients[c.ID] = c
	}

	materials := []domain.Material{
		{ID: uuid.NewString(), Name: "Harina 0000", Stock: 25000, ActualPrice: decimal.NewFromInt(900), Type: domain.MaterialTypeIngredient, Removable: true},
		{ID: uuid.NewString(), Name: "Maicena", Stock: 12000, ActualPrice: decimal.NewFromInt(1500), Type: domain.MaterialTypeIngredient, Removable: true},
		{ID: uuid.NewString(), Name: "Dulce de Leche", Stock: 18000, ActualPrice: decimal.NewFromInt(3200), Type: domain.MaterialTypeIngredient, Removable: true},
		{ID: uuid.NewString(), Name: domain.MaterialNameSeparators, Stock: 800, ActualPrice: decimal.NewFromInt(25), Type: domain.MaterialTypeCleaning, Removable: false},
		{ID: uuid.NewString(), Name: domain.MaterialNameBags, Stock: 400, ActualPrice: decimal.NewFromInt(60), Type: domain.MaterialTypeCleaning, Removable: false},
		{ID: uuid.NewString(), Name: "Detergente", Stock: 6, ActualPrice: decimal.NewFromInt(1800), Type: domain.MaterialTypeCleaning, Removable: true},
	}
	byName := map[string]string{}
	for _, m := range materials {
		s.materials[m.ID] = m
		byName[m.Name] = m.ID
	}

	for _, name := range []string{"Alquiler", "Luz", "Gas"} {
		t := domain.FixedSpentType{ID: uuid.NewString(), Name: name}
		s.fixedSpentTypes[t.ID] = t
	}

	for _, p := range []struct {
		name   string
		stock  int
		typeID string
		recipe map[string]float64
	}{
		{"Alfajores de Maicena x6", 24, typeBox6.ID, map[string]float64{"Maicena": 180, "Harina 0000": 120, "Dulce de Leche": 240}},
		{"Alfajores de Maicena x12", 10, typeBox12.ID, map[string]float64{"Maicena": 360, "Harina 0000": 240, "Dulce de Leche": 480}},
	} {
		stock := p.stock
		product := domain.Product{ID: uuid.NewString(), Name: p.name, Stock: &stock, TypeID: p.typeID}
		s.products[product.ID] = product

		label := domain.Material{
			ID:          uuid.NewString(),
			Name:        domain.LabelPrefix + p.name,
			Stock:       200,
			ActualPrice: decimal.NewFromInt(1000),
			Type:        domain.MaterialTypeCleaning,
			Removable:   false,
		}
		s.materials[label.ID] = label

		for materialName, qty := range p.recipe {
			s.recipesByProduct[product.ID] = append(s.recipesByProduct[product.ID], domain.MaterialRecipe{
				ID:         uuid.NewString(),
				ProductID:  product.ID,
				MaterialID: byName[materialName],
				Quantity:   qty,
			})
		}
	}

	s.usersByUsername = seedUsers()
	return s
}

// --- clients ---

func (s *Store) CreateClient(_ context.Context, client domain.Client) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(client.Name) == "" {
		return nil, fmt.Errorf("%w: client name is required", store.ErrValidation)
	}
	for _, existing := range s.clients {
		if strings.EqualFold(existing.Name, client.Name) {
			return nil, fmt.Errorf("%w: client %q", store.ErrConflict, client.Name)
		}
	}

	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	s.clients[client.ID] = client
	created := client
	return &created, nil
}

func (s *Store) ListClients(_ context.Context) ([]domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]domain.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	slices.SortFunc(clients, func(a, b domain.Client) int {
		return cmpString(a.Name, b.Name)
	})
	return clients, nil
}

func (s *Store) GetClient(_ context.Context, filter domain.ClientFilter) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.findClient(filter)
	if err != nil {
		return nil, err
	}
	found := *c
	return &found, nil
}

func (s *Store) findClient(filter domain.ClientFilter) (*domain.Client, error) {
	if filter.ID != nil {
		if c, ok := s.clients[*filter.ID]; ok {
			return &c, nil
		}
		return nil, store.ErrNotFound
	}
	if filter.Name != nil {
		for _, c := range s.clients {
			if strings.EqualFold(c.Name, *filter.Name) {
				found := c
				return &found, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

// --- products ---

func (s *Store) CreateProduct(_ context.Context, product domain.Product, recipe []domain.MaterialRecipe) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(product.Name) == "" || product.TypeID == "" {
		return nil, fmt.Errorf("%w: product name and type are required", store.ErrValidation)
	}
	if _, ok := s.productTypes[product.TypeID]; !ok {
		return nil, fmt.Errorf("%w: product type %s", store.ErrNotFound, product.TypeID)
	}
	for _, existing := range s.products {
		if strings.EqualFold(existing.Name, product.Name) {
			return nil, fmt.Errorf("%w: product %q", store.ErrConflict, product.Name)
		}
	}
	for _, r := range recipe {
		if _, ok := s.materials[r.MaterialID]; !ok {
			return nil, fmt.Errorf("%w: recipe material %s", store.ErrNotFound, r.MaterialID)
		}
		if r.Quantity <= 0 {
			return nil, fmt.Errorf("%w: recipe quantity must be positive", store.ErrValidation)
		}
	}

	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.Stock == nil {
		zero := 0
		product.Stock = &zero
	}
	s.products[product.ID] = cloneProduct(product)
	for _, r := range recipe {
		r.ID = uuid.NewString()
		r.ProductID = product.ID
		s.recipesByProduct[product.ID] = append(s.recipesByProduct[product.ID], r)
	}

	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Stock == nil {
			continue
		}
		products = append(products, cloneProduct(p))
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, filter domain.ProductFilter) (*domain.ProductComplete, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.findProduct(filter)
	if err != nil {
		return nil, err
	}
	return s.assembleProduct(*p), nil
}

func (s *Store) findProduct(filter domain.ProductFilter) (*domain.Product, error) {
	if filter.ID != nil {
		if p, ok := s.products[*filter.ID]; ok {
			return &p, nil
		}
		return nil, store.ErrNotFound
	}
	if filter.Name != nil {
		for _, p := range s.products {
			if strings.EqualFold(p.Name, *filter.Name) {
				found := p
				return &found, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) assembleProduct(p domain.Product) *domain.ProductComplete {
	complete := domain.ProductComplete{
		Product: cloneProduct(p),
		Type:    s.productTypes[p.TypeID],
	}
	complete.Recipe = append(complete.Recipe, s.recipesByProduct[p.ID]...)
	return &complete
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product, recipe []domain.MaterialRecipe) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(product.Name) == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if product.TypeID != "" {
		if _, ok := s.productTypes[product.TypeID]; !ok {
			return nil, fmt.Errorf("%w: product type %s", store.ErrNotFound, product.TypeID)
		}
	} else {
		product.TypeID = existing.TypeID
	}
	// Stock is not updatable here; AdjustProductStock and RetireProduct own it.
	product.Stock = existing.Stock
	for _, r := range recipe {
		if _, ok := s.materials[r.MaterialID]; !ok {
			return nil, fmt.Errorf("%w: recipe material %s", store.ErrNotFound, r.MaterialID)
		}
	}

	s.products[product.ID] = cloneProduct(product)
	if recipe != nil {
		replaced := make([]domain.MaterialRecipe, 0, len(recipe))
		for _, r := range recipe {
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			r.ProductID = product.ID
			replaced = append(replaced, r)
		}
		s.recipesByProduct[product.ID] = replaced
	}

	updated := cloneProduct(product)
	return &updated, nil
}

func (s *Store) AdjustProductStock(_ context.Context, productID string, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Stock == nil {
		return nil, fmt.Errorf("%w: product %s is retired", store.ErrValidation, productID)
	}
	next := *p.Stock + delta
	if next < 0 {
		return nil, &store.InsufficientStockError{ProductID: p.ID, Name: p.Name, Stock: *p.Stock, Requested: -delta}
	}
	p.Stock = &next
	s.products[productID] = p

	adjusted := cloneProduct(p)
	return &adjusted, nil
}

func (s *Store) RetireProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.Stock = nil
	s.products[productID] = p

	retired := cloneProduct(p)
	return &retired, nil
}

func (s *Store) ListProductTypes(_ context.Context) ([]domain.ProductType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]domain.ProductType, 0, len(s.productTypes))
	for _, t := range s.productTypes {
		types = append(types, t)
	}
	slices.SortFunc(types, func(a, b domain.ProductType) int {
		return cmpString(a.Name, b.Name)
	})
	return types, nil
}

func (s *Store) UpdateProductType(_ context.Context, typeID string, price decimal.Decimal, retailPrice decimal.Decimal) (*domain.ProductType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.productTypes[typeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if price.IsNegative() || retailPrice.IsNegative() {
		return nil, fmt.Errorf("%w: prices must not be negative", store.ErrValidation)
	}
	t.Price = price
	t.RetailPrice = retailPrice
	s.productTypes[typeID] = t

	updated := t
	return &updated, nil
}

// --- materials ---

func (s *Store) CreateMaterial(_ context.Context, material domain.Material) (*domain.Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(material.Name) == "" {
		return nil, fmt.Errorf("%w: material name is required", store.ErrValidation)
	}
	for _, existing := range s.materials {
		if strings.EqualFold(existing.Name, material.Name) {
			return nil, fmt.Errorf("%w: material %q", store.ErrConflict, material.Name)
		}
	}

	if material.ID == "" {
		material.ID = uuid.NewString()
	}
	s.materials[material.ID] = material
	created := material
	return &created, nil
}

func (s *Store) ListMaterials(_ context.Context) ([]domain.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	materials := make([]domain.Material, 0, len(s.materials))
	for _, m := range s.materials {
		materials = append(materials, m)
	}
	slices.SortFunc(materials, func(a, b domain.Material) int {
		return cmpString(a.Name, b.Name)
	})
	return materials, nil
}

func (s *Store) GetMaterial(_ context.Context, filter domain.MaterialFilter) (*domain.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := s.findMaterial(filter)
	if err != nil {
		return nil, err
	}
	found := *m
	return &found, nil
}

func (s *Store) findMaterial(filter domain.MaterialFilter) (*domain.Material, error) {
	if filter.ID != nil {
		if m, ok := s.materials[*filter.ID]; ok {
			return &m, nil
		}
		return nil, store.ErrNotFound
	}
	if filter.Name != nil {
		for _, m := range s.materials {
			if strings.EqualFold(m.Name, *filter.Name) {
				found := m
				return &found, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateMaterial(_ context.Context, material domain.Material) (*domain.Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.materials[material.ID]; !ok {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(material.Name) == "" {
		return nil, fmt.Errorf("%w: material name is required", store.ErrValidation)
	}
	s.materials[material.ID] = material
	updated := material
	return &updated, nil
}

func (s *Store) DeleteMaterial(_ context.Context, materialID string) (*domain.Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.materials[materialID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !m.Removable {
		return nil, fmt.Errorf("%w: material %q is not removable", store.ErrConflict, m.Name)
	}
	delete(s.materials, materialID)
	deleted := m
	return &deleted, nil
}

func (s *Store) BuyMaterial(_ context.Context, req domain.MaterialBuyRequest) (*domain.Material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.materials[req.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.Quantity <= 0 || req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: purchase needs a positive quantity and a non-negative price", store.ErrValidation)
	}

	entry := domain.LedgerEntry{
		ID:       uuid.NewString(),
		Name:     m.Name,
		Value:    purchaseExpense(m.Type, req.Price, req.Quantity),
		ParentID: m.ID,
		Type:     domain.LedgerTypeVariable,
		Date:     time.Now().UTC(),
	}
	s.ledger[entry.ID] = entry

	m.Stock += req.Quantity
	m.ActualPrice = req.Price
	s.materials[m.ID] = m

	bought := m
	return &bought, nil
}

// purchaseExpense converts a purchase into a negative ledger value. Cleaning
// supplies are priced per unit; ingredients are priced per kilogram while
// their stock is tracked in grams.
func purchaseExpense(materialType string, price decimal.Decimal, quantity float64) decimal.Decimal {
	qty := decimal.NewFromFloat(quantity)
	if materialType == domain.MaterialTypeCleaning {
		return price.Mul(qty).Neg()
	}
	return price.Mul(qty.Div(decimal.NewFromInt(1000))).Neg()
}

// --- sales ---

func (s *Store) CreateSale(_ context.Context, sale domain.Sale, items []domain.SaleItem) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: a sale needs at least one item", store.ErrValidation)
	}
	client, ok := s.clients[sale.ClientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", store.ErrNotFound, sale.ClientID)
	}

	// Verify every line against live stock before touching anything so a
	// short line leaves no partial state behind. Lines may repeat a product,
	// so each check runs against the remainder left by the previous lines.
	remaining := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: item quantity must be at least 1", store.ErrValidation)
		}
		p, ok := s.products[item.ID]
		if !ok || p.Stock == nil {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ID)
		}
		left, seen := remaining[item.ID]
		if !seen {
			left = *p.Stock
		}
		if left < item.Quantity {
			return nil, &store.InsufficientStockError{ProductID: p.ID, Name: p.Name, Stock: left, Requested: item.Quantity}
		}
		remaining[item.ID] = left - item.Quantity
	}

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC()
	}

	for _, item := range items {
		p := s.products[item.ID]
		next := *p.Stock - item.Quantity
		p.Stock = &next
		s.products[item.ID] = p

		line := domain.SaleLine{
			ID:        uuid.NewString(),
			SaleID:    sale.ID,
			ProductID: item.ID,
			Quantity:  item.Quantity,
		}
		s.linesByID[line.ID] = line
	}

	if sale.Paid {
		s.appendSaleLedgerEntry(sale, client.Name)
	}
	s.sales[sale.ID] = sale

	created := sale
	return &created, nil
}

func (s *Store) appendSaleLedgerEntry(sale domain.Sale, clientName string) {
	entry := domain.LedgerEntry{
		ID:       uuid.NewString(),
		Name:     clientName,
		Value:    sale.Total,
		ParentID: sale.ID,
		Type:     domain.LedgerTypeVariable,
		Date:     sale.Date,
	}
	s.ledger[entry.ID] = entry
}

func (s *Store) ListSales(_ context.Context) ([]domain.SaleWithClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectSales(func(domain.Sale) bool { return true }), nil
}

func (s *Store) ListSalesBetween(_ context.Context, from time.Time, to time.Time) ([]domain.SaleWithClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectSales(func(sale domain.Sale) bool {
		return !sale.Date.Before(from) && !sale.Date.After(to)
	}), nil
}

func (s *Store) collectSales(keep func(domain.Sale) bool) []domain.SaleWithClient {
	sales := make([]domain.SaleWithClient, 0, len(s.sales))
	for _, sale := range s.sales {
		if !keep(sale) {
			continue
		}
		sales = append(sales, domain.SaleWithClient{Sale: sale, Client: s.clients[sale.ClientID]})
	}
	slices.SortFunc(sales, func(a, b domain.SaleWithClient) int {
		return b.Date.Compare(a.Date)
	})
	return sales
}

func (s *Store) GetSale(_ context.Context, filter domain.SaleFilter) (*domain.SaleComplete, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, err := s.findSale(filter)
	if err != nil {
		return nil, err
	}

	complete := domain.SaleComplete{
		SaleWithClient: domain.SaleWithClient{Sale: *sale, Client: s.clients[sale.ClientID]},
	}
	for _, line := range s.salesLines(sale.ID) {
		detail := domain.SaleLineDetail{SaleLine: line}
		if p, ok := s.products[line.ProductID]; ok {
			detail.ProductName = p.Name
			if t, ok := s.productTypes[p.TypeID]; ok {
				detail.UnitPrice = t.Price
				detail.TypeName = t.Name
			}
		}
		complete.Items = append(complete.Items, detail)
	}
	return &complete, nil
}

func (s *Store) findSale(filter domain.SaleFilter) (*domain.Sale, error) {
	if filter.ID != nil {
		if sale, ok := s.sales[*filter.ID]; ok && saleMatches(sale, filter) {
			return &sale, nil
		}
		return nil, store.ErrNotFound
	}
	ids := make([]string, 0, len(s.sales))
	for id := range s.sales {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		sale := s.sales[id]
		if saleMatches(sale, filter) {
			return &sale, nil
		}
	}
	return nil, store.ErrNotFound
}

func saleMatches(sale domain.Sale, filter domain.SaleFilter) bool {
	if filter.ID != nil && sale.ID != *filter.ID {
		return false
	}
	if filter.ClientID != nil && sale.ClientID != *filter.ClientID {
		return false
	}
	if filter.Paid != nil && sale.Paid != *filter.Paid {
		return false
	}
	if filter.Delivered != nil && sale.Delivered != *filter.Delivered {
		return false
	}
	return true
}

func (s *Store) salesLines(saleID string) []domain.SaleLine {
	lines := make([]domain.SaleLine, 0, 4)
	for _, line := range s.linesByID {
		if line.SaleID == saleID {
			lines = append(lines, line)
		}
	}
	slices.SortFunc(lines, func(a, b domain.SaleLine) int {
		return cmpString(a.ID, b.ID)
	})
	return lines
}

func (s *Store) UpdateSale(_ context.Context, req domain.SaleUpdateRequest) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}
	sale, ok := s.sales[req.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if req.ClientID != nil {
		if _, ok := s.clients[*req.ClientID]; !ok {
			return nil, fmt.Errorf("%w: client %s", store.ErrNotFound, *req.ClientID)
		}
		sale.ClientID = *req.ClientID
	}
	if req.Date != nil {
		sale.Date = *req.Date
	}
	if req.Total != nil {
		if req.Total.IsNegative() {
			return nil, fmt.Errorf("%w: total must not be negative", store.ErrValidation)
		}
		sale.Total = *req.Total
	}
	s.sales[sale.ID] = sale

	updated := sale
	return &updated, nil
}

func (s *Store) DeleteSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}

	for _, line := range s.salesLines(saleID) {
		if p, ok := s.products[line.ProductID]; ok && p.Stock != nil {
			next := *p.Stock + line.Quantity
			p.Stock = &next
			s.products[line.ProductID] = p
		}
		delete(s.linesByID, line.ID)
	}
	s.deleteLedgerByParent(saleID)
	delete(s.sales, saleID)

	deleted := sale
	return &deleted, nil
}

func (s *Store) ToggleSalePaid(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if sale.Paid {
		s.deleteLedgerByParent(saleID)
		sale.Paid = false
	} else {
		s.appendSaleLedgerEntry(sale, s.clients[sale.ClientID].Name)
		sale.Paid = true
	}
	s.sales[saleID] = sale

	toggled := sale
	return &toggled, nil
}

func (s *Store) ToggleSaleDelivered(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.Delivered = !sale.Delivered
	s.sales[saleID] = sale

	toggled := sale
	return &toggled, nil
}

func (s *Store) UpdateSaleLine(_ context.Context, req domain.SaleLineUpdateRequest) (*domain.SaleLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: line quantity must be at least 1", store.ErrValidation)
	}
	line, ok := s.linesByID[req.ID]
	if !ok {
		return nil, store.ErrNotFound
	}

	delta := req.Quantity - line.Quantity
	if p, ok := s.products[line.ProductID]; ok && p.Stock != nil {
		next := *p.Stock - delta
		if next < 0 {
			return nil, &store.InsufficientStockError{ProductID: p.ID, Name: p.Name, Stock: *p.Stock, Requested: delta}
		}
		p.Stock = &next
		s.products[line.ProductID] = p
	}

	line.Quantity = req.Quantity
	s.linesByID[line.ID] = line

	updated := line
	return &updated, nil
}

func (s *Store) DeleteSaleLine(_ context.Context, lineID string) (*domain.SaleLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, ok := s.linesByID[lineID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p, ok := s.products[line.ProductID]; ok && p.Stock != nil {
		next := *p.Stock + line.Quantity
		p.Stock = &next
		s.products[line.ProductID] = p
	}
	delete(s.linesByID, lineID)

	deleted := line
	return &deleted, nil
}

// --- ledger ---

func (s *Store) CreateLedgerEntry(_ context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(entry.Name) == "" {
		return nil, fmt.Errorf("%w: entry name is required", store.ErrValidation)
	}
	if entry.Type != domain.LedgerTypeVariable && entry.Type != domain.LedgerTypeFixed {
		return nil, fmt.Errorf("%w: unknown entry type %q", store.ErrValidation, entry.Type)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Date.IsZero() {
		entry.Date = time.Now().UTC()
	}
	s.ledger[entry.ID] = entry

	created := entry
	return &created, nil
}

func (s *Store) ListLedgerEntries(_ context.Context) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLedger(func(domain.LedgerEntry) bool { return true }), nil
}

func (s *Store) ListLedgerEntriesByParent(_ context.Context, parentID string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLedger(func(e domain.LedgerEntry) bool { return e.ParentID == parentID }), nil
}

func (s *Store) DeleteLedgerEntriesByParent(_ context.Context, parentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLedgerByParent(parentID), nil
}

func (s *Store) deleteLedgerByParent(parentID string) int {
	deleted := 0
	for id, e := range s.ledger {
		if e.ParentID == parentID {
			delete(s.ledger, id)
			deleted++
		}
	}
	return deleted
}

func (s *Store) ListIncome(_ context.Context, since time.Time) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLedger(func(e domain.LedgerEntry) bool {
		return e.Value.IsPositive() && !e.Date.Before(since)
	}), nil
}

func (s *Store) ListExpenses(_ context.Context, since time.Time, entryType string) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLedger(func(e domain.LedgerEntry) bool {
		if !e.Value.IsNegative() || e.Date.Before(since) {
			return false
		}
		return entryType == "" || e.Type == entryType
	}), nil
}

func (s *Store) SumLedgerSince(_ context.Context, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, e := range s.ledger {
		if !e.Date.Before(since) {
			sum = sum.Add(e.Value)
		}
	}
	return sum, nil
}

func (s *Store) collectLedger(keep func(domain.LedgerEntry) bool) []domain.LedgerEntry {
	entries := make([]domain.LedgerEntry, 0, len(s.ledger))
	for _, e := range s.ledger {
		if keep(e) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b domain.LedgerEntry) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return entries
}

// --- fixed spent types ---

func (s *Store) CreateFixedSpentType(_ context.Context, t domain.FixedSpentType) (*domain.FixedSpentType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("%w: fixed spent type name is required", store.ErrValidation)
	}
	for _, existing := range s.fixedSpentTypes {
		if strings.EqualFold(existing.Name, t.Name) {
			return nil, fmt.Errorf("%w: fixed spent type %q", store.ErrConflict, t.Name)
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.fixedSpentTypes[t.ID] = t

	created := t
	return &created, nil
}

func (s *Store) ListFixedSpentTypes(_ context.Context) ([]domain.FixedSpentType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	types := make([]domain.FixedSpentType, 0, len(s.fixedSpentTypes))
	for _, t := range s.fixedSpentTypes {
		types = append(types, t)
	}
	slices.SortFunc(types, func(a, b domain.FixedSpentType) int {
		return cmpString(a.Name, b.Name)
	})
	return types, nil
}

func (s *Store) UpdateFixedSpentType(_ context.Context, t domain.FixedSpentType) (*domain.FixedSpentType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fixedSpentTypes[t.ID]; !ok {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("%w: fixed spent type name is required", store.ErrValidation)
	}
	for id, existing := range s.fixedSpentTypes {
		if id != t.ID && strings.EqualFold(existing.Name, t.Name) {
			return nil, fmt.Errorf("%w: fixed spent type %q", store.ErrConflict, t.Name)
		}
	}
	s.fixedSpentTypes[t.ID] = t

	updated := t
	return &updated, nil
}

// --- production ---

func (s *Store) CreateProduction(_ context.Context, run domain.ProductionRun, details []domain.ProductionDetail) (*domain.ProductionComplete, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(details) == 0 {
		return nil, fmt.Errorf("%w: a production run needs at least one detail", store.ErrValidation)
	}
	for _, d := range details {
		if d.Quantity < 1 {
			return nil, fmt.Errorf("%w: production quantity must be at least 1", store.ErrValidation)
		}
		p, ok := s.products[d.ProductID]
		if !ok || p.Stock == nil {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, d.ProductID)
		}
		if _, err := s.findMaterialByName(domain.LabelPrefix + p.Name); err != nil {
			return nil, fmt.Errorf("label material for %q: %w", p.Name, err)
		}
	}
	separators, err := s.findMaterialByName(domain.MaterialNameSeparators)
	if err != nil {
		return nil, fmt.Errorf("packaging: %w", err)
	}
	bags, err := s.findMaterialByName(domain.MaterialNameBags)
	if err != nil {
		return nil, fmt.Errorf("packaging: %w", err)
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Date.IsZero() {
		run.Date = time.Now().UTC()
	}

	stored := make([]domain.ProductionDetail, 0, len(details))
	for _, d := range details {
		p := s.products[d.ProductID]
		next := *p.Stock + d.Quantity
		p.Stock = &next
		s.products[d.ProductID] = p

		for _, r := range s.recipesByProduct[d.ProductID] {
			s.adjustMaterialStock(r.MaterialID, -r.Quantity*float64(d.Quantity))
		}
		s.adjustMaterialStock(separators.ID, -float64(d.Quantity*domain.SeparatorsPerPackage))
		s.adjustMaterialStock(bags.ID, -float64(d.Quantity))
		label, _ := s.findMaterialByName(domain.LabelPrefix + p.Name)
		s.adjustMaterialStock(label.ID, -float64(d.Quantity))

		d.ID = uuid.NewString()
		d.ProductionID = run.ID
		stored = append(stored, d)
	}

	s.productions[run.ID] = run
	s.detailsByRun[run.ID] = stored

	complete := domain.ProductionComplete{Data: run}
	complete.Details = append(complete.Details, stored...)
	return &complete, nil
}

func (s *Store) findMaterialByName(name string) (*domain.Material, error) {
	for _, m := range s.materials {
		if strings.EqualFold(m.Name, name) {
			found := m
			return &found, nil
		}
	}
	return nil, fmt.Errorf("%w: material %q", store.ErrNotFound, name)
}

func (s *Store) adjustMaterialStock(materialID string, delta float64) {
	m, ok := s.materials[materialID]
	if !ok {
		return
	}
	m.Stock += delta
	s.materials[materialID] = m
}

func (s *Store) ListProductions(_ context.Context) ([]domain.ProductionComplete, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]domain.ProductionComplete, 0, len(s.productions))
	for id, run := range s.productions {
		complete := domain.ProductionComplete{Data: run}
		complete.Details = append(complete.Details, s.detailsByRun[id]...)
		runs = append(runs, complete)
	}
	slices.SortFunc(runs, func(a, b domain.ProductionComplete) int {
		return b.Data.Date.Compare(a.Data.Date)
	})
	return runs, nil
}

// --- audit log ---

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, len(s.auditLogs))
	copy(logs, s.auditLogs)
	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs, nil
}

// --- statistics ---

func (s *Store) ProductSalesStats(_ context.Context, from time.Time, to time.Time) ([]domain.ProductStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProduct := map[string]*domain.ProductStatistics{}
	for _, line := range s.linesByID {
		sale, ok := s.sales[line.SaleID]
		if !ok || sale.Date.Before(from) || sale.Date.After(to) {
			continue
		}
		p, ok := s.products[line.ProductID]
		if !ok {
			continue
		}
		stat, ok := byProduct[p.ID]
		if !ok {
			stat = &domain.ProductStatistics{Name: p.Name}
			byProduct[p.ID] = stat
		}
		stat.QuantitySold += line.Quantity
		if t, ok := s.productTypes[p.TypeID]; ok {
			stat.TotalAmount = stat.TotalAmount.Add(t.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
	}

	stats := make([]domain.ProductStatistics, 0, len(byProduct))
	for _, stat := range byProduct {
		stats = append(stats, *stat)
	}
	slices.SortFunc(stats, func(a, b domain.ProductStatistics) int {
		if a.QuantitySold != b.QuantitySold {
			return b.QuantitySold - a.QuantitySold
		}
		return cmpString(a.Name, b.Name)
	})
	return stats, nil
}

func (s *Store) ClientPurchaseStats(_ context.Context, from time.Time, to time.Time) ([]domain.ClientStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byClient := map[string]*domain.ClientStatistics{}
	for _, sale := range s.sales {
		if sale.Date.Before(from) || sale.Date.After(to) {
			continue
		}
		client, ok := s.clients[sale.ClientID]
		if !ok || strings.EqualFold(client.Name, domain.WalkInClientName) {
			continue
		}
		stat, ok := byClient[client.ID]
		if !ok {
			stat = &domain.ClientStatistics{Name: client.Name}
			byClient[client.ID] = stat
		}
		stat.QuantityPurchases++
		stat.TotalAmount = stat.TotalAmount.Add(sale.Total)
		for _, line := range s.salesLines(sale.ID) {
			stat.QuantityProducts += line.Quantity
		}
	}

	stats := make([]domain.ClientStatistics, 0, len(byClient))
	for _, stat := range byClient {
		stats = append(stats, *stat)
	}
	slices.SortFunc(stats, func(a, b domain.ClientStatistics) int {
		if c := b.TotalAmount.Cmp(a.TotalAmount); c != 0 {
			return c
		}
		return cmpString(a.Name, b.Name)
	})
	return stats, nil
}

func (s *Store) GeneralStats(_ context.Context, from time.Time, to time.Time) (domain.GeneralStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.GeneralStatistics{IncomesTotal: decimal.Zero}
	for _, sale := range s.sales {
		if sale.Date.Before(from) || sale.Date.After(to) {
			continue
		}
		stats.SalesQuantity++
		stats.IncomesTotal = stats.IncomesTotal.Add(sale.Total)
		for _, line := range s.salesLines(sale.ID) {
			stats.ProductsSold += line.Quantity
		}
	}
	return stats, nil
}

// --- users ---

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("%w: user %q", store.ErrConflict, user.Username)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := user
	return &found, nil
}

func cloneProduct(p domain.Product) domain.Product {
	if p.Stock != nil {
		stock := *p.Stock
		p.Stock = &stock
	}
	return p
}

func cmpString(a string, b string) int {
	return strings.Compare(a, b)
}
