// Package postgres implements store.Repository on PostgreSQL via database/sql
// and the pgx stdlib driver. Multi-step mutations run in Serializable
// transactions with row locks on the touched product and material rows.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"mitienda/backend/internal/domain"
	"mitienda/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- clients ---

func (s *Store) CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error) {
	if strings.TrimSpace(client.Name) == "" {
		return nil, fmt.Errorf("%w: client name is required", store.ErrValidation)
	}
	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, phone, lat, lon, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, client.ID, client.Name, nullIfEmpty(client.Phone), client.Lat, client.Lon, client.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: client %q", store.ErrConflict, client.Name)
		}
		return nil, err
	}

	created := client
	return &created, nil
}

func (s *Store) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), lat, lon, created_at
		FROM clients
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]domain.Client, 0, 64)
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Lat, &c.Lon, &c.CreatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return clients, nil
}

func (s *Store) GetClient(ctx context.Context, filter domain.ClientFilter) (*domain.Client, error) {
	where, args := buildWhere([]condition{
		{"id = ", filter.ID},
		{"lower(name) = lower", filter.Name},
	})
	if where == "" {
		return nil, store.ErrNotFound
	}

	var c domain.Client
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), lat, lon, created_at
		FROM clients
		WHERE `+where+`
		LIMIT 1
	`, args...).Scan(&c.ID, &c.Name, &c.Phone, &c.Lat, &c.Lon, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// --- products ---

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, recipe []domain.MaterialRecipe) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.TypeID == "" {
		return nil, fmt.Errorf("%w: product name and type are required", store.ErrValidation)
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.Stock == nil {
		zero := 0
		product.Stock = &zero
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, stock, image, type_id)
		VALUES ($1,$2,$3,$4,$5)
	`, product.ID, product.Name, *product.Stock, nullIfEmpty(product.Image), product.TypeID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product %q", store.ErrConflict, product.Name)
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: product type %s", store.ErrNotFound, product.TypeID)
		}
		return nil, err
	}

	for _, r := range recipe {
		if r.Quantity <= 0 {
			return nil, fmt.Errorf("%w: recipe quantity must be positive", store.ErrValidation)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO material_recipes (id, product_id, material_id, quantity)
			VALUES ($1,$2,$3,$4)
		`, uuid.NewString(), product.ID, r.MaterialID, r.Quantity)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("%w: recipe material %s", store.ErrNotFound, r.MaterialID)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, stock, COALESCE(image, ''), type_id
		FROM products
		WHERE stock IS NOT NULL
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, filter domain.ProductFilter) (*domain.ProductComplete, error) {
	where, args := buildWhere([]condition{
		{"p.id = ", filter.ID},
		{"lower(p.name) = lower", filter.Name},
	})
	if where == "" {
		return nil, store.ErrNotFound
	}

	var complete domain.ProductComplete
	var stock sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.name, p.stock, COALESCE(p.image, ''), p.type_id,
		       t.id, t.name, t.price, t.retail_price
		FROM products p
		JOIN product_types t ON t.id = p.type_id
		WHERE `+where+`
		LIMIT 1
	`, args...).Scan(&complete.ID, &complete.Name, &stock, &complete.Image, &complete.TypeID,
		&complete.Type.ID, &complete.Type.Name, &complete.Type.Price, &complete.Type.RetailPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if stock.Valid {
		v := int(stock.Int64)
		complete.Stock = &v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, material_id, quantity
		FROM material_recipes
		WHERE product_id = $1
		ORDER BY id
	`, complete.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.MaterialRecipe
		if err := rows.Scan(&r.ID, &r.ProductID, &r.MaterialID, &r.Quantity); err != nil {
			return nil, err
		}
		complete.Recipe = append(complete.Recipe, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &complete, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product, recipe []domain.MaterialRecipe) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Stock stays untouched here; AdjustProductStock and RetireProduct own it.
	var stock sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, image = $3, type_id = COALESCE(NULLIF($4, ''), type_id)
		WHERE id = $1
		RETURNING stock, type_id
	`, product.ID, product.Name, nullIfEmpty(product.Image), product.TypeID).Scan(&stock, &product.TypeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: product type %s", store.ErrNotFound, product.TypeID)
		}
		return nil, err
	}
	if stock.Valid {
		v := int(stock.Int64)
		product.Stock = &v
	} else {
		product.Stock = nil
	}

	if recipe != nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM material_recipes WHERE product_id = $1`, product.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range recipe {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO material_recipes (id, product_id, material_id, quantity)
				VALUES ($1,$2,$3,$4)
			`, uuid.NewString(), product.ID, r.MaterialID, r.Quantity)
			if err != nil {
				if isForeignKeyViolation(err) {
					return nil, fmt.Errorf("%w: recipe material %s", store.ErrNotFound, r.MaterialID)
				}
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated := product
	return &updated, nil
}

func (s *Store) AdjustProductStock(ctx context.Context, productID string, delta int) (*domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var p domain.Product
	var stock sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, stock, COALESCE(image, ''), type_id
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&p.ID, &p.Name, &stock, &p.Image, &p.TypeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if !stock.Valid {
		return nil, fmt.Errorf("%w: product %s is retired", store.ErrValidation, productID)
	}
	next := int(stock.Int64) + delta
	if next < 0 {
		return nil, &store.InsufficientStockError{ProductID: p.ID, Name: p.Name, Stock: int(stock.Int64), Requested: -delta}
	}

	_, err = tx.ExecContext(ctx, `UPDATE products SET stock = $2 WHERE id = $1`, productID, next)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	p.Stock = &next
	return &p, nil
}

func (s *Store) RetireProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = NULL
		WHERE id = $1
		RETURNING id, name, COALESCE(image, ''), type_id
	`, productID).Scan(&p.ID, &p.Name, &p.Image, &p.TypeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProductTypes(ctx context.Context) ([]domain.ProductType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, price, retail_price
		FROM product_types
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types := make([]domain.ProductType, 0, 16)
	for rows.Next() {
		var t domain.ProductType
		if err := rows.Scan(&t.ID, &t.Name, &t.Price, &t.RetailPrice); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return types, nil
}

func (s *Store) UpdateProductType(ctx context.Context, typeID string, price decimal.Decimal, retailPrice decimal.Decimal) (*domain.ProductType, error) {
	if price.IsNegative() || retailPrice.IsNegative() {
		return nil, fmt.Errorf("%w: prices must not be negative", store.ErrValidation)
	}

	var t domain.ProductType
	err := s.db.QueryRowContext(ctx, `
		UPDATE product_types
		SET price = $2, retail_price = $3
		WHERE id = $1
		RETURNING id, name, price, retail_price
	`, typeID, price, retailPrice).Scan(&t.ID, &t.Name, &t.Price, &t.RetailPrice)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// --- materials ---

func (s *Store) CreateMaterial(ctx context.Context, material domain.Material) (*domain.Material, error) {
	if strings.TrimSpace(material.Name) == "" {
		return nil, fmt.Errorf("%w: material name is required", store.ErrValidation)
	}
	if material.ID == "" {
		material.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materials (id, name, stock, actual_price, type, image, is_removable)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, material.ID, material.Name, material.Stock, material.ActualPrice, material.Type,
		nullIfEmpty(material.Image), material.Removable)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: material %q", store.ErrConflict, material.Name)
		}
		return nil, err
	}

	created := material
	return &created, nil
}

func (s *Store) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, stock, actual_price, type, COALESCE(image, ''), is_removable
		FROM materials
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	materials := make([]domain.Material, 0, 64)
	for rows.Next() {
		var m domain.Material
		if err := rows.Scan(&m.ID, &m.Name, &m.Stock, &m.ActualPrice, &m.Type, &m.Image, &m.Removable); err != nil {
			return nil, err
		}
		materials = append(materials, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return materials, nil
}

func (s *Store) GetMaterial(ctx context.Context, filter domain.MaterialFilter) (*domain.Material, error) {
	where, args := buildWhere([]condition{
		{"id = ", filter.ID},
		{"lower(name) = lower", filter.Name},
	})
	if where == "" {
		return nil, store.ErrNotFound
	}

	var m domain.Material
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, stock, actual_price, type, COALESCE(image, ''), is_removable
		FROM materials
		WHERE `+where+`
		LIMIT 1
	`, args...).Scan(&m.ID, &m.Name, &m.Stock, &m.ActualPrice, &m.Type, &m.Image, &m.Removable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) UpdateMaterial(ctx context.Context, material domain.Material) (*domain.Material, error) {
	if strings.TrimSpace(material.Name) == "" {
		return nil, fmt.Errorf("%w: material name is required", store.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE materials
		SET name = $2, stock = $3, actual_price = $4, type = $5, image = $6, is_removable = $7
		WHERE id = $1
	`, material.ID, material.Name, material.Stock, material.ActualPrice, material.Type,
		nullIfEmpty(material.Image), material.Removable)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := material
	return &updated, nil
}

func (s *Store) DeleteMaterial(ctx context.Context, materialID string) (*domain.Material, error) {
	var m domain.Material
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM materials
		WHERE id = $1 AND is_removable = true
		RETURNING id, name, stock, actual_price, type, COALESCE(image, ''), is_removable
	`, materialID).Scan(&m.ID, &m.Name, &m.Stock, &m.ActualPrice, &m.Type, &m.Image, &m.Removable)
	if err == nil {
		return &m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Distinguish a missing material from a protected one.
	var name string
	err = s.db.QueryRowContext(ctx, `SELECT name FROM materials WHERE id = $1`, materialID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: material %q is not removable", store.ErrConflict, name)
}

func (s *Store) BuyMaterial(ctx context.Context, req domain.MaterialBuyRequest) (*domain.Material, error) {
	if req.Quantity <= 0 || req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: purchase needs a positive quantity and a non-negative price", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var m domain.Material
	err = tx.QueryRowContext(ctx, `
		SELECT id, name, stock, actual_price, type, COALESCE(image, ''), is_removable
		FROM materials
		WHERE id = $1
		FOR UPDATE
	`, req.ID).Scan(&m.ID, &m.Name, &m.Stock, &m.ActualPrice, &m.Type, &m.Image, &m.Removable)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	value := purchaseExpense(m.Type, req.Price, req.Quantity)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, name, value, parent_id, type, date)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, uuid.NewString(), m.Name, value, m.ID, domain.LedgerTypeVariable, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	m.Stock += req.Quantity
	m.ActualPrice = req.Price
	_, err = tx.ExecContext(ctx, `
		UPDATE materials
		SET stock = $2, actual_price = $3
		WHERE id = $1
	`, m.ID, m.Stock, m.ActualPrice)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &m, nil
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

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale, items []domain.SaleItem) (*domain.Sale, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: a sale needs at least one item", store.ErrValidation)
	}
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: item quantity must be at least 1", store.ErrValidation)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var clientName string
	err = tx.QueryRowContext(ctx, `SELECT name FROM clients WHERE id = $1`, sale.ClientID).Scan(&clientName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: client %s", store.ErrNotFound, sale.ClientID)
		}
		return nil, err
	}

	ids := uniqueProductIDs(items)
	productRows, err := tx.QueryContext(ctx, `
		SELECT id, name, stock
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	type productState struct {
		name  string
		stock sql.NullInt64
	}
	productMap := make(map[string]productState, len(ids))
	for productRows.Next() {
		var id string
		var state productState
		if err := productRows.Scan(&id, &state.name, &state.stock); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[id] = state
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	// Verify every line against the locked rows before any write so a short
	// line aborts with nothing persisted. Lines may repeat a product, so each
	// check runs against the remainder left by the previous lines.
	remaining := make(map[string]int, len(ids))
	for _, item := range items {
		p, exists := productMap[item.ID]
		if !exists || !p.stock.Valid {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ID)
		}
		left, seen := remaining[item.ID]
		if !seen {
			left = int(p.stock.Int64)
		}
		if left < item.Quantity {
			return nil, &store.InsufficientStockError{ProductID: item.ID, Name: p.name, Stock: left, Requested: item.Quantity}
		}
		remaining[item.ID] = left - item.Quantity
	}

	if sale.ID == "" {
		sale.ID = uuid.NewString()
	}
	if sale.Date.IsZero() {
		sale.Date = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, date, total, client_id, paid, delivered)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sale.ID, sale.Date, sale.Total, sale.ClientID, sale.Paid, sale.Delivered)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1
			WHERE id = $2
		`, item.Quantity, item.ID)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, product_id, quantity)
			VALUES ($1,$2,$3,$4)
		`, uuid.NewString(), sale.ID, item.ID, item.Quantity)
		if err != nil {
			return nil, err
		}
	}

	if sale.Paid {
		if err := insertSaleLedgerEntry(ctx, tx, sale, clientName); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := sale
	return &created, nil
}

func insertSaleLedgerEntry(ctx context.Context, tx *sql.Tx, sale domain.Sale, clientName string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, name, value, parent_id, type, date)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, uuid.NewString(), clientName, sale.Total, sale.ID, domain.LedgerTypeVariable, sale.Date)
	return err
}

const saleWithClientQuery = `
	SELECT s.id, s.date, s.total, s.client_id, s.paid, s.delivered,
	       c.id, c.name, COALESCE(c.phone, ''), c.lat, c.lon, c.created_at
	FROM sales s
	JOIN clients c ON c.id = s.client_id
`

func (s *Store) ListSales(ctx context.Context) ([]domain.SaleWithClient, error) {
	rows, err := s.db.QueryContext(ctx, saleWithClientQuery+` ORDER BY s.date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSalesWithClient(rows)
}

func (s *Store) ListSalesBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.SaleWithClient, error) {
	rows, err := s.db.QueryContext(ctx, saleWithClientQuery+`
		WHERE s.date >= $1 AND s.date <= $2
		ORDER BY s.date DESC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSalesWithClient(rows)
}

func collectSalesWithClient(rows *sql.Rows) ([]domain.SaleWithClient, error) {
	sales := make([]domain.SaleWithClient, 0, 64)
	for rows.Next() {
		var sc domain.SaleWithClient
		if err := rows.Scan(&sc.Sale.ID, &sc.Date, &sc.Total, &sc.ClientID, &sc.Paid, &sc.Delivered,
			&sc.Client.ID, &sc.Client.Name, &sc.Client.Phone, &sc.Client.Lat, &sc.Client.Lon, &sc.Client.CreatedAt); err != nil {
			return nil, err
		}
		sales = append(sales, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) GetSale(ctx context.Context, filter domain.SaleFilter) (*domain.SaleComplete, error) {
	where, args := buildWhere([]condition{
		{"s.id = ", filter.ID},
		{"s.client_id = ", filter.ClientID},
		{"s.paid = ", filter.Paid},
		{"s.delivered = ", filter.Delivered},
	})
	if where == "" {
		return nil, store.ErrNotFound
	}

	var complete domain.SaleComplete
	err := s.db.QueryRowContext(ctx, saleWithClientQuery+`
		WHERE `+where+`
		ORDER BY s.date DESC
		LIMIT 1
	`, args...).Scan(&complete.Sale.ID, &complete.Date, &complete.Total, &complete.ClientID, &complete.Paid, &complete.Delivered,
		&complete.Client.ID, &complete.Client.Name, &complete.Client.Phone, &complete.Client.Lat, &complete.Client.Lon, &complete.Client.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.sale_id, l.product_id, l.quantity,
		       p.name, t.price, t.name
		FROM sale_lines l
		JOIN products p ON p.id = l.product_id
		JOIN product_types t ON t.id = p.type_id
		WHERE l.sale_id = $1
		ORDER BY l.id
	`, complete.Sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d domain.SaleLineDetail
		if err := rows.Scan(&d.ID, &d.SaleID, &d.ProductID, &d.Quantity, &d.ProductName, &d.UnitPrice, &d.TypeName); err != nil {
			return nil, err
		}
		complete.Items = append(complete.Items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &complete, nil
}

func (s *Store) UpdateSale(ctx context.Context, req domain.SaleUpdateRequest) (*domain.Sale, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}
	if req.Total != nil && req.Total.IsNegative() {
		return nil, fmt.Errorf("%w: total must not be negative", store.ErrValidation)
	}

	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		UPDATE sales
		SET date = COALESCE($2, date),
		    total = COALESCE($3, total),
		    client_id = COALESCE($4, client_id)
		WHERE id = $1
		RETURNING id, date, total, client_id, paid, delivered
	`, req.ID, nullTime(req.Date), nullDecimal(req.Total), nullString(req.ClientID)).
		Scan(&sale.ID, &sale.Date, &sale.Total, &sale.ClientID, &sale.Paid, &sale.Delivered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: client %s", store.ErrNotFound, *req.ClientID)
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) DeleteSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var sale domain.Sale
	err = tx.QueryRowContext(ctx, `
		SELECT id, date, total, client_id, paid, delivered
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(&sale.ID, &sale.Date, &sale.Total, &sale.ClientID, &sale.Paid, &sale.Delivered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	// Restitute stock for every line. Retired products keep their NULL stock.
	_, err = tx.ExecContext(ctx, `
		UPDATE products p
		SET stock = p.stock + l.quantity
		FROM sale_lines l
		WHERE l.sale_id = $1 AND l.product_id = p.id AND p.stock IS NOT NULL
	`, saleID)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE parent_id = $1`, saleID)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	deleted := sale
	return &deleted, nil
}

func (s *Store) ToggleSalePaid(ctx context.Context, saleID string) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var sale domain.Sale
	var clientName string
	err = tx.QueryRowContext(ctx, `
		SELECT s.id, s.date, s.total, s.client_id, s.paid, s.delivered, c.name
		FROM sales s
		JOIN clients c ON c.id = s.client_id
		WHERE s.id = $1
		FOR UPDATE OF s
	`, saleID).Scan(&sale.ID, &sale.Date, &sale.Total, &sale.ClientID, &sale.Paid, &sale.Delivered, &clientName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if sale.Paid {
		_, err = tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE parent_id = $1`, saleID)
		if err != nil {
			return nil, err
		}
		sale.Paid = false
	} else {
		if err := insertSaleLedgerEntry(ctx, tx, sale, clientName); err != nil {
			return nil, err
		}
		sale.Paid = true
	}

	_, err = tx.ExecContext(ctx, `UPDATE sales SET paid = $2 WHERE id = $1`, saleID, sale.Paid)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) ToggleSaleDelivered(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		UPDATE sales
		SET delivered = NOT delivered
		WHERE id = $1
		RETURNING id, date, total, client_id, paid, delivered
	`, saleID).Scan(&sale.ID, &sale.Date, &sale.Total, &sale.ClientID, &sale.Paid, &sale.Delivered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) UpdateSaleLine(ctx context.Context, req domain.SaleLineUpdateRequest) (*domain.SaleLine, error) {
	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: line quantity must be at least 1", store.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var line domain.SaleLine
	err = tx.QueryRowContext(ctx, `
		SELECT id, sale_id, product_id, quantity
		FROM sale_lines
		WHERE id = $1
		FOR UPDATE
	`, req.ID).Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	delta := req.Quantity - line.Quantity
	var name string
	var stock sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT name, stock
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, line.ProductID).Scan(&name, &stock)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil && stock.Valid {
		next := int(stock.Int64) - delta
		if next < 0 {
			return nil, &store.InsufficientStockError{ProductID: line.ProductID, Name: name, Stock: int(stock.Int64), Requested: delta}
		}
		_, err = tx.ExecContext(ctx, `UPDATE products SET stock = $2 WHERE id = $1`, line.ProductID, next)
		if err != nil {
			return nil, err
		}
	}

	line.Quantity = req.Quantity
	_, err = tx.ExecContext(ctx, `UPDATE sale_lines SET quantity = $2 WHERE id = $1`, line.ID, line.Quantity)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &line, nil
}

func (s *Store) DeleteSaleLine(ctx context.Context, lineID string) (*domain.SaleLine, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var line domain.SaleLine
	err = tx.QueryRowContext(ctx, `
		SELECT id, sale_id, product_id, quantity
		FROM sale_lines
		WHERE id = $1
		FOR UPDATE
	`, lineID).Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $1
		WHERE id = $2 AND stock IS NOT NULL
	`, line.Quantity, line.ProductID)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM sale_lines WHERE id = $1`, lineID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &line, nil
}

// --- ledger ---

func (s *Store) CreateLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, name, value, parent_id, type, date)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.Name, entry.Value, nullIfEmpty(entry.ParentID), entry.Type, entry.Date)
	if err != nil {
		return nil, err
	}

	created := entry
	return &created, nil
}

const ledgerQuery = `
	SELECT id, name, value, COALESCE(parent_id, ''), type, date
	FROM ledger_entries
`

func (s *Store) ListLedgerEntries(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, ledgerQuery+` ORDER BY date DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLedger(rows)
}

func (s *Store) ListLedgerEntriesByParent(ctx context.Context, parentID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, ledgerQuery+`
		WHERE parent_id = $1
		ORDER BY date DESC, id
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLedger(rows)
}

func (s *Store) DeleteLedgerEntriesByParent(ctx context.Context, parentID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE parent_id = $1`, parentID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) ListIncome(ctx context.Context, since time.Time) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, ledgerQuery+`
		WHERE value > 0 AND date >= $1
		ORDER BY date DESC, id
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLedger(rows)
}

func (s *Store) ListExpenses(ctx context.Context, since time.Time, entryType string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, ledgerQuery+`
		WHERE value < 0 AND date >= $1 AND ($2 = '' OR type = $2)
		ORDER BY date DESC, id
	`, since, entryType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLedger(rows)
}

func (s *Store) SumLedgerSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(value), 0)
		FROM ledger_entries
		WHERE date >= $1
	`, since).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (s *Store) CreateFixedSpentType(ctx context.Context, t domain.FixedSpentType) (*domain.FixedSpentType, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fixed_spent_types (id, name)
		VALUES ($1,$2)
	`, t.ID, t.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: fixed spent type %q", store.ErrConflict, t.Name)
		}
		return nil, err
	}
	created := t
	return &created, nil
}

func (s *Store) ListFixedSpentTypes(ctx context.Context) ([]domain.FixedSpentType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM fixed_spent_types
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types := make([]domain.FixedSpentType, 0, 16)
	for rows.Next() {
		var t domain.FixedSpentType
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return types, nil
}

func (s *Store) UpdateFixedSpentType(ctx context.Context, t domain.FixedSpentType) (*domain.FixedSpentType, error) {
	var updated domain.FixedSpentType
	err := s.db.QueryRowContext(ctx, `
		UPDATE fixed_spent_types
		SET name = $2
		WHERE id = $1
		RETURNING id, name
	`, t.ID, t.Name).Scan(&updated.ID, &updated.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: fixed spent type %q", store.ErrConflict, t.Name)
		}
		return nil, err
	}
	return &updated, nil
}

func collectLedger(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	entries := make([]domain.LedgerEntry, 0, 64)
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.Value, &e.ParentID, &e.Type, &e.Date); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// --- production ---

func (s *Store) CreateProduction(ctx context.Context, run domain.ProductionRun, details []domain.ProductionDetail) (*domain.ProductionComplete, error) {
	if len(details) == 0 {
		return nil, fmt.Errorf("%w: a production run needs at least one detail", store.ErrValidation)
	}
	for _, d := range details {
		if d.Quantity < 1 {
			return nil, fmt.Errorf("%w: production quantity must be at least 1", store.ErrValidation)
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	separatorsID, err := materialIDByName(ctx, tx, domain.MaterialNameSeparators)
	if err != nil {
		return nil, fmt.Errorf("packaging: %w", err)
	}
	bagsID, err := materialIDByName(ctx, tx, domain.MaterialNameBags)
	if err != nil {
		return nil, fmt.Errorf("packaging: %w", err)
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Date.IsZero() {
		run.Date = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO productions (id, date)
		VALUES ($1,$2)
	`, run.ID, run.Date)
	if err != nil {
		return nil, err
	}

	stored := make([]domain.ProductionDetail, 0, len(details))
	for _, d := range details {
		var name string
		var stock sql.NullInt64
		err = tx.QueryRowContext(ctx, `
			SELECT name, stock
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, d.ProductID).Scan(&name, &stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, d.ProductID)
			}
			return nil, err
		}
		if !stock.Valid {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, d.ProductID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1
			WHERE id = $2
		`, d.Quantity, d.ProductID)
		if err != nil {
			return nil, err
		}

		// Consume the recipe in one pass: every recipe material loses
		// quantity-per-package times the produced count.
		_, err = tx.ExecContext(ctx, `
			UPDATE materials m
			SET stock = m.stock - r.quantity * $2
			FROM material_recipes r
			WHERE r.product_id = $1 AND r.material_id = m.id
		`, d.ProductID, d.Quantity)
		if err != nil {
			return nil, err
		}

		labelID, err := materialIDByName(ctx, tx, domain.LabelPrefix+name)
		if err != nil {
			return nil, fmt.Errorf("label material for %q: %w", name, err)
		}
		for _, consumption := range []struct {
			materialID string
			qty        int
		}{
			{separatorsID, d.Quantity * domain.SeparatorsPerPackage},
			{bagsID, d.Quantity},
			{labelID, d.Quantity},
		} {
			_, err = tx.ExecContext(ctx, `
				UPDATE materials
				SET stock = stock - $1
				WHERE id = $2
			`, consumption.qty, consumption.materialID)
			if err != nil {
				return nil, err
			}
		}

		d.ID = uuid.NewString()
		d.ProductionID = run.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO production_details (id, production_id, product_id, quantity)
			VALUES ($1,$2,$3,$4)
		`, d.ID, d.ProductionID, d.ProductID, d.Quantity)
		if err != nil {
			return nil, err
		}
		stored = append(stored, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	complete := domain.ProductionComplete{Data: run, Details: stored}
	return &complete, nil
}

func materialIDByName(ctx context.Context, tx *sql.Tx, name string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id
		FROM materials
		WHERE lower(name) = lower($1)
		FOR UPDATE
	`, name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: material %q", store.ErrNotFound, name)
		}
		return "", err
	}
	return id, nil
}

func (s *Store) ListProductions(ctx context.Context) ([]domain.ProductionComplete, error) {
	runRows, err := s.db.QueryContext(ctx, `
		SELECT id, date
		FROM productions
		ORDER BY date DESC
	`)
	if err != nil {
		return nil, err
	}
	defer runRows.Close()

	runs := make([]domain.ProductionComplete, 0, 32)
	index := make(map[string]int)
	for runRows.Next() {
		var run domain.ProductionRun
		if err := runRows.Scan(&run.ID, &run.Date); err != nil {
			return nil, err
		}
		index[run.ID] = len(runs)
		runs = append(runs, domain.ProductionComplete{Data: run})
	}
	if err := runRows.Err(); err != nil {
		return nil, err
	}

	detailRows, err := s.db.QueryContext(ctx, `
		SELECT id, production_id, product_id, quantity
		FROM production_details
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer detailRows.Close()
	for detailRows.Next() {
		var d domain.ProductionDetail
		if err := detailRows.Scan(&d.ID, &d.ProductionID, &d.ProductID, &d.Quantity); err != nil {
			return nil, err
		}
		if i, ok := index[d.ProductionID]; ok {
			runs[i].Details = append(runs[i].Details, d)
		}
	}
	if err := detailRows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// --- audit log ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, description, user_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, entry.ID, entry.Action, entry.Description, nullIfEmpty(entry.UserID), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, description, COALESCE(user_id, ''), created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Description, &entry.UserID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}

// --- statistics ---

func (s *Store) ProductSalesStats(ctx context.Context, from time.Time, to time.Time) ([]domain.ProductStatistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, COALESCE(SUM(l.quantity), 0), COALESCE(SUM(l.quantity * t.price), 0)
		FROM sale_lines l
		JOIN sales s ON s.id = l.sale_id
		JOIN products p ON p.id = l.product_id
		JOIN product_types t ON t.id = p.type_id
		WHERE s.date >= $1 AND s.date <= $2
		GROUP BY p.name
		ORDER BY SUM(l.quantity) DESC, p.name
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]domain.ProductStatistics, 0, 32)
	for rows.Next() {
		var stat domain.ProductStatistics
		if err := rows.Scan(&stat.Name, &stat.QuantitySold, &stat.TotalAmount); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *Store) ClientPurchaseStats(ctx context.Context, from time.Time, to time.Time) ([]domain.ClientStatistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, COUNT(s.id), COALESCE(SUM(li.qty), 0), COALESCE(SUM(s.total), 0)
		FROM sales s
		JOIN clients c ON c.id = s.client_id
		LEFT JOIN LATERAL (
			SELECT SUM(quantity) AS qty FROM sale_lines WHERE sale_id = s.id
		) li ON true
		WHERE s.date >= $1 AND s.date <= $2 AND lower(c.name) <> lower($3)
		GROUP BY c.name
		ORDER BY SUM(s.total) DESC, c.name
	`, from, to, domain.WalkInClientName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]domain.ClientStatistics, 0, 32)
	for rows.Next() {
		var stat domain.ClientStatistics
		if err := rows.Scan(&stat.Name, &stat.QuantityPurchases, &stat.QuantityProducts, &stat.TotalAmount); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *Store) GeneralStats(ctx context.Context, from time.Time, to time.Time) (domain.GeneralStatistics, error) {
	var stats domain.GeneralStatistics
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(s.id), COALESCE(SUM(s.total), 0), COALESCE(SUM(li.qty), 0)
		FROM sales s
		LEFT JOIN LATERAL (
			SELECT SUM(quantity) AS qty FROM sale_lines WHERE sale_id = s.id
		) li ON true
		WHERE s.date >= $1 AND s.date <= $2
	`, from, to).Scan(&stats.SalesQuantity, &stats.IncomesTotal, &stats.ProductsSold)
	if err != nil {
		return domain.GeneralStatistics{}, err
	}
	return stats, nil
}

// --- users ---

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, name, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.ID, user.Username, user.Password, user.Name, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %q", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password, name, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.Password, &user.Name, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// --- helpers ---

func uniqueProductIDs(items []domain.SaleItem) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		ids = append(ids, item.ID)
	}
	return ids
}

// condition pairs a SQL fragment with an optional value; buildWhere keeps
// only the set ones. The fragment ends right before the placeholder, e.g.
// "s.paid = " or "lower(name) = lower".
type condition struct {
	fragment string
	value    any
}

func buildWhere(conditions []condition) (string, []any) {
	parts := make([]string, 0, len(conditions))
	args := make([]any, 0, len(conditions))
	for _, c := range conditions {
		var val any
		switch v := c.value.(type) {
		case *string:
			if v == nil {
				continue
			}
			val = *v
		case *bool:
			if v == nil {
				continue
			}
			val = *v
		default:
			continue
		}
		args = append(args, val)
		placeholder := fmt.Sprintf("$%d", len(args))
		if strings.HasSuffix(c.fragment, "lower") {
			parts = append(parts, c.fragment+"("+placeholder+")")
		} else {
			parts = append(parts, c.fragment+placeholder)
		}
	}
	return strings.Join(parts, " AND "), args
}

func scanProduct(rows *sql.Rows) (domain.Product, error) {
	var p domain.Product
	var stock sql.NullInt64
	if err := rows.Scan(&p.ID, &p.Name, &stock, &p.Image, &p.TypeID); err != nil {
		return domain.Product{}, err
	}
	if stock.Valid {
		v := int(stock.Int64)
		p.Stock = &v
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullString(val *string) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
