package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mitienda/backend/internal/domain"
	"mitienda/backend/internal/store"
)

func seededFixture(t *testing.T) (*Store, domain.Product, domain.Client) {
	t.Helper()
	s := NewSeeded()

	products, err := s.ListProducts(context.Background())
	if err != nil || len(products) == 0 {
		t.Fatalf("seed products: %v", err)
	}
	clients, err := s.ListClients(context.Background())
	if err != nil || len(clients) == 0 {
		t.Fatalf("seed clients: %v", err)
	}
	return s, products[0], clients[0]
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	s, product, client := seededFixture(t)
	ctx := context.Background()

	current, err := s.GetProduct(ctx, domain.ProductFilter{ID: &product.ID})
	if err != nil || current.Stock == nil {
		t.Fatalf("get product: %v", err)
	}
	if _, err := s.AdjustProductStock(ctx, product.ID, 10-*current.Stock); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	const attempts = 30
	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSale(ctx, domain.Sale{
				Date:     time.Now().UTC(),
				Total:    decimal.NewFromInt(1200),
				ClientID: client.ID,
			}, []domain.SaleItem{{ID: product.ID, Quantity: 1}})
			if err == nil {
				mu.Lock()
				sold++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if sold != 10 {
		t.Fatalf("expected exactly 10 sales to go through, got %d", sold)
	}
	after, err := s.GetProduct(ctx, domain.ProductFilter{ID: &product.ID})
	if err != nil || after.Stock == nil {
		t.Fatalf("get product: %v", err)
	}
	if *after.Stock != 0 {
		t.Fatalf("expected stock 0 after selling out, got %d", *after.Stock)
	}
}

func TestCreateSaleDuplicateLinesNeverDriveStockNegative(t *testing.T) {
	s, product, client := seededFixture(t)
	ctx := context.Background()

	current, err := s.GetProduct(ctx, domain.ProductFilter{ID: &product.ID})
	if err != nil || current.Stock == nil {
		t.Fatalf("get product: %v", err)
	}
	if _, err := s.AdjustProductStock(ctx, product.ID, 10-*current.Stock); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	_, err = s.CreateSale(ctx, domain.Sale{
		Date:     time.Now().UTC(),
		Total:    decimal.NewFromInt(14400),
		ClientID: client.ID,
	}, []domain.SaleItem{
		{ID: product.ID, Quantity: 6},
		{ID: product.ID, Quantity: 6},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	after, err := s.GetProduct(ctx, domain.ProductFilter{ID: &product.ID})
	if err != nil || after.Stock == nil {
		t.Fatalf("get product: %v", err)
	}
	if *after.Stock != 10 {
		t.Fatalf("stock must stay 10 after rejected duplicate lines, got %d", *after.Stock)
	}

	sales, err := s.ListSales(ctx)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("rejected sale must not persist, got %d sales", len(sales))
	}
}

func TestDeleteSaleSkipsRetiredProducts(t *testing.T) {
	s, product, client := seededFixture(t)
	ctx := context.Background()

	sale, err := s.CreateSale(ctx, domain.Sale{
		Date:     time.Now().UTC(),
		Total:    decimal.NewFromInt(1200),
		ClientID: client.ID,
	}, []domain.SaleItem{{ID: product.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := s.RetireProduct(ctx, product.ID); err != nil {
		t.Fatalf("retire product: %v", err)
	}

	// Restitution must not resurrect a retired product's stock.
	if _, err := s.DeleteSale(ctx, sale.ID); err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	retired, err := s.GetProduct(ctx, domain.ProductFilter{ID: &product.ID})
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if retired.Stock != nil {
		t.Fatalf("retired product should keep nil stock, got %v", *retired.Stock)
	}
}

func TestCreateUserRejectsDuplicates(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	err := s.CreateUser(ctx, domain.UserAccount{Username: "admin", Password: "hash"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for duplicate username, got %v", err)
	}

	if err := s.CreateUser(ctx, domain.UserAccount{Username: "cashier", Password: "hash"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	user, err := s.GetUserByUsername(ctx, "cashier")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.ID == "" || user.CreatedAt.IsZero() {
		t.Fatalf("created user should get id and timestamp: %+v", user)
	}
}

func TestLedgerCascadeCount(t *testing.T) {
	s, product, client := seededFixture(t)
	ctx := context.Background()

	sale, err := s.CreateSale(ctx, domain.Sale{
		Date:     time.Now().UTC(),
		Total:    decimal.NewFromInt(2400),
		ClientID: client.ID,
		Paid:     true,
	}, []domain.SaleItem{{ID: product.ID, Quantity: 1}})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	deleted, err := s.DeleteLedgerEntriesByParent(ctx, sale.ID)
	if err != nil {
		t.Fatalf("delete by parent: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected one cascaded entry, got %d", deleted)
	}

	deleted, err = s.DeleteLedgerEntriesByParent(ctx, sale.ID)
	if err != nil {
		t.Fatalf("delete by parent again: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("second cascade should delete nothing, got %d", deleted)
	}
}
