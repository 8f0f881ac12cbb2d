package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mitienda/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid input")
	ErrConflict          = errors.New("already exists")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError names the first sale line that could not be covered
// by live stock. It unwraps to ErrInsufficientStock so callers can match with
// errors.Is without caring which product fell short.
type InsufficientStockError struct {
	ProductID string
	Name      string
	Stock     int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (%s): have %d, want %d", e.Name, e.ProductID, e.Stock, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// Repository is the persistence boundary. Multi-step mutations (sale
// creation/deletion, paid toggling, material purchases, production runs) are
// atomic inside the implementation: they either fully commit or leave no
// observable state behind.
type Repository interface {
	CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error)
	ListClients(ctx context.Context) ([]domain.Client, error)
	GetClient(ctx context.Context, filter domain.ClientFilter) (*domain.Client, error)

	CreateProduct(ctx context.Context, product domain.Product, recipe []domain.MaterialRecipe) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, filter domain.ProductFilter) (*domain.ProductComplete, error)
	UpdateProduct(ctx context.Context, product domain.Product, recipe []domain.MaterialRecipe) (*domain.Product, error)
	AdjustProductStock(ctx context.Context, productID string, delta int) (*domain.Product, error)
	RetireProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListProductTypes(ctx context.Context) ([]domain.ProductType, error)
	UpdateProductType(ctx context.Context, typeID string, price decimal.Decimal, retailPrice decimal.Decimal) (*domain.ProductType, error)

	CreateMaterial(ctx context.Context, material domain.Material) (*domain.Material, error)
	ListMaterials(ctx context.Context) ([]domain.Material, error)
	GetMaterial(ctx context.Context, filter domain.MaterialFilter) (*domain.Material, error)
	UpdateMaterial(ctx context.Context, material domain.Material) (*domain.Material, error)
	DeleteMaterial(ctx context.Context, materialID string) (*domain.Material, error)
	BuyMaterial(ctx context.Context, req domain.MaterialBuyRequest) (*domain.Material, error)

	CreateSale(ctx context.Context, sale domain.Sale, items []domain.SaleItem) (*domain.Sale, error)
	ListSales(ctx context.Context) ([]domain.SaleWithClient, error)
	ListSalesBetween(ctx context.Context, from time.Time, to time.Time) ([]domain.SaleWithClient, error)
	GetSale(ctx context.Context, filter domain.SaleFilter) (*domain.SaleComplete, error)
	UpdateSale(ctx context.Context, req domain.SaleUpdateRequest) (*domain.Sale, error)
	DeleteSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ToggleSalePaid(ctx context.Context, saleID string) (*domain.Sale, error)
	ToggleSaleDelivered(ctx context.Context, saleID string) (*domain.Sale, error)
	UpdateSaleLine(ctx context.Context, req domain.SaleLineUpdateRequest) (*domain.SaleLine, error)
	DeleteSaleLine(ctx context.Context, lineID string) (*domain.SaleLine, error)

	CreateLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context) ([]domain.LedgerEntry, error)
	ListLedgerEntriesByParent(ctx context.Context, parentID string) ([]domain.LedgerEntry, error)
	DeleteLedgerEntriesByParent(ctx context.Context, parentID string) (int, error)
	ListIncome(ctx context.Context, since time.Time) ([]domain.LedgerEntry, error)
	ListExpenses(ctx context.Context, since time.Time, entryType string) ([]domain.LedgerEntry, error)
	SumLedgerSince(ctx context.Context, since time.Time) (decimal.Decimal, error)

	CreateFixedSpentType(ctx context.Context, t domain.FixedSpentType) (*domain.FixedSpentType, error)
	ListFixedSpentTypes(ctx context.Context) ([]domain.FixedSpentType, error)
	UpdateFixedSpentType(ctx context.Context, t domain.FixedSpentType) (*domain.FixedSpentType, error)

	CreateProduction(ctx context.Context, run domain.ProductionRun, details []domain.ProductionDetail) (*domain.ProductionComplete, error)
	ListProductions(ctx context.Context) ([]domain.ProductionComplete, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	ProductSalesStats(ctx context.Context, from time.Time, to time.Time) ([]domain.ProductStatistics, error)
	ClientPurchaseStats(ctx context.Context, from time.Time, to time.Time) ([]domain.ClientStatistics, error)
	GeneralStats(ctx context.Context, from time.Time, to time.Time) (domain.GeneralStatistics, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
}
