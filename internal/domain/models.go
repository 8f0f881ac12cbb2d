package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	CreatedAt time.Time `json:"created_at"`
}

type ClientFilter struct {
	ID   *string `json:"id,omitempty"`
	Name *string `json:"name,omitempty"`
}

type ProductType struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	RetailPrice decimal.Decimal `json:"retail_price"`
}

// Product.Stock is nullable: a nil stock marks a retired product that must
// no longer be sold but stays referenced by historical sale lines.
type Product struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Stock  *int   `json:"stock"`
	Image  string `json:"image,omitempty"`
	TypeID string `json:"type_id"`
}

type ProductFilter struct {
	ID   *string `json:"id,omitempty"`
	Name *string `json:"name,omitempty"`
}

type MaterialRecipe struct {
	ID         string  `json:"id"`
	ProductID  string  `json:"product_id"`
	MaterialID string  `json:"material_id"`
	Quantity   float64 `json:"quantity"`
}

type ProductComplete struct {
	Product
	Type   ProductType      `json:"type"`
	Recipe []MaterialRecipe `json:"recipe,omitempty"`
}

type ProductCreateRequest struct {
	Name   string           `json:"name"`
	Stock  int              `json:"stock"`
	Image  string           `json:"image,omitempty"`
	TypeID string           `json:"type_id"`
	Recipe []MaterialRecipe `json:"recipe,omitempty"`
}

type ProductUpdateRequest struct {
	ID     string           `json:"id"`
	Name   *string          `json:"name,omitempty"`
	Image  *string          `json:"image,omitempty"`
	TypeID *string          `json:"type_id,omitempty"`
	Recipe []MaterialRecipe `json:"recipe,omitempty"`
}

type StockAdjustment struct {
	ID    string `json:"id"`
	Delta int    `json:"delta"`
}

// Material stock is measured in grams for ingredients and in units for
// packaging/cleaning supplies; the Type field tells them apart.
type Material struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Stock       float64         `json:"stock"`
	ActualPrice decimal.Decimal `json:"actual_price"`
	Type        string          `json:"type"`
	Image       string          `json:"image,omitempty"`
	Removable   bool            `json:"is_removable"`
}

type MaterialFilter struct {
	ID   *string `json:"id,omitempty"`
	Name *string `json:"name,omitempty"`
}

type MaterialBuyRequest struct {
	ID       string          `json:"id"`
	Price    decimal.Decimal `json:"price"`
	Quantity float64         `json:"quantity"`
}

type Sale struct {
	ID        string          `json:"id"`
	Date      time.Time       `json:"date"`
	Total     decimal.Decimal `json:"total"`
	ClientID  string          `json:"client_id"`
	Paid      bool            `json:"paid"`
	Delivered bool            `json:"delivered"`
}

type SaleLine struct {
	ID        string `json:"id"`
	SaleID    string `json:"sale_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

type SaleCreateRequest struct {
	Data  Sale       `json:"data"`
	Items []SaleItem `json:"items"`
}

type SaleUpdateRequest struct {
	ID       string           `json:"id"`
	Date     *time.Time       `json:"date,omitempty"`
	Total    *decimal.Decimal `json:"total,omitempty"`
	ClientID *string          `json:"client_id,omitempty"`
}

type SaleLineUpdateRequest struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

// SaleFilter is a query-by-example filter: every non-nil field must match.
type SaleFilter struct {
	ID        *string `json:"id,omitempty"`
	ClientID  *string `json:"client_id,omitempty"`
	Paid      *bool   `json:"paid,omitempty"`
	Delivered *bool   `json:"delivered,omitempty"`
}

type SaleWithClient struct {
	Sale
	Client Client `json:"client"`
}

type SaleLineDetail struct {
	SaleLine
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TypeName    string          `json:"type_name"`
}

type SaleComplete struct {
	SaleWithClient
	Items []SaleLineDetail `json:"items"`
}

// LedgerEntry value is signed: positive entries are income, negative are
// expenses. ParentID ties an entry to the sale (or material purchase) that
// produced it and is empty for standalone entries.
type LedgerEntry struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Value    decimal.Decimal `json:"value"`
	ParentID string          `json:"parent_id,omitempty"`
	Type     string          `json:"type"`
	Date     time.Time       `json:"date"`
}

// FixedSpentType is a named category for recurring "Fijo" expenses (rent,
// utilities); standalone ledger entries reference it by name.
type FixedSpentType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ProductionRun struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`
}

type ProductionDetail struct {
	ID           string `json:"id"`
	ProductionID string `json:"production_id"`
	ProductID    string `json:"product_id"`
	Quantity     int    `json:"quantity"`
}

type ProductionComplete struct {
	Data    ProductionRun      `json:"data"`
	Details []ProductionDetail `json:"details"`
}

type ProductionCreateRequest struct {
	Date    time.Time          `json:"date"`
	Details []ProductionDetail `json:"details"`
}

type AuditLog struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID        string
	Username  string
	Password  string
	Name      string
	CreatedAt time.Time
}

type Actor struct {
	ID       string
	Username string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
	ExpiresAt   string `json:"expires_at"`
}

type ProductStatistics struct {
	Name         string          `json:"name"`
	QuantitySold int             `json:"quantity_sold"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
}

type ClientStatistics struct {
	Name              string          `json:"name"`
	QuantityPurchases int             `json:"quantity_purchases"`
	QuantityProducts  int             `json:"quantity_products"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
}

type GeneralStatistics struct {
	SalesQuantity int             `json:"sales_quantity"`
	IncomesTotal  decimal.Decimal `json:"incomes_total"`
	ProductsSold  int             `json:"products_sold"`
}

// StatsQuery selects either an explicit [Start, End] window or a named
// relative range; an explicit window wins when both are set.
type StatsQuery struct {
	Range string
	Start *time.Time
	End   *time.Time
}

type BalanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

const (
	LedgerTypeVariable = "Variable"
	LedgerTypeFixed    = "Fijo"
)

const (
	MaterialTypeCleaning   = "Limpieza"
	MaterialTypeIngredient = "Ingrediente"
)

const (
	RangeWeek  = "7days"
	RangeMonth = "30days"
	RangeYear  = "1year"
)

// WalkInClientName is the synthetic client used for anonymous counter sales;
// it is excluded from per-client statistics.
const WalkInClientName = "PARTICULAR"

// Well-known packaging materials consumed per produced package. Labels are
// per product, named LabelPrefix + product name.
const (
	MaterialNameSeparators = "Separadores"
	MaterialNameBags       = "Bolsas"
	LabelPrefix            = "Etiquetas "

	SeparatorsPerPackage = 4
)
