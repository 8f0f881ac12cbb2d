// Package service holds the business rules on top of store.Repository: sale
// creation and lifecycle, production, purchases, ledger and statistics.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"mitienda/backend/internal/cache"
	"mitienda/backend/internal/domain"
	"mitienda/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const statsCacheTTL = 5 * time.Minute

type Service struct {
	repo  store.Repository
	stats cache.StatisticsCache
	log   *zap.Logger
}

func New(repo store.Repository, statsCache cache.StatisticsCache, logger *zap.Logger) *Service {
	if statsCache == nil {
		statsCache = cache.NoopStatisticsCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:  repo,
		stats: statsCache,
		log:   logger,
	}
}

// --- sales ---

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: a sale needs at least one item", store.ErrValidation)
	}
	if req.Data.ClientID == "" {
		return domain.Sale{}, fmt.Errorf("%w: client id is required", store.ErrValidation)
	}
	if req.Data.Total.IsNegative() {
		return domain.Sale{}, fmt.Errorf("%w: total must not be negative", store.ErrValidation)
	}

	created, err := s.repo.CreateSale(ctx, req.Data, req.Items)
	if err != nil {
		return domain.Sale{}, err
	}

	s.log.Info("sale created",
		zap.String("sale_id", created.ID),
		zap.String("client_id", created.ClientID),
		zap.Int("items", len(req.Items)),
		zap.Bool("paid", created.Paid))
	s.logAudit(ctx, "sale_create", fmt.Sprintf("sale %s for client %s, %d lines, total %s", created.ID, created.ClientID, len(req.Items), created.Total))

	return *created, nil
}

func (s *Service) ListSales(ctx context.Context) ([]domain.SaleWithClient, error) {
	return s.repo.ListSales(ctx)
}

func (s *Service) ListSalesLastWeek(ctx context.Context) ([]domain.SaleWithClient, error) {
	now := time.Now().UTC()
	return s.repo.ListSalesBetween(ctx, now.AddDate(0, 0, -7), now)
}

func (s *Service) GetSale(ctx context.Context, filter domain.SaleFilter) (domain.SaleComplete, error) {
	sale, err := s.repo.GetSale(ctx, filter)
	if err != nil {
		return domain.SaleComplete{}, err
	}
	return *sale, nil
}

func (s *Service) UpdateSale(ctx context.Context, req domain.SaleUpdateRequest) (domain.Sale, error) {
	updated, err := s.repo.UpdateSale(ctx, req)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(ctx, "sale_update", "sale "+updated.ID+" header updated")
	return *updated, nil
}

func (s *Service) DeleteSale(ctx context.Context, saleID string) (domain.Sale, error) {
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}

	deleted, err := s.repo.DeleteSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	s.log.Info("sale deleted", zap.String("sale_id", saleID))
	s.logAudit(ctx, "sale_delete", "sale "+saleID+" deleted, stock restituted")
	return *deleted, nil
}

func (s *Service) ToggleSalePaid(ctx context.Context, saleID string) (domain.Sale, error) {
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}

	toggled, err := s.repo.ToggleSalePaid(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_paid_toggle", fmt.Sprintf("sale %s paid=%t", saleID, toggled.Paid))
	return *toggled, nil
}

func (s *Service) ToggleSaleDelivered(ctx context.Context, saleID string) (domain.Sale, error) {
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrValidation)
	}

	toggled, err := s.repo.ToggleSaleDelivered(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_delivered_toggle", fmt.Sprintf("sale %s delivered=%t", saleID, toggled.Delivered))
	return *toggled, nil
}

func (s *Service) UpdateSaleLine(ctx context.Context, req domain.SaleLineUpdateRequest) (domain.SaleLine, error) {
	if req.ID == "" {
		return domain.SaleLine{}, fmt.Errorf("%w: line id is required", store.ErrValidation)
	}

	updated, err := s.repo.UpdateSaleLine(ctx, req)
	if err != nil {
		return domain.SaleLine{}, err
	}

	s.logAudit(ctx, "sale_line_update", fmt.Sprintf("line %s quantity set to %d", updated.ID, updated.Quantity))
	return *updated, nil
}

func (s *Service) DeleteSaleLine(ctx context.Context, lineID string) (domain.SaleLine, error) {
	if lineID == "" {
		return domain.SaleLine{}, fmt.Errorf("%w: line id is required", store.ErrValidation)
	}

	deleted, err := s.repo.DeleteSaleLine(ctx, lineID)
	if err != nil {
		return domain.SaleLine{}, err
	}

	s.logAudit(ctx, "sale_line_delete", "line "+lineID+" deleted, stock restituted")
	return *deleted, nil
}

// --- products ---

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.TypeID == "" {
		return domain.Product{}, fmt.Errorf("%w: product name and type are required", store.ErrValidation)
	}
	if req.Stock < 0 {
		return domain.Product{}, fmt.Errorf("%w: stock must not be negative", store.ErrValidation)
	}

	stock := req.Stock
	product := domain.Product{
		Name:   req.Name,
		Stock:  &stock,
		Image:  req.Image,
		TypeID: req.TypeID,
	}
	created, err := s.repo.CreateProduct(ctx, product, req.Recipe)
	if err != nil {
		return domain.Product{}, err
	}

	// Every product gets its own label material, consumed one per package
	// during production.
	label := domain.Material{
		Name:        domain.LabelPrefix + created.Name,
		Stock:       0,
		ActualPrice: decimal.NewFromInt(1000),
		Type:        domain.MaterialTypeCleaning,
		Image:       created.Image,
		Removable:   false,
	}
	if _, err := s.repo.CreateMaterial(ctx, label); err != nil {
		s.log.Warn("label material creation failed",
			zap.String("product_id", created.ID),
			zap.String("label", label.Name),
			zap.Error(err))
	}

	s.logAudit(ctx, "product_create", fmt.Sprintf("product %q created with stock %d", created.Name, req.Stock))
	return *created, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, filter domain.ProductFilter) (domain.ProductComplete, error) {
	product, err := s.repo.GetProduct(ctx, filter)
	if err != nil {
		return domain.ProductComplete{}, err
	}
	return *product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, req domain.ProductUpdateRequest) (domain.Product, error) {
	if req.ID == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", store.ErrValidation)
	}

	existing, err := s.repo.GetProduct(ctx, domain.ProductFilter{ID: &req.ID})
	if err != nil {
		return domain.Product{}, err
	}

	product := existing.Product
	if req.Name != nil {
		product.Name = strings.TrimSpace(*req.Name)
	}
	if req.Image != nil {
		product.Image = *req.Image
	}
	if req.TypeID != nil {
		product.TypeID = *req.TypeID
	}

	updated, err := s.repo.UpdateProduct(ctx, product, req.Recipe)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", fmt.Sprintf("product %q updated", updated.Name))
	return *updated, nil
}

func (s *Service) AdjustProductStock(ctx context.Context, adj domain.StockAdjustment) (domain.Product, error) {
	if adj.ID == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", store.ErrValidation)
	}
	if adj.Delta == 0 {
		return domain.Product{}, fmt.Errorf("%w: delta must not be zero", store.ErrValidation)
	}

	adjusted, err := s.repo.AdjustProductStock(ctx, adj.ID, adj.Delta)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_stock_adjust", fmt.Sprintf("product %q stock adjusted by %d", adjusted.Name, adj.Delta))
	return *adjusted, nil
}

func (s *Service) RetireProduct(ctx context.Context, productID string) (domain.Product, error) {
	if productID == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", store.ErrValidation)
	}

	retired, err := s.repo.RetireProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_retire", fmt.Sprintf("product %q retired", retired.Name))
	return *retired, nil
}

func (s *Service) ListProductTypes(ctx context.Context) ([]domain.ProductType, error) {
	return s.repo.ListProductTypes(ctx)
}

func (s *Service) UpdateProductType(ctx context.Context, t domain.ProductType) (domain.ProductType, error) {
	if t.ID == "" {
		return domain.ProductType{}, fmt.Errorf("%w: type id is required", store.ErrValidation)
	}

	updated, err := s.repo.UpdateProductType(ctx, t.ID, t.Price, t.RetailPrice)
	if err != nil {
		return domain.ProductType{}, err
	}

	s.logAudit(ctx, "product_type_update", fmt.Sprintf("type %q repriced to %s / %s", updated.Name, updated.Price, updated.RetailPrice))
	return *updated, nil
}

// --- materials ---

func (s *Service) CreateMaterial(ctx context.Context, material domain.Material) (domain.Material, error) {
	material.Name = strings.TrimSpace(material.Name)
	if material.Type == "" {
		material.Type = domain.MaterialTypeIngredient
	}

	created, err := s.repo.CreateMaterial(ctx, material)
	if err != nil {
		return domain.Material{}, err
	}

	s.logAudit(ctx, "material_create", fmt.Sprintf("material %q created", created.Name))
	return *created, nil
}

func (s *Service) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	return s.repo.ListMaterials(ctx)
}

func (s *Service) GetMaterial(ctx context.Context, filter domain.MaterialFilter) (domain.Material, error) {
	material, err := s.repo.GetMaterial(ctx, filter)
	if err != nil {
		return domain.Material{}, err
	}
	return *material, nil
}

func (s *Service) UpdateMaterial(ctx context.Context, material domain.Material) (domain.Material, error) {
	if material.ID == "" {
		return domain.Material{}, fmt.Errorf("%w: material id is required", store.ErrValidation)
	}

	updated, err := s.repo.UpdateMaterial(ctx, material)
	if err != nil {
		return domain.Material{}, err
	}

	s.logAudit(ctx, "material_update", fmt.Sprintf("material %q updated", updated.Name))
	return *updated, nil
}

func (s *Service) DeleteMaterial(ctx context.Context, materialID string) (domain.Material, error) {
	if materialID == "" {
		return domain.Material{}, fmt.Errorf("%w: material id is required", store.ErrValidation)
	}

	deleted, err := s.repo.DeleteMaterial(ctx, materialID)
	if err != nil {
		return domain.Material{}, err
	}

	s.logAudit(ctx, "material_delete", fmt.Sprintf("material %q deleted", deleted.Name))
	return *deleted, nil
}

func (s *Service) BuyMaterial(ctx context.Context, req domain.MaterialBuyRequest) (domain.Material, error) {
	if req.ID == "" {
		return domain.Material{}, fmt.Errorf("%w: material id is required", store.ErrValidation)
	}

	bought, err := s.repo.BuyMaterial(ctx, req)
	if err != nil {
		return domain.Material{}, err
	}

	s.log.Info("material bought",
		zap.String("material_id", bought.ID),
		zap.Float64("quantity", req.Quantity),
		zap.String("price", req.Price.String()))
	s.logAudit(ctx, "material_buy", fmt.Sprintf("bought %.0f of %q at %s", req.Quantity, bought.Name, req.Price))
	return *bought, nil
}

// --- production ---

func (s *Service) CreateProduction(ctx context.Context, req domain.ProductionCreateRequest) (domain.ProductionComplete, error) {
	if len(req.Details) == 0 {
		return domain.ProductionComplete{}, fmt.Errorf("%w: a production run needs at least one detail", store.ErrValidation)
	}

	run := domain.ProductionRun{Date: req.Date}
	created, err := s.repo.CreateProduction(ctx, run, req.Details)
	if err != nil {
		return domain.ProductionComplete{}, err
	}

	s.log.Info("production run recorded",
		zap.String("production_id", created.Data.ID),
		zap.Int("details", len(created.Details)))
	s.logAudit(ctx, "production_create", fmt.Sprintf("production %s with %d details", created.Data.ID, len(created.Details)))
	return *created, nil
}

func (s *Service) ListProductions(ctx context.Context) ([]domain.ProductionComplete, error) {
	return s.repo.ListProductions(ctx)
}

// --- clients ---

func (s *Service) CreateClient(ctx context.Context, client domain.Client) (domain.Client, error) {
	client.Name = strings.TrimSpace(client.Name)

	created, err := s.repo.CreateClient(ctx, client)
	if err != nil {
		return domain.Client{}, err
	}

	s.logAudit(ctx, "client_create", fmt.Sprintf("client %q created", created.Name))
	return *created, nil
}

func (s *Service) ListClients(ctx context.Context) ([]domain.Client, error) {
	return s.repo.ListClients(ctx)
}

func (s *Service) GetClient(ctx context.Context, filter domain.ClientFilter) (domain.Client, error) {
	client, err := s.repo.GetClient(ctx, filter)
	if err != nil {
		return domain.Client{}, err
	}
	return *client, nil
}

// --- ledger ---

func (s *Service) CreateLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.Type == "" {
		entry.Type = domain.LedgerTypeVariable
	}

	created, err := s.repo.CreateLedgerEntry(ctx, entry)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	s.logAudit(ctx, "ledger_create", fmt.Sprintf("entry %q value %s", created.Name, created.Value))
	return *created, nil
}

func (s *Service) ListLedgerEntries(ctx context.Context) ([]domain.LedgerEntry, error) {
	return s.repo.ListLedgerEntries(ctx)
}

func (s *Service) ListIncome(ctx context.Context, q domain.StatsQuery) ([]domain.LedgerEntry, error) {
	from, _ := resolveRange(q, time.Now().UTC())
	return s.repo.ListIncome(ctx, from)
}

func (s *Service) ListExpenses(ctx context.Context, q domain.StatsQuery, entryType string) ([]domain.LedgerEntry, error) {
	from, _ := resolveRange(q, time.Now().UTC())
	return s.repo.ListExpenses(ctx, from, entryType)
}

func (s *Service) Balance(ctx context.Context, since time.Time) (domain.BalanceResponse, error) {
	sum, err := s.repo.SumLedgerSince(ctx, since)
	if err != nil {
		return domain.BalanceResponse{}, err
	}
	return domain.BalanceResponse{Balance: sum}, nil
}

// --- fixed spent types ---

func (s *Service) CreateFixedSpentType(ctx context.Context, t domain.FixedSpentType) (domain.FixedSpentType, error) {
	if strings.TrimSpace(t.Name) == "" {
		return domain.FixedSpentType{}, fmt.Errorf("%w: fixed spent type name is required", store.ErrValidation)
	}

	created, err := s.repo.CreateFixedSpentType(ctx, t)
	if err != nil {
		return domain.FixedSpentType{}, err
	}

	s.logAudit(ctx, "fixed_spent_type_create", fmt.Sprintf("fixed spent type %q", created.Name))
	return *created, nil
}

func (s *Service) ListFixedSpentTypes(ctx context.Context) ([]domain.FixedSpentType, error) {
	return s.repo.ListFixedSpentTypes(ctx)
}

func (s *Service) UpdateFixedSpentType(ctx context.Context, t domain.FixedSpentType) (domain.FixedSpentType, error) {
	if t.ID == "" {
		return domain.FixedSpentType{}, fmt.Errorf("%w: fixed spent type id is required", store.ErrValidation)
	}
	if strings.TrimSpace(t.Name) == "" {
		return domain.FixedSpentType{}, fmt.Errorf("%w: fixed spent type name is required", store.ErrValidation)
	}

	updated, err := s.repo.UpdateFixedSpentType(ctx, t)
	if err != nil {
		return domain.FixedSpentType{}, err
	}

	s.logAudit(ctx, "fixed_spent_type_update", fmt.Sprintf("fixed spent type %s renamed to %q", updated.ID, updated.Name))
	return *updated, nil
}

// --- audit log ---

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) RecordAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.Action == "" {
		return fmt.Errorf("%w: action is required", store.ErrValidation)
	}
	if actor, ok := ActorFromContext(ctx); ok && entry.UserID == "" {
		entry.UserID = actor.ID
	}
	return s.repo.CreateAuditLog(ctx, entry)
}

// logAudit attributes the entry to the actor carried in the context. When no
// actor is present the user id stays empty; the engine never invents one.
// Audit failures are logged and never fail the operation that produced them.
func (s *Service) logAudit(ctx context.Context, action string, description string) {
	var userID string
	if actor, ok := ActorFromContext(ctx); ok {
		userID = actor.ID
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		Action:      action,
		Description: description,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		s.log.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}

// --- statistics ---

func (s *Service) ProductStatistics(ctx context.Context, q domain.StatsQuery) ([]domain.ProductStatistics, error) {
	var stats []domain.ProductStatistics
	err := s.cachedStats(ctx, "products", q, &stats, func(from, to time.Time) (any, error) {
		return s.repo.ProductSalesStats(ctx, from, to)
	})
	return stats, err
}

func (s *Service) ClientStatistics(ctx context.Context, q domain.StatsQuery) ([]domain.ClientStatistics, error) {
	var stats []domain.ClientStatistics
	err := s.cachedStats(ctx, "clients", q, &stats, func(from, to time.Time) (any, error) {
		return s.repo.ClientPurchaseStats(ctx, from, to)
	})
	return stats, err
}

func (s *Service) GeneralStatistics(ctx context.Context, q domain.StatsQuery) (domain.GeneralStatistics, error) {
	var stats domain.GeneralStatistics
	err := s.cachedStats(ctx, "general", q, &stats, func(from, to time.Time) (any, error) {
		return s.repo.GeneralStats(ctx, from, to)
	})
	return stats, err
}

// cachedStats serves named ranges from the statistics cache; explicit
// start/end windows always hit the repository.
func (s *Service) cachedStats(ctx context.Context, kind string, q domain.StatsQuery, out any, compute func(from, to time.Time) (any, error)) error {
	now := time.Now().UTC()
	from, to := resolveRange(q, now)

	cacheable := q.Start == nil && q.End == nil
	key := "stats:" + kind + ":" + rangeKey(q.Range)
	if cacheable {
		payload, hit, err := s.stats.Get(ctx, key)
		if err != nil {
			s.log.Warn("statistics cache read failed", zap.String("key", key), zap.Error(err))
		} else if hit {
			if err := json.Unmarshal(payload, out); err == nil {
				return nil
			}
			s.log.Warn("statistics cache entry unreadable, recomputing", zap.String("key", key))
		}
	}

	result, err := compute(from, to)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return err
	}

	if cacheable {
		if err := s.stats.Set(ctx, key, payload, statsCacheTTL); err != nil {
			s.log.Warn("statistics cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

func rangeKey(r string) string {
	if r == "" {
		return "all"
	}
	return r
}

// resolveRange turns a StatsQuery into a concrete [from, to] window. An
// explicit start/end wins over the named range; with neither the window is
// open-ended from the epoch.
func resolveRange(q domain.StatsQuery, now time.Time) (time.Time, time.Time) {
	to := now
	if q.End != nil {
		to = *q.End
	}
	if q.Start != nil {
		return *q.Start, to
	}

	switch q.Range {
	case domain.RangeWeek:
		return now.AddDate(0, 0, -7), to
	case domain.RangeMonth:
		return now.AddDate(0, 0, -30), to
	case domain.RangeYear:
		return now.AddDate(-1, 0, 0), to
	default:
		return time.Unix(0, 0).UTC(), to
	}
}
