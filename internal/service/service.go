package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tillbook/backend/internal/cache"
	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/store"
	"tillbook/backend/internal/xid"
)

type actorContextKey struct{}
type originContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func WithOrigin(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, originContextKey{}, addr)
}

func originFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(originContextKey{}).(string)
	return addr
}

const (
	invoiceMaxAttempts = 5
	retryMaxAttempts   = 3
	retryBackoff       = 50 * time.Millisecond
)

type Options struct {
	RolloverHour            int
	InvoicePrefix           string
	SeedDrawerOnSessionOpen bool
}

type Service struct {
	repo     store.Repository
	closures cache.ClosureCache
	opts     Options
}

func New(repo store.Repository, closures cache.ClosureCache, opts Options) *Service {
	if closures == nil {
		closures = cache.Noop{}
	}
	if opts.InvoicePrefix == "" {
		opts.InvoicePrefix = "INV"
	}
	return &Service{repo: repo, closures: closures, opts: opts}
}

// withRetry re-runs fn on ErrConcurrentModification with a linear backoff.
// Every other error kind needs new input, so it propagates on first failure.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
		err = fn()
		if err == nil || !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		log.Printf("[service] retrying after conflict (attempt %d): %v", attempt+1, err)
	}
	return err
}

func (s *Service) auditEntry(ctx context.Context, code string, name string, entityType string, description string) domain.AuditEntry {
	actor, _ := ActorFromContext(ctx)
	return domain.AuditEntry{
		ID:          xid.New("aud"),
		ActionCode:  code,
		ActionName:  name,
		EntityType:  entityType,
		Description: description,
		ActorID:     actor.Username,
		OriginAddr:  originFromContext(ctx),
		CreatedAt:   time.Now().UTC(),
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, productID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || !req.Price.IsPositive() || req.Stock < 0 {
		return nil, store.ErrInvalidAmount
	}

	product := domain.Product{
		ID:         xid.New("prd"),
		Name:       req.Name,
		CategoryID: strings.TrimSpace(req.CategoryID),
		Price:      req.Price,
		Stock:      req.Stock,
		TrackStock: req.TrackStock,
	}
	audit := s.auditEntry(ctx, "product_create", "Create product", "product",
		fmt.Sprintf("name=%s price=%s stock=%d", product.Name, product.Price.StringFixed(2), product.Stock))

	var created *domain.Product
	err := withRetry(ctx, func() error {
		var err error
		created, err = s.repo.CreateProduct(ctx, product, audit)
		return err
	})
	return created, err
}

func (s *Service) UpdateProductPrice(ctx context.Context, productID string, req domain.ProductPriceUpdateRequest) (*domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if !req.Price.IsPositive() {
		return nil, store.ErrInvalidAmount
	}

	audit := s.auditEntry(ctx, "product_price_update", "Update product price", "product",
		fmt.Sprintf("price=%s", req.Price.StringFixed(2)))

	var updated *domain.Product
	err := withRetry(ctx, func() error {
		var err error
		updated, err = s.repo.UpdateProductPrice(ctx, productID, req.Price, audit)
		return err
	})
	return updated, err
}

// RecordStockMovement posts one manual stock ledger entry. In/out requests
// carry a positive magnitude and the type picks the sign; adjust carries a
// signed delta. Untracked products return a nil movement without error.
func (s *Service) RecordStockMovement(ctx context.Context, req domain.StockMovementRequest) (*domain.StockMovement, error) {
	var quantity int
	switch req.Type {
	case domain.StockIn:
		if req.Quantity < 1 {
			return nil, store.ErrInvalidAmount
		}
		quantity = req.Quantity
	case domain.StockOut:
		if req.Quantity < 1 {
			return nil, store.ErrInvalidAmount
		}
		quantity = -req.Quantity
	case domain.StockAdjust:
		if req.Quantity == 0 {
			return nil, store.ErrInvalidAmount
		}
		quantity = req.Quantity
	default:
		return nil, store.ErrInvalidAmount
	}

	actor, _ := ActorFromContext(ctx)
	movement := domain.StockMovement{
		ID:        xid.New("stm"),
		ProductID: req.ProductID,
		Type:      req.Type,
		Quantity:  quantity,
		Reference: strings.TrimSpace(req.Reference),
		Notes:     strings.TrimSpace(req.Notes),
		ActorID:   actor.Username,
		CreatedAt: time.Now().UTC(),
	}
	audit := s.auditEntry(ctx, "stock_movement", "Record stock movement", "stock_movement",
		fmt.Sprintf("product=%s type=%s qty=%d", req.ProductID, req.Type, quantity))

	var recorded *domain.StockMovement
	err := withRetry(ctx, func() error {
		var err error
		recorded, err = s.repo.RecordStockMovement(ctx, movement, audit)
		return err
	})
	return recorded, err
}

func (s *Service) StockHistory(ctx context.Context, productID string, from time.Time, to time.Time, limit int) ([]domain.StockMovement, error) {
	return s.repo.ListStockMovements(ctx, productID, from, to, limit)
}

func (s *Service) CashBalance(ctx context.Context) (*domain.CashBalance, error) {
	return s.repo.GetCashBalance(ctx)
}

// RecordCashMovement posts one manual drawer ledger entry. Deposits and
// withdrawals carry a positive magnitude; adjustments carry a signed amount.
func (s *Service) RecordCashMovement(ctx context.Context, req domain.CashMovementRequest) (*domain.CashMovement, error) {
	var amount decimal.Decimal
	switch req.Type {
	case domain.CashDeposit:
		if !req.Amount.IsPositive() {
			return nil, store.ErrInvalidAmount
		}
		amount = req.Amount
	case domain.CashWithdrawal:
		if !req.Amount.IsPositive() {
			return nil, store.ErrInvalidAmount
		}
		amount = req.Amount.Neg()
	case domain.CashAdjustment:
		if req.Amount.IsZero() {
			return nil, store.ErrInvalidAmount
		}
		amount = req.Amount
	default:
		return nil, store.ErrInvalidAmount
	}

	actor, _ := ActorFromContext(ctx)
	movement := domain.CashMovement{
		ID:        xid.New("csm"),
		Type:      req.Type,
		Amount:    amount,
		Reference: strings.TrimSpace(req.Reference),
		Notes:     strings.TrimSpace(req.Notes),
		ActorID:   actor.Username,
		CreatedAt: time.Now().UTC(),
	}
	audit := s.auditEntry(ctx, "cash_movement", "Record cash movement", "cash_movement",
		fmt.Sprintf("type=%s amount=%s", req.Type, amount.StringFixed(2)))

	var recorded *domain.CashMovement
	err := withRetry(ctx, func() error {
		var err error
		recorded, err = s.repo.RecordCashMovement(ctx, movement, audit)
		return err
	})
	return recorded, err
}

// SetCashBalance overrides the drawer to an absolute value by posting an
// adjustment for the difference, so the balance chain stays gapless.
func (s *Service) SetCashBalance(ctx context.Context, req domain.SetCashBalanceRequest) (*domain.CashMovement, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if req.NewBalance.IsNegative() {
		return nil, store.ErrInvalidAmount
	}

	var recorded *domain.CashMovement
	err := withRetry(ctx, func() error {
		current, err := s.repo.GetCashBalance(ctx)
		if err != nil {
			return err
		}
		delta := req.NewBalance.Sub(current.Balance)
		if delta.IsZero() {
			return nil
		}
		movement := domain.CashMovement{
			ID:        xid.New("csm"),
			Type:      domain.CashAdjustment,
			Amount:    delta,
			Notes:     strings.TrimSpace(req.Notes),
			ActorID:   actor.Username,
			CreatedAt: time.Now().UTC(),
		}
		audit := s.auditEntry(ctx, "cash_balance_set", "Set cash balance", "cash_movement",
			fmt.Sprintf("new_balance=%s delta=%s", req.NewBalance.StringFixed(2), delta.StringFixed(2)))
		recorded, err = s.repo.RecordCashMovement(ctx, movement, audit)
		return err
	})
	return recorded, err
}

func (s *Service) CashSummary(ctx context.Context, businessDate string) (domain.CashSummary, error) {
	from, to, err := domain.BusinessDateBounds(businessDate, s.opts.RolloverHour)
	if err != nil {
		return domain.CashSummary{}, store.ErrInvalidAmount
	}
	return s.repo.GetCashSummary(ctx, from, to)
}

func (s *Service) CashHistory(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.CashMovement, error) {
	return s.repo.ListCashMovements(ctx, from, to, limit)
}

// CreateTransaction builds the sale shell, assigns a sequential invoice
// number for the business date, and hands the composite write to the store.
// Invoice collisions under concurrency advance the sequence and retry up to
// a bound before surfacing ErrDuplicateInvoice.
func (s *Service) CreateTransaction(ctx context.Context, req domain.TransactionCreateRequest) (*domain.Transaction, error) {
	if !req.PaymentMethod.Valid() {
		return nil, store.ErrInvalidPayment
	}
	if len(req.Items) == 0 {
		return nil, store.ErrInvalidAmount
	}
	if req.Discount.IsNegative() || req.Tax.IsNegative() {
		return nil, store.ErrInvalidAmount
	}

	actor, _ := ActorFromContext(ctx)
	now := time.Now().UTC()
	businessDate := domain.BusinessDateAt(now, s.opts.RolloverHour)

	items := make([]domain.TransactionItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidAmount
		}
		items = append(items, domain.TransactionItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	count, err := s.repo.CountTransactionsForBusinessDate(ctx, businessDate)
	if err != nil {
		return nil, err
	}

	var created *domain.Transaction
	for attempt := 0; attempt < invoiceMaxAttempts; attempt++ {
		tx := domain.Transaction{
			ID:            xid.New("trx"),
			InvoiceNumber: s.invoiceNumber(businessDate, count+1+attempt),
			CashierID:     actor.Username,
			SessionID:     req.SessionID,
			BusinessDate:  businessDate,
			Discount:      req.Discount,
			Tax:           req.Tax,
			PaidAmount:    req.PaidAmount,
			PaymentMethod: req.PaymentMethod,
			Status:        domain.TxCompleted,
			Notes:         strings.TrimSpace(req.Notes),
			CreatedAt:     now,
			Items:         items,
		}
		audit := s.auditEntry(ctx, "transaction_create", "Create transaction", "transaction",
			fmt.Sprintf("invoice=%s method=%s items=%d", tx.InvoiceNumber, tx.PaymentMethod, len(items)))

		err = withRetry(ctx, func() error {
			var err error
			created, err = s.repo.CreateTransaction(ctx, tx, audit)
			return err
		})
		if errors.Is(err, store.ErrDuplicateInvoice) {
			continue
		}
		return created, err
	}
	return nil, fmt.Errorf("%w: exhausted %d attempts", store.ErrDuplicateInvoice, invoiceMaxAttempts)
}

func (s *Service) invoiceNumber(businessDate string, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", s.opts.InvoicePrefix, strings.ReplaceAll(businessDate, "-", ""), seq)
}

func (s *Service) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return s.repo.GetTransaction(ctx, transactionID)
}

func (s *Service) GetTransactionByInvoice(ctx context.Context, invoiceNumber string) (*domain.Transaction, error) {
	return s.repo.GetTransactionByInvoice(ctx, invoiceNumber)
}

// VoidTransaction reverses a completed sale. The compensating stock and cash
// entries are posted by the store in the same atomic unit. A sale whose
// business date is already closed may still be voided; the frozen closure
// snapshot is not rewritten.
func (s *Service) VoidTransaction(ctx context.Context, req domain.VoidTransactionRequest) (*domain.Transaction, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, store.ErrInvalidAmount
	}

	at := time.Now().UTC()
	audit := s.auditEntry(ctx, "transaction_void", "Void transaction", "transaction", reason)

	var voided *domain.Transaction
	err := withRetry(ctx, func() error {
		var err error
		voided, err = s.repo.VoidTransaction(ctx, req.TransactionID, actor.Username, reason, at, audit)
		return err
	})
	return voided, err
}

func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (*domain.CashierSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if req.OpeningCash.IsNegative() {
		return nil, store.ErrInvalidAmount
	}

	now := time.Now().UTC()
	session := domain.CashierSession{
		ID:          xid.New("ses"),
		CashierID:   actor.Username,
		StartTime:   now,
		OpeningCash: req.OpeningCash,
		Status:      domain.SessionOpen,
	}

	var seed *domain.CashMovement
	if s.opts.SeedDrawerOnSessionOpen && req.OpeningCash.IsPositive() {
		seed = &domain.CashMovement{
			Type:      domain.CashSessionOpen,
			Amount:    req.OpeningCash,
			Notes:     "opening float",
			ActorID:   actor.Username,
			CreatedAt: now,
		}
	}
	audit := s.auditEntry(ctx, "session_open", "Open cashier session", "session",
		fmt.Sprintf("opening_cash=%s", req.OpeningCash.StringFixed(2)))

	var opened *domain.CashierSession
	err := withRetry(ctx, func() error {
		var err error
		opened, err = s.repo.OpenSession(ctx, session, seed, audit)
		return err
	})
	return opened, err
}

// CloseSession reconciles the shift: expected = opening float + cash sales,
// difference = counted - expected. With drawer seeding enabled the counted
// cash is drained back out of the store drawer.
func (s *Service) CloseSession(ctx context.Context, req domain.SessionCloseRequest) (*domain.CashierSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if req.ClosingCash.IsNegative() {
		return nil, store.ErrInvalidAmount
	}

	now := time.Now().UTC()
	var drain *domain.CashMovement
	if s.opts.SeedDrawerOnSessionOpen && req.ClosingCash.IsPositive() {
		drain = &domain.CashMovement{
			Type:      domain.CashSessionClose,
			Amount:    req.ClosingCash.Neg(),
			Notes:     "closing count removed from drawer",
			ActorID:   actor.Username,
			CreatedAt: now,
		}
	}
	audit := s.auditEntry(ctx, "session_close", "Close cashier session", "session",
		fmt.Sprintf("closing_cash=%s", req.ClosingCash.StringFixed(2)))

	var closed *domain.CashierSession
	err := withRetry(ctx, func() error {
		var err error
		closed, err = s.repo.CloseSession(ctx, req.SessionID, req.ClosingCash, strings.TrimSpace(req.Notes), now, drain, audit)
		return err
	})
	return closed, err
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.CashierSession, error) {
	return s.repo.GetSession(ctx, sessionID)
}

func (s *Service) CurrentSession(ctx context.Context) (*domain.CashierSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	return s.repo.GetOpenSessionByCashier(ctx, actor.Username)
}

// CloseDay freezes one business date into a daily closure snapshot. The
// store aggregates the date's completed transactions atomically with the
// insert; a second active closure for the same date fails with
// ErrClosureExists.
func (s *Service) CloseDay(ctx context.Context, req domain.DailyClosureRequest) (*domain.DailyClosure, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authentication required")
	}
	if _, err := time.Parse(domain.BusinessDateLayout, req.BusinessDate); err != nil {
		return nil, store.ErrInvalidAmount
	}
	if req.PhysicalCashCount.IsNegative() {
		return nil, store.ErrInvalidAmount
	}
	today := domain.BusinessDateAt(time.Now().UTC(), s.opts.RolloverHour)
	if req.BusinessDate > today {
		return nil, store.ErrInvalidAmount
	}

	closure := domain.DailyClosure{
		ID:                xid.New("dcl"),
		BusinessDate:      req.BusinessDate,
		ClosedBy:          actor.Username,
		ClosedAt:          time.Now().UTC(),
		PhysicalCashCount: req.PhysicalCashCount,
		Notes:             strings.TrimSpace(req.Notes),
	}
	audit := s.auditEntry(ctx, "day_close", "Close business day", "daily_closure",
		fmt.Sprintf("business_date=%s physical_cash=%s", req.BusinessDate, req.PhysicalCashCount.StringFixed(2)))

	var created *domain.DailyClosure
	err := withRetry(ctx, func() error {
		var err error
		created, err = s.repo.CreateDailyClosure(ctx, closure, audit)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.closures.SetClosure(ctx, *created)
	return created, nil
}

// DayClosure serves the frozen snapshot, preferring the cache. Only active
// closures are cached; they are immutable until superseded.
func (s *Service) DayClosure(ctx context.Context, businessDate string) (*domain.DailyClosure, error) {
	if cached, ok := s.closures.GetClosure(ctx, businessDate); ok {
		return cached, nil
	}
	closure, err := s.repo.GetDailyClosure(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	s.closures.SetClosure(ctx, *closure)
	return closure, nil
}

func (s *Service) ListClosures(ctx context.Context, limit int) ([]domain.DailyClosure, error) {
	return s.repo.ListDailyClosures(ctx, limit)
}

// ReopenDay marks the active closure for the date superseded so the date can
// be closed again after corrections. The superseded snapshot stays on record.
func (s *Service) ReopenDay(ctx context.Context, req domain.ReopenClosureRequest) (*domain.DailyClosure, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, store.ErrInvalidAmount
	}

	at := time.Now().UTC()
	audit := s.auditEntry(ctx, "day_reopen", "Reopen business day", "daily_closure", reason)

	var superseded *domain.DailyClosure
	err := withRetry(ctx, func() error {
		var err error
		superseded, err = s.repo.SupersedeDailyClosure(ctx, req.BusinessDate, actor.Username, reason, at, audit)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.closures.InvalidateClosure(ctx, req.BusinessDate)
	return superseded, nil
}

func (s *Service) ListAuditEntries(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	return s.repo.ListAuditEntries(ctx, from, to, limit)
}
