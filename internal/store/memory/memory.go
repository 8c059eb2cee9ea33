package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/store"
	"tillbook/backend/internal/xid"
)

// Store keeps the whole ledger in process memory behind one mutex, which
// makes every operation trivially serializable. It backs dev mode and the
// test suite with the same semantics as the postgres store.
type Store struct {
	mu                   sync.RWMutex
	products             map[string]domain.Product
	stockMovements       []domain.StockMovement
	cashBalance          domain.CashBalance
	cashMovements        []domain.CashMovement
	transactionsByID     map[string]*domain.Transaction
	txIDByInvoice        map[string]string
	sessionsByID         map[string]domain.CashierSession
	openSessionByCashier map[string]string
	closures             []domain.DailyClosure
	auditEntries         []domain.AuditEntry
	usersByUsername      map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:             make(map[string]domain.Product),
		stockMovements:       make([]domain.StockMovement, 0, 256),
		cashBalance:          domain.CashBalance{Balance: decimal.Zero, UpdatedAt: time.Now().UTC()},
		cashMovements:        make([]domain.CashMovement, 0, 256),
		transactionsByID:     make(map[string]*domain.Transaction),
		txIDByInvoice:        make(map[string]string),
		sessionsByID:         make(map[string]domain.CashierSession),
		openSessionByCashier: make(map[string]string),
		closures:             make([]domain.DailyClosure, 0, 32),
		auditEntries:         make([]domain.AuditEntry, 0, 256),
		usersByUsername:      make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with a small catalog and dev users for
// running without a database.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: "prd-mie-goreng", Name: "Mie Goreng Instan", CategoryID: "grocery", Price: decimal.NewFromInt(3500), Stock: 120, TrackStock: true, Active: true},
		{ID: "prd-telur-10", Name: "Telur 10 Butir", CategoryID: "grocery", Price: decimal.NewFromInt(26500), Stock: 80, TrackStock: true, Active: true},
		{ID: "prd-susu-uht", Name: "Susu UHT 1L", CategoryID: "dairy", Price: decimal.NewFromInt(18900), Stock: 60, TrackStock: true, Active: true},
		{ID: "prd-kopi-sachet", Name: "Kopi Sachet", CategoryID: "beverage", Price: decimal.NewFromInt(2600), Stock: 200, TrackStock: true, Active: true},
		{ID: "prd-jasa-bungkus", Name: "Jasa Bungkus Kado", CategoryID: "service", Price: decimal.NewFromInt(5000), Stock: 0, TrackStock: false, Active: true},
	} {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; if
// unset, dev defaults are used with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product, audit domain.AuditEntry) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" {
		return nil, store.ErrInvalidAmount
	}
	if product.Price.IsNegative() || product.Stock < 0 {
		return nil, store.ErrInvalidAmount
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product %s already exists", store.ErrConcurrentModification, product.ID)
	}

	now := time.Now().UTC()
	product.Active = true
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product

	audit.EntityID = product.ID
	audit.NewValue = marshalBlob(product)
	s.appendAudit(audit)

	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) UpdateProductPrice(_ context.Context, productID string, price decimal.Decimal, audit domain.AuditEntry) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !price.IsPositive() {
		return nil, store.ErrInvalidAmount
	}

	audit.EntityID = productID
	audit.OldValue = marshalBlob(map[string]string{"price": product.Price.StringFixed(2)})
	audit.NewValue = marshalBlob(map[string]string{"price": price.StringFixed(2)})

	product.Price = price
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	s.appendAudit(audit)

	updated := product
	return &updated, nil
}

// RecordStockMovement applies one signed movement to a product's stock and
// appends the ledger row. Products with TrackStock=false are a no-op and
// return a nil movement.
func (s *Store) RecordStockMovement(_ context.Context, movement domain.StockMovement, audit domain.AuditEntry) (*domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[movement.ProductID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !product.TrackStock {
		return nil, nil
	}
	if movement.Quantity == 0 {
		return nil, store.ErrInvalidAmount
	}

	movement.StockBefore = product.Stock
	movement.StockAfter = product.Stock + movement.Quantity
	if movement.StockAfter < 0 {
		return nil, fmt.Errorf("%w: product %s has %d, movement needs %d", store.ErrInsufficientStock, product.ID, product.Stock, -movement.Quantity)
	}
	if movement.ID == "" {
		movement.ID = xid.New("stm")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	product.Stock = movement.StockAfter
	product.UpdatedAt = movement.CreatedAt
	s.products[product.ID] = product
	s.stockMovements = append(s.stockMovements, movement)

	audit.EntityID = movement.ID
	audit.NewValue = marshalBlob(movement)
	s.appendAudit(audit)

	recorded := movement
	return &recorded, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, from time.Time, to time.Time, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 32)
	for _, mv := range s.stockMovements {
		if productID != "" && mv.ProductID != productID {
			continue
		}
		if !inRange(mv.CreatedAt, from, to) {
			continue
		}
		result = append(result, mv)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetCashBalance(_ context.Context) (*domain.CashBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balance := s.cashBalance
	return &balance, nil
}

// RecordCashMovement appends one signed movement against the singleton
// drawer balance. The balance chain stays gapless: BalanceBefore is read
// under the lock, never supplied by the caller.
func (s *Store) RecordCashMovement(_ context.Context, movement domain.CashMovement, audit domain.AuditEntry) (*domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := s.applyCashMovement(movement)
	audit.EntityID = applied.ID
	audit.NewValue = marshalBlob(applied)
	s.appendAudit(audit)

	recorded := applied
	return &recorded, nil
}

// applyCashMovement assumes the write lock is held.
func (s *Store) applyCashMovement(movement domain.CashMovement) domain.CashMovement {
	movement.BalanceBefore = s.cashBalance.Balance
	movement.BalanceAfter = s.cashBalance.Balance.Add(movement.Amount)
	if movement.ID == "" {
		movement.ID = xid.New("csm")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	s.cashBalance = domain.CashBalance{Balance: movement.BalanceAfter, UpdatedAt: movement.CreatedAt}
	s.cashMovements = append(s.cashMovements, movement)
	return movement
}

func (s *Store) ListCashMovements(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CashMovement, 0, 32)
	for _, mv := range s.cashMovements {
		if !inRange(mv.CreatedAt, from, to) {
			continue
		}
		result = append(result, mv)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetCashSummary(_ context.Context, from time.Time, to time.Time) (domain.CashSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.CashSummary{
		Balance: s.cashBalance.Balance,
		CashIn:  decimal.Zero,
		CashOut: decimal.Zero,
	}
	for _, mv := range s.cashMovements {
		if !inRange(mv.CreatedAt, from, to) {
			continue
		}
		if mv.Amount.IsPositive() {
			summary.CashIn = summary.CashIn.Add(mv.Amount)
		} else {
			summary.CashOut = summary.CashOut.Add(mv.Amount.Neg())
		}
	}
	for _, session := range s.sessionsByID {
		if session.Status == domain.SessionOpen {
			summary.OpenSessions++
		}
	}
	return summary, nil
}

// CreateTransaction is the composite write path: it freezes unit prices,
// checks and decrements stock, posts the cash movement for cash payments,
// accumulates session totals, and appends the audit entry. Validation runs
// before any state changes so a failure leaves nothing behind.
func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction, audit domain.AuditEntry) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tx.Items) == 0 {
		return nil, store.ErrInvalidAmount
	}
	if _, exists := s.txIDByInvoice[tx.InvoiceNumber]; exists {
		return nil, fmt.Errorf("%w: %s", store.ErrDuplicateInvoice, tx.InvoiceNumber)
	}

	var session domain.CashierSession
	if tx.SessionID != "" {
		var exists bool
		session, exists = s.sessionsByID[tx.SessionID]
		if !exists {
			return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, tx.SessionID)
		}
		if session.Status != domain.SessionOpen {
			return nil, fmt.Errorf("%w: session %s", store.ErrSessionNotOpen, tx.SessionID)
		}
	}

	// First pass: validate everything and freeze prices without mutating.
	// remaining tracks stock across lines so a product split over several
	// lines is checked against its aggregate quantity.
	subtotal := decimal.Zero
	items := make([]domain.TransactionItem, 0, len(tx.Items))
	remaining := make(map[string]int, len(tx.Items))
	for _, item := range tx.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidAmount
		}
		product, exists := s.products[item.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
		}
		if product.TrackStock {
			left, seen := remaining[product.ID]
			if !seen {
				left = product.Stock
			}
			if left < item.Quantity {
				return nil, fmt.Errorf("%w: product %s has %d, sale needs %d", store.ErrInsufficientStock, product.ID, product.Stock, product.Stock-left+item.Quantity)
			}
			remaining[product.ID] = left - item.Quantity
		}
		lineTotal := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		items = append(items, domain.TransactionItem{
			ID:            xid.New("txi"),
			TransactionID: tx.ID,
			ProductID:     product.ID,
			ProductName:   product.Name,
			Quantity:      item.Quantity,
			UnitPrice:     product.Price,
			LineTotal:     lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
	}

	if tx.Discount.IsNegative() || tx.Tax.IsNegative() || tx.Discount.GreaterThan(subtotal) {
		return nil, store.ErrInvalidAmount
	}
	total := subtotal.Sub(tx.Discount).Add(tx.Tax)
	if tx.PaymentMethod.IsCash() {
		if tx.PaidAmount.LessThan(total) {
			return nil, fmt.Errorf("%w: paid %s, total %s", store.ErrInvalidPayment, tx.PaidAmount.StringFixed(2), total.StringFixed(2))
		}
		tx.ChangeAmount = tx.PaidAmount.Sub(total)
	} else {
		tx.ChangeAmount = decimal.Zero
	}
	tx.Subtotal = subtotal
	tx.Total = total
	tx.Items = items
	if tx.Status == "" {
		tx.Status = domain.TxCompleted
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	// Second pass: apply. Nothing below can fail.
	for _, item := range items {
		product := s.products[item.ProductID]
		if !product.TrackStock {
			continue
		}
		movement := domain.StockMovement{
			ID:          xid.New("stm"),
			ProductID:   product.ID,
			Type:        domain.StockOut,
			Quantity:    -item.Quantity,
			StockBefore: product.Stock,
			StockAfter:  product.Stock - item.Quantity,
			Reference:   tx.InvoiceNumber,
			ActorID:     tx.CashierID,
			CreatedAt:   tx.CreatedAt,
		}
		product.Stock = movement.StockAfter
		product.UpdatedAt = tx.CreatedAt
		s.products[product.ID] = product
		s.stockMovements = append(s.stockMovements, movement)
	}

	if tx.PaymentMethod.IsCash() {
		s.applyCashMovement(domain.CashMovement{
			Type:      domain.CashSalesIn,
			Amount:    total,
			Reference: tx.InvoiceNumber,
			ActorID:   tx.CashierID,
			CreatedAt: tx.CreatedAt,
		})
	}

	if tx.SessionID != "" {
		session.TotalSales = session.TotalSales.Add(total)
		session.TotalTransactions++
		if tx.PaymentMethod.IsCash() {
			session.TotalCash = session.TotalCash.Add(total)
		} else {
			session.TotalNonCash = session.TotalNonCash.Add(total)
		}
		s.sessionsByID[tx.SessionID] = session
	}

	stored := tx
	s.transactionsByID[tx.ID] = &stored
	s.txIDByInvoice[tx.InvoiceNumber] = tx.ID

	audit.EntityID = tx.ID
	audit.NewValue = marshalBlob(tx)
	s.appendAudit(audit)

	created := tx
	return &created, nil
}

func (s *Store) GetTransaction(_ context.Context, transactionID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.transactionsByID[transactionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyTx := *tx
	return &copyTx, nil
}

func (s *Store) GetTransactionByInvoice(_ context.Context, invoiceNumber string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.txIDByInvoice[invoiceNumber]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyTx := *s.transactionsByID[id]
	return &copyTx, nil
}

func (s *Store) CountTransactionsForBusinessDate(_ context.Context, businessDate string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, tx := range s.transactionsByID {
		if tx.BusinessDate == businessDate {
			count++
		}
	}
	return count, nil
}

// VoidTransaction flips a completed transaction to voided and posts the
// compensating ledger entries. The original monetary fields and items are
// never touched. Session aggregates are only decremented while the covering
// session is still open; a closed session keeps its reconciled snapshot.
func (s *Store) VoidTransaction(_ context.Context, transactionID string, actorID string, reason string, at time.Time, audit domain.AuditEntry) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, exists := s.transactionsByID[transactionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if tx.Status != domain.TxCompleted {
		return nil, fmt.Errorf("%w: transaction %s is %s", store.ErrConcurrentModification, transactionID, tx.Status)
	}

	audit.EntityID = tx.ID
	audit.OldValue = marshalBlob(map[string]string{"status": string(tx.Status)})

	tx.Status = domain.TxVoided
	tx.VoidedAt = &at
	tx.VoidedBy = actorID
	tx.VoidReason = reason

	for _, item := range tx.Items {
		product, exists := s.products[item.ProductID]
		if !exists || !product.TrackStock {
			continue
		}
		movement := domain.StockMovement{
			ID:          xid.New("stm"),
			ProductID:   product.ID,
			Type:        domain.StockIn,
			Quantity:    item.Quantity,
			StockBefore: product.Stock,
			StockAfter:  product.Stock + item.Quantity,
			Reference:   tx.InvoiceNumber,
			Notes:       "void reversal",
			ActorID:     actorID,
			CreatedAt:   at,
		}
		product.Stock = movement.StockAfter
		product.UpdatedAt = at
		s.products[product.ID] = product
		s.stockMovements = append(s.stockMovements, movement)
	}

	if tx.PaymentMethod.IsCash() {
		s.applyCashMovement(domain.CashMovement{
			Type:      domain.CashAdjustment,
			Amount:    tx.Total.Neg(),
			Reference: tx.InvoiceNumber,
			Notes:     "void reversal",
			ActorID:   actorID,
			CreatedAt: at,
		})
	}

	if tx.SessionID != "" {
		if session, exists := s.sessionsByID[tx.SessionID]; exists && session.Status == domain.SessionOpen {
			session.TotalSales = session.TotalSales.Sub(tx.Total)
			session.TotalTransactions--
			if tx.PaymentMethod.IsCash() {
				session.TotalCash = session.TotalCash.Sub(tx.Total)
			} else {
				session.TotalNonCash = session.TotalNonCash.Sub(tx.Total)
			}
			s.sessionsByID[tx.SessionID] = session
		}
	}

	audit.NewValue = marshalBlob(map[string]string{"status": string(tx.Status), "reason": reason})
	s.appendAudit(audit)

	copyTx := *tx
	return &copyTx, nil
}

func (s *Store) OpenSession(_ context.Context, session domain.CashierSession, seed *domain.CashMovement, audit domain.AuditEntry) (*domain.CashierSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if openID, exists := s.openSessionByCashier[session.CashierID]; exists {
		return nil, fmt.Errorf("%w: cashier %s has session %s", store.ErrSessionAlreadyOpen, session.CashierID, openID)
	}

	session.Status = domain.SessionOpen
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}
	s.sessionsByID[session.ID] = session
	s.openSessionByCashier[session.CashierID] = session.ID

	if seed != nil {
		seed.Reference = session.ID
		s.applyCashMovement(*seed)
	}

	audit.EntityID = session.ID
	audit.NewValue = marshalBlob(session)
	s.appendAudit(audit)

	opened := session
	return &opened, nil
}

func (s *Store) CloseSession(_ context.Context, sessionID string, closingCash decimal.Decimal, notes string, at time.Time, drain *domain.CashMovement, audit domain.AuditEntry) (*domain.CashierSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionOpen {
		return nil, fmt.Errorf("%w: session %s", store.ErrSessionNotOpen, sessionID)
	}

	session.EndTime = &at
	session.ClosingCash = closingCash
	session.ExpectedCash = session.OpeningCash.Add(session.TotalCash)
	session.Difference = closingCash.Sub(session.ExpectedCash)
	session.Status = domain.SessionClosed
	session.Notes = notes
	s.sessionsByID[sessionID] = session
	delete(s.openSessionByCashier, session.CashierID)

	if drain != nil {
		drain.Reference = session.ID
		s.applyCashMovement(*drain)
	}

	audit.EntityID = session.ID
	audit.NewValue = marshalBlob(session)
	s.appendAudit(audit)

	closed := session
	return &closed, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.CashierSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessionsByID[sessionID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySession := session
	return &copySession, nil
}

func (s *Store) GetOpenSessionByCashier(_ context.Context, cashierID string) (*domain.CashierSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.openSessionByCashier[cashierID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySession := s.sessionsByID[sessionID]
	return &copySession, nil
}

// CreateDailyClosure aggregates the date's completed transactions into the
// snapshot under the same lock that guards transaction writes, so the totals
// cannot drift from what is being frozen.
func (s *Store) CreateDailyClosure(_ context.Context, closure domain.DailyClosure, audit domain.AuditEntry) (*domain.DailyClosure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.closures {
		if existing.BusinessDate == closure.BusinessDate && existing.Status == domain.ClosureActive {
			return nil, fmt.Errorf("%w: %s", store.ErrClosureExists, closure.BusinessDate)
		}
	}

	closure.SystemCashTotal = decimal.Zero
	closure.SystemNonCashTotal = decimal.Zero
	closure.TotalSales = decimal.Zero
	closure.TransactionCount = 0
	closure.FirstTransactionAt = nil
	closure.LastTransactionAt = nil
	for _, tx := range s.transactionsByID {
		if tx.BusinessDate != closure.BusinessDate || tx.Status != domain.TxCompleted {
			continue
		}
		closure.TotalSales = closure.TotalSales.Add(tx.Total)
		closure.TransactionCount++
		if tx.PaymentMethod.IsCash() {
			closure.SystemCashTotal = closure.SystemCashTotal.Add(tx.Total)
		} else {
			closure.SystemNonCashTotal = closure.SystemNonCashTotal.Add(tx.Total)
		}
		created := tx.CreatedAt
		if closure.FirstTransactionAt == nil || created.Before(*closure.FirstTransactionAt) {
			first := created
			closure.FirstTransactionAt = &first
		}
		if closure.LastTransactionAt == nil || created.After(*closure.LastTransactionAt) {
			last := created
			closure.LastTransactionAt = &last
		}
	}
	closure.CashDifference = closure.PhysicalCashCount.Sub(closure.SystemCashTotal)
	closure.Status = domain.ClosureActive
	if closure.ClosedAt.IsZero() {
		closure.ClosedAt = time.Now().UTC()
	}
	s.closures = append(s.closures, closure)

	audit.EntityID = closure.ID
	audit.NewValue = marshalBlob(closure)
	s.appendAudit(audit)

	created := closure
	return &created, nil
}

func (s *Store) GetDailyClosure(_ context.Context, businessDate string) (*domain.DailyClosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.closures) - 1; i >= 0; i-- {
		if s.closures[i].BusinessDate == businessDate && s.closures[i].Status == domain.ClosureActive {
			copyClosure := s.closures[i]
			return &copyClosure, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListDailyClosures(_ context.Context, limit int) ([]domain.DailyClosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DailyClosure, 0, len(s.closures))
	for i := len(s.closures) - 1; i >= 0; i-- {
		result = append(result, s.closures[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) SupersedeDailyClosure(_ context.Context, businessDate string, actorID string, reason string, at time.Time, audit domain.AuditEntry) (*domain.DailyClosure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.closures) - 1; i >= 0; i-- {
		if s.closures[i].BusinessDate != businessDate || s.closures[i].Status != domain.ClosureActive {
			continue
		}
		audit.EntityID = s.closures[i].ID
		audit.OldValue = marshalBlob(map[string]string{"status": string(domain.ClosureActive)})
		audit.NewValue = marshalBlob(map[string]string{"status": string(domain.ClosureSuperseded), "reason": reason})

		s.closures[i].Status = domain.ClosureSuperseded
		s.closures[i].SupersededAt = &at
		s.closures[i].SupersededBy = actorID
		s.closures[i].SupersededReason = reason
		s.appendAudit(audit)

		copyClosure := s.closures[i]
		return &copyClosure, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListAuditEntries(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditEntry, 0, 64)
	for _, entry := range s.auditEntries {
		if !inRange(entry.CreatedAt, from, to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return fmt.Errorf("username %s already exists", user.Username)
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// appendAudit assumes the write lock is held.
func (s *Store) appendAudit(entry domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditEntries = append(s.auditEntries, entry)
}

func inRange(t time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func marshalBlob(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(payload)
}
