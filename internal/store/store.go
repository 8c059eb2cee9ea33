package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"tillbook/backend/internal/domain"
)

// Error kinds surfaced to callers. ErrConcurrentModification is the only one
// safe to retry automatically; everything else needs new input or an
// operator.
var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidPayment         = errors.New("invalid payment")
	ErrDuplicateInvoice       = errors.New("duplicate invoice number")
	ErrSessionAlreadyOpen     = errors.New("session already open")
	ErrSessionNotOpen         = errors.New("session not open")
	ErrClosureExists          = errors.New("daily closure already exists")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Repository is the persistence contract for the ledger core. Every mutating
// operation executes as one atomic unit: the business rows, the ledger
// movement rows, and the audit entry commit together or not at all.
type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product, audit domain.AuditEntry) (*domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	UpdateProductPrice(ctx context.Context, productID string, price decimal.Decimal, audit domain.AuditEntry) (*domain.Product, error)

	RecordStockMovement(ctx context.Context, movement domain.StockMovement, audit domain.AuditEntry) (*domain.StockMovement, error)
	ListStockMovements(ctx context.Context, productID string, from time.Time, to time.Time, limit int) ([]domain.StockMovement, error)

	GetCashBalance(ctx context.Context) (*domain.CashBalance, error)
	RecordCashMovement(ctx context.Context, movement domain.CashMovement, audit domain.AuditEntry) (*domain.CashMovement, error)
	ListCashMovements(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.CashMovement, error)
	GetCashSummary(ctx context.Context, from time.Time, to time.Time) (domain.CashSummary, error)

	CreateTransaction(ctx context.Context, tx domain.Transaction, audit domain.AuditEntry) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
	GetTransactionByInvoice(ctx context.Context, invoiceNumber string) (*domain.Transaction, error)
	CountTransactionsForBusinessDate(ctx context.Context, businessDate string) (int, error)
	VoidTransaction(ctx context.Context, transactionID string, actorID string, reason string, at time.Time, audit domain.AuditEntry) (*domain.Transaction, error)

	OpenSession(ctx context.Context, session domain.CashierSession, seed *domain.CashMovement, audit domain.AuditEntry) (*domain.CashierSession, error)
	CloseSession(ctx context.Context, sessionID string, closingCash decimal.Decimal, notes string, at time.Time, drain *domain.CashMovement, audit domain.AuditEntry) (*domain.CashierSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.CashierSession, error)
	GetOpenSessionByCashier(ctx context.Context, cashierID string) (*domain.CashierSession, error)

	CreateDailyClosure(ctx context.Context, closure domain.DailyClosure, audit domain.AuditEntry) (*domain.DailyClosure, error)
	GetDailyClosure(ctx context.Context, businessDate string) (*domain.DailyClosure, error)
	ListDailyClosures(ctx context.Context, limit int) ([]domain.DailyClosure, error)
	SupersedeDailyClosure(ctx context.Context, businessDate string, actorID string, reason string, at time.Time, audit domain.AuditEntry) (*domain.DailyClosure, error)

	ListAuditEntries(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditEntry, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
