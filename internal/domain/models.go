package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product belongs to the catalog. Its Stock field is mutated only through
// stock movements when TrackStock is true; products with TrackStock=false
// bypass the stock ledger entirely.
type Product struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	CategoryID string          `json:"category_id"`
	Price      decimal.Decimal `json:"price"`
	Stock      int             `json:"stock"`
	TrackStock bool            `json:"track_stock"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type StockMovementType string

const (
	StockIn     StockMovementType = "in"
	StockOut    StockMovementType = "out"
	StockAdjust StockMovementType = "adjust"
)

// StockMovement is an append-only ledger row. Quantity is signed; the
// invariant StockAfter = StockBefore + Quantity holds for every row, and
// StockAfter is never negative.
type StockMovement struct {
	ID          string            `json:"id"`
	ProductID   string            `json:"product_id"`
	Type        StockMovementType `json:"type"`
	Quantity    int               `json:"quantity"`
	StockBefore int               `json:"stock_before"`
	StockAfter  int               `json:"stock_after"`
	Reference   string            `json:"reference,omitempty"`
	Notes       string            `json:"notes,omitempty"`
	ActorID     string            `json:"actor_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type CashMovementType string

const (
	CashSessionOpen  CashMovementType = "session_open"
	CashSessionClose CashMovementType = "session_close"
	CashSalesIn      CashMovementType = "sales_in"
	CashAdjustment   CashMovementType = "adjustment"
	CashWithdrawal   CashMovementType = "withdrawal"
	CashDeposit      CashMovementType = "deposit"
)

// CashMovement is an append-only ledger row against the store-wide drawer
// balance. Amount is signed; BalanceAfter = BalanceBefore + Amount.
type CashMovement struct {
	ID            string           `json:"id"`
	Type          CashMovementType `json:"type"`
	Amount        decimal.Decimal  `json:"amount"`
	BalanceBefore decimal.Decimal  `json:"balance_before"`
	BalanceAfter  decimal.Decimal  `json:"balance_after"`
	Reference     string           `json:"reference,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	ActorID       string           `json:"actor_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// CashBalance is the singleton drawer balance. It always equals the latest
// movement's BalanceAfter.
type CashBalance struct {
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type CashSummary struct {
	Balance      decimal.Decimal `json:"balance"`
	CashIn       decimal.Decimal `json:"cash_in"`
	CashOut      decimal.Decimal `json:"cash_out"`
	OpenSessions int             `json:"open_sessions"`
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// CashierSession is a cashier shift. Aggregates accumulate while the session
// is open; on close the reconciliation fields are computed and the row becomes
// immutable.
type CashierSession struct {
	ID                string          `json:"id"`
	CashierID         string          `json:"cashier_id"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           *time.Time      `json:"end_time,omitempty"`
	OpeningCash       decimal.Decimal `json:"opening_cash"`
	ClosingCash       decimal.Decimal `json:"closing_cash"`
	ExpectedCash      decimal.Decimal `json:"expected_cash"`
	Difference        decimal.Decimal `json:"difference"`
	TotalSales        decimal.Decimal `json:"total_sales"`
	TotalCash         decimal.Decimal `json:"total_cash"`
	TotalNonCash      decimal.Decimal `json:"total_non_cash"`
	TotalTransactions int64           `json:"total_transactions"`
	Status            SessionStatus   `json:"status"`
	Notes             string          `json:"notes,omitempty"`
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentQRIS     PaymentMethod = "qris"
	PaymentTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) IsCash() bool {
	return m == PaymentCash
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentQRIS, PaymentTransfer:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxVoided    TransactionStatus = "voided"
	TxRefunded  TransactionStatus = "refunded"
)

// TransactionItem freezes the unit price at sale time; later catalog price
// changes never rewrite history.
type TransactionItem struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	ProductName   string          `json:"product_name"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

type Transaction struct {
	ID            string            `json:"id"`
	InvoiceNumber string            `json:"invoice_number"`
	CashierID     string            `json:"cashier_id"`
	SessionID     string            `json:"session_id,omitempty"`
	BusinessDate  string            `json:"business_date"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	Discount      decimal.Decimal   `json:"discount"`
	Tax           decimal.Decimal   `json:"tax"`
	Total         decimal.Decimal   `json:"total"`
	PaidAmount    decimal.Decimal   `json:"paid_amount"`
	ChangeAmount  decimal.Decimal   `json:"change_amount"`
	PaymentMethod PaymentMethod     `json:"payment_method"`
	Status        TransactionStatus `json:"status"`
	VoidedAt      *time.Time        `json:"voided_at,omitempty"`
	VoidedBy      string            `json:"voided_by,omitempty"`
	VoidReason    string            `json:"void_reason,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Items         []TransactionItem `json:"items"`
}

type ClosureStatus string

const (
	ClosureActive     ClosureStatus = "active"
	ClosureSuperseded ClosureStatus = "superseded"
)

// DailyClosure is a frozen snapshot of one business date. A reopen never
// edits the row; it marks it superseded and allows a fresh closure.
type DailyClosure struct {
	ID                 string          `json:"id"`
	BusinessDate       string          `json:"business_date"`
	ClosedBy           string          `json:"closed_by"`
	ClosedAt           time.Time       `json:"closed_at"`
	SystemCashTotal    decimal.Decimal `json:"system_cash_total"`
	SystemNonCashTotal decimal.Decimal `json:"system_non_cash_total"`
	TotalSales         decimal.Decimal `json:"total_sales"`
	TransactionCount   int64           `json:"transaction_count"`
	PhysicalCashCount  decimal.Decimal `json:"physical_cash_count"`
	CashDifference     decimal.Decimal `json:"cash_difference"`
	FirstTransactionAt *time.Time      `json:"first_transaction_at,omitempty"`
	LastTransactionAt  *time.Time      `json:"last_transaction_at,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	Status             ClosureStatus   `json:"status"`
	SupersededAt       *time.Time      `json:"superseded_at,omitempty"`
	SupersededBy       string          `json:"superseded_by,omitempty"`
	SupersededReason   string          `json:"superseded_reason,omitempty"`
}

// AuditEntry is the single source of truth for "what happened", independent
// of the domain tables. Append-only.
type AuditEntry struct {
	ID          string    `json:"id"`
	ActionCode  string    `json:"action_code"`
	ActionName  string    `json:"action_name"`
	EntityType  string    `json:"entity_type,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	Description string    `json:"description,omitempty"`
	OldValue    string    `json:"old_value,omitempty"`
	NewValue    string    `json:"new_value,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	OriginAddr  string    `json:"origin_addr,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type ProductCreateRequest struct {
	Name       string          `json:"name" validate:"required"`
	CategoryID string          `json:"category_id"`
	Price      decimal.Decimal `json:"price" validate:"required"`
	Stock      int             `json:"stock" validate:"gte=0"`
	TrackStock bool            `json:"track_stock"`
}

type ProductPriceUpdateRequest struct {
	Price decimal.Decimal `json:"price" validate:"required"`
}

type StockMovementRequest struct {
	ProductID string            `json:"product_id" validate:"required"`
	Type      StockMovementType `json:"type" validate:"required,oneof=in out adjust"`
	// Quantity is a positive magnitude for in/out; adjust accepts a signed
	// delta in either direction.
	Quantity  int    `json:"quantity" validate:"required"`
	Reference string `json:"reference"`
	Notes     string `json:"notes"`
}

type CashMovementRequest struct {
	Type CashMovementType `json:"type" validate:"required,oneof=deposit withdrawal adjustment"`
	// Amount is a positive magnitude for deposit/withdrawal; adjustment
	// accepts a signed amount.
	Amount    decimal.Decimal `json:"amount" validate:"required"`
	Reference string          `json:"reference"`
	Notes     string          `json:"notes"`
}

type SetCashBalanceRequest struct {
	NewBalance decimal.Decimal `json:"new_balance"`
	Notes      string          `json:"notes"`
}

type TransactionItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type TransactionCreateRequest struct {
	SessionID     string                   `json:"session_id"`
	Items         []TransactionItemRequest `json:"items" validate:"required,min=1,dive"`
	Discount      decimal.Decimal          `json:"discount"`
	Tax           decimal.Decimal          `json:"tax"`
	PaymentMethod PaymentMethod            `json:"payment_method" validate:"required,oneof=cash card qris transfer"`
	PaidAmount    decimal.Decimal          `json:"paid_amount"`
	Notes         string                   `json:"notes"`
}

type VoidTransactionRequest struct {
	// TransactionID is taken from the URL path, not the body.
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason" validate:"required"`
}

type SessionOpenRequest struct {
	OpeningCash decimal.Decimal `json:"opening_cash"`
}

type SessionCloseRequest struct {
	SessionID   string          `json:"session_id" validate:"required"`
	ClosingCash decimal.Decimal `json:"closing_cash"`
	Notes       string          `json:"notes"`
}

type DailyClosureRequest struct {
	BusinessDate      string          `json:"business_date" validate:"required,datetime=2006-01-02"`
	PhysicalCashCount decimal.Decimal `json:"physical_cash_count"`
	Notes             string          `json:"notes"`
}

type ReopenClosureRequest struct {
	BusinessDate string `json:"business_date" validate:"required,datetime=2006-01-02"`
	Reason       string `json:"reason" validate:"required"`
}
