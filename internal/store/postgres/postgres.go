package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/store"
	"tillbook/backend/internal/xid"
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

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, audit domain.AuditEntry) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.Price.IsNegative() || product.Stock < 0 {
		return nil, store.ErrInvalidAmount
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	now := time.Now().UTC()
	product.Active = true
	product.CreatedAt = now
	product.UpdatedAt = now
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO products (id, name, category_id, price, stock, track_stock, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, product.ID, product.Name, product.CategoryID, product.Price, product.Stock, product.TrackStock, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product %s already exists", store.ErrConcurrentModification, product.ID)
		}
		return nil, translateTxErr(err)
	}

	audit.EntityID = product.ID
	audit.NewValue = marshalBlob(product)
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, category_id, price, stock, track_stock, active, created_at, updated_at
		FROM products
		WHERE id = $1
	`, productID)
	return scanProduct(row)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category_id, price, stock, track_stock, active, created_at, updated_at
		FROM products
		WHERE active = true
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.CategoryID, &p.Price, &p.Stock, &p.TrackStock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) UpdateProductPrice(ctx context.Context, productID string, price decimal.Decimal, audit domain.AuditEntry) (*domain.Product, error) {
	if !price.IsPositive() {
		return nil, store.ErrInvalidAmount
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	product, err := lockProduct(ctx, pgTx, productID)
	if err != nil {
		return nil, translateTxErr(err)
	}

	audit.EntityID = productID
	audit.OldValue = marshalBlob(map[string]string{"price": product.Price.StringFixed(2)})
	audit.NewValue = marshalBlob(map[string]string{"price": price.StringFixed(2)})

	product.Price = price
	product.UpdatedAt = time.Now().UTC()
	_, err = pgTx.ExecContext(ctx, `
		UPDATE products SET price = $1, updated_at = $2 WHERE id = $3
	`, product.Price, product.UpdatedAt, productID)
	if err != nil {
		return nil, translateTxErr(err)
	}
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return product, nil
}

// RecordStockMovement applies one signed movement under a row lock on the
// product, so the before/after chain stays gapless under concurrency.
// Products with TrackStock=false are a no-op and return a nil movement.
func (s *Store) RecordStockMovement(ctx context.Context, movement domain.StockMovement, audit domain.AuditEntry) (*domain.StockMovement, error) {
	if movement.Quantity == 0 {
		return nil, store.ErrInvalidAmount
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	product, err := lockProduct(ctx, pgTx, movement.ProductID)
	if err != nil {
		return nil, translateTxErr(err)
	}
	if !product.TrackStock {
		return nil, nil
	}

	if movement.ID == "" {
		movement.ID = xid.New("stm")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.StockBefore = product.Stock
	movement.StockAfter = product.Stock + movement.Quantity
	if movement.StockAfter < 0 {
		return nil, fmt.Errorf("%w: product %s has %d, movement needs %d", store.ErrInsufficientStock, product.ID, product.Stock, -movement.Quantity)
	}

	if err := insertStockMovement(ctx, pgTx, movement); err != nil {
		return nil, translateTxErr(err)
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE products SET stock = $1, updated_at = $2 WHERE id = $3
	`, movement.StockAfter, movement.CreatedAt, product.ID)
	if err != nil {
		return nil, translateTxErr(err)
	}

	audit.EntityID = movement.ID
	audit.NewValue = marshalBlob(movement)
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return &movement, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, from time.Time, to time.Time, limit int) ([]domain.StockMovement, error) {
	from, to = widenRange(from, to)
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, type, quantity, stock_before, stock_after, reference, notes, actor_id, created_at
		FROM stock_movements
		WHERE ($1 = '' OR product_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id
		LIMIT $4
	`, productID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		var mv domain.StockMovement
		var reference, notes, actor sql.NullString
		if err := rows.Scan(&mv.ID, &mv.ProductID, &mv.Type, &mv.Quantity, &mv.StockBefore, &mv.StockAfter, &reference, &notes, &actor, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.Reference = reference.String
		mv.Notes = notes.String
		mv.ActorID = actor.String
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func (s *Store) GetCashBalance(ctx context.Context) (*domain.CashBalance, error) {
	var balance domain.CashBalance
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, updated_at FROM cash_balance WHERE id = 1
	`).Scan(&balance.Balance, &balance.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.CashBalance{Balance: decimal.Zero, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (s *Store) RecordCashMovement(ctx context.Context, movement domain.CashMovement, audit domain.AuditEntry) (*domain.CashMovement, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	applied, err := applyCashMovement(ctx, pgTx, movement)
	if err != nil {
		return nil, translateTxErr(err)
	}

	audit.EntityID = applied.ID
	audit.NewValue = marshalBlob(*applied)
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return applied, nil
}

func (s *Store) ListCashMovements(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.CashMovement, error) {
	from, to = widenRange(from, to)
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, amount, balance_before, balance_after, reference, notes, actor_id, created_at
		FROM cash_movements
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 32)
	for rows.Next() {
		var mv domain.CashMovement
		var reference, notes, actor sql.NullString
		if err := rows.Scan(&mv.ID, &mv.Type, &mv.Amount, &mv.BalanceBefore, &mv.BalanceAfter, &reference, &notes, &actor, &mv.CreatedAt); err != nil {
			return nil, err
		}
		mv.Reference = reference.String
		mv.Notes = notes.String
		mv.ActorID = actor.String
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func (s *Store) GetCashSummary(ctx context.Context, from time.Time, to time.Time) (domain.CashSummary, error) {
	from, to = widenRange(from, to)

	summary := domain.CashSummary{Balance: decimal.Zero, CashIn: decimal.Zero, CashOut: decimal.Zero}
	balance, err := s.GetCashBalance(ctx)
	if err != nil {
		return domain.CashSummary{}, err
	}
	summary.Balance = balance.Balance

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0),
			COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0)
		FROM cash_movements
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&summary.CashIn, &summary.CashOut)
	if err != nil {
		return domain.CashSummary{}, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cashier_sessions WHERE status = 'open'
	`).Scan(&summary.OpenSessions)
	if err != nil {
		return domain.CashSummary{}, err
	}
	return summary, nil
}

// CreateTransaction is the composite write path: it locks every product row,
// freezes unit prices, checks and decrements stock, posts the cash movement
// for cash payments, bumps session aggregates, and appends the audit entry,
// all inside one serializable transaction.
func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction, audit domain.AuditEntry) (*domain.Transaction, error) {
	if len(tx.Items) == 0 {
		return nil, store.ErrInvalidAmount
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if tx.SessionID != "" {
		var status domain.SessionStatus
		err := pgTx.QueryRowContext(ctx, `
			SELECT status FROM cashier_sessions WHERE id = $1 FOR UPDATE
		`, tx.SessionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", store.ErrNotFound, tx.SessionID)
		}
		if err != nil {
			return nil, translateTxErr(err)
		}
		if status != domain.SessionOpen {
			return nil, fmt.Errorf("%w: session %s", store.ErrSessionNotOpen, tx.SessionID)
		}
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	// Each product row is locked once; locked carries its running stock so a
	// product split over several lines is checked and chained against the
	// aggregate quantity, not the starting stock per line.
	subtotal := decimal.Zero
	items := make([]domain.TransactionItem, 0, len(tx.Items))
	movements := make([]domain.StockMovement, 0, len(tx.Items))
	locked := make(map[string]*domain.Product, len(tx.Items))
	for _, item := range tx.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidAmount
		}
		product, held := locked[item.ProductID]
		if !held {
			product, err = lockProduct(ctx, pgTx, item.ProductID)
			if err != nil {
				return nil, translateTxErr(err)
			}
			locked[item.ProductID] = product
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
		}
		if product.TrackStock {
			if product.Stock < item.Quantity {
				return nil, fmt.Errorf("%w: product %s has %d, sale needs %d more", store.ErrInsufficientStock, product.ID, product.Stock, item.Quantity)
			}
			movements = append(movements, domain.StockMovement{
				ID:          xid.New("stm"),
				ProductID:   product.ID,
				Type:        domain.StockOut,
				Quantity:    -item.Quantity,
				StockBefore: product.Stock,
				StockAfter:  product.Stock - item.Quantity,
				Reference:   tx.InvoiceNumber,
				ActorID:     tx.CashierID,
				CreatedAt:   tx.CreatedAt,
			})
			product.Stock -= item.Quantity
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

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, invoice_number, cashier_id, session_id, business_date,
			subtotal, discount, tax, total, paid_amount, change_amount,
			payment_method, status, notes, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, tx.ID, tx.InvoiceNumber, tx.CashierID, nullIfEmpty(tx.SessionID), tx.BusinessDate,
		tx.Subtotal, tx.Discount, tx.Tax, tx.Total, tx.PaidAmount, tx.ChangeAmount,
		tx.PaymentMethod, tx.Status, nullIfEmpty(tx.Notes), tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateInvoice, tx.InvoiceNumber)
		}
		return nil, translateTxErr(err)
	}

	for _, item := range items {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (id, transaction_id, product_id, product_name, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, item.TransactionID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.LineTotal)
		if err != nil {
			return nil, translateTxErr(err)
		}
	}

	for _, mv := range movements {
		if err := insertStockMovement(ctx, pgTx, mv); err != nil {
			return nil, translateTxErr(err)
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET stock = $1, updated_at = $2 WHERE id = $3
		`, mv.StockAfter, tx.CreatedAt, mv.ProductID)
		if err != nil {
			return nil, translateTxErr(err)
		}
	}

	if tx.PaymentMethod.IsCash() {
		_, err = applyCashMovement(ctx, pgTx, domain.CashMovement{
			Type:      domain.CashSalesIn,
			Amount:    total,
			Reference: tx.InvoiceNumber,
			ActorID:   tx.CashierID,
			CreatedAt: tx.CreatedAt,
		})
		if err != nil {
			return nil, translateTxErr(err)
		}
	}

	if tx.SessionID != "" {
		cashDelta := decimal.Zero
		nonCashDelta := total
		if tx.PaymentMethod.IsCash() {
			cashDelta = total
			nonCashDelta = decimal.Zero
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE cashier_sessions
			SET total_sales = total_sales + $1,
				total_cash = total_cash + $2,
				total_non_cash = total_non_cash + $3,
				total_transactions = total_transactions + 1
			WHERE id = $4
		`, total, cashDelta, nonCashDelta, tx.SessionID)
		if err != nil {
			return nil, translateTxErr(err)
		}
	}

	audit.EntityID = tx.ID
	audit.NewValue = marshalBlob(tx)
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return &tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "id", transactionID)
}

func (s *Store) GetTransactionByInvoice(ctx context.Context, invoiceNumber string) (*domain.Transaction, error) {
	return s.findTransaction(ctx, "invoice_number", invoiceNumber)
}

func (s *Store) findTransaction(ctx context.Context, column string, value string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, invoice_number, cashier_id, session_id, business_date,
			subtotal, discount, tax, total, paid_amount, change_amount,
			payment_method, status, voided_at, voided_by, void_reason, notes, created_at
		FROM transactions
		WHERE %s = $1
	`, column), value)

	tx, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, product_name, quantity, unit_price, line_total
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY id
	`, tx.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.TransactionItem
		if err := rows.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		tx.Items = append(tx.Items, item)
	}
	return tx, rows.Err()
}

func (s *Store) CountTransactionsForBusinessDate(ctx context.Context, businessDate string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE business_date = $1
	`, businessDate).Scan(&count)
	return count, err
}

// VoidTransaction flips a completed transaction to voided and posts the
// compensating stock and cash entries. The original monetary fields and
// items are never rewritten. Closed sessions keep their reconciled totals.
func (s *Store) VoidTransaction(ctx context.Context, transactionID string, actorID string, reason string, at time.Time, audit domain.AuditEntry) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `
		SELECT id, invoice_number, cashier_id, session_id, business_date,
			subtotal, discount, tax, total, paid_amount, change_amount,
			payment_method, status, voided_at, voided_by, void_reason, notes, created_at
		FROM transactions
		WHERE id = $1
		FOR UPDATE
	`, transactionID)
	tx, err := scanTransaction(row)
	if err != nil {
		return nil, translateTxErr(err)
	}
	if tx.Status != domain.TxCompleted {
		return nil, fmt.Errorf("%w: transaction %s is %s", store.ErrConcurrentModification, transactionID, tx.Status)
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT product_id, quantity FROM transaction_items WHERE transaction_id = $1
	`, transactionID)
	if err != nil {
		return nil, translateTxErr(err)
	}
	type voidedItem struct {
		productID string
		quantity  int
	}
	voidedItems := make([]voidedItem, 0, 8)
	for itemRows.Next() {
		var item voidedItem
		if err := itemRows.Scan(&item.productID, &item.quantity); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		voidedItems = append(voidedItems, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	for _, item := range voidedItems {
		product, err := lockProduct(ctx, pgTx, item.productID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, translateTxErr(err)
		}
		if !product.TrackStock {
			continue
		}
		movement := domain.StockMovement{
			ID:          xid.New("stm"),
			ProductID:   product.ID,
			Type:        domain.StockIn,
			Quantity:    item.quantity,
			StockBefore: product.Stock,
			StockAfter:  product.Stock + item.quantity,
			Reference:   tx.InvoiceNumber,
			Notes:       "void reversal",
			ActorID:     actorID,
			CreatedAt:   at,
		}
		if err := insertStockMovement(ctx, pgTx, movement); err != nil {
			return nil, translateTxErr(err)
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE products SET stock = $1, updated_at = $2 WHERE id = $3
		`, movement.StockAfter, at, product.ID)
		if err != nil {
			return nil, translateTxErr(err)
		}
	}

	if tx.PaymentMethod.IsCash() {
		_, err = applyCashMovement(ctx, pgTx, domain.CashMovement{
			Type:      domain.CashAdjustment,
			Amount:    tx.Total.Neg(),
			Reference: tx.InvoiceNumber,
			Notes:     "void reversal",
			ActorID:   actorID,
			CreatedAt: at,
		})
		if err != nil {
			return nil, translateTxErr(err)
		}
	}

	if tx.SessionID != "" {
		cashDelta := decimal.Zero
		nonCashDelta := tx.Total
		if tx.PaymentMethod.IsCash() {
			cashDelta = tx.Total
			nonCashDelta = decimal.Zero
		}
		_, err = pgTx.ExecContext(ctx, `
			UPDATE cashier_sessions
			SET total_sales = total_sales - $1,
				total_cash = total_cash - $2,
				total_non_cash = total_non_cash - $3,
				total_transactions = total_transactions - 1
			WHERE id = $4 AND status = 'open'
		`, tx.Total, cashDelta, nonCashDelta, tx.SessionID)
		if err != nil {
			return nil, translateTxErr(err)
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, voided_at = $2, voided_by = $3, void_reason = $4
		WHERE id = $5
	`, domain.TxVoided, at, actorID, reason, transactionID)
	if err != nil {
		return nil, translateTxErr(err)
	}

	audit.EntityID = tx.ID
	audit.OldValue = marshalBlob(map[string]string{"status": string(domain.TxCompleted)})
	audit.NewValue = marshalBlob(map[string]string{"status": string(domain.TxVoided), "reason": reason})
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}

	tx.Status = domain.TxVoided
	tx.VoidedAt = &at
	tx.VoidedBy = actorID
	tx.VoidReason = reason
	return tx, nil
}

func (s *Store) OpenSession(ctx context.Context, session domain.CashierSession, seed *domain.CashMovement, audit domain.AuditEntry) (*domain.CashierSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	session.Status = domain.SessionOpen
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO cashier_sessions (
			id, cashier_id, start_time, opening_cash, closing_cash, expected_cash, difference,
			total_sales, total_cash, total_non_cash, total_transactions, status
		)
		VALUES ($1, $2, $3, $4, 0, 0, 0, 0, 0, 0, 0, $5)
	`, session.ID, session.CashierID, session.StartTime, session.OpeningCash, session.Status)
	if err != nil {
		// partial unique index on (cashier_id) WHERE status = 'open'
		if isUniqueViolationOn(err, "cashier_sessions_open_cashier_idx") {
			return nil, fmt.Errorf("%w: cashier %s", store.ErrSessionAlreadyOpen, session.CashierID)
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: session %s already exists", store.ErrConcurrentModification, session.ID)
		}
		return nil, translateTxErr(err)
	}

	if seed != nil {
		seed.Reference = session.ID
		if _, err := applyCashMovement(ctx, pgTx, *seed); err != nil {
			return nil, translateTxErr(err)
		}
	}

	audit.EntityID = session.ID
	audit.NewValue = marshalBlob(session)
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return &session, nil
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, closingCash decimal.Decimal, notes string, at time.Time, drain *domain.CashMovement, audit domain.AuditEntry) (*domain.CashierSession, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `
		SELECT id, cashier_id, start_time, end_time, opening_cash, closing_cash, expected_cash, difference,
			total_sales, total_cash, total_non_cash, total_transactions, status, notes
		FROM cashier_sessions
		WHERE id = $1
		FOR UPDATE
	`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		return nil, translateTxErr(err)
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

	_, err = pgTx.ExecContext(ctx, `
		UPDATE cashier_sessions
		SET end_time = $1, closing_cash = $2, expected_cash = $3, difference = $4, status = $5, notes = $6
		WHERE id = $7
	`, at, session.ClosingCash, session.ExpectedCash, session.Difference, session.Status, nullIfEmpty(notes), sessionID)
	if err != nil {
		return nil, translateTxErr(err)
	}

	if drain != nil {
		drain.Reference = session.ID
		if _, err := applyCashMovement(ctx, pgTx, *drain); err != nil {
			return nil, translateTxErr(err)
		}
	}

	audit.EntityID = session.ID
	audit.NewValue = marshalBlob(*session)
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.CashierSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cashier_id, start_time, end_time, opening_cash, closing_cash, expected_cash, difference,
			total_sales, total_cash, total_non_cash, total_transactions, status, notes
		FROM cashier_sessions
		WHERE id = $1
	`, sessionID)
	return scanSession(row)
}

func (s *Store) GetOpenSessionByCashier(ctx context.Context, cashierID string) (*domain.CashierSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cashier_id, start_time, end_time, opening_cash, closing_cash, expected_cash, difference,
			total_sales, total_cash, total_non_cash, total_transactions, status, notes
		FROM cashier_sessions
		WHERE cashier_id = $1 AND status = 'open'
	`, cashierID)
	return scanSession(row)
}

// CreateDailyClosure aggregates the date's completed transactions inside the
// same serializable transaction that inserts the snapshot, so a concurrent
// sale either lands before the freeze or fails it with a serialization error.
func (s *Store) CreateDailyClosure(ctx context.Context, closure domain.DailyClosure, audit domain.AuditEntry) (*domain.DailyClosure, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var firstAt, lastAt sql.NullTime
	err = pgTx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total) FILTER (WHERE payment_method = 'cash'), 0),
			COALESCE(SUM(total) FILTER (WHERE payment_method <> 'cash'), 0),
			COALESCE(SUM(total), 0),
			COUNT(*),
			MIN(created_at),
			MAX(created_at)
		FROM transactions
		WHERE business_date = $1 AND status = 'completed'
	`, closure.BusinessDate).Scan(
		&closure.SystemCashTotal, &closure.SystemNonCashTotal, &closure.TotalSales,
		&closure.TransactionCount, &firstAt, &lastAt)
	if err != nil {
		return nil, translateTxErr(err)
	}
	if firstAt.Valid {
		first := firstAt.Time.UTC()
		closure.FirstTransactionAt = &first
	}
	if lastAt.Valid {
		last := lastAt.Time.UTC()
		closure.LastTransactionAt = &last
	}
	closure.CashDifference = closure.PhysicalCashCount.Sub(closure.SystemCashTotal)
	closure.Status = domain.ClosureActive
	if closure.ClosedAt.IsZero() {
		closure.ClosedAt = time.Now().UTC()
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO daily_closures (
			id, business_date, closed_by, closed_at,
			system_cash_total, system_non_cash_total, total_sales, transaction_count,
			physical_cash_count, cash_difference, first_transaction_at, last_transaction_at,
			notes, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, closure.ID, closure.BusinessDate, closure.ClosedBy, closure.ClosedAt,
		closure.SystemCashTotal, closure.SystemNonCashTotal, closure.TotalSales, closure.TransactionCount,
		closure.PhysicalCashCount, closure.CashDifference, closure.FirstTransactionAt, closure.LastTransactionAt,
		nullIfEmpty(closure.Notes), closure.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrClosureExists, closure.BusinessDate)
		}
		return nil, translateTxErr(err)
	}

	audit.EntityID = closure.ID
	audit.NewValue = marshalBlob(closure)
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}
	return &closure, nil
}

func (s *Store) GetDailyClosure(ctx context.Context, businessDate string) (*domain.DailyClosure, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, business_date, closed_by, closed_at,
			system_cash_total, system_non_cash_total, total_sales, transaction_count,
			physical_cash_count, cash_difference, first_transaction_at, last_transaction_at,
			notes, status, superseded_at, superseded_by, superseded_reason
		FROM daily_closures
		WHERE business_date = $1 AND status = 'active'
	`, businessDate)
	return scanClosure(row)
}

func (s *Store) ListDailyClosures(ctx context.Context, limit int) ([]domain.DailyClosure, error) {
	if limit < 1 {
		limit = 60
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_date, closed_by, closed_at,
			system_cash_total, system_non_cash_total, total_sales, transaction_count,
			physical_cash_count, cash_difference, first_transaction_at, last_transaction_at,
			notes, status, superseded_at, superseded_by, superseded_reason
		FROM daily_closures
		ORDER BY closed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	closures := make([]domain.DailyClosure, 0, limit)
	for rows.Next() {
		closure, err := scanClosure(rows)
		if err != nil {
			return nil, err
		}
		closures = append(closures, *closure)
	}
	return closures, rows.Err()
}

func (s *Store) SupersedeDailyClosure(ctx context.Context, businessDate string, actorID string, reason string, at time.Time, audit domain.AuditEntry) (*domain.DailyClosure, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var closureID string
	err = pgTx.QueryRowContext(ctx, `
		UPDATE daily_closures
		SET status = $1, superseded_at = $2, superseded_by = $3, superseded_reason = $4
		WHERE business_date = $5 AND status = 'active'
		RETURNING id
	`, domain.ClosureSuperseded, at, actorID, reason, businessDate).Scan(&closureID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, translateTxErr(err)
	}

	audit.EntityID = closureID
	audit.OldValue = marshalBlob(map[string]string{"status": string(domain.ClosureActive)})
	audit.NewValue = marshalBlob(map[string]string{"status": string(domain.ClosureSuperseded), "reason": reason})
	if err := insertAudit(ctx, pgTx, audit); err != nil {
		return nil, translateTxErr(err)
	}
	if err := pgTx.Commit(); err != nil {
		return nil, translateTxErr(err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, business_date, closed_by, closed_at,
			system_cash_total, system_non_cash_total, total_sales, transaction_count,
			physical_cash_count, cash_difference, first_transaction_at, last_transaction_at,
			notes, status, superseded_at, superseded_by, superseded_reason
		FROM daily_closures
		WHERE id = $1
	`, closureID)
	return scanClosure(row)
}

func (s *Store) ListAuditEntries(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditEntry, error) {
	from, to = widenRange(from, to)
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_code, action_name, entity_type, entity_id, description, old_value, new_value, actor_id, origin_addr, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditEntry, 0, 64)
	for rows.Next() {
		var entry domain.AuditEntry
		var entityType, entityID, description, oldValue, newValue, actorID, originAddr sql.NullString
		if err := rows.Scan(&entry.ID, &entry.ActionCode, &entry.ActionName, &entityType, &entityID, &description, &oldValue, &newValue, &actorID, &originAddr, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.EntityType = entityType.String
		entry.EntityID = entityID.String
		entry.Description = description.String
		entry.OldValue = oldValue.String
		entry.NewValue = newValue.String
		entry.ActorID = actorID.String
		entry.OriginAddr = originAddr.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("username %s already exists", user.Username)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at FROM users
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $1 WHERE username = $2
	`, password, username)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.CategoryID, &p.Price, &p.Stock, &p.TrackStock, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var sessionID, voidedBy, voidReason, notes sql.NullString
	var voidedAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.InvoiceNumber, &tx.CashierID, &sessionID, &tx.BusinessDate,
		&tx.Subtotal, &tx.Discount, &tx.Tax, &tx.Total, &tx.PaidAmount, &tx.ChangeAmount,
		&tx.PaymentMethod, &tx.Status, &voidedAt, &voidedBy, &voidReason, &notes, &tx.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.SessionID = sessionID.String
	tx.VoidedBy = voidedBy.String
	tx.VoidReason = voidReason.String
	tx.Notes = notes.String
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		tx.VoidedAt = &at
	}
	return &tx, nil
}

func scanSession(row rowScanner) (*domain.CashierSession, error) {
	var session domain.CashierSession
	var endTime sql.NullTime
	var notes sql.NullString
	err := row.Scan(&session.ID, &session.CashierID, &session.StartTime, &endTime,
		&session.OpeningCash, &session.ClosingCash, &session.ExpectedCash, &session.Difference,
		&session.TotalSales, &session.TotalCash, &session.TotalNonCash, &session.TotalTransactions,
		&session.Status, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		end := endTime.Time.UTC()
		session.EndTime = &end
	}
	session.Notes = notes.String
	return &session, nil
}

func scanClosure(row rowScanner) (*domain.DailyClosure, error) {
	var closure domain.DailyClosure
	var firstAt, lastAt, supersededAt sql.NullTime
	var notes, supersededBy, supersededReason sql.NullString
	err := row.Scan(&closure.ID, &closure.BusinessDate, &closure.ClosedBy, &closure.ClosedAt,
		&closure.SystemCashTotal, &closure.SystemNonCashTotal, &closure.TotalSales, &closure.TransactionCount,
		&closure.PhysicalCashCount, &closure.CashDifference, &firstAt, &lastAt,
		&notes, &closure.Status, &supersededAt, &supersededBy, &supersededReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if firstAt.Valid {
		first := firstAt.Time.UTC()
		closure.FirstTransactionAt = &first
	}
	if lastAt.Valid {
		last := lastAt.Time.UTC()
		closure.LastTransactionAt = &last
	}
	if supersededAt.Valid {
		superseded := supersededAt.Time.UTC()
		closure.SupersededAt = &superseded
	}
	closure.Notes = notes.String
	closure.SupersededBy = supersededBy.String
	closure.SupersededReason = supersededReason.String
	return &closure, nil
}

func lockProduct(ctx context.Context, pgTx *sql.Tx, productID string) (*domain.Product, error) {
	row := pgTx.QueryRowContext(ctx, `
		SELECT id, name, category_id, price, stock, track_stock, active, created_at, updated_at
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID)
	return scanProduct(row)
}

func insertStockMovement(ctx context.Context, pgTx *sql.Tx, movement domain.StockMovement) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, type, quantity, stock_before, stock_after, reference, notes, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, movement.ID, movement.ProductID, movement.Type, movement.Quantity, movement.StockBefore, movement.StockAfter,
		nullIfEmpty(movement.Reference), nullIfEmpty(movement.Notes), nullIfEmpty(movement.ActorID), movement.CreatedAt)
	return err
}

// applyCashMovement reads the singleton balance row under a lock, appends
// the movement, and writes the new balance. BalanceBefore always comes from
// the locked row, never from the caller.
func applyCashMovement(ctx context.Context, pgTx *sql.Tx, movement domain.CashMovement) (*domain.CashMovement, error) {
	var balance decimal.Decimal
	err := pgTx.QueryRowContext(ctx, `
		SELECT balance FROM cash_balance WHERE id = 1 FOR UPDATE
	`).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		balance = decimal.Zero
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO cash_balance (id, balance, updated_at) VALUES (1, 0, now())
		`); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	movement.BalanceBefore = balance
	movement.BalanceAfter = balance.Add(movement.Amount)
	if movement.ID == "" {
		movement.ID = xid.New("csm")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, type, amount, balance_before, balance_after, reference, notes, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, movement.ID, movement.Type, movement.Amount, movement.BalanceBefore, movement.BalanceAfter,
		nullIfEmpty(movement.Reference), nullIfEmpty(movement.Notes), nullIfEmpty(movement.ActorID), movement.CreatedAt)
	if err != nil {
		return nil, err
	}
	_, err = pgTx.ExecContext(ctx, `
		UPDATE cash_balance SET balance = $1, updated_at = $2 WHERE id = 1
	`, movement.BalanceAfter, movement.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func insertAudit(ctx context.Context, pgTx *sql.Tx, entry domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action_code, action_name, entity_type, entity_id, description, old_value, new_value, actor_id, origin_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.ActionCode, entry.ActionName, nullIfEmpty(entry.EntityType), nullIfEmpty(entry.EntityID),
		nullIfEmpty(entry.Description), nullIfEmpty(entry.OldValue), nullIfEmpty(entry.NewValue),
		nullIfEmpty(entry.ActorID), nullIfEmpty(entry.OriginAddr), entry.CreatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isUniqueViolationOn reports whether err is a unique violation on the named
// constraint, for tables carrying more than one unique index.
func isUniqueViolationOn(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
	}
	return false
}

// translateTxErr maps serialization failures (SQLSTATE 40001) to the
// retryable sentinel; everything else passes through unchanged.
func translateTxErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return fmt.Errorf("%w: %s", store.ErrConcurrentModification, pgErr.Message)
	}
	return err
}

func widenRange(from time.Time, to time.Time) (time.Time, time.Time) {
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return from, to
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func marshalBlob(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(payload)
}
