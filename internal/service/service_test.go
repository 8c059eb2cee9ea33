package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tillbook/backend/internal/cache"
	"tillbook/backend/internal/domain"
	"tillbook/backend/internal/store"
	"tillbook/backend/internal/store/memory"
	"tillbook/backend/internal/xid"
)

func newTestService() *Service {
	svc, _ := newTestServiceWithRepo()
	return svc
}

func newTestServiceWithRepo() (*Service, *memory.Store) {
	repo := memory.New()
	return New(repo, cache.Noop{}, Options{RolloverHour: 0, InvoicePrefix: "INV"}), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "kasir-a", Role: "cashier"})
}

func mustCreateProduct(t *testing.T, svc *Service, name string, price int64, stock int, trackStock bool) *domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name:       name,
		CategoryID: "test",
		Price:      decimal.NewFromInt(price),
		Stock:      stock,
		TrackStock: trackStock,
	})
	if err != nil {
		t.Fatalf("create product %s failed: %v", name, err)
	}
	return product
}

func TestStockMovementChainAndInsufficientStock(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Teh Botol", 5000, 0, true)

	in, err := svc.RecordStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: product.ID, Type: domain.StockIn, Quantity: 10,
	})
	if err != nil {
		t.Fatalf("stock in failed: %v", err)
	}
	if in.StockBefore != 0 || in.StockAfter != 10 {
		t.Fatalf("expected chain 0 -> 10, got %d -> %d", in.StockBefore, in.StockAfter)
	}

	out, err := svc.RecordStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: product.ID, Type: domain.StockOut, Quantity: 3,
	})
	if err != nil {
		t.Fatalf("stock out failed: %v", err)
	}
	if out.StockBefore != 10 || out.StockAfter != 7 {
		t.Fatalf("expected chain 10 -> 7, got %d -> %d", out.StockBefore, out.StockAfter)
	}

	_, err = svc.RecordStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: product.ID, Type: domain.StockOut, Quantity: 8,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	current, err := svc.GetProduct(context.Background(), product.ID)
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if current.Stock != 7 {
		t.Fatalf("failed movement must not change stock, got %d", current.Stock)
	}

	movements, err := svc.StockHistory(context.Background(), product.ID, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("stock history failed: %v", err)
	}
	if len(movements) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(movements))
	}
	for _, mv := range movements {
		if mv.StockAfter != mv.StockBefore+mv.Quantity {
			t.Fatalf("broken chain on %s: %d + %d != %d", mv.ID, mv.StockBefore, mv.Quantity, mv.StockAfter)
		}
	}
}

func TestStockAdjustTakesSignedDelta(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Gula Pasir", 14000, 20, true)

	down, err := svc.RecordStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: product.ID, Type: domain.StockAdjust, Quantity: -2, Notes: "opname shrinkage",
	})
	if err != nil {
		t.Fatalf("negative adjust failed: %v", err)
	}
	if down.StockAfter != 18 {
		t.Fatalf("expected 18 after adjust, got %d", down.StockAfter)
	}

	up, err := svc.RecordStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: product.ID, Type: domain.StockAdjust, Quantity: 5,
	})
	if err != nil {
		t.Fatalf("positive adjust failed: %v", err)
	}
	if up.StockAfter != 23 {
		t.Fatalf("expected 23 after adjust, got %d", up.StockAfter)
	}

	_, err = svc.RecordStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: product.ID, Type: domain.StockAdjust, Quantity: -100,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("adjust below zero must fail, got %v", err)
	}
}

func TestUntrackedProductSkipsStockLedger(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Jasa Antar", 10000, 0, false)

	movement, err := svc.RecordStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: product.ID, Type: domain.StockIn, Quantity: 5,
	})
	if err != nil {
		t.Fatalf("movement on untracked product must not error: %v", err)
	}
	if movement != nil {
		t.Fatalf("expected nil movement for untracked product, got %+v", movement)
	}
}

func TestCashMovementChainWorkedExample(t *testing.T) {
	svc := newTestService()

	if _, err := svc.SetCashBalance(adminCtx(), domain.SetCashBalanceRequest{
		NewBalance: decimal.NewFromInt(100000),
	}); err != nil {
		t.Fatalf("set balance failed: %v", err)
	}

	deposit, err := svc.RecordCashMovement(adminCtx(), domain.CashMovementRequest{
		Type: domain.CashDeposit, Amount: decimal.NewFromInt(50000),
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if !deposit.BalanceBefore.Equal(decimal.NewFromInt(100000)) || !deposit.BalanceAfter.Equal(decimal.NewFromInt(150000)) {
		t.Fatalf("deposit chain wrong: %s -> %s", deposit.BalanceBefore, deposit.BalanceAfter)
	}

	withdrawal, err := svc.RecordCashMovement(adminCtx(), domain.CashMovementRequest{
		Type: domain.CashWithdrawal, Amount: decimal.NewFromInt(30000),
	})
	if err != nil {
		t.Fatalf("withdrawal failed: %v", err)
	}
	if !withdrawal.Amount.Equal(decimal.NewFromInt(-30000)) {
		t.Fatalf("withdrawal must be stored negative, got %s", withdrawal.Amount)
	}

	balance, err := svc.CashBalance(context.Background())
	if err != nil {
		t.Fatalf("get balance failed: %v", err)
	}
	if !balance.Balance.Equal(decimal.NewFromInt(120000)) {
		t.Fatalf("expected final balance 120000, got %s", balance.Balance)
	}

	today := domain.BusinessDateAt(time.Now().UTC(), 0)
	summary, err := svc.CashSummary(context.Background(), today)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if !summary.CashIn.Equal(decimal.NewFromInt(150000)) {
		t.Fatalf("expected cash in 150000 (set + deposit), got %s", summary.CashIn)
	}
	if !summary.CashOut.Equal(decimal.NewFromInt(30000)) {
		t.Fatalf("expected cash out 30000, got %s", summary.CashOut)
	}
}

func TestCreateTransactionFreezesPricesAndPostsLedgers(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Kopi Susu", 18000, 10, true)
	ctx := cashierCtx()

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 3}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(60000),
	})
	if err != nil {
		t.Fatalf("create transaction failed: %v", err)
	}

	if !tx.Subtotal.Equal(decimal.NewFromInt(54000)) || !tx.Total.Equal(decimal.NewFromInt(54000)) {
		t.Fatalf("expected subtotal/total 54000, got %s/%s", tx.Subtotal, tx.Total)
	}
	if !tx.ChangeAmount.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("expected change 6000, got %s", tx.ChangeAmount)
	}
	if len(tx.Items) != 1 || !tx.Items[0].UnitPrice.Equal(decimal.NewFromInt(18000)) {
		t.Fatalf("expected frozen unit price 18000, got %+v", tx.Items)
	}

	wantPrefix := "INV-" + strings.ReplaceAll(domain.BusinessDateAt(time.Now().UTC(), 0), "-", "")
	if !strings.HasPrefix(tx.InvoiceNumber, wantPrefix) {
		t.Fatalf("invoice %s does not match prefix %s", tx.InvoiceNumber, wantPrefix)
	}

	current, _ := svc.GetProduct(context.Background(), product.ID)
	if current.Stock != 7 {
		t.Fatalf("expected stock 7 after sale, got %d", current.Stock)
	}

	balance, _ := svc.CashBalance(context.Background())
	if !balance.Balance.Equal(decimal.NewFromInt(54000)) {
		t.Fatalf("cash sale must post drawer movement, balance %s", balance.Balance)
	}

	// later price change must not rewrite the sold line
	if _, err := svc.UpdateProductPrice(adminCtx(), product.ID, domain.ProductPriceUpdateRequest{Price: decimal.NewFromInt(25000)}); err != nil {
		t.Fatalf("price update failed: %v", err)
	}
	stored, err := svc.GetTransaction(context.Background(), tx.ID)
	if err != nil {
		t.Fatalf("get transaction failed: %v", err)
	}
	if !stored.Items[0].UnitPrice.Equal(decimal.NewFromInt(18000)) {
		t.Fatalf("history rewritten by price change: %s", stored.Items[0].UnitPrice)
	}
}

func TestCreateTransactionFailureLeavesNothingBehind(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Sabun Mandi", 7000, 2, true)
	ctx := cashierCtx()

	_, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 5}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(100000),
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	current, _ := svc.GetProduct(context.Background(), product.ID)
	if current.Stock != 2 {
		t.Fatalf("failed sale must not touch stock, got %d", current.Stock)
	}
	balance, _ := svc.CashBalance(context.Background())
	if !balance.Balance.IsZero() {
		t.Fatalf("failed sale must not touch drawer, got %s", balance.Balance)
	}
	movements, _ := svc.StockHistory(context.Background(), product.ID, time.Time{}, time.Time{}, 0)
	if len(movements) != 0 {
		t.Fatalf("failed sale must not append ledger rows, got %d", len(movements))
	}
}

func TestCreateTransactionRejectsUnderpayment(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Air Mineral", 4000, 10, true)

	_, err := svc.CreateTransaction(cashierCtx(), domain.TransactionCreateRequest{
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 2}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(5000),
	})
	if !errors.Is(err, store.ErrInvalidPayment) {
		t.Fatalf("expected ErrInvalidPayment, got %v", err)
	}
}

func TestInvoiceNumbersAreSequentialPerBusinessDate(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Roti Tawar", 12000, 50, true)
	ctx := cashierCtx()

	for i := 1; i <= 3; i++ {
		tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
			Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 1}},
			PaymentMethod: domain.PaymentQRIS,
		})
		if err != nil {
			t.Fatalf("transaction %d failed: %v", i, err)
		}
		wantSuffix := fmt.Sprintf("-%04d", i)
		if !strings.HasSuffix(tx.InvoiceNumber, wantSuffix) {
			t.Fatalf("expected invoice %d to end in %s, got %s", i, wantSuffix, tx.InvoiceNumber)
		}
	}
}

func TestSessionLifecycleReconciliation(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Nasi Kotak", 25000, 10, true)
	ctx := cashierCtx()

	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningCash: decimal.NewFromInt(50000)})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	if _, err := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningCash: decimal.NewFromInt(1000)}); !errors.Is(err, store.ErrSessionAlreadyOpen) {
		t.Fatalf("second open must fail with ErrSessionAlreadyOpen, got %v", err)
	}

	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		SessionID:     session.ID,
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 3}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(75000),
	}); err != nil {
		t.Fatalf("cash sale failed: %v", err)
	}

	closed, err := svc.CloseSession(ctx, domain.SessionCloseRequest{
		SessionID:   session.ID,
		ClosingCash: decimal.NewFromInt(125000),
	})
	if err != nil {
		t.Fatalf("close session failed: %v", err)
	}
	if !closed.ExpectedCash.Equal(decimal.NewFromInt(125000)) {
		t.Fatalf("expected cash 50000+75000=125000, got %s", closed.ExpectedCash)
	}
	if !closed.Difference.IsZero() {
		t.Fatalf("expected zero difference, got %s", closed.Difference)
	}
	if closed.TotalTransactions != 1 || !closed.TotalCash.Equal(decimal.NewFromInt(75000)) {
		t.Fatalf("session aggregates wrong: %+v", closed)
	}

	if _, err := svc.CloseSession(ctx, domain.SessionCloseRequest{
		SessionID: session.ID, ClosingCash: decimal.Zero,
	}); !errors.Is(err, store.ErrSessionNotOpen) {
		t.Fatalf("double close must fail with ErrSessionNotOpen, got %v", err)
	}

	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		SessionID:     session.ID,
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(25000),
	}); !errors.Is(err, store.ErrSessionNotOpen) {
		t.Fatalf("sale on closed session must fail, got %v", err)
	}
}

func TestVoidReversesLedgersAndPreservesOriginalAmounts(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Keripik", 9000, 10, true)
	ctx := cashierCtx()

	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningCash: decimal.Zero})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		SessionID:     session.ID,
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 2}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(18000),
	})
	if err != nil {
		t.Fatalf("create transaction failed: %v", err)
	}

	voided, err := svc.VoidTransaction(ctx, domain.VoidTransactionRequest{
		TransactionID: tx.ID, Reason: "customer cancelled",
	})
	if err != nil {
		t.Fatalf("void failed: %v", err)
	}
	if voided.Status != domain.TxVoided {
		t.Fatalf("expected voided status, got %s", voided.Status)
	}
	if !voided.Total.Equal(tx.Total) || !voided.Subtotal.Equal(tx.Subtotal) {
		t.Fatalf("void must not rewrite monetary fields")
	}
	if voided.VoidedAt == nil || voided.VoidedBy != "kasir-a" {
		t.Fatalf("void metadata missing: %+v", voided)
	}

	current, _ := svc.GetProduct(context.Background(), product.ID)
	if current.Stock != 10 {
		t.Fatalf("expected stock restored to 10, got %d", current.Stock)
	}
	balance, _ := svc.CashBalance(context.Background())
	if !balance.Balance.IsZero() {
		t.Fatalf("expected drawer back to zero, got %s", balance.Balance)
	}

	refreshed, _ := svc.GetSession(context.Background(), session.ID)
	if refreshed.TotalTransactions != 0 || !refreshed.TotalCash.IsZero() {
		t.Fatalf("open session totals must be decremented on void: %+v", refreshed)
	}

	_, err = svc.VoidTransaction(ctx, domain.VoidTransactionRequest{
		TransactionID: tx.ID, Reason: "again",
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("double void must fail as conflict, got %v", err)
	}
}

func TestVoidAfterSessionCloseKeepsFrozenAggregates(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Minyak Goreng", 32000, 5, true)
	ctx := cashierCtx()

	session, _ := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningCash: decimal.Zero})
	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		SessionID:     session.ID,
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(32000),
	})
	if err != nil {
		t.Fatalf("create transaction failed: %v", err)
	}
	closed, err := svc.CloseSession(ctx, domain.SessionCloseRequest{
		SessionID: session.ID, ClosingCash: decimal.NewFromInt(32000),
	})
	if err != nil {
		t.Fatalf("close session failed: %v", err)
	}

	if _, err := svc.VoidTransaction(ctx, domain.VoidTransactionRequest{
		TransactionID: tx.ID, Reason: "late refund",
	}); err != nil {
		t.Fatalf("void after close must succeed: %v", err)
	}

	frozen, _ := svc.GetSession(context.Background(), session.ID)
	if frozen.TotalTransactions != closed.TotalTransactions || !frozen.TotalCash.Equal(closed.TotalCash) {
		t.Fatalf("closed session aggregates must stay frozen: %+v", frozen)
	}
}

func TestDailyClosureFreezeAndReopen(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Sarden Kaleng", 15000, 20, true)
	ctx := cashierCtx()
	today := domain.BusinessDateAt(time.Now().UTC(), 0)

	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 2}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(30000),
	}); err != nil {
		t.Fatalf("cash sale failed: %v", err)
	}
	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentCard,
	}); err != nil {
		t.Fatalf("card sale failed: %v", err)
	}

	closure, err := svc.CloseDay(adminCtx(), domain.DailyClosureRequest{
		BusinessDate:      today,
		PhysicalCashCount: decimal.NewFromInt(29000),
	})
	if err != nil {
		t.Fatalf("close day failed: %v", err)
	}
	if !closure.SystemCashTotal.Equal(decimal.NewFromInt(30000)) {
		t.Fatalf("expected system cash 30000, got %s", closure.SystemCashTotal)
	}
	if !closure.SystemNonCashTotal.Equal(decimal.NewFromInt(15000)) {
		t.Fatalf("expected system non-cash 15000, got %s", closure.SystemNonCashTotal)
	}
	if closure.TransactionCount != 2 {
		t.Fatalf("expected 2 transactions, got %d", closure.TransactionCount)
	}
	if !closure.CashDifference.Equal(decimal.NewFromInt(-1000)) {
		t.Fatalf("expected difference -1000, got %s", closure.CashDifference)
	}

	if _, err := svc.CloseDay(adminCtx(), domain.DailyClosureRequest{
		BusinessDate:      today,
		PhysicalCashCount: decimal.NewFromInt(30000),
	}); !errors.Is(err, store.ErrClosureExists) {
		t.Fatalf("second close must fail with ErrClosureExists, got %v", err)
	}

	superseded, err := svc.ReopenDay(adminCtx(), domain.ReopenClosureRequest{
		BusinessDate: today, Reason: "recount",
	})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if superseded.Status != domain.ClosureSuperseded || superseded.SupersededReason != "recount" {
		t.Fatalf("expected superseded snapshot, got %+v", superseded)
	}

	second, err := svc.CloseDay(adminCtx(), domain.DailyClosureRequest{
		BusinessDate:      today,
		PhysicalCashCount: decimal.NewFromInt(30000),
	})
	if err != nil {
		t.Fatalf("close after reopen failed: %v", err)
	}
	if !second.CashDifference.IsZero() {
		t.Fatalf("expected zero difference on recount, got %s", second.CashDifference)
	}

	active, err := svc.DayClosure(context.Background(), today)
	if err != nil {
		t.Fatalf("get closure failed: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("active closure must be the new one")
	}

	closures, _ := svc.ListClosures(context.Background(), 0)
	if len(closures) != 2 {
		t.Fatalf("superseded snapshot must stay on record, got %d closures", len(closures))
	}
}

func TestCloseDayRejectsFutureDate(t *testing.T) {
	svc := newTestService()
	tomorrow := domain.BusinessDateAt(time.Now().UTC().Add(48*time.Hour), 0)

	_, err := svc.CloseDay(adminCtx(), domain.DailyClosureRequest{
		BusinessDate:      tomorrow,
		PhysicalCashCount: decimal.Zero,
	})
	if !errors.Is(err, store.ErrInvalidAmount) {
		t.Fatalf("future close must fail, got %v", err)
	}
}

func TestReopenRequiresAdmin(t *testing.T) {
	svc := newTestService()
	_, err := svc.ReopenDay(cashierCtx(), domain.ReopenClosureRequest{
		BusinessDate: "2026-01-01", Reason: "nope",
	})
	if err == nil {
		t.Fatalf("cashier must not reopen a closure")
	}
}

func TestEveryMutationLeavesAnAuditEntry(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Telur Ayam", 2500, 30, true)
	ctx := cashierCtx()

	if _, err := svc.RecordStockMovement(adminCtx(), domain.StockMovementRequest{
		ProductID: product.ID, Type: domain.StockIn, Quantity: 10,
	}); err != nil {
		t.Fatalf("stock in failed: %v", err)
	}
	if _, err := svc.RecordCashMovement(adminCtx(), domain.CashMovementRequest{
		Type: domain.CashDeposit, Amount: decimal.NewFromInt(10000),
	}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 4}},
		PaymentMethod: domain.PaymentTransfer,
	}); err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	entries, err := svc.ListAuditEntries(adminCtx(), time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	// product_create + stock_movement + cash_movement + transaction_create
	if len(entries) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(entries))
	}
	byCode := map[string]int{}
	for _, entry := range entries {
		byCode[entry.ActionCode]++
		if entry.ActorID == "" || entry.CreatedAt.IsZero() {
			t.Fatalf("audit entry missing attribution: %+v", entry)
		}
	}
	for _, code := range []string{"product_create", "stock_movement", "cash_movement", "transaction_create"} {
		if byCode[code] != 1 {
			t.Fatalf("missing audit entry for %s: %v", code, byCode)
		}
	}

	if _, err := svc.ListAuditEntries(ctx, time.Time{}, time.Time{}, 0); err == nil {
		t.Fatalf("audit trail must be admin-only")
	}
}

func TestCreateTransactionAggregatesDuplicateLines(t *testing.T) {
	svc := newTestService()
	product := mustCreateProduct(t, svc, "Galon Isi Ulang", 6000, 5, true)
	ctx := cashierCtx()

	// 3 + 4 across two lines exceeds stock 5 even though each line fits
	_, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items: []domain.TransactionItemRequest{
			{ProductID: product.ID, Quantity: 3},
			{ProductID: product.ID, Quantity: 4},
		},
		PaymentMethod: domain.PaymentQRIS,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock for aggregate oversell, got %v", err)
	}
	current, _ := svc.GetProduct(context.Background(), product.ID)
	if current.Stock != 5 {
		t.Fatalf("rejected sale must not touch stock, got %d", current.Stock)
	}
	movements, _ := svc.StockHistory(context.Background(), product.ID, time.Time{}, time.Time{}, 0)
	if len(movements) != 0 {
		t.Fatalf("rejected sale must not append ledger rows, got %d", len(movements))
	}

	// 3 + 2 fits exactly and must leave a gapless chain
	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items: []domain.TransactionItemRequest{
			{ProductID: product.ID, Quantity: 3},
			{ProductID: product.ID, Quantity: 2},
		},
		PaymentMethod: domain.PaymentQRIS,
	})
	if err != nil {
		t.Fatalf("exact-stock sale failed: %v", err)
	}
	if !tx.Subtotal.Equal(decimal.NewFromInt(30000)) {
		t.Fatalf("expected subtotal 30000, got %s", tx.Subtotal)
	}
	current, _ = svc.GetProduct(context.Background(), product.ID)
	if current.Stock != 0 {
		t.Fatalf("expected stock 0 after selling out, got %d", current.Stock)
	}
	movements, _ = svc.StockHistory(context.Background(), product.ID, time.Time{}, time.Time{}, 0)
	if len(movements) != 2 {
		t.Fatalf("expected 2 ledger rows, got %d", len(movements))
	}
	for _, mv := range movements {
		if mv.StockAfter != mv.StockBefore+mv.Quantity {
			t.Fatalf("broken chain on %s: %d + %d != %d", mv.ID, mv.StockBefore, mv.Quantity, mv.StockAfter)
		}
	}
	if movements[0].StockBefore != 5 || movements[1].StockBefore != movements[0].StockAfter || movements[1].StockAfter != 0 {
		t.Fatalf("duplicate-line movements must chain 5 -> 2 -> 0, got %d -> %d and %d -> %d",
			movements[0].StockBefore, movements[0].StockAfter, movements[1].StockBefore, movements[1].StockAfter)
	}
}

func TestSeededDrawerSessionKeepsBalanceChainGapless(t *testing.T) {
	repo := memory.New()
	svc := New(repo, cache.Noop{}, Options{InvoicePrefix: "INV", SeedDrawerOnSessionOpen: true})
	product := mustCreateProduct(t, svc, "Es Teh Manis", 25000, 10, true)
	ctx := cashierCtx()

	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{OpeningCash: decimal.NewFromInt(50000)})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	balance, _ := svc.CashBalance(context.Background())
	if !balance.Balance.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("opening float must seed the drawer, balance %s", balance.Balance)
	}

	if _, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		SessionID:     session.ID,
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 3}},
		PaymentMethod: domain.PaymentCash,
		PaidAmount:    decimal.NewFromInt(75000),
	}); err != nil {
		t.Fatalf("cash sale failed: %v", err)
	}

	closed, err := svc.CloseSession(ctx, domain.SessionCloseRequest{
		SessionID:   session.ID,
		ClosingCash: decimal.NewFromInt(125000),
	})
	if err != nil {
		t.Fatalf("close session failed: %v", err)
	}
	if !closed.Difference.IsZero() {
		t.Fatalf("expected zero difference, got %s", closed.Difference)
	}

	balance, _ = svc.CashBalance(context.Background())
	if !balance.Balance.IsZero() {
		t.Fatalf("closing count must drain the drawer, balance %s", balance.Balance)
	}

	movements, err := svc.CashHistory(context.Background(), time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("cash history failed: %v", err)
	}
	if len(movements) != 3 {
		t.Fatalf("expected seed + sale + drain, got %d movements", len(movements))
	}
	if movements[0].Type != domain.CashSessionOpen || movements[1].Type != domain.CashSalesIn || movements[2].Type != domain.CashSessionClose {
		t.Fatalf("unexpected movement types: %s, %s, %s", movements[0].Type, movements[1].Type, movements[2].Type)
	}
	prev := decimal.Zero
	for _, mv := range movements {
		if !mv.BalanceBefore.Equal(prev) || !mv.BalanceAfter.Equal(mv.BalanceBefore.Add(mv.Amount)) {
			t.Fatalf("broken balance chain on %s: %s + %s != %s (prev %s)",
				mv.ID, mv.BalanceBefore, mv.Amount, mv.BalanceAfter, prev)
		}
		prev = mv.BalanceAfter
	}
}

func TestInvoiceCollisionAdvancesSequence(t *testing.T) {
	svc, repo := newTestServiceWithRepo()
	product := mustCreateProduct(t, svc, "Voucher Pulsa", 11000, 0, false)
	ctx := cashierCtx()
	date := domain.BusinessDateAt(time.Now().UTC(), 0)

	// occupy the next candidate slot directly so the first attempt collides
	if _, err := repo.CreateTransaction(context.Background(), domain.Transaction{
		ID:            xid.New("trx"),
		InvoiceNumber: testInvoice(date, 2),
		CashierID:     "kasir-a",
		BusinessDate:  date,
		PaymentMethod: domain.PaymentQRIS,
		Items:         []domain.TransactionItem{{ProductID: product.ID, Quantity: 1}},
	}, domain.AuditEntry{ActionCode: "transaction_create"}); err != nil {
		t.Fatalf("pre-insert failed: %v", err)
	}

	tx, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentQRIS,
	})
	if err != nil {
		t.Fatalf("create transaction failed: %v", err)
	}
	if tx.InvoiceNumber != testInvoice(date, 3) {
		t.Fatalf("expected collision to advance to %s, got %s", testInvoice(date, 3), tx.InvoiceNumber)
	}
}

func TestInvoiceCollisionExhaustionFails(t *testing.T) {
	svc, repo := newTestServiceWithRepo()
	product := mustCreateProduct(t, svc, "Voucher Listrik", 22000, 0, false)
	ctx := cashierCtx()
	date := domain.BusinessDateAt(time.Now().UTC(), 0)

	// five pre-inserted rows leave count=5, so every candidate seq 6..10 collides
	for seq := 6; seq <= 10; seq++ {
		if _, err := repo.CreateTransaction(context.Background(), domain.Transaction{
			ID:            xid.New("trx"),
			InvoiceNumber: testInvoice(date, seq),
			CashierID:     "kasir-a",
			BusinessDate:  date,
			PaymentMethod: domain.PaymentQRIS,
			Items:         []domain.TransactionItem{{ProductID: product.ID, Quantity: 1}},
		}, domain.AuditEntry{ActionCode: "transaction_create"}); err != nil {
			t.Fatalf("pre-insert seq %d failed: %v", seq, err)
		}
	}

	_, err := svc.CreateTransaction(ctx, domain.TransactionCreateRequest{
		Items:         []domain.TransactionItemRequest{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentQRIS,
	})
	if !errors.Is(err, store.ErrDuplicateInvoice) {
		t.Fatalf("expected ErrDuplicateInvoice after exhausting candidates, got %v", err)
	}
}

func testInvoice(businessDate string, seq int) string {
	return fmt.Sprintf("INV-%s-%04d", strings.ReplaceAll(businessDate, "-", ""), seq)
}

func TestWithRetryRetriesOnlyConflicts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("wrapped: %w", store.ErrConcurrentModification)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, err=%v calls=%d", err, calls)
	}

	calls = 0
	err = withRetry(context.Background(), func() error {
		calls++
		return store.ErrInvalidAmount
	})
	if !errors.Is(err, store.ErrInvalidAmount) || calls != 1 {
		t.Fatalf("non-retryable error must propagate immediately, err=%v calls=%d", err, calls)
	}
}
