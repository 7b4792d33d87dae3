package billing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/chatgate/internal/entitlement"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakePayments struct {
	mu       sync.Mutex
	statuses map[string]PaymentStatus
	created  int
	lookups  atomic.Int32
	failNew  bool

	// when set, status lookups signal entered and block until gate closes
	gate    chan struct{}
	entered chan struct{}
}

func newFakePayments() *fakePayments {
	return &fakePayments{statuses: make(map[string]PaymentStatus)}
}

func (f *fakePayments) CreatePayment(ctx context.Context, amount int, description string) (*CreatedPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return nil, errors.New("provider unavailable")
	}
	f.created++
	id := fmt.Sprintf("pay-%d", f.created)
	f.statuses[id] = PaymentPending
	return &CreatedPayment{ID: id, CheckoutURL: "https://pay.example/" + id}, nil
}

func (f *fakePayments) GetPaymentStatus(ctx context.Context, paymentID string) (PaymentStatus, error) {
	f.lookups.Add(1)
	if f.gate != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[paymentID]
	if !ok {
		return "", errors.New("payment not found")
	}
	return st, nil
}

func (f *fakePayments) set(paymentID string, st PaymentStatus) {
	f.mu.Lock()
	f.statuses[paymentID] = st
	f.mu.Unlock()
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "billing.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&entitlement.Record{}, &Purchase{}, &PaymentRecord{}))
	return db
}

func newTestService(t *testing.T) (*Service, *entitlement.Ledger, *fakePayments, *gorm.DB) {
	db := openTestDB(t)
	ledger := entitlement.NewLedger(db, entitlement.Defaults{FreeMessages: 10})
	pay := newFakePayments()
	return NewService(db, ledger, pay, nil, "RUB"), ledger, pay, db
}

func TestConfirmAndCredit_CreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, ledger, pay, db := newTestService(t)
	pay.set("p-1", PaymentSucceeded)

	res, err := svc.ConfirmAndCredit(ctx, "p-1", 42, 720, 390)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	assert.Equal(t, 720, res.HoursRemaining)
	assert.Equal(t, 30, res.Days())

	res, err = svc.ConfirmAndCredit(ctx, "p-1", 42, 720, 390)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCredited, res.Outcome)
	assert.Equal(t, 720, res.HoursRemaining)

	rec, err := ledger.Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 720, rec.SubscriptionHoursRemaining)
	assert.Equal(t, 10, rec.FreeRemaining)

	var n int64
	require.NoError(t, db.Model(&PaymentRecord{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestConfirmAndCredit_FirstCallerCancelDoesNotFailOthers(t *testing.T) {
	svc, ledger, pay, _ := newTestService(t)
	pay.set("p-9", PaymentSucceeded)
	pay.gate = make(chan struct{})
	pay.entered = make(chan struct{}, 1)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := svc.ConfirmAndCredit(ctxA, "p-9", 11, 24, 99)
		errA <- err
	}()
	<-pay.entered

	type outcome struct {
		res *CreditResult
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := svc.ConfirmAndCredit(context.Background(), "p-9", 11, 24, 99)
		doneB <- outcome{res, err}
	}()
	// let the second caller join the lookup already in flight
	time.Sleep(50 * time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-errA, context.Canceled)

	close(pay.gate)
	b := <-doneB
	require.NoError(t, b.err)
	assert.Equal(t, OutcomeCredited, b.res.Outcome)
	assert.Equal(t, int32(1), pay.lookups.Load())

	rec, err := ledger.Get(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, 24, rec.SubscriptionHoursRemaining)
}

func TestConfirmAndCredit_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	svc, ledger, pay, _ := newTestService(t)
	pay.set("p-2", PaymentSucceeded)

	var credited atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.ConfirmAndCredit(ctx, "p-2", 7, 24, 99)
			if assert.NoError(t, err) && res.Outcome == OutcomeCredited {
				credited.Add(1)
			}
		}()
	}
	wg.Wait()

	rec, err := ledger.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 24, rec.SubscriptionHoursRemaining)
	// singleflight may hand the credited result to every waiter of the same flight
	assert.GreaterOrEqual(t, credited.Load(), int32(1))
}

func TestConfirmAndCredit_PendingAndFailed(t *testing.T) {
	ctx := context.Background()
	svc, ledger, pay, _ := newTestService(t)
	pay.set("p-pending", PaymentPending)
	pay.set("p-failed", PaymentFailed)

	res, err := svc.ConfirmAndCredit(ctx, "p-pending", 1, 24, 99)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)

	res, err = svc.ConfirmAndCredit(ctx, "p-failed", 1, 24, 99)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	_, err = ledger.Get(ctx, 1)
	assert.ErrorIs(t, err, entitlement.ErrNotFound)

	// the payment clears later
	pay.set("p-pending", PaymentSucceeded)
	res, err = svc.ConfirmAndCredit(ctx, "p-pending", 1, 24, 99)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
}

func TestConfirmAndCredit_RejectsOtherChat(t *testing.T) {
	ctx := context.Background()
	svc, _, pay, _ := newTestService(t)
	pay.set("p-3", PaymentSucceeded)

	_, err := svc.ConfirmAndCredit(ctx, "p-3", 1, 24, 99)
	require.NoError(t, err)

	_, err = svc.ConfirmAndCredit(ctx, "p-3", 2, 24, 99)
	assert.ErrorIs(t, err, ErrChatMismatch)
	assert.Equal(t, int32(1), pay.lookups.Load())
}

func TestConfirmAndCredit_ValidatesInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.ConfirmAndCredit(context.Background(), "", 1, 24, 99)
	assert.ErrorIs(t, err, ErrInvalidPayment)
	_, err = svc.ConfirmAndCredit(context.Background(), "p", 1, 0, 99)
	assert.ErrorIs(t, err, ErrInvalidHours)
}

func TestPurchaseLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, ledger, pay, _ := newTestService(t)

	p, err := svc.CreatePurchase(ctx, 5, "month")
	require.NoError(t, err)
	require.NotNil(t, p.PaymentID)
	assert.Equal(t, StatusPendingPayment, p.Status)
	assert.Equal(t, 720, p.Hours)
	assert.Equal(t, 390, p.Amount)
	assert.Len(t, p.ID, 26)
	assert.Contains(t, p.CheckoutURL, *p.PaymentID)

	res, err := svc.ConfirmPurchase(ctx, *p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)

	pay.set(*p.PaymentID, PaymentSucceeded)
	res, err = svc.ConfirmPurchase(ctx, *p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)

	stored, err := svc.PurchaseByPaymentID(ctx, *p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, stored.Status)

	rec, err := ledger.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 720, rec.SubscriptionHoursRemaining)
}

func TestCreatePurchase_Errors(t *testing.T) {
	ctx := context.Background()
	svc, _, pay, db := newTestService(t)

	_, err := svc.CreatePurchase(ctx, 1, "week")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	pay.failNew = true
	_, err = svc.CreatePurchase(ctx, 1, "day")
	require.Error(t, err)

	var p Purchase
	require.NoError(t, db.First(&p, "chat_id = ?", 1).Error)
	assert.Equal(t, StatusFailed, p.Status)
}

func TestConfirmPurchase_Unknown(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.ConfirmPurchase(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPurchaseNotFound)
}

func TestPurchaseStatus_Transitions(t *testing.T) {
	assert.True(t, StatusOffered.CanTransition(StatusPendingPayment))
	assert.True(t, StatusPendingPayment.CanTransition(StatusConfirmed))
	assert.True(t, StatusConfirmed.CanTransition(StatusCredited))
	assert.False(t, StatusCredited.CanTransition(StatusConfirmed))
	assert.False(t, StatusOffered.CanTransition(StatusCredited))
	assert.False(t, StatusFailed.CanTransition(StatusPendingPayment))

	assert.Equal(t, []PurchaseStatus{StatusOffered, StatusPendingPayment}, fromStates(StatusFailed))
	assert.Equal(t, []PurchaseStatus{StatusConfirmed}, fromStates(StatusCredited))
	assert.Empty(t, fromStates(StatusOffered))
}
