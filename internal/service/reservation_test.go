package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flashmart/flashsale-system/internal/model"
	"github.com/flashmart/flashsale-system/internal/repository"
)

// memRepo — потокобезопасный репозиторий в памяти, повторяющий транзакционную
// семантику постгресового: условный декремент, перепроверка лимита и запись о
// покупке выполняются под одной блокировкой и откатываются совместно.
type memRepo struct {
	mu        sync.Mutex
	sales     map[int64]*model.Sale
	purchases []model.Purchase
	nextID    int64
	appendErr error
}

func newMemRepo(sales ...*model.Sale) *memRepo {
	r := &memRepo{sales: make(map[int64]*model.Sale)}
	for _, s := range sales {
		r.sales[s.ID] = s
	}
	return r
}

func evaluateSale(s *model.Sale, now time.Time) {
	if s.Status == model.SaleStatusScheduled && !now.Before(s.StartTime) && s.RemainingStock > 0 {
		s.Status = model.SaleStatusActive
		s.Version++
	}
	if s.RemainingStock <= 0 &&
		(s.Status == model.SaleStatusActive ||
			(s.Status == model.SaleStatusScheduled && !now.Before(s.StartTime))) {
		s.Status = model.SaleStatusCompleted
		s.Version++
	}
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) CreateUser(ctx context.Context, name, email string, passwordHash []byte, isAdmin bool) (int64, error) {
	return 0, nil
}

func (r *memRepo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, repository.ErrUserNotFound
}

func (r *memRepo) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return nil, repository.ErrUserNotFound
}

func (r *memRepo) CreateSale(ctx context.Context, spec model.SaleSpec) (*model.Sale, error) {
	return nil, nil
}

func (r *memRepo) GetSale(ctx context.Context, id int64) (*model.Sale, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sales[id]
	if !ok {
		return nil, repository.ErrSaleNotFound
	}
	evaluateSale(s, time.Now())

	copied := *s
	return &copied, nil
}

func (r *memRepo) GetSales(ctx context.Context) ([]model.Sale, error) { return nil, nil }

func (r *memRepo) UpdateSale(ctx context.Context, id int64, patch model.SalePatch) (*model.Sale, error) {
	return nil, nil
}

func (r *memRepo) DeleteSale(ctx context.Context, id int64) error { return nil }

func (r *memRepo) ResetSale(ctx context.Context, id int64, startTime time.Time, totalStock *int64) (*model.Sale, error) {
	return nil, nil
}

func (r *memRepo) completedQuantityLocked(userID, saleID int64) int64 {
	var total int64
	for _, p := range r.purchases {
		if p.UserID == userID && p.SaleID == saleID && p.Status == model.PurchaseStatusCompleted {
			total += p.Quantity
		}
	}
	return total
}

func (r *memRepo) CompletedQuantity(ctx context.Context, userID, saleID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedQuantityLocked(userID, saleID), nil
}

func (r *memRepo) ReservePurchase(ctx context.Context, userID, saleID, quantity int64) (*model.Purchase, int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sales[saleID]
	if !ok {
		return nil, 0, false, repository.ErrSaleNotFound
	}
	evaluateSale(s, time.Now())

	if r.completedQuantityLocked(userID, saleID)+quantity > s.MaxPurchasePerUser {
		return nil, 0, false, repository.ErrPurchaseLimitExceeded
	}

	if s.Status != model.SaleStatusActive || s.RemainingStock < quantity {
		return nil, 0, false, repository.ErrInsufficientStock
	}

	s.RemainingStock -= quantity
	s.Version++
	completedNow := s.RemainingStock == 0
	if completedNow {
		s.Status = model.SaleStatusCompleted
	}

	if r.appendErr != nil {
		// Откат, как при прерванной транзакции: декремент не виден снаружи
		s.RemainingStock += quantity
		s.Version++
		if completedNow {
			s.Status = model.SaleStatusActive
		}
		return nil, 0, false, r.appendErr
	}

	r.nextID++
	p := model.Purchase{
		ID:              r.nextID,
		UserID:          userID,
		SaleID:          saleID,
		Quantity:        quantity,
		TotalPriceCents: s.PriceCents * quantity,
		Status:          model.PurchaseStatusCompleted,
		CreatedAt:       time.Now(),
	}
	r.purchases = append(r.purchases, p)

	return &p, s.RemainingStock, completedNow, nil
}

func (r *memRepo) GetSaleLeaderboard(ctx context.Context, saleID int64) ([]model.LeaderboardEntry, error) {
	return nil, nil
}

func (r *memRepo) GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return nil, nil
}

func (r *memRepo) GetAdminStats(ctx context.Context) (*model.AdminStats, error) { return nil, nil }

func memSale(id, stock, maxPerUser int64, startTime time.Time) *model.Sale {
	return &model.Sale{
		ID:                 id,
		ProductName:        "gadget",
		TotalStock:         stock,
		RemainingStock:     stock,
		PriceCents:         500,
		StartTime:          startTime,
		Status:             model.SaleStatusScheduled,
		MaxPurchasePerUser: maxPerUser,
		Version:            1,
	}
}

func isStockExhaustedErr(err error) bool {
	return errors.Is(err, repository.ErrInsufficientStock) ||
		errors.Is(err, ErrSoldOut) ||
		errors.Is(err, ErrSaleEnded)
}

func TestReserve_NoOversell(t *testing.T) {
	const (
		totalStock = 25
		buyers     = 100
	)

	repo := newMemRepo(memSale(1, totalStock, 1, time.Now().Add(-time.Second)))
	svc := NewService(repo, nil, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int64
	)

	for i := 0; i < buyers; i++ {
		userID := int64(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.MakePurchase(context.Background(), userID, 1, 1)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !isStockExhaustedErr(err) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != totalStock {
		t.Fatalf("successes = %d, want %d", successes, totalStock)
	}

	var sold int64
	for _, p := range repo.purchases {
		sold += p.Quantity
	}
	if sold != totalStock {
		t.Fatalf("sold quantity = %d, want %d", sold, totalStock)
	}

	sale, err := svc.GetSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSale error: %v", err)
	}
	if sale.RemainingStock != 0 {
		t.Fatalf("RemainingStock = %d, want 0", sale.RemainingStock)
	}
	if sale.Status != model.SaleStatusCompleted {
		t.Fatalf("Status = %s, want completed", sale.Status)
	}
}

func TestReserve_PerUserCapUnderConcurrency(t *testing.T) {
	const perUserCap = 3

	repo := newMemRepo(memSale(1, 100, perUserCap, time.Now().Add(-time.Second)))
	svc := NewService(repo, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.MakePurchase(context.Background(), 7, 1, 1)
			if err != nil && !errors.Is(err, repository.ErrPurchaseLimitExceeded) {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()

	total, err := repo.CompletedQuantity(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("CompletedQuantity error: %v", err)
	}
	if total != perUserCap {
		t.Fatalf("completed quantity = %d, want %d", total, perUserCap)
	}
}

func TestReserve_RollbackOnAppendFailure(t *testing.T) {
	repo := newMemRepo(memSale(1, 10, 3, time.Now().Add(-time.Second)))
	repo.appendErr = errors.New("storage unavailable")
	svc := NewService(repo, nil, nil)

	_, err := svc.MakePurchase(context.Background(), 1, 1, 2)
	if err == nil {
		t.Fatalf("expected error when purchase record cannot be written")
	}

	sale, err := svc.GetSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSale error: %v", err)
	}
	if sale.RemainingStock != 10 {
		t.Fatalf("RemainingStock = %d, want 10 (decrement must be rolled back)", sale.RemainingStock)
	}
	if sale.Status != model.SaleStatusActive {
		t.Fatalf("Status = %s, want active", sale.Status)
	}
	if len(repo.purchases) != 0 {
		t.Fatalf("purchases recorded despite append failure")
	}
}

func TestReserve_TwoBuyersLastUnit(t *testing.T) {
	repo := newMemRepo(memSale(1, 1, 1, time.Now().Add(-time.Second)))
	svc := NewService(repo, nil, nil)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, userID := range []int64{1, 2} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := svc.MakePurchase(context.Background(), id, 1, 1)
			results <- err
		}(userID)
	}
	wg.Wait()
	close(results)

	var successes, losses int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case isStockExhaustedErr(err):
			losses++
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}

	if successes != 1 || losses != 1 {
		t.Fatalf("successes = %d, losses = %d, want exactly one of each", successes, losses)
	}

	sale, err := svc.GetSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSale error: %v", err)
	}
	if sale.RemainingStock != 0 || sale.Status != model.SaleStatusCompleted {
		t.Fatalf("sale after sellout: remaining = %d, status = %s", sale.RemainingStock, sale.Status)
	}
}

func TestReserve_SequentialUserLimit(t *testing.T) {
	repo := newMemRepo(memSale(1, 10, 3, time.Now().Add(-time.Second)))
	svc := NewService(repo, nil, nil)

	result, err := svc.MakePurchase(context.Background(), 1, 1, 2)
	if err != nil {
		t.Fatalf("first purchase error: %v", err)
	}
	if result.RemainingStock != 8 {
		t.Fatalf("RemainingStock = %d, want 8", result.RemainingStock)
	}

	_, err = svc.MakePurchase(context.Background(), 1, 1, 2)
	if !errors.Is(err, repository.ErrPurchaseLimitExceeded) {
		t.Fatalf("expected ErrPurchaseLimitExceeded, got %v", err)
	}

	sale, err := svc.GetSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSale error: %v", err)
	}
	if sale.RemainingStock != 8 {
		t.Fatalf("RemainingStock after rejected purchase = %d, want 8", sale.RemainingStock)
	}
}

func TestLifecycle_ActivationOnRead(t *testing.T) {
	repo := newMemRepo(
		memSale(1, 10, 1, time.Now().Add(-time.Minute)),
		memSale(2, 10, 1, time.Now().Add(time.Hour)),
	)
	svc := NewService(repo, nil, nil)

	started, err := svc.GetSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSale error: %v", err)
	}
	if started.Status != model.SaleStatusActive {
		t.Fatalf("Status = %s, want active after start time", started.Status)
	}

	pending, err := svc.GetSale(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetSale error: %v", err)
	}
	if pending.Status != model.SaleStatusScheduled {
		t.Fatalf("Status = %s, want scheduled before start time", pending.Status)
	}
}

func TestLifecycle_ZeroStockCompletesOnRead(t *testing.T) {
	sale := memSale(1, 0, 1, time.Now().Add(-time.Minute))
	repo := newMemRepo(sale)
	svc := NewService(repo, nil, nil)

	got, err := svc.GetSale(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSale error: %v", err)
	}
	if got.Status != model.SaleStatusCompleted {
		t.Fatalf("Status = %s, want completed for zero stock", got.Status)
	}
}

func TestReserve_NotStartedYet(t *testing.T) {
	repo := newMemRepo(memSale(1, 10, 1, time.Now().Add(time.Hour)))
	svc := NewService(repo, nil, nil)

	_, err := svc.MakePurchase(context.Background(), 1, 1, 1)
	if !errors.Is(err, ErrSaleNotStarted) {
		t.Fatalf("expected ErrSaleNotStarted, got %v", err)
	}
}

func TestReserve_CompletedStaysCompleted(t *testing.T) {
	repo := newMemRepo(memSale(1, 1, 1, time.Now().Add(-time.Second)))
	svc := NewService(repo, nil, nil)

	if _, err := svc.MakePurchase(context.Background(), 1, 1, 1); err != nil {
		t.Fatalf("first purchase error: %v", err)
	}

	for i := 0; i < 3; i++ {
		sale, err := svc.GetSale(context.Background(), 1)
		if err != nil {
			t.Fatalf("GetSale error: %v", err)
		}
		if sale.Status != model.SaleStatusCompleted {
			t.Fatalf("Status = %s, want completed on repeated reads", sale.Status)
		}
	}

	_, err := svc.MakePurchase(context.Background(), 2, 1, 1)
	if !errors.Is(err, ErrSaleEnded) {
		t.Fatalf("expected ErrSaleEnded, got %v", err)
	}
}
