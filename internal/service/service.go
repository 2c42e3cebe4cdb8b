// Package service реализует бизнес-логику сервиса флеш-распродаж.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/flashmart/flashsale-system/internal/model"
	"github.com/flashmart/flashsale-system/internal/notify"
	"github.com/flashmart/flashsale-system/internal/repository"
	"github.com/flashmart/flashsale-system/internal/validation"
)

// ErrInvalidQuantity возвращается при запросе покупки с количеством меньше единицы.
var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	// ErrSaleNotStarted возвращается при попытке купить товар из ещё не начавшейся распродажи.
	ErrSaleNotStarted = errors.New("sale has not started yet")
	// ErrSaleEnded возвращается при попытке купить товар из завершившейся распродажи.
	ErrSaleEnded = errors.New("sale has ended")
	// ErrSoldOut возвращается, когда товар в распродаже закончился.
	ErrSoldOut = errors.New("no more stock available")
	// ErrExceedsMaxPerPurchase возвращается, когда одна покупка превышает лимит на пользователя.
	ErrExceedsMaxPerPurchase = errors.New("quantity exceeds per-user purchase limit")
	// ErrStartTimeInPast возвращается, если время старта распродажи не в будущем.
	ErrStartTimeInPast = errors.New("start time must be in the future")
	// ErrInvalidPrice возвращается при неположительной цене товара.
	ErrInvalidPrice = errors.New("price must be positive")
	// ErrInvalidStock возвращается при отрицательном размере запаса.
	ErrInvalidStock = errors.New("total stock must not be negative")
	// ErrInvalidPurchaseLimit возвращается при лимите покупок меньше единицы.
	ErrInvalidPurchaseLimit = errors.New("purchase limit must be at least 1")
	// ErrEmptyProductName возвращается при создании распродажи без названия товара.
	ErrEmptyProductName = errors.New("product name is required")
	// ErrInvalidEmail возвращается при регистрации с некорректным email.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrPasswordTooShort возвращается при регистрации со слишком коротким паролем.
	ErrPasswordTooShort = errors.New("password must be at least 6 characters")
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const minPasswordLength = 6

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, name, email string, passwordHash []byte, isAdmin bool) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	CreateSale(ctx context.Context, spec model.SaleSpec) (*model.Sale, error)
	GetSale(ctx context.Context, id int64) (*model.Sale, error)
	GetSales(ctx context.Context) ([]model.Sale, error)
	UpdateSale(ctx context.Context, id int64, patch model.SalePatch) (*model.Sale, error)
	DeleteSale(ctx context.Context, id int64) error
	ResetSale(ctx context.Context, id int64, startTime time.Time, totalStock *int64) (*model.Sale, error)
	CompletedQuantity(ctx context.Context, userID, saleID int64) (int64, error)
	ReservePurchase(ctx context.Context, userID, saleID, quantity int64) (*model.Purchase, int64, bool, error)
	GetSaleLeaderboard(ctx context.Context, saleID int64) ([]model.LeaderboardEntry, error)
	GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error)
	GetAdminStats(ctx context.Context) (*model.AdminStats, error)
}

// Service содержит бизнес-логику сервиса флеш-распродаж.
type Service struct {
	repo         Repository
	notifyClient *notify.Client
	logger       *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifyClient *notify.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:         repo,
		notifyClient: notifyClient,
		logger:       logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового покупателя.
func (s *Service) RegisterUser(ctx context.Context, name, email, password string) (int64, error) {
	if !validation.IsValidEmail(email) {
		return 0, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return 0, ErrPasswordTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	return s.repo.CreateUser(ctx, name, email, hash, false)
}

// CreateAdminUser создаёт администратора, если пользователь с таким email ещё не существует.
// Возвращает идентификатор и признак того, что пользователь был создан этим вызовом.
func (s *Service) CreateAdminUser(ctx context.Context, name, email, password string) (int64, bool, error) {
	existing, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return 0, false, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, false, err
	}

	id, err := s.repo.CreateUser(ctx, name, email, hash, true)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// AuthenticateUser проверяет email и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.repo.GetUserByID(ctx, id)
}

func validateSaleSpec(spec model.SaleSpec, now time.Time) error {
	switch {
	case spec.ProductName == "":
		return ErrEmptyProductName
	case !spec.StartTime.After(now):
		return ErrStartTimeInPast
	case spec.TotalStock < 0:
		return ErrInvalidStock
	case spec.PriceCents <= 0:
		return ErrInvalidPrice
	case spec.MaxPurchasePerUser < 1:
		return ErrInvalidPurchaseLimit
	}
	return nil
}

// CreateSale создаёт новую распродажу.
func (s *Service) CreateSale(ctx context.Context, spec model.SaleSpec) (*model.Sale, error) {
	if err := validateSaleSpec(spec, time.Now()); err != nil {
		return nil, err
	}
	return s.repo.CreateSale(ctx, spec)
}

// GetSale возвращает распродажу по идентификатору.
func (s *Service) GetSale(ctx context.Context, id int64) (*model.Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// GetSales возвращает все распродажи.
func (s *Service) GetSales(ctx context.Context) ([]model.Sale, error) {
	return s.repo.GetSales(ctx)
}

// UpdateSale изменяет параметры запланированной распродажи.
func (s *Service) UpdateSale(ctx context.Context, id int64, patch model.SalePatch) (*model.Sale, error) {
	if patch.StartTime != nil && !patch.StartTime.After(time.Now()) {
		return nil, ErrStartTimeInPast
	}
	if patch.PriceCents != nil && *patch.PriceCents <= 0 {
		return nil, ErrInvalidPrice
	}
	if patch.TotalStock != nil && *patch.TotalStock < 0 {
		return nil, ErrInvalidStock
	}
	if patch.MaxPurchasePerUser != nil && *patch.MaxPurchasePerUser < 1 {
		return nil, ErrInvalidPurchaseLimit
	}

	return s.repo.UpdateSale(ctx, id, patch)
}

// DeleteSale удаляет распродажу.
func (s *Service) DeleteSale(ctx context.Context, id int64) error {
	return s.repo.DeleteSale(ctx, id)
}

// ResetSale перезапускает распродажу: статус scheduled, новое время старта, полный остаток.
func (s *Service) ResetSale(ctx context.Context, id int64, startTime time.Time, totalStock *int64) (*model.Sale, error) {
	if !startTime.After(time.Now()) {
		return nil, ErrStartTimeInPast
	}
	if totalStock != nil && *totalStock < 0 {
		return nil, ErrInvalidStock
	}

	return s.repo.ResetSale(ctx, id, startTime, totalStock)
}

// PurchaseResult содержит результат успешной покупки.
type PurchaseResult struct {
	Purchase       model.Purchase
	RemainingStock int64
}

// MakePurchase выполняет одну попытку покупки: проверяет состояние распродажи и лимиты,
// затем атомарно резервирует товар и записывает покупку. Резервирование и запись
// фиксируются в хранилище как единое целое; при любой ошибке остаток не меняется.
func (s *Service) MakePurchase(ctx context.Context, userID, saleID, quantity int64) (*PurchaseResult, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}

	switch {
	case sale.Status == model.SaleStatusScheduled:
		return nil, ErrSaleNotStarted
	case sale.Status == model.SaleStatusCompleted:
		return nil, ErrSaleEnded
	case sale.RemainingStock <= 0:
		return nil, ErrSoldOut
	}

	if quantity > sale.MaxPurchasePerUser {
		return nil, ErrExceedsMaxPerPurchase
	}

	purchased, err := s.repo.CompletedQuantity(ctx, userID, saleID)
	if err != nil {
		return nil, err
	}
	if purchased+quantity > sale.MaxPurchasePerUser {
		return nil, repository.ErrPurchaseLimitExceeded
	}

	// Лимит перепроверяется внутри ReservePurchase под блокировкой строки пользователя,
	// поэтому гонка двух запросов одного покупателя сюда не просачивается.
	purchase, remaining, completedNow, err := s.repo.ReservePurchase(ctx, userID, saleID, quantity)
	if err != nil {
		return nil, err
	}

	if completedNow && s.notifyClient != nil {
		go func() {
			notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.notifyClient.SaleCompleted(notifyCtx, sale.ID, sale.ProductName, sale.TotalStock); err != nil {
				s.logger.Warn("sale completed notification failed",
					zap.Error(err), zap.Int64("saleID", sale.ID))
			}
		}()
	}

	return &PurchaseResult{
		Purchase:       *purchase,
		RemainingStock: remaining,
	}, nil
}

// GetLeaderboard возвращает таблицу лидеров распродажи: завершённые покупки в порядке
// времени покупки с позициями, начиная с первой.
func (s *Service) GetLeaderboard(ctx context.Context, saleID int64) ([]model.LeaderboardEntry, error) {
	if _, err := s.repo.GetSale(ctx, saleID); err != nil {
		return nil, err
	}

	entries, err := s.repo.GetSaleLeaderboard(ctx, saleID)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Position = int64(i + 1)
	}

	return entries, nil
}

// GetPurchasesByUser возвращает историю покупок пользователя.
func (s *Service) GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error) {
	return s.repo.GetPurchasesByUser(ctx, userID)
}

// GetAdminStats возвращает сводную статистику для администратора.
func (s *Service) GetAdminStats(ctx context.Context) (*model.AdminStats, error) {
	return s.repo.GetAdminStats(ctx)
}
