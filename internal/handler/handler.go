// Package handler содержит HTTP-обработчики API сервиса флеш-распродаж.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/flashmart/flashsale-system/internal/middleware"
	"github.com/flashmart/flashsale-system/internal/model"
	"github.com/flashmart/flashsale-system/internal/repository"
	"github.com/flashmart/flashsale-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, name, email, password string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	CreateSale(ctx context.Context, spec model.SaleSpec) (*model.Sale, error)
	GetSale(ctx context.Context, id int64) (*model.Sale, error)
	GetSales(ctx context.Context) ([]model.Sale, error)
	UpdateSale(ctx context.Context, id int64, patch model.SalePatch) (*model.Sale, error)
	DeleteSale(ctx context.Context, id int64) error
	ResetSale(ctx context.Context, id int64, startTime time.Time, totalStock *int64) (*model.Sale, error)
	MakePurchase(ctx context.Context, userID, saleID, quantity int64) (*service.PurchaseResult, error)
	GetLeaderboard(ctx context.Context, saleID int64) ([]model.LeaderboardEntry, error)
	GetPurchasesByUser(ctx context.Context, userID int64) ([]model.Purchase, error)
	GetAdminStats(ctx context.Context) (*model.AdminStats, error)
}

// Handler реализует HTTP-обработчики API сервиса флеш-распродаж.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

const (
	defaultTotalStock         = 200
	defaultMaxPurchasePerUser = 1
)

func toCents(price float64) int64 {
	return int64(math.Round(price * 100))
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func saleIDFromRequest(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

type saleResponse struct {
	ID                 int64   `json:"id"`
	ProductName        string  `json:"product_name"`
	Description        string  `json:"description,omitempty"`
	TotalStock         int64   `json:"total_stock"`
	RemainingStock     int64   `json:"remaining_stock"`
	Price              float64 `json:"price"`
	StartTime          string  `json:"start_time"`
	Status             string  `json:"status"`
	MaxPurchasePerUser int64   `json:"max_purchase_per_user"`
	CreatedAt          string  `json:"created_at"`
}

func toSaleResponse(s *model.Sale) saleResponse {
	return saleResponse{
		ID:                 s.ID,
		ProductName:        s.ProductName,
		Description:        s.Description,
		TotalStock:         s.TotalStock,
		RemainingStock:     s.RemainingStock,
		Price:              s.Price(),
		StartTime:          s.StartTime.Format(time.RFC3339),
		Status:             string(s.Status),
		MaxPurchasePerUser: s.MaxPurchasePerUser,
		CreatedAt:          s.CreatedAt.Format(time.RFC3339),
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Register обрабатывает регистрацию нового покупателя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmail), errors.Is(err, service.ErrPasswordTooShort):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("register user error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, false)
	writeJSON(w, http.StatusCreated, tokenResponse{Token: h.authMiddleware.Token(userID, false)})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и возвращает токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, user.ID, user.IsAdmin)
	writeJSON(w, http.StatusOK, tokenResponse{Token: h.authMiddleware.Token(user.ID, user.IsAdmin)})
}

type userResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	IsAdmin   bool   `json:"is_admin"`
	CreatedAt string `json:"created_at"`
}

// GetMe возвращает профиль текущего пользователя.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	user, err := h.service.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("get user error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		IsAdmin:   user.IsAdmin,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	})
}

type createSaleRequest struct {
	ProductName        string  `json:"product_name"`
	Description        string  `json:"description"`
	TotalStock         *int64  `json:"total_stock"`
	Price              float64 `json:"price"`
	StartTime          string  `json:"start_time"`
	MaxPurchasePerUser *int64  `json:"max_purchase_per_user"`
}

// CreateSale создаёт новую распродажу. Доступно только администратору.
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "start_time must be an RFC3339 timestamp", http.StatusBadRequest)
		return
	}

	spec := model.SaleSpec{
		ProductName:        req.ProductName,
		Description:        req.Description,
		TotalStock:         defaultTotalStock,
		PriceCents:         toCents(req.Price),
		StartTime:          startTime,
		MaxPurchasePerUser: defaultMaxPurchasePerUser,
	}
	if req.TotalStock != nil {
		spec.TotalStock = *req.TotalStock
	}
	if req.MaxPurchasePerUser != nil {
		spec.MaxPurchasePerUser = *req.MaxPurchasePerUser
	}

	sale, err := h.service.CreateSale(r.Context(), spec)
	if err != nil {
		if isValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("create sale error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, toSaleResponse(sale))
}

func isValidationError(err error) bool {
	return errors.Is(err, service.ErrEmptyProductName) ||
		errors.Is(err, service.ErrStartTimeInPast) ||
		errors.Is(err, service.ErrInvalidPrice) ||
		errors.Is(err, service.ErrInvalidStock) ||
		errors.Is(err, service.ErrInvalidPurchaseLimit)
}

// GetSales возвращает список всех распродаж.
func (h *Handler) GetSales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.service.GetSales(r.Context())
	if err != nil {
		h.logger.Error("get sales error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]saleResponse, 0, len(sales))
	for i := range sales {
		resp = append(resp, toSaleResponse(&sales[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSale возвращает распродажу по идентификатору.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := saleIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sale, err := h.service.GetSale(r.Context(), saleID)
	if err != nil {
		if errors.Is(err, repository.ErrSaleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get sale error", zap.Error(err), zap.Int64("saleID", saleID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, toSaleResponse(sale))
}

type saleStatusResponse struct {
	Status         string `json:"status"`
	ProductName    string `json:"product_name"`
	TotalStock     int64  `json:"total_stock"`
	RemainingStock int64  `json:"remaining_stock"`
	StartTime      string `json:"start_time"`
	IsActive       bool   `json:"is_active"`
}

// GetSaleStatus возвращает актуальный статус распродажи.
func (h *Handler) GetSaleStatus(w http.ResponseWriter, r *http.Request) {
	saleID, err := saleIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sale, err := h.service.GetSale(r.Context(), saleID)
	if err != nil {
		if errors.Is(err, repository.ErrSaleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get sale status error", zap.Error(err), zap.Int64("saleID", saleID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, saleStatusResponse{
		Status:         string(sale.Status),
		ProductName:    sale.ProductName,
		TotalStock:     sale.TotalStock,
		RemainingStock: sale.RemainingStock,
		StartTime:      sale.StartTime.Format(time.RFC3339),
		IsActive:       sale.Status == model.SaleStatusActive && sale.RemainingStock > 0,
	})
}

type updateSaleRequest struct {
	ProductName        *string  `json:"product_name"`
	Description        *string  `json:"description"`
	TotalStock         *int64   `json:"total_stock"`
	Price              *float64 `json:"price"`
	StartTime          *string  `json:"start_time"`
	MaxPurchasePerUser *int64   `json:"max_purchase_per_user"`
}

// UpdateSale изменяет параметры запланированной распродажи. Доступно только администратору.
func (h *Handler) UpdateSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := saleIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	patch := model.SalePatch{
		ProductName:        req.ProductName,
		Description:        req.Description,
		TotalStock:         req.TotalStock,
		MaxPurchasePerUser: req.MaxPurchasePerUser,
	}
	if req.Price != nil {
		cents := toCents(*req.Price)
		patch.PriceCents = &cents
	}
	if req.StartTime != nil {
		startTime, err := time.Parse(time.RFC3339, *req.StartTime)
		if err != nil {
			http.Error(w, "start_time must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
		patch.StartTime = &startTime
	}

	sale, err := h.service.UpdateSale(r.Context(), saleID, patch)
	if err != nil {
		switch {
		case isValidationError(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrSaleNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrSaleNotEditable):
			http.Error(w, "cannot update an active or completed sale", http.StatusBadRequest)
		default:
			h.logger.Error("update sale error", zap.Error(err), zap.Int64("saleID", saleID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toSaleResponse(sale))
}

// DeleteSale удаляет распродажу. Доступно только администратору.
func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := saleIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteSale(r.Context(), saleID); err != nil {
		switch {
		case errors.Is(err, repository.ErrSaleNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrSaleNotEditable):
			http.Error(w, "cannot delete an active sale", http.StatusBadRequest)
		default:
			h.logger.Error("delete sale error", zap.Error(err), zap.Int64("saleID", saleID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type resetSaleRequest struct {
	StartTime  string `json:"start_time"`
	TotalStock *int64 `json:"total_stock"`
}

// ResetSale перезапускает распродажу для нового события. Доступно только администратору.
func (h *Handler) ResetSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := saleIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req resetSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "start_time must be an RFC3339 timestamp", http.StatusBadRequest)
		return
	}

	sale, err := h.service.ResetSale(r.Context(), saleID, startTime, req.TotalStock)
	if err != nil {
		switch {
		case isValidationError(err):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrSaleNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("reset sale error", zap.Error(err), zap.Int64("saleID", saleID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, toSaleResponse(sale))
}

type makePurchaseRequest struct {
	SaleID   int64  `json:"sale_id"`
	Quantity *int64 `json:"quantity"`
}

type purchaseResponse struct {
	ID         int64   `json:"id"`
	SaleID     int64   `json:"sale_id"`
	Quantity   int64   `json:"quantity"`
	TotalPrice float64 `json:"total_price"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"created_at"`
}

func toPurchaseResponse(p *model.Purchase) purchaseResponse {
	return purchaseResponse{
		ID:         p.ID,
		SaleID:     p.SaleID,
		Quantity:   p.Quantity,
		TotalPrice: p.TotalPrice(),
		Status:     string(p.Status),
		CreatedAt:  p.CreatedAt.Format(time.RFC3339),
	}
}

type makePurchaseResponse struct {
	Purchase       purchaseResponse `json:"purchase"`
	RemainingStock int64            `json:"remaining_stock"`
}

// MakePurchase выполняет покупку товара текущим пользователем.
func (h *Handler) MakePurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req makePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	quantity := int64(1)
	if req.Quantity != nil {
		quantity = *req.Quantity
	}

	result, err := h.service.MakePurchase(r.Context(), userID, req.SaleID, quantity)
	if err != nil {
		h.writePurchaseError(w, err, userID, req.SaleID)
		return
	}

	writeJSON(w, http.StatusCreated, makePurchaseResponse{
		Purchase:       toPurchaseResponse(&result.Purchase),
		RemainingStock: result.RemainingStock,
	})
}

// writePurchaseError транслирует ошибки покупки в HTTP-статусы. Проигрыш гонки за
// остаток — ожидаемый исход, а не аномалия, поэтому в лог не попадает.
func (h *Handler) writePurchaseError(w http.ResponseWriter, err error, userID, saleID int64) {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrSaleNotStarted),
		errors.Is(err, service.ErrSaleEnded),
		errors.Is(err, service.ErrSoldOut),
		errors.Is(err, service.ErrExceedsMaxPerPurchase),
		errors.Is(err, repository.ErrPurchaseLimitExceeded):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrSaleNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	default:
		h.logger.Error("make purchase error", zap.Error(err),
			zap.Int64("userID", userID), zap.Int64("saleID", saleID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type leaderboardEntryResponse struct {
	Position     int64  `json:"position"`
	User         string `json:"user"`
	PurchaseTime string `json:"purchase_time"`
	Quantity     int64  `json:"quantity"`
}

// GetLeaderboard возвращает таблицу лидеров распродажи.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	saleID, err := saleIDFromRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries, err := h.service.GetLeaderboard(r.Context(), saleID)
	if err != nil {
		if errors.Is(err, repository.ErrSaleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get leaderboard error", zap.Error(err), zap.Int64("saleID", saleID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]leaderboardEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, leaderboardEntryResponse{
			Position:     e.Position,
			User:         e.UserName,
			PurchaseTime: e.PurchaseTime.Format(time.RFC3339),
			Quantity:     e.Quantity,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetMyPurchases возвращает историю покупок текущего пользователя.
func (h *Handler) GetMyPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.GetPurchasesByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get purchases error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]purchaseResponse, 0, len(purchases))
	for i := range purchases {
		resp = append(resp, toPurchaseResponse(&purchases[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type adminStatsResponse struct {
	UserCount       int64 `json:"user_count"`
	SaleCount       int64 `json:"sale_count"`
	PurchaseCount   int64 `json:"purchase_count"`
	ActiveSaleCount int64 `json:"active_sale_count"`
}

// GetAdminStats возвращает сводную статистику. Доступно только администратору.
func (h *Handler) GetAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetAdminStats(r.Context())
	if err != nil {
		h.logger.Error("get admin stats error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, adminStatsResponse{
		UserCount:       stats.UserCount,
		SaleCount:       stats.SaleCount,
		PurchaseCount:   stats.PurchaseCount,
		ActiveSaleCount: stats.ActiveSaleCount,
	})
}
