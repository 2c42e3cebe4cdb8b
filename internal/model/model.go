// Package model содержит доменные сущности сервиса флеш-распродаж.
package model

import "time"

// User представляет зарегистрированного покупателя или администратора.
type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash []byte
	IsAdmin      bool
	CreatedAt    time.Time
}

// SaleStatus описывает стадию жизненного цикла распродажи.
type SaleStatus string

const (
	SaleStatusScheduled SaleStatus = "scheduled"
	SaleStatusActive    SaleStatus = "active"
	SaleStatusCompleted SaleStatus = "completed"
)

// Sale описывает распродажу с ограниченным запасом товара.
// RemainingStock изменяется только атомарным условным декрементом в хранилище.
type Sale struct {
	ID                 int64
	ProductName        string
	Description        string
	TotalStock         int64
	RemainingStock     int64
	PriceCents         int64
	StartTime          time.Time
	Status             SaleStatus
	MaxPurchasePerUser int64
	Version            int64
	CreatedAt          time.Time
}

// Price возвращает цену товара в рублях.
func (s *Sale) Price() float64 {
	return float64(s.PriceCents) / 100
}

// PurchaseStatus описывает статус записи о покупке.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

// Purchase описывает факт покупки — неизменяемую запись журнала покупок.
type Purchase struct {
	ID              int64
	UserID          int64
	SaleID          int64
	Quantity        int64
	TotalPriceCents int64
	Status          PurchaseStatus
	CreatedAt       time.Time
}

// TotalPrice возвращает сумму покупки в рублях.
func (p *Purchase) TotalPrice() float64 {
	return float64(p.TotalPriceCents) / 100
}

// LeaderboardEntry описывает одну строку таблицы лидеров распродажи.
type LeaderboardEntry struct {
	Position     int64
	UserName     string
	PurchaseTime time.Time
	Quantity     int64
}

// SaleSpec содержит параметры создания новой распродажи.
type SaleSpec struct {
	ProductName        string
	Description        string
	TotalStock         int64
	PriceCents         int64
	StartTime          time.Time
	MaxPurchasePerUser int64
}

// SalePatch содержит необязательные изменения параметров распродажи.
// Nil-поле означает, что параметр остаётся прежним.
type SalePatch struct {
	ProductName        *string
	Description        *string
	TotalStock         *int64
	PriceCents         *int64
	StartTime          *time.Time
	MaxPurchasePerUser *int64
}

// AdminStats содержит сводную статистику для администратора.
type AdminStats struct {
	UserCount       int64
	SaleCount       int64
	PurchaseCount   int64
	ActiveSaleCount int64
}
