// Package notify предоставляет клиент для отправки уведомлений о завершении распродаж.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с внешним приёмником событий.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// SaleCompletedEvent описывает событие полного выкупа распродажи.
type SaleCompletedEvent struct {
	SaleID      int64     `json:"sale_id"`
	ProductName string    `json:"product_name"`
	TotalStock  int64     `json:"total_stock"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewClient создаёт HTTP-клиент для отправки событий на указанный адрес.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// SaleCompleted отправляет событие о том, что распродажа полностью выкуплена.
func (c *Client) SaleCompleted(ctx context.Context, saleID int64, productName string, totalStock int64) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notify client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	event := SaleCompletedEvent{
		SaleID:      saleID,
		ProductName: productName,
		TotalStock:  totalStock,
		CompletedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	url := fmt.Sprintf("%s/api/events/sale-completed", base)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
