// Package push отправляет события синхронизации во внешний push-шлюз UI.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с push-шлюзом. Доставка событий
// best-effort: ошибки логируются и не возвращаются вызывающему.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	logger     *zap.Logger
}

// NewClient создаёт клиент push-шлюза по указанному адресу.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.RetryWaitMin = 100 * time.Millisecond
	httpClient.RetryWaitMax = 1 * time.Second
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Publish отправляет событие синхронизации в шлюз.
func (c *Client) Publish(ctx context.Context, ev model.SyncEvent) {
	if c == nil || c.baseURL == "" {
		return
	}

	if err := c.send(ctx, ev); err != nil {
		c.logger.Warn("push sync event failed",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

func (c *Client) send(ctx context.Context, ev model.SyncEvent) error {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/sync/events", body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
