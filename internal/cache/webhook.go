package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"concursohub/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhooks posts stale paths to the site's revalidation endpoints.
type Webhooks struct {
	hooks  []config.RevalidateWebhook
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

type revalidateRequest struct {
	Paths []string `json:"paths"`
	TS    string   `json:"ts"`
}

func NewWebhooks(hooks []config.RevalidateWebhook, logger *zap.Logger) *Webhooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhooks{
		hooks:  hooks,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger,
		now:    time.Now,
	}
}

func (w *Webhooks) Invalidate(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	body, err := json.Marshal(revalidateRequest{Paths: paths, TS: w.now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	var errs []error
	for _, hook := range w.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if err := w.post(ctx, hook, body); err != nil {
			w.logger.Warn("revalidate webhook failed", zap.String("url", hook.URL), zap.Error(err))
			errs = append(errs, fmt.Errorf("revalidate %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Webhooks) post(ctx context.Context, hook config.RevalidateWebhook, body []byte) error {
	client := w.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Chub-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
