package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"drawline/internal/config"
	"drawline/internal/domain"
	"drawline/internal/engine"
	"drawline/internal/metrics"
)

const (
	defaultDeliveryInterval = 2 * time.Second
	defaultWebhookTimeout   = 5 * time.Second
	defaultDeliveryBatch    = 100
	defaultMaxAttempts      = 10
	deliveryTries           = 3
)

// Dispatcher drains the notification outbox into the webhooks listed in
// drawline.yml. A row is marked delivered once every enabled hook accepted
// it; otherwise its attempt counter grows until max_attempts.
type Dispatcher struct {
	engine      engine.Engine
	hooks       []config.WebhookConfig
	client      *http.Client
	interval    time.Duration
	batch       int
	maxAttempts int
	retryDelay  time.Duration
	metrics     metrics.Recorder
	logger      zerolog.Logger
}

func NewDispatcher(e engine.Engine, m metrics.Recorder) *Dispatcher {
	d := &Dispatcher{
		engine:      e,
		client:      &http.Client{},
		interval:    defaultDeliveryInterval,
		batch:       defaultDeliveryBatch,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  200 * time.Millisecond,
		metrics:     m,
		logger:      log.With().Str("component", "dispatcher").Logger(),
	}
	if d.metrics == nil {
		d.metrics = (*metrics.Metrics)(nil)
	}
	if e.Config == nil {
		return d
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.hooks = append(d.hooks, hook)
	}
	if v := e.Config.Delivery.IntervalSeconds; v > 0 {
		d.interval = time.Duration(v) * time.Second
	}
	if v := e.Config.Delivery.BatchSize; v > 0 {
		d.batch = v
	}
	if v := e.Config.Delivery.MaxAttempts; v > 0 {
		d.maxAttempts = v
	}
	return d
}

// Enabled reports whether any webhook is configured.
func (d *Dispatcher) Enabled() bool { return len(d.hooks) > 0 }

// Run delivers pending notifications every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.Enabled() {
		d.logger.Info().Msg("no webhooks configured, delivery disabled")
		<-ctx.Done()
		return nil
	}
	d.logger.Info().Int("hooks", len(d.hooks)).Dur("interval", d.interval).Msg("delivery started")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("dispatch failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce sends one batch and returns how many notifications were
// delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	if !d.Enabled() {
		return 0, nil
	}
	pending, err := d.engine.Repo.PendingNotifications(ctx, d.batch, d.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("fetch pending notifications: %w", err)
	}
	delivered := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		ok := true
		for _, hook := range d.hooks {
			if err := d.deliver(ctx, hook, n); err != nil {
				ok = false
				d.logger.Warn().Err(err).Int64("notification", n.ID).Str("url", hook.URL).Msg("webhook delivery failed")
			}
		}
		if !ok {
			d.metrics.Delivery(metrics.OutcomeError)
			if err := d.engine.Repo.RecordAttempt(ctx, n.ID); err != nil {
				return delivered, err
			}
			continue
		}
		if err := d.engine.Repo.MarkDelivered(ctx, n.ID); err != nil {
			return delivered, err
		}
		d.metrics.Delivery(metrics.OutcomeOK)
		delivered++
	}
	if delivered > 0 {
		d.logger.Debug().Int("delivered", delivered).Int("pending", len(pending)).Msg("batch delivered")
	}
	return delivered, nil
}

type webhookNotification struct {
	ID        int64  `json:"id"`
	EventID   string `json:"event_id"`
	TargetID  string `json:"target_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// deliver posts n to one hook. Server errors and transport failures are
// retried; a 4xx answer is final.
func (d *Dispatcher) deliver(ctx context.Context, hook config.WebhookConfig, n domain.Notification) error {
	body, err := json.Marshal(webhookNotification{
		ID:        n.ID,
		EventID:   n.EventID,
		TargetID:  n.TargetID,
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	var final error
	retrier := retry.NewRetrier(deliveryTries, d.retryDelay, 4*d.retryDelay)
	err = retrier.Run(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
		if err != nil {
			final = err
			return nil
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Drawline-Delivery", strconv.FormatInt(n.ID, 10))
		if hook.Secret != "" {
			req.Header.Set("X-Drawline-Secret", hook.Secret)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				final = ctx.Err()
				return nil
			}
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			final = nil
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		default:
			final = fmt.Errorf("webhook rejected delivery with %d", resp.StatusCode)
			return nil
		}
	})
	if err != nil {
		return err
	}
	return final
}
