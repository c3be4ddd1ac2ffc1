package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mgmtsystem/internal/domain"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxElapsed = 30 * time.Second
)

// Transport delivers a rendered message.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, msg domain.MailMessage) error
}

// LogTransport writes messages to the structured log. It is the fallback when
// no webhook is configured.
type LogTransport struct {
	Logger *slog.Logger
}

func (t LogTransport) Name() string { return "log" }

func (t LogTransport) Deliver(ctx context.Context, msg domain.MailMessage) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail delivered",
		"template", msg.Template,
		"recipient", msg.Recipient,
		"entity_id", msg.EntityID,
		"subject", msg.Subject,
	)
	return nil
}

// WebhookTransport posts each message as JSON and retries transient failures
// with exponential backoff.
type WebhookTransport struct {
	URL        string
	Secret     string
	Client     *http.Client
	MaxElapsed time.Duration
}

func NewWebhookTransport(url, secret string, timeout, maxElapsed time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}
	return &WebhookTransport{
		URL:        url,
		Secret:     secret,
		Client:     &http.Client{Timeout: timeout},
		MaxElapsed: maxElapsed,
	}
}

func (t *WebhookTransport) Name() string { return "webhook" }

type mailPayload struct {
	Template   string `json:"template"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

func (t *WebhookTransport) Deliver(ctx context.Context, msg domain.MailMessage) error {
	data, err := json.Marshal(mailPayload{
		Template:   msg.Template,
		EntityKind: msg.EntityKind,
		EntityID:   msg.EntityID,
		Recipient:  msg.Recipient,
		Subject:    msg.Subject,
		Body:       msg.Body,
	})
	if err != nil {
		return err
	}
	headers := map[string]string{"X-Mgmtsystem-Template": msg.Template}
	return postWithRetry(ctx, t.Client, t.URL, t.Secret, headers, data, t.newBackoff())
}

func (t *WebhookTransport) newBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = t.MaxElapsed
	return bo
}

// statusError carries a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

// retryable reports whether a delivery failure may succeed on a later attempt.
// Client errors other than 408 and 429 are permanent.
func retryable(err error) bool {
	se, ok := err.(statusError)
	if !ok {
		return true
	}
	return se.code >= 500 || se.code == http.StatusTooManyRequests || se.code == http.StatusRequestTimeout
}

func postWithRetry(ctx context.Context, client *http.Client, url, secret string, headers map[string]string, data []byte, bo backoff.BackOff) error {
	return backoff.Retry(func() error {
		err := post(ctx, client, url, secret, headers, data)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func post(ctx context.Context, client *http.Client, url, secret string, headers map[string]string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if strings.TrimSpace(secret) != "" {
		req.Header.Set("X-Mgmtsystem-Secret", secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return statusError{code: res.StatusCode, body: strings.TrimSpace(string(bodyBytes))}
	}
	return nil
}
