package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"relay-crm/shared/config"
	"relay-crm/shared/metricsx"
)

// Client talks to the outbound messaging gateway. Sends are fire-and-log
// from the automation engine's point of view: a non-2xx or transport error
// propagates as an action failure and the job is retried by the queue.
type Client struct {
	baseURL  string
	token    string
	timeout  time.Duration
	retryMax int
	http     *http.Client
	breaker  *circuitBreaker
}

type SendRequest struct {
	OrganizationID string `json:"organization_id"`
	ContactID      string `json:"contact_id"`
	Body           string `json:"body"`
}

type SendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func New(cfg config.Config) (*Client, error) {
	if cfg.MessagingAPIURL == "" {
		return nil, errors.New("MESSAGING_API_URL is required")
	}
	timeout := time.Duration(cfg.MessagingTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  cfg.MessagingAPIURL,
		token:    cfg.MessagingAPIToken,
		timeout:  timeout,
		retryMax: cfg.MessagingRetryMax,
		http:     &http.Client{Timeout: timeout},
		breaker:  newCircuitBreaker(5, 30*time.Second),
	}, nil
}

func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	if c == nil || c.http == nil {
		return SendResponse{}, errors.New("messaging client not initialized")
	}
	if c.breaker.Open() {
		return SendResponse{}, errors.New("messaging circuit open")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return SendResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		reqHTTP, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/messages", bytes.NewReader(body))
		if err != nil {
			return SendResponse{}, err
		}
		reqHTTP.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			reqHTTP.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(reqHTTP)
		if err != nil {
			lastErr = err
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = errors.New("messaging gateway error")
			c.breaker.Fail()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			metricsx.IncMessageSendFailure()
			return SendResponse{}, errors.New("message send rejected")
		}
		var out SendResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		_ = resp.Body.Close()
		if err != nil {
			c.breaker.Fail()
			metricsx.IncMessageSendFailure()
			return SendResponse{}, err
		}
		c.breaker.Success()
		return out, nil
	}
	if lastErr == nil {
		lastErr = errors.New("message send failed")
	}
	metricsx.IncMessageSendFailure()
	return SendResponse{}, lastErr
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
