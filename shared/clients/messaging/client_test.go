package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"relay-crm/shared/config"
)

func testConfig(url string) config.Config {
	return config.Config{
		MessagingAPIURL:    url,
		MessagingTimeoutMS: 2000,
		MessagingRetryMax:  2,
	}
}

func TestSendDeliversAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message_id":"m-42","status":"queued"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MessagingAPIToken = "tok"
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Send(context.Background(), SendRequest{OrganizationID: "o", ContactID: "c", Body: "hi"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if resp.MessageID != "m-42" || resp.Status != "queued" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"message_id":"m-1","status":"queued"}`))
	}))
	defer srv.Close()

	c, _ := New(testConfig(srv.URL))
	if _, err := c.Send(context.Background(), SendRequest{}); err != nil {
		t.Fatalf("expected a retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestSendDoesNotRetryRejections(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, _ := New(testConfig(srv.URL))
	if _, err := c.Send(context.Background(), SendRequest{}); err == nil {
		t.Fatalf("expected a rejection error")
	}
	if calls != 1 {
		t.Fatalf("a rejected message must not be retried, got %d calls", calls)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(config.Config{}); err == nil {
		t.Fatalf("expected an error without MESSAGING_API_URL")
	}
}
