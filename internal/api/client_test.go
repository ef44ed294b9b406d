package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/tokenmarket/internal/model"
)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://market.example.com/", "alice")

		if c.baseURL != "https://market.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://market.example.com")
		}
		if c.Holder() != "alice" {
			t.Errorf("Holder() = %q, want alice", c.Holder())
		}
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.retry != DefaultRetryPolicy() {
			t.Errorf("retry = %+v, want %+v", c.retry, DefaultRetryPolicy())
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		policy := RetryPolicy{Attempts: 10, BaseDelay: 500 * time.Millisecond}
		c := NewClient("https://market.example.com", "",
			WithTimeout(15*time.Second),
			WithRetryPolicy(policy),
			WithLogger(logger),
			WithUserAgent("bot/1"),
		)
		if c.httpClient.Timeout != 15*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 15*time.Second)
		}
		if c.retry != policy {
			t.Errorf("retry = %+v, want %+v", c.retry, policy)
		}
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
		if c.userAgent != "bot/1" {
			t.Errorf("userAgent = %q, want bot/1", c.userAgent)
		}
	})

	t.Run("with custom HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("https://market.example.com", "", WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
	})

	t.Run("as another holder", func(t *testing.T) {
		c := NewClient("https://market.example.com", "alice")
		bob := c.As("bob")
		if bob.Holder() != "bob" || c.Holder() != "alice" {
			t.Errorf("holders = %q/%q, want alice/bob", c.Holder(), bob.Holder())
		}
		if bob.httpClient != c.httpClient {
			t.Error("As should share the HTTP client")
		}
	})
}

// TestAPIError tests error formatting and retryability.
func TestAPIError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusPaymentRequired, false},
		{http.StatusNotFound, false},
		{http.StatusConflict, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		e := &APIError{StatusCode: tt.status}
		if got := e.IsRetryable(); got != tt.retryable {
			t.Errorf("IsRetryable(%d) = %v, want %v", tt.status, got, tt.retryable)
		}
	}

	e := newAPIError(http.StatusConflict, []byte(`{"error":"order o1 is filled","kind":"conflict","retryable":true}`))
	if e.Message != "order o1 is filled" || e.Kind != "conflict" || !e.Retryable {
		t.Errorf("newAPIError = %+v, want parsed server error", e)
	}
	if !strings.Contains(e.Error(), "409 (conflict)") {
		t.Errorf("Error() = %q, want status and kind", e.Error())
	}

	e = newAPIError(http.StatusBadGateway, []byte(`upstream down`))
	if e.Message != "Bad Gateway" || e.Kind != "" {
		t.Errorf("newAPIError(non-json) = %+v, want status text", e)
	}
}

// TestDoRequest tests headers and bodies.
func TestDoRequest(t *testing.T) {
	t.Run("sends holder and content type", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("X-Holder-ID"); got != "alice" {
				t.Errorf("X-Holder-ID = %q, want alice", got)
			}
			if got := r.Header.Get("User-Agent"); !strings.HasPrefix(got, "exchangectl/") {
				t.Errorf("User-Agent = %q, want exchangectl/ prefix", got)
			}
			if got := r.Header.Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", got)
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"x":1}` {
				t.Errorf("body = %q, want {\"x\":1}", body)
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "alice")
		if _, err := c.doRequest(context.Background(), http.MethodPost, "/x", nil, []byte(`{"x":1}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.doRequest(ctx, http.MethodGet, "/test", nil, nil)
		if err == nil || !strings.Contains(err.Error(), "context canceled") {
			t.Errorf("error = %v, want context canceled", err)
		}
	})
}

// TestDoWithRetry tests the retry logic.
func TestDoWithRetry(t *testing.T) {
	t.Run("retries on 5xx then succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"ok": true}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "", WithRetryPolicy(RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}))
		body, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"ok": true}` {
			t.Errorf("body = %q", body)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("does not retry 4xx", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		c := NewClient(server.URL, "", WithRetryPolicy(RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}))
		_, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			t.Fatalf("error = %v, want 404 APIError", err)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		c := NewClient(server.URL, "", WithRetryPolicy(RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}))
		_, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil)
		if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
			t.Errorf("error = %v, want max retries exceeded", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})
}

// TestWritesAreNotRetried makes sure a failed placement is sent once.
func TestWritesAreNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal error"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "", WithRetryPolicy(RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}))
	_, err := c.PlaceOrder(context.Background(), OrderRequest{TokenID: "tok", Side: model.SideBuy, Amount: 1, PriceSats: 1})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokens/tok/price" {
			t.Errorf("path = %s, want /tokens/tok/price", r.URL.Path)
		}
		if got := r.URL.Query().Get("amount"); got != "5" {
			t.Errorf("amount = %s, want 5", got)
		}
		w.Write([]byte(`{"supplySold":10,"currentPrice":100,"quote":{"amount":5,"avgPrice":100,"totalSats":500}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	resp, err := c.Price(context.Background(), "tok", 5)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if resp.SupplySold != 10 || resp.CurrentPrice != 100 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Quote.TotalSats != 500 || resp.Quote.AvgPrice != 100 {
		t.Errorf("quote = %+v, want 500 total at 100", resp.Quote)
	}
}

func TestPlaceAndCancelOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders":
			var req OrderRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode: %v", err)
			}
			if req.Side != model.SideSell || req.Amount != 2 {
				t.Errorf("req = %+v", req)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"order":{"id":"o1","status":"open"},"fills":[]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/orders/o1":
			w.Write([]byte(`{"order":{"id":"o1","status":"cancelled"},"unlocked":{"tok":2}}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "alice")
	placed, err := c.PlaceOrder(context.Background(), OrderRequest{TokenID: "tok", Side: model.SideSell, Amount: 2, PriceSats: 10})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if placed.Order.ID != "o1" {
		t.Errorf("order id = %s, want o1", placed.Order.ID)
	}

	cancelled, err := c.CancelOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Unlocked["tok"] != 2 {
		t.Errorf("unlocked = %v, want tok:2", cancelled.Unlocked)
	}
}

func TestBalanceAndDeposit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/deposits":
			if got := r.Header.Get(paymentHeader); got != "secret" {
				t.Errorf("%s = %q, want secret", paymentHeader, got)
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"amount":100}` {
				t.Errorf("body = %s, want {\"amount\":100}", body)
			}
			w.Write([]byte(`{"available":100,"locked":0,"total":100}`))
		case "/balance":
			if got := r.Header.Get(paymentHeader); got != "" {
				t.Errorf("%s leaked on balance read: %q", paymentHeader, got)
			}
			w.Write([]byte(`{"sats":{"available":60,"locked":40,"total":100}}`))
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "alice", WithPaymentToken("secret"))
	bal, err := c.Deposit(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if bal.Available != 100 {
		t.Errorf("Available = %d, want 100", bal.Available)
	}

	all, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if got := all[model.AssetSats]; got.Locked != 40 || got.Total != 100 {
		t.Errorf("sats = %+v, want locked 40 total 100", got)
	}
}

func TestBook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("levels"); got != "3" {
			t.Errorf("levels = %s, want 3", got)
		}
		w.Write([]byte(`{"token_id":"tok","bids":[{"price_sats":50,"quantity":4,"orders":2}],"asks":[]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	book, err := c.Book(context.Background(), "tok", 3)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if len(book.Bids) != 1 || book.Bids[0].Quantity != 4 {
		t.Errorf("bids = %+v", book.Bids)
	}
}

func TestJSONUnmarshalErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	_, err := c.Tokens(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unmarshal response") {
		t.Errorf("error = %v, want unmarshal error", err)
	}
}
