package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fiatbridge/internal/core"
	"fiatbridge/internal/exchange"
)

func testCredentials() core.Credentials {
	return core.Credentials{Key: "key", Secret: "secret", Passphrase: "pass", Environment: "production"}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Options{
		Credentials: testCredentials(),
		RestBaseURL: srv.URL,
		HTTPTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client, srv
}

func TestSignatureDeterministic(t *testing.T) {
	a := signature("secret", "1700000000000", "GET", "/api/v1/accounts", "")
	b := signature("secret", "1700000000000", "GET", "/api/v1/accounts", "")
	if a != b {
		t.Fatalf("identical inputs produced different signatures: %q vs %q", a, b)
	}
}

func TestSignatureSensitivity(t *testing.T) {
	base := signature("secret", "1700000000000", "GET", "/api/v1/accounts", "")
	variants := []string{
		signature("secret2", "1700000000000", "GET", "/api/v1/accounts", ""),
		signature("secret", "1700000000001", "GET", "/api/v1/accounts", ""),
		signature("secret", "1700000000000", "POST", "/api/v1/accounts", ""),
		signature("secret", "1700000000000", "GET", "/api/v1/orders", ""),
		signature("secret", "1700000000000", "GET", "/api/v1/accounts", `{"a":1}`),
	}
	seen := map[string]bool{base: true}
	for i, v := range variants {
		if seen[v] {
			t.Fatalf("variant %d collided with a previous signature", i)
		}
		seen[v] = true
	}
}

func TestDoRequestAttachesSigningHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotBody string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		_, _ = w.Write([]byte(`{"code":"200000","data":{"orderId":"t1"}}`))
	})

	_, err := client.InnerTransfer(context.Background(), "USD", core.AccountMain, core.AccountTrade, decimal.RequireFromString("100"))
	if err != nil {
		t.Fatalf("InnerTransfer() error = %v", err)
	}

	if gotHeaders.Get("KC-API-KEY") != "key" {
		t.Fatalf("KC-API-KEY = %q, want key", gotHeaders.Get("KC-API-KEY"))
	}
	if gotHeaders.Get("KC-API-KEY-VERSION") != "2" {
		t.Fatalf("KC-API-KEY-VERSION = %q, want 2", gotHeaders.Get("KC-API-KEY-VERSION"))
	}
	wantPassphrase := passphraseToken("secret", "pass")
	if gotHeaders.Get("KC-API-PASSPHRASE") != wantPassphrase {
		t.Fatalf("KC-API-PASSPHRASE = %q, want %q", gotHeaders.Get("KC-API-PASSPHRASE"), wantPassphrase)
	}
	ts := gotHeaders.Get("KC-API-TIMESTAMP")
	if ts == "" {
		t.Fatal("KC-API-TIMESTAMP missing")
	}
	wantSig := signature("secret", ts, http.MethodPost, "/api/v2/accounts/inner-transfer", gotBody)
	if gotHeaders.Get("KC-API-SIGN") != wantSig {
		t.Fatalf("KC-API-SIGN = %q, want %q", gotHeaders.Get("KC-API-SIGN"), wantSig)
	}
}

func TestDoRequestClassifiesExchangeError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"200004","msg":"Balance insufficient!"}`))
	})

	_, err := client.Accounts(context.Background(), "USD", core.AccountMain)
	if err == nil {
		t.Fatal("Accounts() error = nil, want exchange error")
	}
	exErr, ok := core.AsExchangeError(err)
	if !ok {
		t.Fatalf("error %v is not an ExchangeError", err)
	}
	if exErr.Code != "200004" || exErr.Message != "Balance insufficient!" {
		t.Fatalf("ExchangeError = %+v", exErr)
	}
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("error %v does not wrap ErrInsufficientBalance", err)
	}
}

func TestDoRequestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	client, err := NewClient(Options{Credentials: testCredentials(), RestBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	_, err = client.Accounts(context.Background(), "", "")
	var tErr core.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("error = %v (%T), want TransportError", err, err)
	}
}

func TestNewClientRejectsIncompleteCredentials(t *testing.T) {
	_, err := NewClient(Options{
		Credentials: core.Credentials{Key: "k"},
		RestBaseURL: "https://example.test",
	})
	var sErr core.SigningError
	if !errors.As(err, &sErr) {
		t.Fatalf("error = %v (%T), want SigningError", err, err)
	}
}

func TestAccountsParsesSnapshot(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("currency"); got != "USDT" {
			t.Errorf("currency query = %q, want USDT", got)
		}
		if got := r.URL.Query().Get("type"); got != "trade" {
			t.Errorf("type query = %q, want trade", got)
		}
		_, _ = w.Write([]byte(`{"code":"200000","data":[
			{"id":"a1","currency":"USDT","type":"trade","balance":"99.9","available":"99.9","holds":"0"}
		]}`))
	})

	accounts, err := client.Accounts(context.Background(), "USDT", core.AccountTrade)
	if err != nil {
		t.Fatalf("Accounts() error = %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("len(accounts) = %d, want 1", len(accounts))
	}
	acc := accounts[0]
	if acc.Class != core.AccountTrade || acc.Currency != "USDT" {
		t.Fatalf("account = %+v", acc)
	}
	if !acc.Available.Equal(decimal.RequireFromString("99.9")) {
		t.Fatalf("Available = %s, want 99.9", acc.Available)
	}
}

func TestCreateMarketOrderRequiresFundsXorSize(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"200000","data":{"orderId":"o1"}}`))
	})

	_, err := client.CreateMarketOrder(context.Background(), exchange.MarketOrder{Symbol: "USDT-USD", Side: core.Buy})
	if err == nil {
		t.Fatal("order with neither funds nor size accepted")
	}
	_, err = client.CreateMarketOrder(context.Background(), exchange.MarketOrder{
		Symbol: "USDT-USD",
		Side:   core.Buy,
		Funds:  decimal.RequireFromString("100"),
		Size:   decimal.RequireFromString("1"),
	})
	if err == nil {
		t.Fatal("order with both funds and size accepted")
	}
}

func TestCreateMarketOrderSendsFunds(t *testing.T) {
	var got createOrderRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Errorf("unmarshal order request: %v", err)
		}
		_, _ = w.Write([]byte(`{"code":"200000","data":{"orderId":"o1"}}`))
	})

	order, err := client.CreateMarketOrder(context.Background(), exchange.MarketOrder{
		Symbol: "USDT-USD",
		Side:   core.Buy,
		Funds:  decimal.RequireFromString("100"),
	})
	if err != nil {
		t.Fatalf("CreateMarketOrder() error = %v", err)
	}
	if order.ID != "o1" {
		t.Fatalf("order.ID = %q, want o1", order.ID)
	}
	if got.Type != "market" || got.Funds != "100" || got.Size != "" {
		t.Fatalf("order request = %+v", got)
	}
	if got.ClientOID == "" {
		t.Fatal("clientOid missing")
	}
}

func TestGetOrderMapsDoneStatus(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders/o1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"200000","data":{
			"id":"o1","symbol":"USDT-USD","side":"buy","type":"market",
			"funds":"100","dealFunds":"99.95","dealSize":"99.9",
			"fee":"0.05","feeCurrency":"USD","isActive":false,"createdAt":1700000000000
		}}`))
	})

	order, err := client.GetOrder(context.Background(), "o1")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if order.Status != core.OrderDone {
		t.Fatalf("Status = %q, want done", order.Status)
	}
	if !order.DealSize.Equal(decimal.RequireFromString("99.9")) {
		t.Fatalf("DealSize = %s, want 99.9", order.DealSize)
	}
}

func TestBulletPrivateParsesServers(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		_, _ = w.Write([]byte(`{"code":"200000","data":{
			"token":"tok-1",
			"instanceServers":[{"endpoint":"wss://push.example.test/endpoint","protocol":"websocket","encrypt":true,"pingInterval":18000,"pingTimeout":10000}]
		}}`))
	})

	token, err := client.BulletPrivate(context.Background())
	if err != nil {
		t.Fatalf("BulletPrivate() error = %v", err)
	}
	if token.Token != "tok-1" || len(token.Servers) != 1 {
		t.Fatalf("token = %+v", token)
	}
	if token.Servers[0].PingInterval != 18*time.Second {
		t.Fatalf("PingInterval = %s, want 18s", token.Servers[0].PingInterval)
	}
}

func TestBulletPrivateMissingToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"200000","data":{}}`))
	})
	_, err := client.BulletPrivate(context.Background())
	var sErr core.SessionError
	if !errors.As(err, &sErr) {
		t.Fatalf("error = %v (%T), want SessionError", err, err)
	}
}

func TestDoRequestRetriesTransportFailure(t *testing.T) {
	var mu sync.Mutex
	var attempts int
	type seenAuth struct{ ts, sign string }
	var auths []seenAuth
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		auths = append(auths, seenAuth{ts: r.Header.Get("KC-API-TIMESTAMP"), sign: r.Header.Get("KC-API-SIGN")})
		mu.Unlock()
		if n == 1 {
			// Drop the connection mid-request to force a transport error.
			hj := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"code":"200000","data":[]}`))
	})
	client.maxRetries = 2
	client.retryDelay = time.Millisecond

	if _, err := client.Accounts(context.Background(), "USD", core.AccountMain); err != nil {
		t.Fatalf("Accounts() error = %v, want success after retry", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	for i, a := range auths {
		want := signature("secret", a.ts, http.MethodGet, "/api/v1/accounts?currency=USD&type=main", "")
		if a.sign != want {
			t.Fatalf("attempt %d signature not recomputed for its own timestamp", i+1)
		}
	}
}

func TestDoRequestRetriesAreBounded(t *testing.T) {
	var attempts atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		hj := w.(http.Hijacker)
		conn, _, _ := hj.Hijack()
		conn.Close()
	})
	client.maxRetries = 2
	client.retryDelay = time.Millisecond

	_, err := client.Accounts(context.Background(), "USD", core.AccountMain)
	var transportErr core.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error %v is not a TransportError", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestDoRequestDoesNotRetryExchangeError(t *testing.T) {
	var attempts int
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		_, _ = w.Write([]byte(`{"code":"400100","msg":"order not exist"}`))
	})
	client.maxRetries = 3
	client.retryDelay = time.Millisecond

	_, err := client.GetOrder(context.Background(), "o-1")
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("error %v does not wrap ErrOrderNotFound", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, API rejections must not be retried", attempts)
	}
}
