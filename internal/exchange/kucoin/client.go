// Package kucoin implements the signed REST client and the push-event
// session against the KuCoin v2 API.
package kucoin

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fiatbridge/internal/core"
	"fiatbridge/internal/exchange"
	"fiatbridge/internal/logging"
)

const (
	apiSuccessCode = "200000"
	keyVersion     = "2"
)

type Client struct {
	creds      core.Credentials
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	log        *logrus.Entry

	// test hook; defaults to time.Now
	now func() time.Time
}

type Options struct {
	Credentials core.Credentials
	RestBaseURL string
	HTTPTimeout time.Duration
	// MaxRetries bounds how often a transport-failed call is re-issued.
	// API-level rejections are never retried.
	MaxRetries int
}

func NewClient(opts Options) (*Client, error) {
	if !opts.Credentials.Complete() {
		return nil, core.SigningError{Reason: "api key, secret and passphrase required"}
	}
	if opts.RestBaseURL == "" {
		return nil, errors.New("rest base url required")
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		creds:      opts.Credentials,
		baseURL:    strings.TrimRight(opts.RestBaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryDelay: 200 * time.Millisecond,
		log:        logging.Component("kucoin"),
		now:        time.Now,
	}, nil
}

func (c *Client) Name() string { return "kucoin" }

// signature computes base64(HMAC-SHA256(secret, timestamp+method+path+body)).
// Deterministic for identical inputs; a retry must re-sign with a fresh
// timestamp, never reuse a previous signature.
func signature(secret, timestamp, method, endpoint, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + endpoint + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func passphraseToken(secret, passphrase string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(passphrase))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// doRequest executes a signed call, re-issuing it up to maxRetries
// times on transport failure. Signing happens per attempt inside
// doRequestOnce, so every retry carries a fresh timestamp and
// signature. API-level rejections are returned as-is.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, reqBody any) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.log.WithFields(logging.Fields{
				"attempt": attempt,
				"max":     c.maxRetries,
				"path":    path,
			}).Warn("retrying after transport failure")
		}
		data, err := c.doRequestOnce(ctx, method, path, query, reqBody)
		if err == nil {
			return data, nil
		}
		var transportErr core.TransportError
		if !errors.As(err, &transportErr) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) doRequestOnce(ctx context.Context, method, path string, query url.Values, reqBody any) ([]byte, error) {
	endpoint := path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var bodyStr string
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyStr = string(raw)
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader([]byte(bodyStr)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("KC-API-KEY", c.creds.Key)
	req.Header.Set("KC-API-SIGN", signature(c.creds.Secret, ts, method, endpoint, bodyStr))
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-PASSPHRASE", passphraseToken(c.creds.Secret, c.creds.Passphrase))
	req.Header.Set("KC-API-KEY-VERSION", keyVersion)
	if bodyStr != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.TransportError{Op: "read " + path, Err: err}
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Code == "" {
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("kucoin http error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return nil, fmt.Errorf("kucoin malformed response: %s", strings.TrimSpace(string(raw)))
	}
	if envelope.Code != apiSuccessCode {
		return nil, classifyAPIError(envelope.Code, envelope.Msg)
	}
	return envelope.Data, nil
}

// Accounts fetches account snapshots, optionally filtered by currency
// and account class.
func (c *Client) Accounts(ctx context.Context, currency string, class core.AccountClass) ([]core.Account, error) {
	query := url.Values{}
	if currency != "" {
		query.Set("currency", currency)
	}
	if class != "" {
		query.Set("type", string(class))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v1/accounts", query, nil)
	if err != nil {
		return nil, err
	}
	var resp []accountResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	accounts := make([]core.Account, 0, len(resp))
	for _, a := range resp {
		accounts = append(accounts, core.Account{
			ID:        a.ID,
			Currency:  a.Currency,
			Class:     core.AccountClass(a.Type),
			Balance:   parseDecimal(a.Balance),
			Available: parseDecimal(a.Available),
			Holds:     parseDecimal(a.Holds),
		})
	}
	return accounts, nil
}

// InnerTransfer moves funds between account classes of the same account.
func (c *Client) InnerTransfer(ctx context.Context, currency string, from, to core.AccountClass, amount decimal.Decimal) (core.Transfer, error) {
	clientOID := uuid.NewString()
	body := innerTransferRequest{
		ClientOID: clientOID,
		Currency:  currency,
		From:      string(from),
		To:        string(to),
		Amount:    amount.String(),
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/v2/accounts/inner-transfer", url.Values{}, body)
	if err != nil {
		return core.Transfer{}, err
	}
	var resp innerTransferResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return core.Transfer{}, err
	}
	return core.Transfer{
		ID:        resp.OrderID,
		ClientOID: clientOID,
		Currency:  currency,
		From:      from,
		To:        to,
		Amount:    amount,
		CreatedAt: c.now().UTC(),
	}, nil
}

// CreateMarketOrder submits a market order funded by quote funds or by
// base size.
func (c *Client) CreateMarketOrder(ctx context.Context, req exchange.MarketOrder) (core.Order, error) {
	if req.Funds.IsZero() == req.Size.IsZero() {
		return core.Order{}, errors.New("market order requires exactly one of funds or size")
	}
	clientOID := uuid.NewString()
	body := createOrderRequest{
		ClientOID: clientOID,
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Type:      string(core.Market),
	}
	if !req.Funds.IsZero() {
		body.Funds = req.Funds.String()
	} else {
		body.Size = req.Size.String()
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/v1/orders", url.Values{}, body)
	if err != nil {
		return core.Order{}, err
	}
	var resp createOrderResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return core.Order{}, err
	}
	return core.Order{
		ID:        resp.OrderID,
		ClientOID: clientOID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Kind:      core.Market,
		Funds:     req.Funds,
		Size:      req.Size,
		Status:    core.OrderOpen,
		CreatedAt: c.now().UTC(),
	}, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (core.Order, error) {
	if orderID == "" {
		return core.Order{}, errors.New("order id required")
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v1/orders/"+orderID, url.Values{}, nil)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return core.Order{}, err
	}
	status := core.OrderOpen
	if !resp.IsActive {
		status = core.OrderDone
	}
	return core.Order{
		ID:        resp.ID,
		ClientOID: resp.ClientOID,
		Symbol:    resp.Symbol,
		Side:      core.Side(resp.Side),
		Kind:      core.OrderKind(resp.Type),
		Size:      parseDecimal(resp.Size),
		Funds:     parseDecimal(resp.Funds),
		DealSize:  parseDecimal(resp.DealSize),
		DealFunds: parseDecimal(resp.DealFunds),
		Fee:       parseDecimal(resp.Fee),
		FeeCcy:    resp.FeeCurrency,
		Status:    status,
		CreatedAt: time.UnixMilli(resp.CreatedAt),
	}, nil
}

// ApplyWithdrawal submits an on-chain withdrawal from the main account.
func (c *Client) ApplyWithdrawal(ctx context.Context, currency, address, chain string, amount decimal.Decimal) (core.Withdrawal, error) {
	if address == "" {
		return core.Withdrawal{}, core.ErrInvalidAddress
	}
	body := withdrawalRequest{
		Currency: currency,
		Address:  address,
		Amount:   amount.String(),
		Chain:    chain,
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/api/v1/withdrawals", url.Values{}, body)
	if err != nil {
		return core.Withdrawal{}, err
	}
	var resp withdrawalResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return core.Withdrawal{}, err
	}
	return core.Withdrawal{
		ID:       resp.WithdrawalID,
		Currency: currency,
		Address:  address,
		Chain:    chain,
		Amount:   amount,
	}, nil
}

func (c *Client) WithdrawalQuota(ctx context.Context, currency, chain string) (core.WithdrawalQuota, error) {
	query := url.Values{}
	query.Set("currency", currency)
	if chain != "" {
		query.Set("chain", chain)
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v1/withdrawals/quotas", query, nil)
	if err != nil {
		return core.WithdrawalQuota{}, err
	}
	var resp withdrawalQuotaResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return core.WithdrawalQuota{}, err
	}
	return core.WithdrawalQuota{
		Currency:        resp.Currency,
		Chain:           resp.Chain,
		MinSize:         parseDecimal(resp.WithdrawMinSize),
		MinFee:          parseDecimal(resp.WithdrawMinFee),
		Remaining:       parseDecimal(resp.RemainAmount),
		Precision:       resp.Precision,
		WithdrawEnabled: resp.IsWithdrawEnabled,
	}, nil
}

// BulletPrivate bootstraps a short-lived session token for the private
// push channel.
func (c *Client) BulletPrivate(ctx context.Context) (SessionToken, error) {
	return c.bullet(ctx, "/api/v1/bullet-private")
}

// BulletPublic bootstraps a session token for the public channel.
func (c *Client) BulletPublic(ctx context.Context) (SessionToken, error) {
	return c.bullet(ctx, "/api/v1/bullet-public")
}

func (c *Client) bullet(ctx context.Context, path string) (SessionToken, error) {
	data, err := c.doRequest(ctx, http.MethodPost, path, url.Values{}, nil)
	if err != nil {
		return SessionToken{}, err
	}
	var resp bulletResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return SessionToken{}, err
	}
	if resp.Token == "" || len(resp.InstanceServers) == 0 {
		return SessionToken{}, core.SessionError{Reason: "bullet response missing token or servers"}
	}
	token := SessionToken{Token: resp.Token}
	for _, srv := range resp.InstanceServers {
		token.Servers = append(token.Servers, ServerDescriptor{
			Endpoint:     srv.Endpoint,
			Protocol:     srv.Protocol,
			Encrypt:      srv.Encrypt,
			PingInterval: time.Duration(srv.PingInterval) * time.Millisecond,
			PingTimeout:  time.Duration(srv.PingTimeout) * time.Millisecond,
		})
	}
	return token, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
