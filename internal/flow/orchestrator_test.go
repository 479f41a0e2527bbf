package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fiatbridge/internal/bus"
	"fiatbridge/internal/core"
	"fiatbridge/internal/exchange"
	"fiatbridge/internal/safety"
)

type transferCall struct {
	currency string
	from, to core.AccountClass
	amount   decimal.Decimal
}

type withdrawalCall struct {
	currency, address, chain string
	amount                   decimal.Decimal
}

type fakeExchange struct {
	mu          sync.Mutex
	transfers   []transferCall
	orders      []exchange.MarketOrder
	withdrawals []withdrawalCall

	bridgeAvailable decimal.Decimal
	transferErr     error
	orderErr        error
	withdrawErr     error
	quota           core.WithdrawalQuota
	quotaErr        error
	onOrder         func()
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		quota: core.WithdrawalQuota{
			Currency:        "USDT",
			Chain:           "TRC20",
			MinFee:          decimal.RequireFromString("1"),
			WithdrawEnabled: true,
		},
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) Accounts(_ context.Context, currency string, class core.AccountClass) ([]core.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []core.Account{{Currency: currency, Class: class, Available: f.bridgeAvailable}}, nil
}

func (f *fakeExchange) InnerTransfer(_ context.Context, currency string, from, to core.AccountClass, amount decimal.Decimal) (core.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return core.Transfer{}, f.transferErr
	}
	f.transfers = append(f.transfers, transferCall{currency: currency, from: from, to: to, amount: amount})
	return core.Transfer{ID: "tr-1", Currency: currency, Amount: amount}, nil
}

func (f *fakeExchange) CreateMarketOrder(_ context.Context, req exchange.MarketOrder) (core.Order, error) {
	f.mu.Lock()
	if f.orderErr != nil {
		f.mu.Unlock()
		return core.Order{}, f.orderErr
	}
	f.orders = append(f.orders, req)
	hook := f.onOrder
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return core.Order{ID: "ord-1", Symbol: req.Symbol, Side: req.Side}, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, orderID string) (core.Order, error) {
	return core.Order{ID: orderID, Status: core.OrderDone}, nil
}

func (f *fakeExchange) ApplyWithdrawal(_ context.Context, currency, address, chain string, amount decimal.Decimal) (core.Withdrawal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawErr != nil {
		return core.Withdrawal{}, f.withdrawErr
	}
	f.withdrawals = append(f.withdrawals, withdrawalCall{currency: currency, address: address, chain: chain, amount: amount})
	return core.Withdrawal{ID: "wd-1", Currency: currency, Amount: amount}, nil
}

func (f *fakeExchange) WithdrawalQuota(_ context.Context, _, _ string) (core.WithdrawalQuota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotaErr != nil {
		return core.WithdrawalQuota{}, f.quotaErr
	}
	return f.quota, nil
}

func (f *fakeExchange) setBridgeAvailable(amount string) {
	f.mu.Lock()
	f.bridgeAvailable = decimal.RequireFromString(amount)
	f.mu.Unlock()
}

func (f *fakeExchange) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type memStore struct {
	mu    sync.Mutex
	flows []core.Flow
	ops   []core.FlowOperation
}

func (s *memStore) SaveFlow(flow *core.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = append(s.flows, *flow)
	return nil
}

func (s *memStore) AppendOperation(op core.FlowOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func (s *memStore) lastFlow() (core.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.flows) == 0 {
		return core.Flow{}, false
	}
	return s.flows[len(s.flows)-1], true
}

func fastOptions() Options {
	return Options{
		FiatCurrency: "USD",
		BridgeAsset:  "USDT",
		Symbol:       "USDT-USD",
		PollInterval: time.Millisecond,
		PollAttempts: 3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func opSignature(ops []core.FlowOperation) []string {
	sig := make([]string, 0, len(ops))
	for _, op := range ops {
		sig = append(sig, string(op.Kind)+":"+string(op.Status))
	}
	return sig
}

func TestRunCompletesFullFlow(t *testing.T) {
	ex := newFakeExchange()
	ex.onOrder = func() { ex.setBridgeAvailable("99.9") }
	store := &memStore{}
	o := New(ex, bus.New(), store, nil, fastOptions())

	flow, err := o.Run(context.Background(), decimal.RequireFromString("100"), "TAddr123", "TRC20")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if flow.Status != core.FlowCompleted {
		t.Fatalf("status = %s, want completed", flow.Status)
	}
	if got := flow.UsdtReceived.String(); got != "99.9" {
		t.Fatalf("UsdtReceived = %s, want 99.9", got)
	}
	if flow.WithdrawalID != "wd-1" {
		t.Fatalf("WithdrawalID = %q, want wd-1", flow.WithdrawalID)
	}
	if got := flow.Fee.String(); got != "1" {
		t.Fatalf("Fee = %s, want 1", got)
	}
	if flow.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}

	want := []string{
		"transfer:pending", "transfer:success",
		"order:pending", "order:success",
		"balance:success",
		"transfer:pending", "transfer:success",
		"withdrawal:pending", "withdrawal:success",
	}
	got := opSignature(flow.Operations)
	if len(got) != len(want) {
		t.Fatalf("operation count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("operation[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if len(ex.transfers) != 2 {
		t.Fatalf("transfers = %d, want 2", len(ex.transfers))
	}
	first, second := ex.transfers[0], ex.transfers[1]
	if first.currency != "USD" || first.from != core.AccountMain || first.to != core.AccountTrade {
		t.Fatalf("first transfer = %+v", first)
	}
	if second.currency != "USDT" || second.from != core.AccountTrade || second.to != core.AccountMain || second.amount.String() != "99.9" {
		t.Fatalf("second transfer = %+v", second)
	}
	if len(ex.withdrawals) != 1 {
		t.Fatalf("withdrawals = %d, want 1", len(ex.withdrawals))
	}
	wd := ex.withdrawals[0]
	if wd.address != "TAddr123" || wd.chain != "TRC20" || wd.amount.String() != "99.9" {
		t.Fatalf("withdrawal = %+v", wd)
	}

	last, ok := store.lastFlow()
	if !ok || last.Status != core.FlowCompleted {
		t.Fatalf("journal tail = %+v, want completed flow", last)
	}
	if len(store.ops) != len(want) {
		t.Fatalf("journaled ops = %d, want %d", len(store.ops), len(want))
	}
}

func TestRunWithdrawalFailureKeepsEarlierSteps(t *testing.T) {
	ex := newFakeExchange()
	ex.onOrder = func() { ex.setBridgeAvailable("99.9") }
	ex.withdrawErr = core.ExchangeError{Code: "260210", Message: "Invalid withdrawal address"}
	o := New(ex, bus.New(), &memStore{}, nil, fastOptions())

	flow, err := o.Run(context.Background(), decimal.RequireFromString("100"), "bad-addr", "TRC20")
	if err == nil {
		t.Fatal("expected error")
	}
	var stepErr core.FlowStepError
	if !errors.As(err, &stepErr) || stepErr.Step != core.OpWithdrawal {
		t.Fatalf("err = %v, want FlowStepError at withdrawal", err)
	}
	if flow.Status != core.FlowFailed {
		t.Fatalf("status = %s, want failed", flow.Status)
	}
	if flow.Error != "Invalid withdrawal address" {
		t.Fatalf("flow error = %q", flow.Error)
	}
	if got := flow.UsdtReceived.String(); got != "99.9" {
		t.Fatalf("UsdtReceived = %s, want 99.9", got)
	}

	want := []string{
		"transfer:pending", "transfer:success",
		"order:pending", "order:success",
		"balance:success",
		"transfer:pending", "transfer:success",
		"withdrawal:pending", "withdrawal:failed",
	}
	got := opSignature(flow.Operations)
	if len(got) != len(want) {
		t.Fatalf("operation count = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("operation[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunAbortsWhenBridgeBalanceStaysZero(t *testing.T) {
	ex := newFakeExchange()
	o := New(ex, bus.New(), &memStore{}, nil, fastOptions())

	flow, err := o.Run(context.Background(), decimal.RequireFromString("50"), "TAddr123", "TRC20")
	if err == nil {
		t.Fatal("expected error")
	}
	var stepErr core.FlowStepError
	if !errors.As(err, &stepErr) || stepErr.Step != core.OpBalance {
		t.Fatalf("err = %v, want FlowStepError at balance", err)
	}
	if flow.Status != core.FlowFailed {
		t.Fatalf("status = %s, want failed", flow.Status)
	}
	if ex.transferCount() != 1 {
		t.Fatalf("transfers = %d, want 1 (no transfer back)", ex.transferCount())
	}
	if len(ex.withdrawals) != 0 {
		t.Fatalf("withdrawals = %d, want 0", len(ex.withdrawals))
	}
	last := flow.Operations[len(flow.Operations)-1]
	if last.Kind != core.OpBalance || last.Status != core.OpFailed {
		t.Fatalf("last op = %s:%s, want balance:failed", last.Kind, last.Status)
	}
}

func TestRunRejectsDisabledWithdrawal(t *testing.T) {
	ex := newFakeExchange()
	ex.onOrder = func() { ex.setBridgeAvailable("10") }
	ex.quota.WithdrawEnabled = false
	o := New(ex, bus.New(), &memStore{}, nil, fastOptions())

	_, err := o.Run(context.Background(), decimal.RequireFromString("10"), "TAddr123", "TRC20")
	if !errors.Is(err, core.ErrWithdrawalDisabled) {
		t.Fatalf("err = %v, want ErrWithdrawalDisabled", err)
	}
	if len(ex.withdrawals) != 0 {
		t.Fatalf("withdrawals = %d, want 0", len(ex.withdrawals))
	}
}

func TestBridgeSignalShortCircuitsWait(t *testing.T) {
	ex := newFakeExchange()
	b := bus.New()
	opts := fastOptions()
	opts.BridgeWait = 5 * time.Second
	ex.onOrder = func() {
		ex.setBridgeAvailable("25")
		b.Emit(bus.TopicBridgeReceived, core.BridgeReceivedEvent{
			Currency:  "USDT",
			Amount:    decimal.RequireFromString("25"),
			Available: decimal.RequireFromString("25"),
		})
	}
	o := New(ex, b, &memStore{}, nil, opts)

	start := time.Now()
	flow, err := o.Run(context.Background(), decimal.RequireFromString("25"), "TAddr123", "TRC20")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if flow.Status != core.FlowCompleted {
		t.Fatalf("status = %s, want completed", flow.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("flow took %s, signal did not short-circuit the wait", elapsed)
	}
}

func TestArmAutoConvertsDeposit(t *testing.T) {
	ex := newFakeExchange()
	ex.onOrder = func() { ex.setBridgeAvailable("99.9") }
	b := bus.New()
	store := &memStore{}
	o := New(ex, b, store, nil, fastOptions())

	waiting, err := o.ArmAuto("TAddr123", "TRC20")
	if err != nil {
		t.Fatalf("ArmAuto: %v", err)
	}
	if waiting.Status != core.FlowWaitingDeposit {
		t.Fatalf("status = %s, want waiting_deposit", waiting.Status)
	}
	if len(waiting.Operations) != 1 || waiting.Operations[0].Status != core.OpListening {
		t.Fatalf("waiting ops = %v, want single listening op", opSignature(waiting.Operations))
	}

	b.Emit(bus.TopicFiatDeposit, core.FiatDepositEvent{
		Currency: "USD",
		Amount:   decimal.RequireFromString("100"),
		Total:    decimal.RequireFromString("100"),
		Time:     time.Now(),
	})

	waitFor(t, 2*time.Second, func() bool {
		last, ok := store.lastFlow()
		return ok && last.ID == waiting.ID && last.Status == core.FlowCompleted
	}, "deposit-triggered flow to complete")

	last, _ := store.lastFlow()
	if got := last.InputAmount.String(); got != "100" {
		t.Fatalf("InputAmount = %s, want 100", got)
	}
}

func TestArmAutoEnforcesDepositWindow(t *testing.T) {
	ex := newFakeExchange()
	ex.onOrder = func() { ex.setBridgeAvailable("40") }
	b := bus.New()
	opts := fastOptions()
	opts.MinDeposit = decimal.RequireFromString("50")
	opts.MaxDeposit = decimal.RequireFromString("500")
	o := New(ex, b, &memStore{}, nil, opts)
	if _, err := o.ArmAuto("TAddr123", "TRC20"); err != nil {
		t.Fatalf("ArmAuto: %v", err)
	}

	deposit := func(total string) {
		b.Emit(bus.TopicFiatDeposit, core.FiatDepositEvent{
			Currency: "USD",
			Amount:   decimal.RequireFromString(total),
			Total:    decimal.RequireFromString(total),
			Time:     time.Now(),
		})
	}

	deposit("10")
	deposit("1000")
	time.Sleep(50 * time.Millisecond)
	if ex.orderCount() != 0 {
		t.Fatalf("orders = %d, deposits outside the window must be ignored", ex.orderCount())
	}

	deposit("60")
	waitFor(t, 2*time.Second, func() bool { return ex.orderCount() == 1 }, "in-window deposit to trigger a flow")
}

func TestArmAutoBreakerStopsRepeatedFailures(t *testing.T) {
	ex := newFakeExchange()
	ex.orderErr = core.ExchangeError{Code: "200004", Message: "Balance insufficient"}
	b := bus.New()
	breaker := safety.NewBreaker(true, 1)
	o := New(ex, b, &memStore{}, breaker, fastOptions())
	if _, err := o.ArmAuto("TAddr123", "TRC20"); err != nil {
		t.Fatalf("ArmAuto: %v", err)
	}

	deposit := func() {
		b.Emit(bus.TopicFiatDeposit, core.FiatDepositEvent{
			Currency: "USD",
			Amount:   decimal.RequireFromString("100"),
			Total:    decimal.RequireFromString("100"),
			Time:     time.Now(),
		})
	}

	deposit()
	waitFor(t, 2*time.Second, breaker.Open, "breaker to trip after the failed flow")
	transfersAfterFirst := ex.transferCount()

	deposit()
	time.Sleep(50 * time.Millisecond)
	if ex.transferCount() != transfersAfterFirst {
		t.Fatal("second deposit started a flow despite an open breaker")
	}
}

func TestDisarmStopsDepositHandling(t *testing.T) {
	ex := newFakeExchange()
	b := bus.New()
	o := New(ex, b, &memStore{}, nil, fastOptions())
	if _, err := o.ArmAuto("TAddr123", "TRC20"); err != nil {
		t.Fatalf("ArmAuto: %v", err)
	}
	if !o.Armed() {
		t.Fatal("Armed() = false after ArmAuto")
	}
	o.Disarm()
	if o.Armed() {
		t.Fatal("Armed() = true after Disarm")
	}

	b.Emit(bus.TopicFiatDeposit, core.FiatDepositEvent{
		Currency: "USD",
		Total:    decimal.RequireFromString("100"),
		Time:     time.Now(),
	})
	time.Sleep(50 * time.Millisecond)
	if ex.transferCount() != 0 {
		t.Fatal("deposit after Disarm started a flow")
	}

	if _, err := o.ArmAuto("TAddr123", "TRC20"); err != nil {
		t.Fatalf("re-arm after Disarm: %v", err)
	}
}
