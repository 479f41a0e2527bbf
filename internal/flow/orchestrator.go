// Package flow executes the fiat-to-crypto-withdrawal saga: an ordered,
// logged sequence of exchange calls that can also be armed to start
// automatically on an observed fiat deposit.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fiatbridge/internal/bus"
	"fiatbridge/internal/core"
	"fiatbridge/internal/exchange"
	"fiatbridge/internal/logging"
	"fiatbridge/internal/safety"
)

// Store is the caller-supplied persistence contract: an append-only
// flow journal plus an operation/event journal for audit display.
type Store interface {
	SaveFlow(flow *core.Flow) error
	AppendOperation(op core.FlowOperation) error
}

type Options struct {
	FiatCurrency string
	BridgeAsset  string
	Symbol       string

	// Deposit safety window for automatic conversion. Zero MaxDeposit
	// means unbounded.
	MinDeposit decimal.Decimal
	MaxDeposit decimal.Decimal

	// BridgeWait bounds how long the balance check waits for the
	// bridge-received signal before falling back to polling.
	BridgeWait   time.Duration
	PollInterval time.Duration
	PollAttempts int

	// SerializeFlows queues concurrently triggered flows instead of
	// letting them race on the shared funding balance.
	SerializeFlows bool
}

func (o Options) withDefaults() Options {
	if o.BridgeWait < 0 {
		o.BridgeWait = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = 10
	}
	return o
}

// Orchestrator runs flows against one exchange account.
//
// Unless SerializeFlows is set, concurrently triggered flows are NOT
// serialized: two deposits in quick succession start two flows that
// both observe the same available balance, and one may fail downstream
// with an insufficient-balance rejection from the venue. The breaker
// and the journal make that visible; nothing hides it.
type Orchestrator struct {
	ex      exchange.Exchange
	bus     *bus.Bus
	store   Store
	opts    Options
	breaker *safety.Breaker
	log     *logrus.Entry

	mu      sync.Mutex
	armed   bool
	off     func()
	waiting *core.Flow

	runMu sync.Mutex

	now func() time.Time
}

func New(ex exchange.Exchange, b *bus.Bus, store Store, breaker *safety.Breaker, opts Options) *Orchestrator {
	return &Orchestrator{
		ex:      ex,
		bus:     b,
		store:   store,
		opts:    opts.withDefaults(),
		breaker: breaker,
		log:     logging.Component("flow"),
		now:     time.Now,
	}
}

// Run converts amount of the fiat currency into the bridge asset and
// withdraws it to address over chain. It blocks until the flow is
// terminal and always returns the flow, also on failure.
func (o *Orchestrator) Run(ctx context.Context, amount decimal.Decimal, address, chain string) (*core.Flow, error) {
	flow := o.newFlow(amount, address, chain)
	err := o.execute(ctx, flow)
	return flow, err
}

func (o *Orchestrator) newFlow(amount decimal.Decimal, address, chain string) *core.Flow {
	return &core.Flow{
		ID:          uuid.NewString(),
		InputAmount: amount,
		Currency:    o.opts.FiatCurrency,
		Address:     address,
		Chain:       chain,
		Status:      core.FlowPending,
		StartedAt:   o.now().UTC(),
	}
}

func (o *Orchestrator) execute(ctx context.Context, flow *core.Flow) error {
	if o.opts.SerializeFlows {
		o.runMu.Lock()
		defer o.runMu.Unlock()
	}
	if flow.InputAmount.Sign() <= 0 {
		return o.fail(flow, core.OpTransfer, errors.New("input amount must be positive"))
	}

	flow.Status = core.FlowInProgress
	o.saveFlow(flow)
	o.log.WithFields(logging.Fields{
		"flow":    flow.ID,
		"amount":  flow.InputAmount.String(),
		"address": flow.Address,
		"chain":   flow.Chain,
	}).Info("flow started")

	// Listen for the bridge arrival before the order is placed so the
	// signal cannot slip past between submission and the balance check.
	bridgeSeen := make(chan struct{}, 1)
	offBridge := o.bus.On(bus.TopicBridgeReceived, func(any) {
		select {
		case bridgeSeen <- struct{}{}:
		default:
		}
	})
	defer offBridge()

	// Step 1: move the fiat amount from the funding class to trade.
	o.appendOp(flow, core.OpTransfer, core.OpPending, "moving funds to trading account", core.TransferPayload{
		Currency: o.opts.FiatCurrency,
		From:     core.AccountMain,
		To:       core.AccountTrade,
		Amount:   flow.InputAmount,
	})
	transferIn, err := o.ex.InnerTransfer(ctx, o.opts.FiatCurrency, core.AccountMain, core.AccountTrade, flow.InputAmount)
	if err != nil {
		return o.fail(flow, core.OpTransfer, err)
	}
	o.appendOp(flow, core.OpTransfer, core.OpSuccess, "funds moved to trading account", core.TransferPayload{
		Currency: o.opts.FiatCurrency,
		From:     core.AccountMain,
		To:       core.AccountTrade,
		Amount:   flow.InputAmount,
		ID:       transferIn.ID,
	})

	// Step 2: market-buy the bridge asset with those funds.
	o.appendOp(flow, core.OpOrder, core.OpPending, "buying bridge asset", core.OrderPayload{
		Symbol: o.opts.Symbol,
		Side:   core.Buy,
		Funds:  flow.InputAmount,
	})
	order, err := o.ex.CreateMarketOrder(ctx, exchange.MarketOrder{
		Symbol: o.opts.Symbol,
		Side:   core.Buy,
		Funds:  flow.InputAmount,
	})
	if err != nil {
		return o.fail(flow, core.OpOrder, err)
	}
	o.appendOp(flow, core.OpOrder, core.OpSuccess, "buy order accepted", core.OrderPayload{
		Symbol:  o.opts.Symbol,
		Side:    core.Buy,
		Funds:   flow.InputAmount,
		OrderID: order.ID,
	})

	// Step 3: confirm the purchase actually yielded a balance.
	balance, err := o.bridgeBalance(ctx, bridgeSeen)
	if err != nil {
		return o.fail(flow, core.OpBalance, err)
	}
	if balance.Sign() <= 0 {
		return o.fail(flow, core.OpBalance, fmt.Errorf("bridge asset balance is %s after purchase", balance))
	}
	o.appendOp(flow, core.OpBalance, core.OpSuccess, "bridge asset received", core.BalancePayload{
		Currency:  o.opts.BridgeAsset,
		Class:     core.AccountTrade,
		Available: balance,
	})
	flow.UsdtReceived = balance

	// Step 4: move the full bridge balance back to the funding class.
	o.appendOp(flow, core.OpTransfer, core.OpPending, "moving bridge asset to funding account", core.TransferPayload{
		Currency: o.opts.BridgeAsset,
		From:     core.AccountTrade,
		To:       core.AccountMain,
		Amount:   balance,
	})
	transferOut, err := o.ex.InnerTransfer(ctx, o.opts.BridgeAsset, core.AccountTrade, core.AccountMain, balance)
	if err != nil {
		return o.fail(flow, core.OpTransfer, err)
	}
	o.appendOp(flow, core.OpTransfer, core.OpSuccess, "bridge asset moved to funding account", core.TransferPayload{
		Currency: o.opts.BridgeAsset,
		From:     core.AccountTrade,
		To:       core.AccountMain,
		Amount:   balance,
		ID:       transferOut.ID,
	})

	// Step 5: withdraw on-chain.
	o.appendOp(flow, core.OpWithdrawal, core.OpPending, "submitting withdrawal", core.WithdrawalPayload{
		Currency: o.opts.BridgeAsset,
		Address:  flow.Address,
		Chain:    flow.Chain,
		Amount:   balance,
	})
	fee, err := o.withdrawalFee(ctx, flow)
	if err != nil {
		return o.fail(flow, core.OpWithdrawal, err)
	}
	withdrawal, err := o.ex.ApplyWithdrawal(ctx, o.opts.BridgeAsset, flow.Address, flow.Chain, balance)
	if err != nil {
		return o.fail(flow, core.OpWithdrawal, err)
	}
	o.appendOp(flow, core.OpWithdrawal, core.OpSuccess, "withdrawal accepted", core.WithdrawalPayload{
		Currency:     o.opts.BridgeAsset,
		Address:      flow.Address,
		Chain:        flow.Chain,
		Amount:       balance,
		Fee:          fee,
		WithdrawalID: withdrawal.ID,
	})

	flow.Status = core.FlowCompleted
	flow.WithdrawalID = withdrawal.ID
	flow.Fee = fee
	completed := o.now().UTC()
	flow.CompletedAt = &completed
	o.saveFlow(flow)
	o.log.WithFields(logging.Fields{
		"flow":       flow.ID,
		"received":   balance.String(),
		"withdrawal": withdrawal.ID,
	}).Info("flow completed")
	return nil
}

// bridgeBalance waits briefly for the bridge-received signal and then
// polls the trading-class balance until it turns positive or attempts
// run out. The last observed balance is returned either way.
func (o *Orchestrator) bridgeBalance(ctx context.Context, bridgeSeen <-chan struct{}) (decimal.Decimal, error) {
	if o.opts.BridgeWait > 0 {
		timer := time.NewTimer(o.opts.BridgeWait)
		select {
		case <-bridgeSeen:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return decimal.Zero, ctx.Err()
		}
	}

	balance := decimal.Zero
	for attempt := 0; attempt < o.opts.PollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.opts.PollInterval):
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			}
		}
		accounts, err := o.ex.Accounts(ctx, o.opts.BridgeAsset, core.AccountTrade)
		if err != nil {
			return decimal.Zero, err
		}
		balance = decimal.Zero
		for _, acc := range accounts {
			balance = balance.Add(acc.Available)
		}
		if balance.Sign() > 0 {
			return balance, nil
		}
	}
	return balance, nil
}

// withdrawalFee reads the venue quota for the fee estimate and rejects
// the step early when the venue has withdrawals disabled. A transport
// failure on the quota only loses the estimate, never the withdrawal.
func (o *Orchestrator) withdrawalFee(ctx context.Context, flow *core.Flow) (decimal.Decimal, error) {
	quota, err := o.ex.WithdrawalQuota(ctx, o.opts.BridgeAsset, flow.Chain)
	if err != nil {
		o.log.WithError(err).WithField("flow", flow.ID).Warn("withdrawal quota unavailable")
		return decimal.Zero, nil
	}
	if !quota.WithdrawEnabled {
		return decimal.Zero, core.ErrWithdrawalDisabled
	}
	return quota.MinFee, nil
}

func (o *Orchestrator) fail(flow *core.Flow, step core.OperationKind, err error) error {
	stepErr := core.FlowStepError{Step: step, Err: err}
	message := err.Error()
	if exErr, ok := core.AsExchangeError(err); ok {
		message = exErr.Message
	}
	o.appendOp(flow, step, core.OpFailed, message, nil)
	flow.Status = core.FlowFailed
	flow.Error = message
	completed := o.now().UTC()
	flow.CompletedAt = &completed
	o.saveFlow(flow)
	o.log.WithError(err).WithFields(logging.Fields{
		"flow": flow.ID,
		"step": string(step),
	}).Error("flow failed")
	return stepErr
}

func (o *Orchestrator) appendOp(flow *core.Flow, kind core.OperationKind, status core.OperationStatus, message string, payload any) {
	op := core.FlowOperation{
		ID:      uuid.NewString(),
		FlowID:  flow.ID,
		Kind:    kind,
		Status:  status,
		Message: message,
		Payload: payload,
		Time:    o.now().UTC(),
	}
	flow.Append(op)
	if o.store != nil {
		if err := o.store.AppendOperation(op); err != nil {
			o.log.WithError(err).Warn("operation journal append failed")
		}
	}
	o.bus.Emit(bus.TopicFlowOperation, op)
}

func (o *Orchestrator) saveFlow(flow *core.Flow) {
	if o.store != nil {
		if err := o.store.SaveFlow(flow); err != nil {
			o.log.WithError(err).WithField("flow", flow.ID).Warn("flow journal append failed")
		}
	}
	o.bus.Emit(bus.TopicFlowUpdated, *flow)
}

// ArmAuto subscribes to the fiat-deposit signal and converts each
// qualifying deposit to address over chain. The returned flow is the
// waiting_deposit placeholder recorded in the journal.
func (o *Orchestrator) ArmAuto(address, chain string) (*core.Flow, error) {
	if address == "" {
		return nil, errors.New("destination address required")
	}
	o.mu.Lock()
	if o.armed {
		o.mu.Unlock()
		return nil, errors.New("auto conversion already armed")
	}
	o.armed = true
	o.mu.Unlock()

	waiting := o.newFlow(decimal.Zero, address, chain)
	waiting.Status = core.FlowWaitingDeposit
	o.appendOp(waiting, core.OpSession, core.OpListening, "armed, waiting for fiat deposit", core.SessionPayload{
		Event:   "auto_conversion_armed",
		Address: address,
		Chain:   chain,
	})
	o.saveFlow(waiting)

	o.mu.Lock()
	o.waiting = waiting
	o.off = o.bus.On(bus.TopicFiatDeposit, func(payload any) {
		event, ok := payload.(core.FiatDepositEvent)
		if !ok {
			return
		}
		o.onDeposit(event, address, chain)
	})
	o.mu.Unlock()
	o.log.WithFields(logging.Fields{"address": address, "chain": chain}).Info("auto conversion armed")
	return waiting, nil
}

// Disarm removes the deposit subscription. An in-flight flow keeps
// running to its terminal state.
func (o *Orchestrator) Disarm() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.armed {
		return
	}
	o.armed = false
	if o.off != nil {
		o.off()
		o.off = nil
	}
	o.waiting = nil
	o.log.Info("auto conversion disarmed")
}

func (o *Orchestrator) Armed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed
}

func (o *Orchestrator) onDeposit(event core.FiatDepositEvent, address, chain string) {
	total := event.Total
	if total.Sign() <= 0 {
		return
	}
	if total.LessThan(o.opts.MinDeposit) {
		o.log.WithField("total", total.String()).Warn("deposit below safety window, skipping")
		return
	}
	if !o.opts.MaxDeposit.IsZero() && total.GreaterThan(o.opts.MaxDeposit) {
		o.log.WithField("total", total.String()).Warn("deposit above safety window, skipping")
		return
	}
	if err := o.breaker.Allow(); err != nil {
		o.log.WithError(err).Warn("deposit ignored, breaker open")
		return
	}

	o.mu.Lock()
	flow := o.waiting
	o.waiting = nil
	o.mu.Unlock()
	if flow != nil {
		flow.InputAmount = total
	} else {
		flow = o.newFlow(total, address, chain)
	}

	go func() {
		err := o.execute(context.Background(), flow)
		_ = o.breaker.Record(err)
	}()
}
