package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type FlowStatus string

const (
	FlowPending        FlowStatus = "pending"
	FlowWaitingDeposit FlowStatus = "waiting_deposit"
	FlowInProgress     FlowStatus = "in_progress"
	FlowCompleted      FlowStatus = "completed"
	FlowFailed         FlowStatus = "failed"
)

type OperationKind string

const (
	OpTransfer   OperationKind = "transfer"
	OpOrder      OperationKind = "order"
	OpWithdrawal OperationKind = "withdrawal"
	OpSession    OperationKind = "session"
	OpBalance    OperationKind = "balance"
)

type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpSuccess   OperationStatus = "success"
	OpFailed    OperationStatus = "failed"
	OpListening OperationStatus = "listening"
)

// Operation payloads, one concrete shape per kind.

type TransferPayload struct {
	Currency string          `json:"currency"`
	From     AccountClass    `json:"from"`
	To       AccountClass    `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	ID       string          `json:"id,omitempty"`
}

type OrderPayload struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Funds     decimal.Decimal `json:"funds,omitempty"`
	Size      decimal.Decimal `json:"size,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	DealSize  decimal.Decimal `json:"deal_size,omitempty"`
	DealFunds decimal.Decimal `json:"deal_funds,omitempty"`
	Fee       decimal.Decimal `json:"fee,omitempty"`
}

type WithdrawalPayload struct {
	Currency     string          `json:"currency"`
	Address      string          `json:"address"`
	Chain        string          `json:"chain"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee,omitempty"`
	WithdrawalID string          `json:"withdrawal_id,omitempty"`
}

type BalancePayload struct {
	Currency  string          `json:"currency"`
	Class     AccountClass    `json:"class"`
	Available decimal.Decimal `json:"available"`
}

type SessionPayload struct {
	Event   string `json:"event"`
	Address string `json:"address,omitempty"`
	Chain   string `json:"chain,omitempty"`
}

// FlowOperation is one logged attempt within a Flow. Append-only;
// never edited after creation.
type FlowOperation struct {
	ID      string          `json:"id"`
	FlowID  string          `json:"flow_id"`
	Kind    OperationKind   `json:"kind"`
	Status  OperationStatus `json:"status"`
	Message string          `json:"message"`
	Payload any             `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}

// Flow is one fiat-to-crypto-withdrawal saga with its auditable
// operation log. Status moves monotonically and is terminal once
// completed or failed.
type Flow struct {
	ID           string          `json:"id"`
	InputAmount  decimal.Decimal `json:"input_amount"`
	Currency     string          `json:"currency"`
	Address      string          `json:"address"`
	Chain        string          `json:"chain"`
	Status       FlowStatus      `json:"status"`
	Operations   []FlowOperation `json:"operations"`
	UsdtReceived decimal.Decimal `json:"usdt_received"`
	WithdrawalID string          `json:"withdrawal_id,omitempty"`
	Fee          decimal.Decimal `json:"fee"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func (f *Flow) Append(op FlowOperation) {
	f.Operations = append(f.Operations, op)
}

func (f *Flow) Terminal() bool {
	return f.Status == FlowCompleted || f.Status == FlowFailed
}
