package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountClass string

type Side string

type OrderKind string

type OrderStatus string

const (
	AccountMain   AccountClass = "main"
	AccountTrade  AccountClass = "trade"
	AccountMargin AccountClass = "margin"
)

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	Limit  OrderKind = "limit"
	Market OrderKind = "market"
)

const (
	OrderOpen OrderStatus = "open"
	OrderDone OrderStatus = "done"
)

// Credentials authenticate every private call. Immutable once loaded;
// replacing them invalidates any open event session.
type Credentials struct {
	Key         string
	Secret      string
	Passphrase  string
	Environment string
}

func (c Credentials) Complete() bool {
	return c.Key != "" && c.Secret != "" && c.Passphrase != ""
}

// Account is a read-only snapshot of one currency in one account class.
// The authoritative balance always lives at the exchange.
type Account struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	Class     AccountClass    `json:"class"`
	Balance   decimal.Decimal `json:"balance"`
	Available decimal.Decimal `json:"available"`
	Holds     decimal.Decimal `json:"holds"`
}

type Order struct {
	ID        string          `json:"id"`
	ClientOID string          `json:"client_oid,omitempty"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Kind      OrderKind       `json:"kind"`
	Size      decimal.Decimal `json:"size"`
	Funds     decimal.Decimal `json:"funds"`
	DealSize  decimal.Decimal `json:"deal_size"`
	DealFunds decimal.Decimal `json:"deal_funds"`
	Fee       decimal.Decimal `json:"fee"`
	FeeCcy    string          `json:"fee_currency,omitempty"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transfer moves funds between account classes. One-shot, immutable.
type Transfer struct {
	ID        string          `json:"id"`
	ClientOID string          `json:"client_oid,omitempty"`
	Currency  string          `json:"currency"`
	From      AccountClass    `json:"from"`
	To        AccountClass    `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

type Withdrawal struct {
	ID       string          `json:"id"`
	Currency string          `json:"currency"`
	Address  string          `json:"address"`
	Chain    string          `json:"chain"`
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee"`
	Status   string          `json:"status,omitempty"`
}

type WithdrawalQuota struct {
	Currency        string          `json:"currency"`
	Chain           string          `json:"chain"`
	MinSize         decimal.Decimal `json:"min_size"`
	MinFee          decimal.Decimal `json:"min_fee"`
	Remaining       decimal.Decimal `json:"remaining"`
	Precision       int             `json:"precision"`
	WithdrawEnabled bool            `json:"withdraw_enabled"`
}

// BalanceChangeEvent is one decoded account-balance push.
type BalanceChangeEvent struct {
	Currency        string          `json:"currency"`
	Class           AccountClass    `json:"class"`
	Total           decimal.Decimal `json:"total"`
	Available       decimal.Decimal `json:"available"`
	AvailableChange decimal.Decimal `json:"available_change"`
	Hold            decimal.Decimal `json:"hold"`
	RelationEvent   string          `json:"relation_event,omitempty"`
	RelationID      string          `json:"relation_id,omitempty"`
	Time            time.Time       `json:"time"`
}

// OrderChangeEvent is one decoded order-status push.
type OrderChangeEvent struct {
	OrderID    string          `json:"order_id"`
	ClientOID  string          `json:"client_oid,omitempty"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	ChangeType string          `json:"change_type"`
	Status     OrderStatus     `json:"status"`
	Size       decimal.Decimal `json:"size"`
	FilledSize decimal.Decimal `json:"filled_size"`
	RemainSize decimal.Decimal `json:"remain_size"`
	Price      decimal.Decimal `json:"price"`
	Time       time.Time       `json:"time"`
}

// FiatDepositEvent is raised when the configured fiat currency gains balance.
type FiatDepositEvent struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Total    decimal.Decimal `json:"total"`
	Time     time.Time       `json:"time"`
}

// BridgeReceivedEvent is raised when the configured bridge asset gains balance.
type BridgeReceivedEvent struct {
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Available decimal.Decimal `json:"available"`
	Time      time.Time       `json:"time"`
}

type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionClosing      SessionState = "closing"
)

// SessionStateEvent announces an event-session state transition.
type SessionStateEvent struct {
	State    SessionState `json:"state"`
	Attempts int          `json:"attempts,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}
