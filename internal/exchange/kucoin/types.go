package kucoin

import (
	"encoding/json"
	"time"
)

type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type accountResponse struct {
	ID        string `json:"id"`
	Currency  string `json:"currency"`
	Type      string `json:"type"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Holds     string `json:"holds"`
}

type innerTransferRequest struct {
	ClientOID string `json:"clientOid"`
	Currency  string `json:"currency"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
}

type innerTransferResponse struct {
	OrderID string `json:"orderId"`
}

type createOrderRequest struct {
	ClientOID string `json:"clientOid"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Funds     string `json:"funds,omitempty"`
	Size      string `json:"size,omitempty"`
}

type createOrderResponse struct {
	OrderID string `json:"orderId"`
}

type orderResponse struct {
	ID          string `json:"id"`
	ClientOID   string `json:"clientOid"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Size        string `json:"size"`
	Funds       string `json:"funds"`
	DealSize    string `json:"dealSize"`
	DealFunds   string `json:"dealFunds"`
	Fee         string `json:"fee"`
	FeeCurrency string `json:"feeCurrency"`
	IsActive    bool   `json:"isActive"`
	CreatedAt   int64  `json:"createdAt"`
}

type withdrawalRequest struct {
	Currency string `json:"currency"`
	Address  string `json:"address"`
	Amount   string `json:"amount"`
	Chain    string `json:"chain,omitempty"`
}

type withdrawalResponse struct {
	WithdrawalID string `json:"withdrawalId"`
}

type withdrawalQuotaResponse struct {
	Currency          string `json:"currency"`
	Chain             string `json:"chain"`
	WithdrawMinSize   string `json:"withdrawMinSize"`
	WithdrawMinFee    string `json:"withdrawMinFee"`
	RemainAmount      string `json:"remainAmount"`
	Precision         int    `json:"precision"`
	IsWithdrawEnabled bool   `json:"isWithdrawEnabled"`
}

type bulletResponse struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		Protocol     string `json:"protocol"`
		Encrypt      bool   `json:"encrypt"`
		PingInterval int64  `json:"pingInterval"`
		PingTimeout  int64  `json:"pingTimeout"`
	} `json:"instanceServers"`
}

// ServerDescriptor is one candidate push endpoint from the bullet
// bootstrap.
type ServerDescriptor struct {
	Endpoint     string
	Protocol     string
	Encrypt      bool
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// SessionToken is the short-lived credential plus endpoint descriptors
// used to open one push connection. Owned by the session; discarded on
// reconnect.
type SessionToken struct {
	Token   string
	Servers []ServerDescriptor
}
