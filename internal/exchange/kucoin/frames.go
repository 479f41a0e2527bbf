package kucoin

import (
	"errors"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"fiatbridge/internal/core"
)

// Frame types of the push protocol.
const (
	framePing        = "ping"
	framePong        = "pong"
	frameWelcome     = "welcome"
	frameAck         = "ack"
	frameError       = "error"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameMessage     = "message"
)

type wsFrame struct {
	ID             string          `json:"id,omitempty"`
	Type           string          `json:"type"`
	Topic          string          `json:"topic,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	PrivateChannel bool            `json:"privateChannel,omitempty"`
	Response       bool            `json:"response,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

func decodeFrame(data []byte) (wsFrame, error) {
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return wsFrame{}, err
	}
	if frame.Type == "" {
		return wsFrame{}, errors.New("frame missing type")
	}
	return frame, nil
}

func encodeFrame(frame wsFrame) ([]byte, error) {
	return json.Marshal(frame)
}

type balanceChangeData struct {
	Currency        string `json:"currency"`
	Total           string `json:"total"`
	Available       string `json:"available"`
	AvailableChange string `json:"availableChange"`
	Hold            string `json:"hold"`
	RelationEvent   string `json:"relationEvent"`
	RelationEventID string `json:"relationEventId"`
	Time            string `json:"time"`
}

func decodeBalanceChange(data []byte) (core.BalanceChangeEvent, error) {
	var raw balanceChangeData
	if err := json.Unmarshal(data, &raw); err != nil {
		return core.BalanceChangeEvent{}, err
	}
	if raw.Currency == "" {
		return core.BalanceChangeEvent{}, errors.New("balance event missing currency")
	}
	event := core.BalanceChangeEvent{
		Currency:        raw.Currency,
		Class:           classFromRelation(raw.RelationEvent),
		Total:           parseDecimal(raw.Total),
		Available:       parseDecimal(raw.Available),
		AvailableChange: parseDecimal(raw.AvailableChange),
		Hold:            parseDecimal(raw.Hold),
		RelationEvent:   raw.RelationEvent,
		RelationID:      raw.RelationEventID,
	}
	if ms, err := strconv.ParseInt(raw.Time, 10, 64); err == nil {
		event.Time = time.UnixMilli(ms)
	}
	return event, nil
}

// classFromRelation maps a relation event such as "main.deposit" or
// "trade.setted" onto the account class it happened in.
func classFromRelation(relation string) core.AccountClass {
	prefix, _, _ := strings.Cut(relation, ".")
	switch core.AccountClass(prefix) {
	case core.AccountTrade:
		return core.AccountTrade
	case core.AccountMargin:
		return core.AccountMargin
	default:
		return core.AccountMain
	}
}

type orderChangeData struct {
	Symbol     string `json:"symbol"`
	OrderType  string `json:"orderType"`
	Side       string `json:"side"`
	OrderID    string `json:"orderId"`
	ClientOID  string `json:"clientOid"`
	Type       string `json:"type"`
	Size       string `json:"size"`
	FilledSize string `json:"filledSize"`
	RemainSize string `json:"remainSize"`
	Price      string `json:"price"`
	Status     string `json:"status"`
	Ts         int64  `json:"ts"`
}

func decodeOrderChange(data []byte) (core.OrderChangeEvent, error) {
	var raw orderChangeData
	if err := json.Unmarshal(data, &raw); err != nil {
		return core.OrderChangeEvent{}, err
	}
	if raw.OrderID == "" {
		return core.OrderChangeEvent{}, errors.New("order event missing orderId")
	}
	event := core.OrderChangeEvent{
		OrderID:    raw.OrderID,
		ClientOID:  raw.ClientOID,
		Symbol:     raw.Symbol,
		Side:       core.Side(raw.Side),
		ChangeType: raw.Type,
		Status:     core.OrderStatus(raw.Status),
		Size:       parseDecimal(raw.Size),
		FilledSize: parseDecimal(raw.FilledSize),
		RemainSize: parseDecimal(raw.RemainSize),
		Price:      parseDecimal(raw.Price),
	}
	if raw.Ts > 0 {
		event.Time = time.Unix(0, raw.Ts)
	}
	return event, nil
}
