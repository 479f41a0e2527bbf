package kucoin

import (
	"errors"
	"strings"

	"fiatbridge/internal/core"
)

// KuCoin rejection codes the orchestrator reacts to.
const (
	apiCodeBalanceInsufficient = "200004"
	apiCodeBalanceNotEnough    = "230003"
	apiCodeOrderNotExist       = "400100"
	apiCodeNotFound            = "404000"
	apiCodeWithdrawDisabled    = "260200"
	apiCodeAddressInvalid      = "260210"
)

var apiMessageKinds = map[string]error{
	"balance insufficient":         core.ErrInsufficientBalance,
	"account.available.amount":     core.ErrInsufficientBalance,
	"withdrawal is disabled":       core.ErrWithdrawalDisabled,
	"invalid withdrawal address":   core.ErrInvalidAddress,
	"address is not valid":         core.ErrInvalidAddress,
	"order not exist":              core.ErrOrderNotFound,
	"order does not exist":         core.ErrOrderNotFound,
}

// classifyAPIError wraps the venue rejection as a core.ExchangeError and
// joins any recognized sentinel kind so callers can errors.Is on it.
func classifyAPIError(code, msg string) error {
	exErr := core.ExchangeError{Code: code, Message: msg}
	kind := kindForCode(code)
	if kind == nil {
		kind = kindForMessage(msg)
	}
	if kind == nil {
		return exErr
	}
	return errors.Join(exErr, kind)
}

func kindForCode(code string) error {
	switch code {
	case apiCodeBalanceInsufficient, apiCodeBalanceNotEnough:
		return core.ErrInsufficientBalance
	case apiCodeOrderNotExist, apiCodeNotFound:
		return core.ErrOrderNotFound
	case apiCodeWithdrawDisabled:
		return core.ErrWithdrawalDisabled
	case apiCodeAddressInvalid:
		return core.ErrInvalidAddress
	}
	return nil
}

func kindForMessage(msg string) error {
	normalized := strings.ToLower(strings.TrimSpace(msg))
	for fragment, kind := range apiMessageKinds {
		if strings.Contains(normalized, fragment) {
			return kind
		}
	}
	return nil
}
