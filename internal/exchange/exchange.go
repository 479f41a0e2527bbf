package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"fiatbridge/internal/core"
)

// MarketOrder requests a market order funded either by quote funds or
// by base size; exactly one of the two must be set.
type MarketOrder struct {
	Symbol string
	Side   core.Side
	Funds  decimal.Decimal
	Size   decimal.Decimal
}

// Exchange is the venue surface the orchestrator consumes.
type Exchange interface {
	Name() string
	Accounts(ctx context.Context, currency string, class core.AccountClass) ([]core.Account, error)
	InnerTransfer(ctx context.Context, currency string, from, to core.AccountClass, amount decimal.Decimal) (core.Transfer, error)
	CreateMarketOrder(ctx context.Context, req MarketOrder) (core.Order, error)
	GetOrder(ctx context.Context, orderID string) (core.Order, error)
	ApplyWithdrawal(ctx context.Context, currency, address, chain string, amount decimal.Decimal) (core.Withdrawal, error)
	WithdrawalQuota(ctx context.Context, currency, chain string) (core.WithdrawalQuota, error)
}
