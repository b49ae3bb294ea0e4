package common

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway abstracts a trading venue.
type Gateway interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	QueryOrder(ctx context.Context, orderID string) (OrderReport, error)
	PlaceConditional(ctx context.Context, req ConditionalRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	ListOpenOrders(ctx context.Context) ([]OpenOrder, error)
	GetPositions(ctx context.Context) (map[string]decimal.Decimal, error)
}

// PriceSource is the subset needed for paper trading and marking.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}
