package clob

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Side of an order from the maker's perspective on the outcome token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType selects time-in-force on the exchange. The quoting loop only
// places GTC and relies on its own lifetime expiry.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC"
	OrderTypeGTD OrderType = "GTD"
	OrderTypeFOK OrderType = "FOK"
)

var (
	ErrRejected     = errors.New("clob: order rejected")
	ErrUnauthorized = errors.New("clob: unauthorized")
	ErrRateLimited  = errors.New("clob: rate limited")
	ErrNotFound     = errors.New("clob: not found")
)

// OrderArgs is what the execution layer asks for: a limit order on one
// outcome token, priced in probability space and sized in shares.
type OrderArgs struct {
	TokenID string
	Side    Side
	Price   float64
	Size    float64
	Type    OrderType
}

// PlacedOrder is the exchange's acknowledgement of a new order.
type PlacedOrder struct {
	ID     string
	Status string
}

// OpenOrder is one resting order as reported by the orders endpoint.
type OpenOrder struct {
	ID           string
	TokenID      string
	Side         Side
	Price        float64
	OriginalSize float64
	SizeMatched  float64
}

// RedeemablePosition is a resolved-market position whose collateral can be
// claimed back.
type RedeemablePosition struct {
	ConditionID string
	Title       string
	ValueUSD    float64
	NegRisk     bool
}

const amountDecimals = 6

// orderAmounts converts probability-space price and share size into the
// exchange's fixed-point maker/taker amounts. A BUY pays collateral for
// shares; a SELL is the reverse. Notional is rounded down so the signed
// amounts never exceed what the balance check allows.
func orderAmounts(side Side, price, size float64) (maker, taker string) {
	shares := decimal.NewFromFloat(size).Shift(amountDecimals).Round(0)
	notional := decimal.NewFromFloat(size).
		Mul(decimal.NewFromFloat(price)).
		Shift(amountDecimals).
		RoundDown(0)
	if side == SideBuy {
		return notional.String(), shares.String()
	}
	return shares.String(), notional.String()
}
