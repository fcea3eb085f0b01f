package common

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusFilled   OrderStatus = "FILLED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// QuoteAsset is the quote side of every pair this system trades.
const QuoteAsset = "USDT"

// Pair builds the exchange trading pair for a base token.
func Pair(token string) string {
	return token + QuoteAsset
}

// AssetBalance is one asset's balance on the connected account.
type AssetBalance struct {
	Asset  string
	Free   float64
	Locked float64
}

// AccountSnapshot is the raw balance view returned by a venue.
type AccountSnapshot struct {
	Balances []AssetBalance
	CanTrade bool
}

// TradeResult returns the exchange ack for an executed order.
type TradeResult struct {
	OrderID string
	Price   float64
	Status  OrderStatus
}

// Stablecoins are treated as free capital, never as holdings.
var Stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"BUSD": true,
	"DAI":  true,
}
