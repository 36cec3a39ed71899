package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is the closed set of inbound typed events. Events are shared between
// subscribers and must be treated as read-only by callbacks.
type Event interface {
	Meta() *Header
	isEvent()
}

// Header carries the fields common to every event.
type Header struct {
	Type       DataType
	Symbol     string // upstream code, e.g. "KRW-BTC"; empty for myAsset
	Stream     StreamType
	Epoch      uint64    // stamped by the router from the connection epoch
	Timestamp  time.Time // upstream timestamp
	ReceivedAt time.Time
}

func (h *Header) Meta() *Header { return h }
func (*Header) isEvent()        {}

// TickerEvent is a "ticker" frame.
type TickerEvent struct {
	Header
	OpeningPrice      decimal.Decimal
	HighPrice         decimal.Decimal
	LowPrice          decimal.Decimal
	TradePrice        decimal.Decimal
	PrevClosingPrice  decimal.Decimal
	Change            string // RISE, EVEN, FALL
	SignedChangeRate  decimal.Decimal
	TradeVolume       decimal.Decimal
	AccTradeVolume24h decimal.Decimal
	AccTradePrice24h  decimal.Decimal
	MarketState       string
}

// TradeEvent is a "trade" frame.
type TradeEvent struct {
	Header
	TradePrice   decimal.Decimal
	TradeVolume  decimal.Decimal
	AskBid       string // ASK, BID
	SequentialID int64
	TradeTime    time.Time
}

// OrderbookUnit is one price level.
type OrderbookUnit struct {
	AskPrice decimal.Decimal
	BidPrice decimal.Decimal
	AskSize  decimal.Decimal
	BidSize  decimal.Decimal
}

// OrderbookEvent is an "orderbook" frame.
type OrderbookEvent struct {
	Header
	TotalAskSize decimal.Decimal
	TotalBidSize decimal.Decimal
	Units        []OrderbookUnit
	Level        decimal.Decimal
}

// CandleEvent is a "candle.<interval>" frame.
type CandleEvent struct {
	Header
	CandleTime    string // candle_date_time_utc
	OpeningPrice  decimal.Decimal
	HighPrice     decimal.Decimal
	LowPrice      decimal.Decimal
	TradePrice    decimal.Decimal
	AccTradeVol   decimal.Decimal
	AccTradePrice decimal.Decimal
}

// MyOrderEvent is a private "myOrder" frame.
type MyOrderEvent struct {
	Header
	UUID            string
	AskBid          string
	OrderType       string
	State           string
	Price           decimal.Decimal
	Volume          decimal.Decimal
	RemainingVolume decimal.Decimal
	ExecutedVolume  decimal.Decimal
	TradesCount     int
}

// AssetBalance is one currency entry of a myAsset frame.
type AssetBalance struct {
	Currency string
	Balance  decimal.Decimal
	Locked   decimal.Decimal
}

// MyAssetEvent is a private "myAsset" frame.
type MyAssetEvent struct {
	Header
	AssetUUID string
	Assets    []AssetBalance
}

// Callback receives events for one component. A returned error or a panic is
// isolated to that component and logged as a CallbackError.
type Callback func(ev Event) error
