package upbit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"feedmux/internal/domain"
)

// ErrUnknownType is returned for frames whose type has no event variant.
var ErrUnknownType = errors.New("unknown event type")

type envelope struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	StreamType string `json:"stream_type"`
	Timestamp  int64  `json:"timestamp"`
}

type tickerFrame struct {
	OpeningPrice      decimal.Decimal `json:"opening_price"`
	HighPrice         decimal.Decimal `json:"high_price"`
	LowPrice          decimal.Decimal `json:"low_price"`
	TradePrice        decimal.Decimal `json:"trade_price"`
	PrevClosingPrice  decimal.Decimal `json:"prev_closing_price"`
	Change            string          `json:"change"`
	SignedChangeRate  decimal.Decimal `json:"signed_change_rate"`
	TradeVolume       decimal.Decimal `json:"trade_volume"`
	AccTradeVolume24h decimal.Decimal `json:"acc_trade_volume_24h"`
	AccTradePrice24h  decimal.Decimal `json:"acc_trade_price_24h"`
	MarketState       string          `json:"market_state"`
}

type tradeFrame struct {
	TradePrice     decimal.Decimal `json:"trade_price"`
	TradeVolume    decimal.Decimal `json:"trade_volume"`
	AskBid         string          `json:"ask_bid"`
	SequentialID   int64           `json:"sequential_id"`
	TradeTimestamp int64           `json:"trade_timestamp"`
}

type orderbookFrame struct {
	TotalAskSize decimal.Decimal `json:"total_ask_size"`
	TotalBidSize decimal.Decimal `json:"total_bid_size"`
	Level        decimal.Decimal `json:"level"`
	Units        []struct {
		AskPrice decimal.Decimal `json:"ask_price"`
		BidPrice decimal.Decimal `json:"bid_price"`
		AskSize  decimal.Decimal `json:"ask_size"`
		BidSize  decimal.Decimal `json:"bid_size"`
	} `json:"orderbook_units"`
}

type candleFrame struct {
	CandleDateTimeUTC string          `json:"candle_date_time_utc"`
	OpeningPrice      decimal.Decimal `json:"opening_price"`
	HighPrice         decimal.Decimal `json:"high_price"`
	LowPrice          decimal.Decimal `json:"low_price"`
	TradePrice        decimal.Decimal `json:"trade_price"`
	AccTradeVolume    decimal.Decimal `json:"candle_acc_trade_volume"`
	AccTradePrice     decimal.Decimal `json:"candle_acc_trade_price"`
}

type myOrderFrame struct {
	UUID            string          `json:"uuid"`
	AskBid          string          `json:"ask_bid"`
	OrderType       string          `json:"order_type"`
	State           string          `json:"state"`
	Price           decimal.Decimal `json:"price"`
	Volume          decimal.Decimal `json:"volume"`
	RemainingVolume decimal.Decimal `json:"remaining_volume"`
	ExecutedVolume  decimal.Decimal `json:"executed_volume"`
	TradesCount     int             `json:"trades_count"`
}

type myAssetFrame struct {
	AssetUUID string `json:"asset_uuid"`
	Assets    []struct {
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
		Locked   decimal.Decimal `json:"locked"`
	} `json:"assets"`
}

// ParseEvent decodes one data frame. The epoch is left zero; the router
// stamps it.
func ParseEvent(data []byte, receivedAt time.Time) (domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	h := domain.Header{
		Type:       domain.DataType(env.Type),
		Symbol:     env.Code,
		Stream:     domain.StreamType(env.StreamType),
		Timestamp:  millis(env.Timestamp),
		ReceivedAt: receivedAt,
	}
	if h.Stream == "" {
		h.Stream = domain.StreamRealtime
	}

	switch {
	case h.Type == domain.DataTypeTicker:
		var f tickerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		return &domain.TickerEvent{
			Header:            h,
			OpeningPrice:      f.OpeningPrice,
			HighPrice:         f.HighPrice,
			LowPrice:          f.LowPrice,
			TradePrice:        f.TradePrice,
			PrevClosingPrice:  f.PrevClosingPrice,
			Change:            f.Change,
			SignedChangeRate:  f.SignedChangeRate,
			TradeVolume:       f.TradeVolume,
			AccTradeVolume24h: f.AccTradeVolume24h,
			AccTradePrice24h:  f.AccTradePrice24h,
			MarketState:       f.MarketState,
		}, nil

	case h.Type == domain.DataTypeTrade:
		var f tradeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		return &domain.TradeEvent{
			Header:       h,
			TradePrice:   f.TradePrice,
			TradeVolume:  f.TradeVolume,
			AskBid:       f.AskBid,
			SequentialID: f.SequentialID,
			TradeTime:    millis(f.TradeTimestamp),
		}, nil

	case h.Type == domain.DataTypeOrderbook:
		var f orderbookFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode orderbook: %w", err)
		}
		units := make([]domain.OrderbookUnit, len(f.Units))
		for i, u := range f.Units {
			units[i] = domain.OrderbookUnit{AskPrice: u.AskPrice, BidPrice: u.BidPrice, AskSize: u.AskSize, BidSize: u.BidSize}
		}
		return &domain.OrderbookEvent{
			Header:       h,
			TotalAskSize: f.TotalAskSize,
			TotalBidSize: f.TotalBidSize,
			Units:        units,
			Level:        f.Level,
		}, nil

	case h.Type.IsCandle():
		var f candleFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode candle: %w", err)
		}
		return &domain.CandleEvent{
			Header:        h,
			CandleTime:    f.CandleDateTimeUTC,
			OpeningPrice:  f.OpeningPrice,
			HighPrice:     f.HighPrice,
			LowPrice:      f.LowPrice,
			TradePrice:    f.TradePrice,
			AccTradeVol:   f.AccTradeVolume,
			AccTradePrice: f.AccTradePrice,
		}, nil

	case h.Type == domain.DataTypeMyOrder:
		var f myOrderFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode myOrder: %w", err)
		}
		return &domain.MyOrderEvent{
			Header:          h,
			UUID:            f.UUID,
			AskBid:          f.AskBid,
			OrderType:       f.OrderType,
			State:           f.State,
			Price:           f.Price,
			Volume:          f.Volume,
			RemainingVolume: f.RemainingVolume,
			ExecutedVolume:  f.ExecutedVolume,
			TradesCount:     f.TradesCount,
		}, nil

	case h.Type == domain.DataTypeMyAsset:
		var f myAssetFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode myAsset: %w", err)
		}
		assets := make([]domain.AssetBalance, len(f.Assets))
		for i, a := range f.Assets {
			assets[i] = domain.AssetBalance{Currency: a.Currency, Balance: a.Balance, Locked: a.Locked}
		}
		return &domain.MyAssetEvent{Header: h, AssetUUID: f.AssetUUID, Assets: assets}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
