package domain

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Channel identifies a physical connection class.
type Channel string

const (
	ChannelPublic  Channel = "public"
	ChannelPrivate Channel = "private"
)

// DataType is the upstream "type" field. Candle types carry their interval
// ("candle.1m") and are distinct data types for consolidation.
type DataType string

const (
	DataTypeTicker    DataType = "ticker"
	DataTypeTrade     DataType = "trade"
	DataTypeOrderbook DataType = "orderbook"
	DataTypeMyOrder   DataType = "myOrder"
	DataTypeMyAsset   DataType = "myAsset"

	candlePrefix = "candle."
)

// AllSymbols is the consolidated key used when a private spec asks for every code.
const AllSymbols = "*"

var candleIntervals = map[string]bool{
	"1s": true, "1m": true, "3m": true, "5m": true, "10m": true,
	"15m": true, "30m": true, "60m": true, "240m": true,
}

// CandleType returns the data type for a candle interval such as "1m".
func CandleType(interval string) DataType {
	return DataType(candlePrefix + interval)
}

// IsCandle reports whether d is a candle type.
func (d DataType) IsCandle() bool {
	return strings.HasPrefix(string(d), candlePrefix)
}

// CandleInterval returns the interval part of a candle type, or "".
func (d DataType) CandleInterval() string {
	if !d.IsCandle() {
		return ""
	}
	return strings.TrimPrefix(string(d), candlePrefix)
}

// IsPrivate reports whether d is served by the private channel.
func (d DataType) IsPrivate() bool {
	return d == DataTypeMyOrder || d == DataTypeMyAsset
}

// Channel returns the connection class serving d.
func (d DataType) Channel() Channel {
	if d.IsPrivate() {
		return ChannelPrivate
	}
	return ChannelPublic
}

// Valid reports whether d is a supported data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeTicker, DataTypeTrade, DataTypeOrderbook, DataTypeMyOrder, DataTypeMyAsset:
		return true
	}
	return d.IsCandle() && candleIntervals[d.CandleInterval()]
}

// StreamMode selects snapshot and/or realtime delivery. The zero value means "unset".
type StreamMode int

const (
	ModeSnapshotOnly StreamMode = iota + 1
	ModeRealtimeOnly
	ModeBoth
)

func (m StreamMode) String() string {
	switch m {
	case ModeSnapshotOnly:
		return "snapshot_only"
	case ModeRealtimeOnly:
		return "realtime_only"
	case ModeBoth:
		return "both"
	default:
		return "unset"
	}
}

// Valid reports whether m is one of the three defined modes.
func (m StreamMode) Valid() bool {
	return m >= ModeSnapshotOnly && m <= ModeBoth
}

// ParseStreamMode parses "snapshot_only", "realtime_only" or "both".
func ParseStreamMode(s string) (StreamMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "snapshot_only", "snapshot":
		return ModeSnapshotOnly, nil
	case "realtime_only", "realtime":
		return ModeRealtimeOnly, nil
	case "both", "":
		return ModeBoth, nil
	}
	return 0, &InvalidSubscriptionError{Field: "stream_mode", Reason: fmt.Sprintf("unknown mode %q", s)}
}

// Merge joins two requested modes: equal modes stay, anything else promotes to both.
// The join is commutative and associative, so the result does not depend on
// the order in which requesters are folded.
func (m StreamMode) Merge(other StreamMode) StreamMode {
	switch {
	case m == 0:
		return other
	case other == 0, m == other:
		return m
	default:
		return ModeBoth
	}
}

// Accepts reports whether a subscriber that asked for m wants an event of stream type st.
func (m StreamMode) Accepts(st StreamType) bool {
	switch m {
	case ModeSnapshotOnly:
		return st == StreamSnapshot
	case ModeRealtimeOnly:
		return st == StreamRealtime
	default:
		return true
	}
}

// StreamType is the upstream stream_type field.
type StreamType string

const (
	StreamSnapshot StreamType = "SNAPSHOT"
	StreamRealtime StreamType = "REALTIME"
)

// SubscriptionSpec is one component's need for one data type.
// Symbols is sorted, de-duplicated and upper-cased; it must not be mutated.
type SubscriptionSpec struct {
	DataType DataType
	Symbols  []string
	Mode     StreamMode
}

// NewSubscriptionSpec validates and normalizes a spec.
func NewSubscriptionSpec(dt DataType, symbols []string, mode StreamMode) (SubscriptionSpec, error) {
	if !dt.Valid() {
		return SubscriptionSpec{}, &InvalidSubscriptionError{Field: "data_type", Reason: fmt.Sprintf("unsupported data type %q", dt)}
	}
	if !mode.Valid() {
		return SubscriptionSpec{}, &InvalidSubscriptionError{Field: "stream_mode", Reason: fmt.Sprintf("invalid mode %d", int(mode))}
	}

	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return SubscriptionSpec{}, &InvalidSubscriptionError{Field: "symbols", Reason: "empty symbol"}
		}
		if s == AllSymbols {
			return SubscriptionSpec{}, &InvalidSubscriptionError{Field: "symbols", Reason: "wildcard is implicit, pass no symbols"}
		}
		norm = append(norm, s)
	}
	sort.Strings(norm)
	norm = slices.Compact(norm)

	if len(norm) == 0 && !dt.IsPrivate() {
		return SubscriptionSpec{}, &InvalidSubscriptionError{Field: "symbols", Reason: "at least one symbol is required for " + string(dt)}
	}
	if dt == DataTypeMyAsset && len(norm) > 0 {
		return SubscriptionSpec{}, &InvalidSubscriptionError{Field: "symbols", Reason: "myAsset does not take codes"}
	}

	return SubscriptionSpec{DataType: dt, Symbols: norm, Mode: mode}, nil
}

// Covers reports whether the spec wants events for symbol.
// An empty symbol set (private types only) covers every symbol.
func (s SubscriptionSpec) Covers(symbol string) bool {
	if len(s.Symbols) == 0 {
		return true
	}
	base := BaseCode(symbol)
	for _, sym := range s.Symbols {
		if BaseCode(sym) == base {
			return true
		}
	}
	return false
}

// BaseCode strips an orderbook unit suffix: "KRW-BTC.5" -> "KRW-BTC".
func BaseCode(code string) string {
	if i := strings.LastIndexByte(code, '.'); i > 0 {
		return code[:i]
	}
	return code
}

// ConsolidatedSubscription is the merged set sent upstream.
// Instances handed out by the registry are immutable.
type ConsolidatedSubscription struct {
	Version uint64
	Types   map[DataType]map[string]StreamMode
}

// DataTypes returns the data types in sorted order.
func (c ConsolidatedSubscription) DataTypes() []DataType {
	out := make([]DataType, 0, len(c.Types))
	for dt := range c.Types {
		out = append(out, dt)
	}
	slices.Sort(out)
	return out
}

// Symbols returns the sorted symbol union for dt.
func (c ConsolidatedSubscription) Symbols(dt DataType) []string {
	m := c.Types[dt]
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Mode returns the effective mode of symbol under dt.
func (c ConsolidatedSubscription) Mode(dt DataType, symbol string) (StreamMode, bool) {
	m, ok := c.Types[dt][symbol]
	return m, ok
}

// IsEmpty reports whether nothing is subscribed.
func (c ConsolidatedSubscription) IsEmpty() bool {
	return len(c.Types) == 0
}

// Count returns the total number of (data type, symbol) pairs.
func (c ConsolidatedSubscription) Count() int {
	n := 0
	for _, m := range c.Types {
		n += len(m)
	}
	return n
}

// ForChannel returns the subset served by ch. The version is preserved.
func (c ConsolidatedSubscription) ForChannel(ch Channel) ConsolidatedSubscription {
	out := ConsolidatedSubscription{Version: c.Version, Types: make(map[DataType]map[string]StreamMode)}
	for dt, m := range c.Types {
		if dt.Channel() == ch {
			out.Types[dt] = m
		}
	}
	return out
}

// Equal compares contents and ignores the version.
func (c ConsolidatedSubscription) Equal(other ConsolidatedSubscription) bool {
	if len(c.Types) != len(other.Types) {
		return false
	}
	for dt, m := range c.Types {
		om, ok := other.Types[dt]
		if !ok || len(om) != len(m) {
			return false
		}
		for s, mode := range m {
			if om[s] != mode {
				return false
			}
		}
	}
	return true
}
