// Package upbit implements the Upbit websocket wire protocol, the socket
// lifecycle for one channel class and a minimal REST client.
package upbit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"feedmux/internal/domain"
)

// FormatDefault is the only response format the parser understands.
const FormatDefault = "DEFAULT"

// ErrEmptySubscription is returned when there is nothing to subscribe;
// Upbit rejects a request without type blocks.
var ErrEmptySubscription = errors.New("empty subscription")

// ErrStaleSubscription is returned by Conn.SendSubscription for a payload
// older than one already written.
var ErrStaleSubscription = errors.New("stale subscription")

type ticketBlock struct {
	Ticket string `json:"ticket"`
}

type typeBlock struct {
	Type           string   `json:"type"`
	Codes          []string `json:"codes,omitempty"`
	IsOnlySnapshot bool     `json:"is_only_snapshot,omitempty"`
	IsOnlyRealtime bool     `json:"is_only_realtime,omitempty"`
}

type formatBlock struct {
	Format string `json:"format"`
}

// Block order inside one data type. Fixed so encoding is deterministic.
var modeOrder = []domain.StreamMode{domain.ModeBoth, domain.ModeSnapshotOnly, domain.ModeRealtimeOnly}

// EncodeSubscription renders sub as one overwrite request:
//
//	[{"ticket":...},{"type":...,"codes":[...]},...,{"format":"DEFAULT"}]
//
// Symbols of one data type are split into one block per effective mode.
// The wildcard key of private types is sent without codes.
func EncodeSubscription(ticket string, sub domain.ConsolidatedSubscription) ([]byte, error) {
	if sub.IsEmpty() {
		return nil, ErrEmptySubscription
	}

	msg := []any{ticketBlock{Ticket: ticket}}
	for _, dt := range sub.DataTypes() {
		byMode := make(map[domain.StreamMode][]string)
		for _, sym := range sub.Symbols(dt) {
			mode, _ := sub.Mode(dt, sym)
			byMode[mode] = append(byMode[mode], sym)
		}

		for _, mode := range modeOrder {
			codes, ok := byMode[mode]
			if !ok {
				continue
			}
			block := typeBlock{
				Type:           string(dt),
				IsOnlySnapshot: mode == domain.ModeSnapshotOnly,
				IsOnlyRealtime: mode == domain.ModeRealtimeOnly,
			}
			if !(len(codes) == 1 && codes[0] == domain.AllSymbols) {
				block.Codes = codes
			}
			msg = append(msg, block)
		}
	}
	msg = append(msg, formatBlock{Format: FormatDefault})

	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode subscription: %w", err)
	}
	return b, nil
}

// VendorError is an {"error":{...}} frame.
type VendorError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *VendorError) Error() string {
	return "upbit error " + e.Name + ": " + e.Message
}

// IsRateLimit reports whether the vendor rejected the request for rate.
func (e *VendorError) IsRateLimit() bool {
	switch e.Name {
	case "TOO_MANY_SUBSCRIBE", "TOO_MANY_REQ", "TOO_MANY_REQUEST":
		return true
	}
	return false
}

// IsAuth reports whether the vendor rejected the credentials.
func (e *VendorError) IsAuth() bool {
	switch e.Name {
	case "INVALID_AUTH", "NO_AUTH", "EXPIRED_AUTH", "jwt_verification":
		return true
	}
	return false
}

// Control is a non-data frame: a heartbeat status or a vendor error.
type Control struct {
	Status string
	Err    *VendorError
}

var (
	statusPrefix = []byte(`{"status"`)
	errorPrefix  = []byte(`{"error"`)
	pingPayload  = []byte("PING")
)

// ParseControl recognizes control frames. ok is false for data frames.
func ParseControl(data []byte) (Control, bool) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, statusPrefix) && !bytes.HasPrefix(trimmed, errorPrefix) {
		return Control{}, false
	}

	var frame struct {
		Status string       `json:"status"`
		Error  *VendorError `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return Control{}, false
	}
	return Control{Status: frame.Status, Err: frame.Error}, true
}
