package txn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wireEvent mirrors the JSON produced upstream. Amount is kept raw because
// producers emit it either as a number or as a numeric string.
type wireEvent struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	CardID        string          `json:"card_id"`
	MerchantID    string          `json:"merchant_id"`
	Amount        json.RawMessage `json:"amount"`
	Currency      string          `json:"currency"`
	Timestamp     string          `json:"timestamp"`
	Channel       string          `json:"channel"`
	Country       string          `json:"country"`
	City          *string         `json:"city"`
	DeviceID      *string         `json:"device_id"`
	IPHash        *string         `json:"ip_hash"`
	Label         *bool           `json:"label"`
}

// Layouts without a zone are read as UTC.
var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Decode parses one JSON transaction event. Any failure wraps ErrMalformed.
func Decode(body []byte) (*Transaction, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, err
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return nil, err
	}

	t := &Transaction{
		TransactionID: w.TransactionID,
		UserID:        w.UserID,
		CardID:        w.CardID,
		MerchantID:    w.MerchantID,
		Amount:        amount,
		Currency:      w.Currency,
		EventTime:     ts,
		Channel:       Channel(w.Channel),
		Country:       w.Country,
		City:          nonEmpty(w.City),
		DeviceID:      nonEmpty(w.DeviceID),
		IPHash:        nonEmpty(w.IPHash),
		Label:         w.Label,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ParseTimestamp parses an ISO-8601 timestamp and normalizes it to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	for _, layout := range zonedLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable timestamp %q", ErrMalformed, s)
}

func parseAmount(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing amount", ErrMalformed)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: amount: %v", ErrMalformed, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: amount %q is not numeric", ErrMalformed, s)
		}
		return v, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: amount: %v", ErrMalformed, err)
	}
	return v, nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// Encode renders the transaction in the wire format accepted by Decode.
func Encode(t *Transaction) ([]byte, error) {
	w := struct {
		TransactionID string  `json:"transaction_id"`
		UserID        string  `json:"user_id"`
		CardID        string  `json:"card_id"`
		MerchantID    string  `json:"merchant_id"`
		Amount        float64 `json:"amount"`
		Currency      string  `json:"currency"`
		Timestamp     string  `json:"timestamp"`
		Channel       string  `json:"channel"`
		Country       string  `json:"country"`
		City          *string `json:"city"`
		DeviceID      *string `json:"device_id"`
		IPHash        *string `json:"ip_hash"`
		Label         *bool   `json:"label"`
	}{
		TransactionID: t.TransactionID,
		UserID:        t.UserID,
		CardID:        t.CardID,
		MerchantID:    t.MerchantID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Timestamp:     t.EventTime.UTC().Format(time.RFC3339Nano),
		Channel:       string(t.Channel),
		Country:       t.Country,
		City:          t.City,
		DeviceID:      t.DeviceID,
		IPHash:        t.IPHash,
		Label:         t.Label,
	}
	return json.Marshal(w)
}
