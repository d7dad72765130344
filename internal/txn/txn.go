// Package txn defines the transaction event consumed by the feature engine.
package txn

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformed is wrapped by every decode and validation failure. Callers use
// errors.Is to tell bad input apart from transient dependency failures.
var ErrMalformed = errors.New("txn: malformed transaction")

// Channel is the payment channel a transaction went through.
type Channel string

const (
	ChannelPOS  Channel = "POS"
	ChannelECOM Channel = "ECOM"
	ChannelATM  Channel = "ATM"
)

// Transaction is an immutable card transaction as delivered by the event
// source. EventTime is always UTC.
type Transaction struct {
	TransactionID string
	UserID        string
	CardID        string
	MerchantID    string
	Amount        float64
	Currency      string
	EventTime     time.Time
	Channel       Channel
	Country       string
	City          *string
	DeviceID      *string
	IPHash        *string
	Label         *bool
}

// Validate checks that every required field is present and usable.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil transaction", ErrMalformed)
	}
	var missing []string
	for _, f := range []struct {
		name, value string
	}{
		{"transaction_id", t.TransactionID},
		{"user_id", t.UserID},
		{"card_id", t.CardID},
		{"merchant_id", t.MerchantID},
		{"currency", t.Currency},
		{"channel", string(t.Channel)},
		{"country", t.Country},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}
	if math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) || t.Amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive finite number, got %v", ErrMalformed, t.Amount)
	}
	if t.EventTime.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	return nil
}

// DeviceIDValue returns the device id, or "" when absent.
func (t *Transaction) DeviceIDValue() string {
	if t.DeviceID == nil {
		return ""
	}
	return *t.DeviceID
}
