package features

import (
	"math"
	"time"
)

// Record is the feature row for one transaction. Pointer fields are NULL
// when the quantity is undefined for the user's history at that point.
type Record struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	EventTime     time.Time `json:"event_time"`
	Amount        float64   `json:"amount"`
	Channel       string    `json:"channel"`
	Country       string    `json:"country"`
	Label         *bool     `json:"label"`

	TxnCount1h   int     `json:"user_txn_count_1h"`
	TxnCount24h  int     `json:"user_txn_count_24h"`
	TxnCount7d   int     `json:"user_txn_count_7d"`
	AmountSum1h  float64 `json:"user_amount_sum_1h"`
	AmountSum24h float64 `json:"user_amount_sum_24h"`

	AvgAmount30d *float64 `json:"user_avg_amount_30d"`
	StdAmount30d *float64 `json:"user_std_amount_30d"`
	AmountZScore *float64 `json:"amount_zscore"`

	CountryChangeFlag     bool  `json:"country_change_flag"`
	DeviceChangeFlag      bool  `json:"device_change_flag"`
	UniqueCountries24h    int   `json:"unique_countries_24h"`
	UniqueMerchants24h    int   `json:"unique_merchants_24h"`
	UniqueDevices24h      int   `json:"unique_devices_24h"`
	UserMerchantFirstTime bool  `json:"user_merchant_first_time"`
	IsForeignTxn          *bool `json:"is_foreign_txn"`

	HourOfDay           int  `json:"hour_of_day"`
	DayOfWeek           int  `json:"day_of_week"`
	IsWeekend           bool `json:"is_weekend"`
	IsNight             bool `json:"is_night"`
	MinutesSinceLastTxn *int `json:"minutes_since_last_txn"`

	ChannelEncoded int `json:"channel_encoded"`
}

// Rounded returns a copy at storage precision: money and its moments to
// cents, the z-score to four places.
func (r Record) Rounded() Record {
	out := r
	out.AmountSum1h = round(r.AmountSum1h, 2)
	out.AmountSum24h = round(r.AmountSum24h, 2)
	out.AvgAmount30d = roundPtr(r.AvgAmount30d, 2)
	out.StdAmount30d = roundPtr(r.StdAmount30d, 2)
	out.AmountZScore = roundPtr(r.AmountZScore, 4)
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func roundPtr(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	r := round(*v, places)
	return &r
}
