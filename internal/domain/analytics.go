package domain

import (
	"math"
	"time"
)

// MessageStats counts message logs and their engagement.
type MessageStats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
}

// Add returns the sum of s and o.
func (s MessageStats) Add(o MessageStats) MessageStats {
	return MessageStats{
		Total:     s.Total + o.Total,
		Sent:      s.Sent + o.Sent,
		Delivered: s.Delivered + o.Delivered,
		Failed:    s.Failed + o.Failed,
		Opened:    s.Opened + o.Opened,
		Clicked:   s.Clicked + o.Clicked,
	}
}

// DeliveryRate is delivered messages as a percentage of sent ones.
func (s MessageStats) DeliveryRate() float64 { return Percent(s.Delivered, s.Sent) }

// OpenRate is opened messages as a percentage of sent ones.
func (s MessageStats) OpenRate() float64 { return Percent(s.Opened, s.Sent) }

// ClickRate is clicked messages as a percentage of sent ones.
func (s MessageStats) ClickRate() float64 { return Percent(s.Clicked, s.Sent) }

// Percent returns n/d as a percentage rounded to two decimals, or 0 when d
// is zero.
func Percent(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return math.Round(float64(n)*10000/float64(d)) / 100
}

// TimelinePoint is one day of message activity. Messages are bucketed by
// the UTC day they were sent.
type TimelinePoint struct {
	Date      time.Time `json:"date"`
	Sent      int       `json:"sent"`
	Delivered int       `json:"delivered"`
	Opened    int       `json:"opened"`
	Clicked   int       `json:"clicked"`
}
