package transform

import (
	"strconv"
	"strings"
	"time"

	"mysql2clickhouse/internal/record"
	"mysql2clickhouse/internal/schema"

	"golang.org/x/text/unicode/norm"
)

// Labels maps a numeric code to display text
type Labels struct {
	values   map[int64]string
	fallback string
}

// NewLabels builds a code map with the text used for unknown codes
func NewLabels(fallback string, values map[int64]string) Labels {
	return Labels{values: values, fallback: fallback}
}

// Of returns the label for a raw code value
func (l Labels) Of(v any) string {
	n, ok := record.AsInt64(v)
	if !ok {
		return l.fallback
	}
	if s, ok := l.values[n]; ok {
		return s
	}
	return l.fallback
}

var (
	CustomerStatus = NewLabels("unknown", map[int64]string{
		1: "active",
		2: "inactive",
		3: "prospect",
		4: "suspend",
	})

	Acquisition = NewLabels("", map[int64]string{
		1: "DataLoad",
		2: "Walk-In",
		3: "Phone-In",
		4: "Online",
	})

	BookingType = NewLabels("", map[int64]string{
		0: "online",
		1: "online",
		2: "phone_in",
		3: "walk_in",
		4: "mobile_app",
	})

	// Staff labels match the values already stored downstream.
	StaffType = NewLabels("Lane", map[int64]string{
		1: "Regular",
		2: "temperory",
		3: "Seasional",
		4: "Contractor",
		5: "FullTimeStudent",
		6: "PartTimeStudent",
	})

	ApprovalStatus = NewLabels("Unknown", map[int64]string{
		1: "Pending",
		2: "Approved",
		3: "Rejected",
		4: "Cancelled",
		5: "Completed",
	})

	SubscriptionType = NewLabels("Unknown", map[int64]string{
		0: "Monthly",
		1: "Quarterly",
		2: "Yearly",
		3: "Contract",
	})
)

// JoinName joins name parts with single spaces, skipping blanks, in NFC form
func JoinName(parts ...any) string {
	words := make([]string, 0, len(parts)*2)
	for _, p := range parts {
		if p == nil {
			continue
		}
		s, _ := Coerce(schema.String, p)
		words = append(words, strings.Fields(s.(string))...)
	}
	return norm.NFC.String(strings.Join(words, " "))
}

// Unsubscribe derives the newsletter/autoresponder opt-out flag from a
// customer preferences row: "N&A", "N", "A" or "".
func Unsubscribe(pref record.Row) string {
	if pref == nil {
		return ""
	}
	newsletter, hasNewsletter := pref.Int64("emailNewsletter")
	auto, _ := pref.Int64("unsubscribeAutoresponder")
	all, _ := pref.Int64("unsubscribeAllEmail")

	optedOutNewsletter := hasNewsletter && newsletter == 0
	switch {
	case (optedOutNewsletter && auto == 1) || all == 1:
		return "N&A"
	case optedOutNewsletter:
		return "N"
	case auto == 1:
		return "A"
	default:
		return ""
	}
}

// YesNo renders a presence flag
func YesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// Flag renders a boolean as 0/1
func Flag(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// TimeOf converts a raw date value, ok is false when it is null or unusable
func TimeOf(v any) (time.Time, bool) {
	t, err := record.ParseTime(v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// DaysBetween returns whole days from a to b, truncated toward zero
func DaysBetween(a, b time.Time) int64 {
	return int64(b.Sub(a) / (24 * time.Hour))
}

// WithinDays reports whether t falls in [asOf, asOf+days]
func WithinDays(t, asOf time.Time, days int) bool {
	return !t.Before(asOf) && !t.After(asOf.Add(time.Duration(days)*24*time.Hour))
}

// ClockMinutes parses "HH:MM[:SS]" into minutes after midnight
func ClockMinutes(v any) (int64, bool) {
	if v == nil {
		return 0, false
	}
	s, _ := Coerce(schema.String, v)
	parts := strings.Split(strings.TrimSpace(s.(string)), ":")
	if len(parts) < 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return int64(h*60 + m), true
}

// TimeOfDay buckets a clock time into Morning, Afternoon, Evening or Night
func TimeOfDay(v any) string {
	mins, ok := ClockMinutes(v)
	if !ok {
		return "Unknown"
	}
	switch hour := mins / 60; {
	case hour >= 5 && hour < 12:
		return "Morning"
	case hour >= 12 && hour < 17:
		return "Afternoon"
	case hour >= 17 && hour < 21:
		return "Evening"
	default:
		return "Night"
	}
}
