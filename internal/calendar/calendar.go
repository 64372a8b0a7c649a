// Package calendar provides trading-calendar policies used by gap detection.
// The shipped policy is deliberately simple: 24/7 markets trade always, every
// other market skips Saturday and Sunday (UTC). Session-hours rules for
// specific exchanges can be added as new Policy implementations without
// touching the gap detector.
package calendar

import (
	"strings"
	"time"
)

// MarketType classifies an instrument for calendar purposes. Values come
// from the symbol dimension's type column.
type MarketType string

const (
	Crypto MarketType = "crypto"
	Forex  MarketType = "forex"
	Stock  MarketType = "stock"
)

// ParseMarketType normalizes a free-form type string from the symbol dim.
// Unknown or empty input defaults to forex: the weekend filter is the safe
// choice, it never reports phantom weekend gaps.
func ParseMarketType(s string) MarketType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crypto":
		return Crypto
	case "stock":
		return Stock
	default:
		return Forex
	}
}

// Policy decides whether a bar is expected to exist at a given instant.
type Policy interface {
	// IsTradingTime reports whether the market trades at ts (UTC).
	IsTradingTime(ts time.Time) bool
}

// WeekendClosed is the default policy for non-24/7 markets: closed on
// Saturday and Sunday, open otherwise.
type WeekendClosed struct{}

func (WeekendClosed) IsTradingTime(ts time.Time) bool {
	wd := ts.UTC().Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// AlwaysOpen is the policy for 24/7 markets.
type AlwaysOpen struct{}

func (AlwaysOpen) IsTradingTime(time.Time) bool { return true }

// ForMarket returns the policy for a market type.
func ForMarket(mt MarketType) Policy {
	if mt == Crypto {
		return AlwaysOpen{}
	}
	return WeekendClosed{}
}
