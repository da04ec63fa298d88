package market

import (
	"context"
	"time"

	"github.com/ksred/brokerbridge/internal/brokerage"
	"github.com/rs/zerolog/log"
)

// Window selects a trading phase inside a market day.
type Window string

const (
	PreMarket     Window = "preMarket"
	RegularMarket Window = "regularMarket"
	PostMarket    Window = "postMarket"
)

// queriedMarket is the only market the brokerage answers hours for reliably.
const queriedMarket = "EQUITY"

const venueLayout = "2006-01-02T15:04:05"

// Server states reported to the engine.
const (
	StateUnavailable = 0
	StateClosed      = 1
	StateOpen        = 2
)

// HoursSource fetches a market's schedule for a date. A nil result with a nil
// error means the market has no session that day.
type HoursSource interface {
	GetMarketHours(ctx context.Context, market string, date time.Time) (*brokerage.MarketHours, error)
}

// Clock answers whether a market session is open right now.
type Clock struct {
	hours HoursSource
	venue *time.Location
	now   func() time.Time
}

func NewClock(hours HoursSource) *Clock {
	venue, err := time.LoadLocation("America/New_York")
	if err != nil {
		venue = time.FixedZone("EST", -5*60*60)
	}
	return &Clock{hours: hours, venue: venue, now: time.Now}
}

// WithClock replaces the time source.
func (c *Clock) WithClock(now func() time.Time) *Clock {
	c.now = now
	return c
}

// IsOpen reports whether now falls inside the requested window of today's
// schedule. The market argument is logged but EQUITY is always queried.
// Missing data or a failed fetch count as closed.
func (c *Clock) IsOpen(ctx context.Context, market string, window Window) bool {
	open, _ := c.check(ctx, market, window)
	return open
}

// ServerState is StateOpen during regular hours, StateClosed otherwise and
// StateUnavailable when the schedule cannot be fetched.
func (c *Clock) ServerState(ctx context.Context) int {
	open, err := c.check(ctx, queriedMarket, RegularMarket)
	switch {
	case err != nil:
		return StateUnavailable
	case open:
		return StateOpen
	default:
		return StateClosed
	}
}

func (c *Clock) check(ctx context.Context, market string, window Window) (bool, error) {
	logger := log.With().Str("component", "market_clock").Str("market", market).Str("window", string(window)).Logger()

	now := c.now().UTC()
	hours, err := c.hours.GetMarketHours(ctx, queriedMarket, now.In(c.venue))
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch market hours")
		return false, err
	}
	if hours == nil {
		logger.Debug().Msg("no session data, treating market as closed")
		return false, nil
	}

	for _, w := range hours.SessionHours[string(window)] {
		start, ok := c.parse(w.Start)
		if !ok {
			continue
		}
		end, ok := c.parse(w.End)
		if !ok {
			continue
		}
		if !now.Before(start) && now.Before(end) {
			return true, nil
		}
	}
	return false, nil
}

// parse reads a session boundary. Offsets are honored; bare timestamps are
// taken as venue local time.
func (c *Clock) parse(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.ParseInLocation(venueLayout, s, c.venue); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
