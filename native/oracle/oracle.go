package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Report captures a price observation for a single feed along with the
// timestamp reported by the upstream oracle and the oracle identifier. Value
// is a fixed-point integer scaled by 10^Decimals.
type Report struct {
	Value     *big.Int
	Decimals  uint8
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the report to prevent accidental mutations.
func (r Report) Clone() Report {
	clone := Report{Decimals: r.Decimals, Timestamp: r.Timestamp, Source: r.Source}
	if r.Value != nil {
		clone.Value = new(big.Int).Set(r.Value)
	}
	return clone
}

// Feed resolves the latest raw price report for the provided feed reference.
type Feed interface {
	LatestReport(ref string) (Report, error)
}

// ErrStaleOrInvalid indicates the upstream oracle reported a non-positive or
// unavailable quote. Staleness detection beyond this is delegated upstream.
var ErrStaleOrInvalid = errors.New("oracle: stale or invalid price")

// Client wraps a price feed lookup, validating positivity and normalizing the
// raw report to a fixed decimal precision. Every call re-queries the feed; the
// client never caches.
type Client struct {
	feed     Feed
	decimals uint8
}

// NewClient constructs a client that normalizes all reports to the supplied
// decimal precision.
func NewClient(feed Feed, decimals uint8) *Client {
	return &Client{feed: feed, decimals: decimals}
}

// Decimals returns the precision all reports are normalized to.
func (c *Client) Decimals() uint8 {
	if c == nil {
		return 0
	}
	return c.decimals
}

// GetPrice fetches the latest report for the feed reference and rescales it to
// the client's precision. Non-positive prices fail with ErrStaleOrInvalid.
func (c *Client) GetPrice(ref string) (Report, error) {
	if c == nil || c.feed == nil {
		return Report{}, fmt.Errorf("oracle client not configured")
	}
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return Report{}, fmt.Errorf("oracle: feed reference required")
	}
	raw, err := c.feed.LatestReport(trimmed)
	if err != nil {
		return Report{}, err
	}
	if raw.Value == nil || raw.Value.Sign() <= 0 {
		return Report{}, ErrStaleOrInvalid
	}
	out := Report{
		Value:     rescale(raw.Value, raw.Decimals, c.decimals),
		Decimals:  c.decimals,
		Timestamp: raw.Timestamp,
		Source:    raw.Source,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return out, nil
}

// rescale converts a fixed-point value between decimal precisions. Scaling
// down truncates toward zero.
func rescale(value *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(value)
	switch {
	case to > from:
		out.Mul(out, pow10(to-from))
	case from > to:
		out.Quo(out, pow10(from-to))
	}
	return out
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
