package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// ManualFeed provides an in-memory feed implementation used for tests and
// manual overrides during incident response.
type ManualFeed struct {
	mu      sync.RWMutex
	reports map[string]Report
}

// NewManualFeed constructs an empty manual feed instance.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{reports: make(map[string]Report)}
}

func manualKey(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// Set stores the supplied report for the feed reference.
func (m *ManualFeed) Set(ref string, value *big.Int, decimals uint8, ts time.Time) {
	if m == nil || value == nil {
		return
	}
	key := manualKey(ref)
	if key == "" {
		return
	}
	m.mu.Lock()
	m.reports[key] = Report{
		Value:     new(big.Int).Set(value),
		Decimals:  decimals,
		Timestamp: ts,
		Source:    "manual",
	}
	m.mu.Unlock()
}

// SetInt64 is a convenience wrapper over Set for small values.
func (m *ManualFeed) SetInt64(ref string, value int64, decimals uint8, ts time.Time) {
	m.Set(ref, big.NewInt(value), decimals, ts)
}

// LatestReport retrieves the stored report for the feed reference.
func (m *ManualFeed) LatestReport(ref string) (Report, error) {
	if m == nil {
		return Report{}, fmt.Errorf("manual feed not configured")
	}
	m.mu.RLock()
	stored, ok := m.reports[manualKey(ref)]
	m.mu.RUnlock()
	if !ok {
		return Report{}, fmt.Errorf("manual feed: report for %s not found", strings.TrimSpace(ref))
	}
	return stored.Clone(), nil
}
