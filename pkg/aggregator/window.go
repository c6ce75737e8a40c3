package aggregator

import "time"

// WindowGranularity selects the usage-snapshot rollup period.
type WindowGranularity string

const (
	WindowHourly WindowGranularity = "hourly"
	WindowDaily  WindowGranularity = "daily"
)

// Key returns the canonical window string for a unix-millis timestamp.
func (g WindowGranularity) Key(atMS int64) string {
	t := time.UnixMilli(atMS).UTC()
	if g == WindowDaily {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02T15")
}
