package ports

import "time"

// OracleMetrics receives oracle and settlement telemetry.
type OracleMetrics interface {
	ObserveSample(source string, ok bool, latency time.Duration)
	ObserveSnapshot(asset string, price float64, used int)
	ObserveSnapshotFailure(asset, reason string)
	ObserveRetry(asset string, attempt int)
	ObserveSettlement(winner string, records int, retained float64)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveSample(string, bool, time.Duration) {}
func (NopMetrics) ObserveSnapshot(string, float64, int) {}
func (NopMetrics) ObserveSnapshotFailure(string, string) {}
func (NopMetrics) ObserveRetry(string, int) {}
func (NopMetrics) ObserveSettlement(string, int, float64) {}
