package clocksync

import (
	"math"
	"slices"
	"time"
)

// Quality grades a calibration.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

// Quality thresholds, inclusive.
const (
	goodRTT    = 100 * time.Millisecond
	goodStdDev = 30 * time.Millisecond
	fairRTT    = 200 * time.Millisecond
	fairStdDev = 60 * time.Millisecond
)

// ClassifyQuality grades a median RTT and its standard deviation.
func ClassifyQuality(rtt, stddev time.Duration) Quality {
	switch {
	case rtt <= goodRTT && stddev <= goodStdDev:
		return QualityGood
	case rtt <= fairRTT && stddev <= fairStdDev:
		return QualityFair
	default:
		return QualityPoor
	}
}

// Median returns the middle value, or the mean of the two middle values for an
// even count. The input is not modified.
func Median(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1] + (sorted[mid]-sorted[mid-1])/2
}

// StdDev returns the population standard deviation.
func StdDev(values []time.Duration) time.Duration {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := float64(v) - mean
		sq += d * d
	}
	return time.Duration(math.Sqrt(sq / float64(len(values))))
}
