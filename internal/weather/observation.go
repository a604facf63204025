package weather

import (
	"math"
	"time"
)

// Observation is one normalized provider data point: a parameter code,
// a UTC instant and a measured value.
type Observation struct {
	Param string
	Time  time.Time
	Value float64
}

// Latest returns the observation for param with the newest timestamp among
// those carrying a defined value, or nil when no such observation exists.
// Ties on the timestamp are broken arbitrarily.
func Latest(obs []Observation, param string) *Observation {
	var best *Observation
	for i := range obs {
		o := &obs[i]
		if o.Param != param || math.IsNaN(o.Value) {
			continue
		}
		if best == nil || o.Time.After(best.Time) {
			best = o
		}
	}
	return best
}

// BucketHourly maps each observation for param to its hour-truncated
// timestamp. When two observations fall into the same hour the one that
// appears later in the input wins.
func BucketHourly(obs []Observation, param string) map[time.Time]float64 {
	buckets := make(map[time.Time]float64)
	for _, o := range obs {
		if o.Param != param {
			continue
		}
		buckets[o.Time.Truncate(time.Hour)] = o.Value
	}
	return buckets
}

// CeilToHour rounds t up to the next full hour. An instant already on an
// hour boundary is returned unchanged.
func CeilToHour(t time.Time) time.Time {
	trunc := t.Truncate(time.Hour)
	if trunc.Equal(t) {
		return trunc
	}
	return trunc.Add(time.Hour)
}

// HourlyIndex returns exactly hours timestamps spaced one hour apart,
// starting at the ceiling-to-hour of from.
func HourlyIndex(from time.Time, hours int) []time.Time {
	start := CeilToHour(from)
	index := make([]time.Time, hours)
	for h := range index {
		index[h] = start.Add(time.Duration(h) * time.Hour)
	}
	return index
}

// HourlyValues looks up each index timestamp in buckets. Hours without a
// bucketed value yield nil so the result always aligns with index.
func HourlyValues(buckets map[time.Time]float64, index []time.Time) []*float64 {
	values := make([]*float64, len(index))
	for i, ts := range index {
		if v, ok := buckets[ts]; ok {
			v := v
			values[i] = &v
		}
	}
	return values
}
