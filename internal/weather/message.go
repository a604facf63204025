package weather

import "time"

// Units used on the wire.
const (
	UnitCelsius    = "Cel"
	UnitIrradiance = "W/m2"
)

// Series names used in forecast messages.
const (
	SeriesTemperature = "Temperature"
	SeriesIrradiance  = "Irradiance"
)

const (
	millisLayout  = "2006-01-02T15:04:05.000Z07:00"
	secondsLayout = "2006-01-02T15:04:05Z07:00"
)

// Message is a publishable record. The publish gateway calls SetTopic
// immediately before serialization so the embedded Topic field always
// matches the MQTT topic the payload goes out on.
type Message interface {
	SetTopic(topic string)
}

// Quantity is a value/unit pair. A nil Value serializes as JSON null,
// which is how a missing reading is reported downstream.
type Quantity struct {
	Value *float64 `json:"Value"`
	Unit  string   `json:"Unit"`
}

// MeasurementMessage carries one point-in-time reading. Exactly one of
// Temperature or Irradiance is set, depending on the topic the message
// is built for.
type MeasurementMessage struct {
	MessageID   string    `json:"MessageId"`
	Timestamp   string    `json:"Timestamp"`
	Temperature *Quantity `json:"Temperature,omitempty"`
	Irradiance  *Quantity `json:"Irradiance,omitempty"`
	Topic       string    `json:"Topic"`
	Location    string    `json:"Location"`
}

func (m *MeasurementMessage) SetTopic(topic string) { m.Topic = topic }

// SeriesBlock is one named forecast series aligned with the TimeIndex of
// the enclosing block. Missing hours are nil.
type SeriesBlock struct {
	UnitOfMeasure string     `json:"UnitOfMeasure"`
	Values        []*float64 `json:"Values"`
}

type ForecastBlock struct {
	TimeIndex []string               `json:"TimeIndex"`
	Series    map[string]SeriesBlock `json:"Series"`
}

// ForecastMessage carries an hourly forecast series.
type ForecastMessage struct {
	MessageID string        `json:"MessageId"`
	Forecast  ForecastBlock `json:"Forecast"`
	Topic     string        `json:"Topic"`
	Location  string        `json:"Location"`
}

func (m *ForecastMessage) SetTopic(topic string) { m.Topic = topic }

// NewTemperatureMeasurement builds a temperature measurement message from
// the latest observation. A nil observation is reported as a null value
// stamped with now, so stale or missing provider data stays visible.
func NewTemperatureMeasurement(latest *Observation, location string, now time.Time) *MeasurementMessage {
	msg := newMeasurement(latest, location, now)
	msg.Temperature = quantityFor(latest, UnitCelsius)
	return msg
}

// NewIrradianceMeasurement builds an irradiance measurement message from
// the latest observation, with the same null-on-absence behavior as
// NewTemperatureMeasurement.
func NewIrradianceMeasurement(latest *Observation, location string, now time.Time) *MeasurementMessage {
	msg := newMeasurement(latest, location, now)
	msg.Irradiance = quantityFor(latest, UnitIrradiance)
	return msg
}

func newMeasurement(latest *Observation, location string, now time.Time) *MeasurementMessage {
	ts := now
	if latest != nil {
		ts = latest.Time
	}
	return &MeasurementMessage{
		MessageID: FormatMillis(now),
		Timestamp: FormatMillis(ts),
		Location:  location,
	}
}

func quantityFor(latest *Observation, unit string) *Quantity {
	q := &Quantity{Unit: unit}
	if latest != nil {
		v := latest.Value
		q.Value = &v
	}
	return q
}

// NewForecast builds a forecast message for one named series. times and
// values must be the same length; the caller guarantees alignment.
func NewForecast(series, unit, location string, times []time.Time, values []*float64, now time.Time) *ForecastMessage {
	index := make([]string, len(times))
	for i, t := range times {
		index[i] = FormatSeconds(t)
	}
	return &ForecastMessage{
		MessageID: FormatMillis(now),
		Forecast: ForecastBlock{
			TimeIndex: index,
			Series: map[string]SeriesBlock{
				series: {UnitOfMeasure: unit, Values: values},
			},
		},
		Location: location,
	}
}

// FormatMillis renders t as a UTC ISO-8601 string with millisecond
// precision and a trailing Z.
func FormatMillis(t time.Time) string {
	return t.UTC().Format(millisLayout)
}

// FormatSeconds renders t as a UTC ISO-8601 string with second precision
// and a trailing Z.
func FormatSeconds(t time.Time) string {
	return t.UTC().Format(secondsLayout)
}
