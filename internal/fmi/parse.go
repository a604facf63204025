package fmi

import (
	"bytes"
	"encoding/xml"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"weatherpub/internal/weather"
)

// measurementTVP mirrors one wml2:MeasurementTVP element. Child elements
// are matched by local name, so the wml2 namespace prefix is irrelevant.
type measurementTVP struct {
	Time  string `xml:"time"`
	Value string `xml:"value"`
}

// ParseTimeValuePairs extracts observations from a WFS GetFeature response
// carrying timevaluepair members. Malformed time/value pairs are skipped
// individually; a member whose observed-property reference lacks a parameter
// code yields observations with an empty Param. A document without members
// returns an empty slice, never an error.
func ParseTimeValuePairs(raw []byte) []weather.Observation {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var out []weather.Observation
	var param string
	for {
		tok, err := dec.Token()
		if err != nil {
			// io.EOF, or a malformed tail; keep whatever parsed cleanly.
			return out
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "member":
			param = ""
		case "observedProperty":
			href := attrLocal(se, "href")
			param = paramFromHref(href)
			if param == "" {
				slog.Warn("observed property without parameter code", "href", href)
			}
		case "MeasurementTVP":
			var tvp measurementTVP
			if err := dec.DecodeElement(&tvp, &se); err != nil {
				continue
			}
			if obs, ok := observationFromTVP(param, tvp); ok {
				out = append(out, obs)
			}
		}
	}
}

func attrLocal(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// paramFromHref pulls the "param" query value out of an observed-property
// reference such as
// https://opendata.fmi.fi/meta?observableProperty=observation&param=t2m&language=eng.
func paramFromHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Query().Get("param")
}

func observationFromTVP(param string, tvp measurementTVP) (weather.Observation, bool) {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(tvp.Time))
	if err != nil {
		return weather.Observation{}, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(tvp.Value), 64)
	if err != nil || math.IsNaN(v) {
		// The provider encodes missing readings as NaN; drop them here so
		// they never reach the aggregation step.
		return weather.Observation{}, false
	}
	return weather.Observation{Param: param, Time: ts.UTC(), Value: v}, true
}
