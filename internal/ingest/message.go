package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Number decodes JSON numbers that feeds sometimes send as strings.
// Null and empty strings decode as absent.
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = Number{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = Number{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse number %q: %w", s, err)
		}
		*n = Number{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Interval accepts both "1" and 1.
type Interval string

func (i *Interval) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*i = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = Interval(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*i = Interval(n.String())
	return nil
}

// Message is an inbound feed frame: either a chart snapshot or a map of
// quote updates keyed by instrument.
type Message struct {
	Type          string               `json:"type"`
	InstrumentKey string               `json:"instrumentKey"`
	Interval      Interval             `json:"interval"`
	Data          json.RawMessage      `json:"data"`
	Feeds         map[string]FeedDatum `json:"feeds"`
}

// ChartData is the payload of a chart_update message. Each bar is
// [ts, open, high, low, close, volume] with ts in seconds.
type ChartData struct {
	OHLCV [][]Number `json:"ohlcv"`
}

// FeedDatum is one instrument's quote inside a feeds message.
type FeedDatum struct {
	LastPrice    Number `json:"last_price"`
	TVVolume     Number `json:"tv_volume"`
	UpstoxVolume Number `json:"upstox_volume"`
	TsMs         Number `json:"ts_ms"`
	OI           Number `json:"oi"`
	Source       string `json:"source"`
	Interval     string `json:"interval,omitempty"`
}

// Volume returns the cumulative volume reading, preferring tv_volume.
func (f FeedDatum) Volume() Number {
	if f.TVVolume.Valid {
		return f.TVVolume
	}
	return f.UpstoxVolume
}

const chartUpdate = "chart_update"

// Decode parses a raw frame.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode feed message: %w", err)
	}
	return msg, nil
}
