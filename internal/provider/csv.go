package provider

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"symmetry/internal/model"
)

// Series is a candle history with an optional open interest reading per bar.
type Series struct {
	Candles []model.Candle
	OI      map[int64]float64
}

// LoadCandlesCSV reads rows of ts,open,high,low,close,volume[,oi]. A header
// row is skipped. Rows come back sorted by start time.
func LoadCandlesCSV(r io.Reader, instrumentKey string, interval int) (Series, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	s := Series{OI: make(map[int64]float64)}
	line := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Series{}, err
		}
		line++
		if len(rec) < 6 {
			return Series{}, fmt.Errorf("line %d: want at least 6 fields, got %d", line, len(rec))
		}
		vals := make([]float64, 0, len(rec))
		for _, f := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				break
			}
			vals = append(vals, v)
		}
		if len(vals) < 6 {
			if line == 1 {
				continue
			}
			return Series{}, fmt.Errorf("line %d: non-numeric field", line)
		}
		c := model.Candle{
			InstrumentKey: instrumentKey,
			Interval:      interval,
			Start:         toMillis(vals[0]),
			Open:          vals[1],
			High:          vals[2],
			Low:           vals[3],
			Close:         vals[4],
			Volume:        vals[5],
		}
		s.Candles = append(s.Candles, c)
		if len(vals) > 6 {
			s.OI[c.Start] = vals[6]
		}
	}
	sort.Slice(s.Candles, func(i, j int) bool { return s.Candles[i].Start < s.Candles[j].Start })
	return s, nil
}

// LoadCandlesFile is LoadCandlesCSV on a file path.
func LoadCandlesFile(path, instrumentKey string, interval int) (Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return Series{}, err
	}
	defer f.Close()
	s, err := LoadCandlesCSV(f, instrumentKey, interval)
	if err != nil {
		return Series{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}
