package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symmetry/internal/config"
)

func TestHTTPProvider_GetCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/candles", r.URL.Path)
		assert.Equal(t, "NSE_INDEX|Nifty 50", r.URL.Query().Get("instrument_key"))
		assert.Equal(t, "1", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"candles":[[1700000160,3,4,2,3.5,20],[1700000100000,1,2,0.5,1.5,10],[1,2]]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ProviderConfig{BaseURL: srv.URL + "/", Token: "tok"})
	candles, err := p.GetCandles(context.Background(), "NSE_INDEX|Nifty 50", "1", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1_700_000_100_000), candles[0].Start)
	assert.Equal(t, int64(1_700_000_160_000), candles[1].Start)
	assert.Equal(t, 1, candles[0].Interval)
	assert.Equal(t, 3.5, candles[1].Close)
}

func TestHTTPProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ProviderConfig{BaseURL: srv.URL})
	_, err := p.GetCandles(context.Background(), "X", "1", 1)
	assert.ErrorContains(t, err, "502")
	_, err = p.GetChain(context.Background(), "NIFTY")
	assert.Error(t, err)
}

func TestHTTPProvider_GetChainATM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "NIFTY", r.URL.Query().Get("underlying"))
		_, _ = w.Write([]byte(`{"spot":25030,"strikes":[
			{"strike":24950,"call_key":"CE24950","put_key":"PE24950"},
			{"strike":25000,"call_key":"CE25000","put_key":"PE25000","expiry":"2026-10-27"},
			{"strike":25050,"call_key":"CE25050","put_key":""}
		]}`))
	}))
	defer srv.Close()

	chain, err := NewHTTPProvider(config.ProviderConfig{BaseURL: srv.URL}).GetChain(context.Background(), "NIFTY")
	require.NoError(t, err)
	atm, ok := chain.ATM()
	require.True(t, ok)
	// 25050 is closer but has no put
	assert.Equal(t, 25000.0, atm.Strike)
	assert.Equal(t, "PE25000", atm.PutKey)
}

func TestChain_ATMTieAndEmpty(t *testing.T) {
	chain := Chain{Spot: 25025, Strikes: []Strike{
		{Strike: 25050, CallKey: "a", PutKey: "b"},
		{Strike: 25000, CallKey: "c", PutKey: "d"},
	}}
	atm, ok := chain.ATM()
	require.True(t, ok)
	assert.Equal(t, 25000.0, atm.Strike)

	_, ok = Chain{Spot: 1}.ATM()
	assert.False(t, ok)
}

func TestLoadCandlesCSV(t *testing.T) {
	data := `ts,open,high,low,close,volume,oi
1700000160,3,4,2,3.5,20,1200
1700000100,1,2,0.5,1.5,10,1000
`
	s, err := LoadCandlesCSV(strings.NewReader(data), "CE", 1)
	require.NoError(t, err)
	require.Len(t, s.Candles, 2)
	assert.Equal(t, int64(1_700_000_100_000), s.Candles[0].Start)
	assert.Equal(t, "CE", s.Candles[0].InstrumentKey)
	assert.Equal(t, 1000.0, s.OI[1_700_000_100_000])

	_, err = LoadCandlesCSV(strings.NewReader("1,2,3\n"), "CE", 1)
	assert.Error(t, err)

	_, err = LoadCandlesCSV(strings.NewReader("1,2,3,4,5,6\n1,x,3,4,5,6\n"), "CE", 1)
	assert.Error(t, err)

	s, err = LoadCandlesCSV(strings.NewReader("1700000100,1,2,0.5,1.5,10\n"), "CE", 1)
	require.NoError(t, err)
	assert.Empty(t, s.OI)
}
