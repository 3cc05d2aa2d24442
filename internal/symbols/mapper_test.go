package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestMapper() *Mapper {
	return NewMapper(
		Entry{Key: "NSE_INDEX|Nifty 50", Canonical: "NSE:NIFTY", Alias: "NIFTY", Index: true},
		Entry{Key: "NSE_FO|45001", Canonical: "NSE:NIFTY24OCT25000CE", Alias: "NIFTY 31 OCT 2024 CALL 25000"},
	)
}

func TestMapper_ToAlias(t *testing.T) {
	m := newTestMapper()

	assert.Equal(t, "NIFTY", m.ToAlias("nse_index|nifty 50"))
	assert.Equal(t, "NIFTY 31 OCT 2024 CALL 25000", m.ToAlias("NSE_FO|45001"))
	assert.Equal(t, "RELIANCE", m.ToAlias("NSE|RELIANCE"))
	assert.Equal(t, "BSE:SENSEX", m.ToAlias("BSE|SENSEX"))
	assert.Equal(t, "", m.ToAlias(""))
}

func TestMapper_ToCanonical(t *testing.T) {
	m := newTestMapper()

	assert.Equal(t, "NSE:NIFTY", m.ToCanonical("NSE_INDEX|Nifty 50"))
	assert.Equal(t, "NSE:RELIANCE", m.ToCanonical("nse|reliance"))
}

func TestMapper_Resolve(t *testing.T) {
	m := newTestMapper()

	key, ok := m.Resolve("nifty")
	assert.True(t, ok)
	assert.Equal(t, "NSE_INDEX|NIFTY 50", key)

	key, ok = m.Resolve("NSE:NIFTY24OCT25000CE")
	assert.True(t, ok)
	assert.Equal(t, "NSE_FO|45001", key)

	key, ok = m.Resolve("NSE_FO|99999")
	assert.True(t, ok)
	assert.Equal(t, "NSE_FO|99999", key)

	_, ok = m.Resolve("UNKNOWN NAME")
	assert.False(t, ok)
}

func TestMapper_RegisterAndIsIndex(t *testing.T) {
	m := NewMapper()
	assert.False(t, m.IsIndex("NSE_FO|1"))
	assert.True(t, m.IsIndex("NSE_INDEX|NIFTY BANK"))

	m.Register(Entry{Key: "BSE|SENSEX", Alias: "SENSEX", Index: true})
	assert.True(t, m.IsIndex("bse|sensex"))

	key, ok := m.Resolve("sensex")
	assert.True(t, ok)
	assert.Equal(t, "BSE|SENSEX", key)
}

func TestMapper_Rooms(t *testing.T) {
	m := newTestMapper()
	assert.Equal(t, []string{"NSE_INDEX|NIFTY 50", "NSE:NIFTY", "NIFTY"}, m.Rooms("NSE_INDEX|Nifty 50"))
	assert.Equal(t, []string{"NSE|RELIANCE", "NSE:RELIANCE", "RELIANCE"}, m.Rooms("NSE|RELIANCE"))
}
