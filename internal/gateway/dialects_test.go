package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapCTPFamilyTick(t *testing.T) {
	payload := json.RawMessage(`{
		"InstrumentID": "rb2601",
		"ExchangeID": "SHFE",
		"LastPrice": 4500.5,
		"Volume": 3,
		"BidPrice1": 4500,
		"BidVolume1": 10,
		"AskPrice1": 4501,
		"AskVolume1": 12,
		"UpdateTime": "21:05:01",
		"UpdateMillisec": 500,
		"ActionDay": "20260824"
	}`)

	tick, err := mapCTPFamilyTick(payload)
	require.NoError(t, err)
	assert.Equal(t, "rb2601", tick.Symbol)
	assert.Equal(t, "SHFE", tick.Exchange)
	assert.Equal(t, 4500.5, tick.LastPrice)
	assert.Equal(t, int64(3), tick.LastVolume)

	want := time.Date(2026, 8, 24, 21, 5, 1, 500_000_000, chinaTZ)
	assert.True(t, tick.ExchangeTime.Equal(want))
}

func TestMapCTPFamilyTickMissingInstrument(t *testing.T) {
	_, err := mapCTPFamilyTick(json.RawMessage(`{"LastPrice": 4500}`))
	require.Error(t, err)
}

func TestMapCTPFamilyTickBlankActionDayFallsBack(t *testing.T) {
	payload := json.RawMessage(`{
		"InstrumentID": "rb2601",
		"LastPrice": 4500,
		"UpdateTime": "21:05:01",
		"ActionDay": ""
	}`)
	before := time.Now()
	tick, err := mapCTPFamilyTick(payload)
	require.NoError(t, err)
	assert.False(t, tick.ExchangeTime.Before(before))
}

func TestParseCTPTimestamp(t *testing.T) {
	ts, err := parseCTPTimestamp("20260824", "09:30:00", 0)
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, 9, ts.Hour())

	_, err = parseCTPTimestamp("", "09:30:00", 0)
	require.Error(t, err)
}

func TestDialectAuthFields(t *testing.T) {
	settings := map[string]string{
		"broker_id": "9999",
		"user_id":   "u1",
		"password":  "secret",
		"md_front":  "tcp://180.168.146.187:10131",
		"app_id":    "app",
		"auth_code": "code",
	}

	ctp := ctpDialect{}.authFields(settings)
	assert.Equal(t, "9999", ctp["broker_id"])
	assert.NotContains(t, ctp, "app_id")

	sopt := soptDialect{}.authFields(settings)
	assert.Equal(t, "app", sopt["app_id"])
	assert.Equal(t, "code", sopt["auth_code"])
}
