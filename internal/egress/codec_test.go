package egress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/quotehub/internal/domain"
)

func sampleTick() domain.Tick {
	return domain.Tick{
		Symbol:          "rb2601",
		Exchange:        "SHFE",
		LastPrice:       domain.PriceFromFloat(4500.5),
		LastVolume:      3,
		BidPrice:        domain.PriceFromFloat(4500.0),
		BidVolume:       10,
		AskPrice:        domain.PriceFromFloat(4501.0),
		AskVolume:       12,
		SourceAccountID: "A1",
		ExchangeTime:    time.Date(2026, 3, 2, 9, 30, 0, 500_000_000, time.UTC),
		IngressTime:     time.Date(2026, 3, 2, 9, 30, 0, 520_000_000, time.UTC),
	}
}

func TestTickCodecRoundTrip(t *testing.T) {
	in := sampleTick()
	payload, err := EncodeTick(in)
	require.NoError(t, err)

	out, err := DecodeTick(payload)
	require.NoError(t, err)

	assert.Equal(t, in.Symbol, out.Symbol)
	assert.Equal(t, in.LastPrice, out.LastPrice)
	assert.Equal(t, in.LastVolume, out.LastVolume)
	assert.Equal(t, in.SourceAccountID, out.SourceAccountID)
	assert.True(t, in.ExchangeTime.Equal(out.ExchangeTime))
	assert.True(t, in.IngressTime.Equal(out.IngressTime))
}

func TestPayloadCarriesVersionAndScale(t *testing.T) {
	payload, err := EncodeTick(sampleTick())
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(payload, &raw))
	assert.EqualValues(t, WireVersion, raw["v"])
	assert.EqualValues(t, domain.PriceScale, raw["price_scale"])
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	payload, err := msgpack.Marshal(map[string]interface{}{"v": 99, "symbol": "rb2601"})
	require.NoError(t, err)

	_, err = DecodeTick(payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFrameRoundTrip(t *testing.T) {
	payload, err := EncodeTick(sampleTick())
	require.NoError(t, err)

	frame := EncodeFrame("rb2601", payload)
	topic, got, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, "rb2601", topic)
	assert.Equal(t, payload, got)
}

func TestFrameStreaming(t *testing.T) {
	// Two frames back to back on one stream.
	var buf bytes.Buffer
	buf.Write(EncodeFrame("rb2601", []byte{1, 2}))
	buf.Write(EncodeFrame("ag2606", []byte{3}))

	topic1, p1, err := ReadFrame(&buf)
	require.NoError(t, err)
	topic2, p2, err := ReadFrame(&buf)
	require.NoError(t, err)

	assert.Equal(t, "rb2601", topic1)
	assert.Equal(t, []byte{1, 2}, p1)
	assert.Equal(t, "ag2606", topic2)
	assert.Equal(t, []byte{3}, p2)
}

func TestReadFrameRejectsOversizedPart(t *testing.T) {
	frame := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := ReadFrame(bytes.NewReader(frame))
	require.Error(t, err)
}
