// Package egress publishes cleansed ticks to strategy clients over a
// binary pub/sub socket: length-prefixed two-part frames of topic (the
// symbol) and a msgpack-encoded tick.
package egress

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/quotehub/internal/domain"
)

// WireVersion is the tick schema version carried in every payload. Bump on
// any incompatible field change.
const WireVersion = 1

// wireTick is the on-the-wire tick schema. Field order is fixed; consumers
// in other languages rely on the key names and the `v` header.
type wireTick struct {
	Version         int    `msgpack:"v"`
	Symbol          string `msgpack:"symbol"`
	Exchange        string `msgpack:"exchange"`
	LastPrice       int64  `msgpack:"last_price"`
	LastVolume      int64  `msgpack:"last_volume"`
	BidPrice        int64  `msgpack:"bid_price"`
	BidVolume       int64  `msgpack:"bid_volume"`
	AskPrice        int64  `msgpack:"ask_price"`
	AskVolume       int64  `msgpack:"ask_volume"`
	PriceScale      int64  `msgpack:"price_scale"`
	SourceAccountID string `msgpack:"source_account_id"`
	ExchangeTimeNS  int64  `msgpack:"exchange_time_ns"`
	IngressTimeNS   int64  `msgpack:"ingress_time_ns"`
}

// EncodeTick serializes a tick into its wire payload.
func EncodeTick(t domain.Tick) ([]byte, error) {
	w := wireTick{
		Version:         WireVersion,
		Symbol:          t.Symbol,
		Exchange:        t.Exchange,
		LastPrice:       int64(t.LastPrice),
		LastVolume:      t.LastVolume,
		BidPrice:        int64(t.BidPrice),
		BidVolume:       t.BidVolume,
		AskPrice:        int64(t.AskPrice),
		AskVolume:       t.AskVolume,
		PriceScale:      domain.PriceScale,
		SourceAccountID: t.SourceAccountID,
		ExchangeTimeNS:  t.ExchangeTime.UnixNano(),
		IngressTimeNS:   t.IngressTime.UnixNano(),
	}
	payload, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encoding tick: %w", err)
	}
	return payload, nil
}

// DecodeTick parses a wire payload back into a tick. Used by tests and by
// Go-side consumers.
func DecodeTick(payload []byte) (domain.Tick, error) {
	var w wireTick
	if err := msgpack.Unmarshal(payload, &w); err != nil {
		return domain.Tick{}, fmt.Errorf("decoding tick: %w", err)
	}
	if w.Version != WireVersion {
		return domain.Tick{}, fmt.Errorf("%w: unsupported tick wire version %d", domain.ErrValidation, w.Version)
	}
	return domain.Tick{
		Symbol:          w.Symbol,
		Exchange:        w.Exchange,
		LastPrice:       domain.Price(w.LastPrice),
		LastVolume:      w.LastVolume,
		BidPrice:        domain.Price(w.BidPrice),
		BidVolume:       w.BidVolume,
		AskPrice:        domain.Price(w.AskPrice),
		AskVolume:       w.AskVolume,
		SourceAccountID: w.SourceAccountID,
		ExchangeTime:    nsTime(w.ExchangeTimeNS),
		IngressTime:     nsTime(w.IngressTimeNS),
	}, nil
}

func nsTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// EncodeFrame builds one two-part frame: [u32 len][topic][u32 len][payload],
// lengths big-endian. The topic is the symbol so subscribers can filter by
// prefix without decoding the payload.
func EncodeFrame(topic string, payload []byte) []byte {
	frame := make([]byte, 0, 8+len(topic)+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(topic)))
	frame = append(frame, topic...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return frame
}

// ReadFrame reads one frame off the stream. Used by tests and Go consumers.
func ReadFrame(r io.Reader) (topic string, payload []byte, err error) {
	topicBytes, err := readPart(r)
	if err != nil {
		return "", nil, err
	}
	payload, err = readPart(r)
	if err != nil {
		return "", nil, err
	}
	return string(topicBytes), payload, nil
}

// maxPartSize bounds a single frame part; a tick never comes close.
const maxPartSize = 1 << 20

func readPart(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxPartSize {
		return nil, fmt.Errorf("%w: frame part of %d bytes exceeds limit", domain.ErrValidation, n)
	}
	part := make([]byte, n)
	if _, err := io.ReadFull(r, part); err != nil {
		return nil, err
	}
	return part, nil
}
