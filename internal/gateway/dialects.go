package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// chinaTZ is the exchange timezone for CTP-family feeds. CTP timestamps
// carry no zone information.
var chinaTZ = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

// ctpTickFrame mirrors the bridge's serialization of CThostFtdcDepthMarketDataField.
// Only the level-1 fields the canonical Tick needs are mapped; everything
// else the vendor sends is discarded here.
type ctpTickFrame struct {
	InstrumentID   string  `json:"InstrumentID"`
	ExchangeID     string  `json:"ExchangeID"`
	LastPrice      float64 `json:"LastPrice"`
	Volume         int64   `json:"Volume"`
	BidPrice1      float64 `json:"BidPrice1"`
	BidVolume1     int64   `json:"BidVolume1"`
	AskPrice1      float64 `json:"AskPrice1"`
	AskVolume1     int64   `json:"AskVolume1"`
	UpdateTime     string  `json:"UpdateTime"`     // "21:05:01"
	UpdateMillisec int     `json:"UpdateMillisec"` // 0 or 500
	ActionDay      string  `json:"ActionDay"`      // "20260824"
}

func mapCTPFamilyTick(payload json.RawMessage) (RawTick, error) {
	var frame ctpTickFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return RawTick{}, err
	}
	if frame.InstrumentID == "" {
		return RawTick{}, fmt.Errorf("tick frame without InstrumentID")
	}

	exchangeTime, err := parseCTPTimestamp(frame.ActionDay, frame.UpdateTime, frame.UpdateMillisec)
	if err != nil {
		// Night-session frames occasionally arrive with a blank ActionDay;
		// fall back to arrival time rather than dropping the tick.
		exchangeTime = time.Now()
	}

	return RawTick{
		Symbol:       frame.InstrumentID,
		Exchange:     frame.ExchangeID,
		LastPrice:    frame.LastPrice,
		LastVolume:   frame.Volume,
		BidPrice:     frame.BidPrice1,
		BidVolume:    frame.BidVolume1,
		AskPrice:     frame.AskPrice1,
		AskVolume:    frame.AskVolume1,
		ExchangeTime: exchangeTime,
	}, nil
}

func parseCTPTimestamp(actionDay, updateTime string, millisec int) (time.Time, error) {
	t, err := time.ParseInLocation("20060102 15:04:05", actionDay+" "+updateTime, chinaTZ)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(millisec) * time.Millisecond), nil
}

// ctpDialect speaks to a CTP (futures) SDK bridge.
type ctpDialect struct{}

func (ctpDialect) name() string            { return "ctp" }
func (ctpDialect) defaultEndpoint() string { return "ws://127.0.0.1:7701/md" }

func (ctpDialect) authFields(settings map[string]string) map[string]string {
	return map[string]string{
		"broker_id": settings["broker_id"],
		"user_id":   settings["user_id"],
		"password":  settings["password"],
		"md_front":  settings["md_front"],
	}
}

func (ctpDialect) mapTick(payload json.RawMessage) (RawTick, error) {
	return mapCTPFamilyTick(payload)
}

// soptDialect speaks to a SOPT (stock options) SDK bridge. SOPT is the
// options variant of the CTP API family: the tick frame shape is shared,
// the login handshake needs the app credentials as well.
type soptDialect struct{}

func (soptDialect) name() string            { return "sopt" }
func (soptDialect) defaultEndpoint() string { return "ws://127.0.0.1:7702/md" }

func (soptDialect) authFields(settings map[string]string) map[string]string {
	return map[string]string{
		"broker_id": settings["broker_id"],
		"user_id":   settings["user_id"],
		"password":  settings["password"],
		"md_front":  settings["md_front"],
		"app_id":    settings["app_id"],
		"auth_code": settings["auth_code"],
	}
}

func (soptDialect) mapTick(payload json.RawMessage) (RawTick, error) {
	return mapCTPFamilyTick(payload)
}
