package models

import (
	"encoding/json"
	"time"
)

// ExchangeLighter tags frames read from the Lighter stream.
const ExchangeLighter = "lighter"

// RawLiquidationMessage is one websocket frame as received from the feed,
// before any envelope parsing.
type RawLiquidationMessage struct {
	Exchange  string
	Data      []byte
	Timestamp time.Time
}

// RawTrade is a single record of a liquidation_trades array. Fields are kept
// raw so the dedup fingerprint can use the exact text the feed sent.
type RawTrade map[string]json.RawMessage

// LiquidationBatch is the list of trade records carried by one message.
type LiquidationBatch struct {
	Channel string
	Trades  []RawTrade
}

// LiquidationEvent is a validated liquidation. Only its contribution to a
// minute bucket is persisted in the counter store.
type LiquidationEvent struct {
	USDAmount float64
	Timestamp time.Time
}

// ArchivedLiquidation is an accepted event together with the batch it arrived in.
type ArchivedLiquidation struct {
	BatchID    string
	Channel    string
	Event      LiquidationEvent
	ReceivedAt time.Time
}
