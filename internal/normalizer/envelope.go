package normalizer

import (
	"encoding/json"
	"fmt"

	"liqflow/internal/models"
)

// UnknownChannel is used when no envelope section names a channel.
const UnknownChannel = "trade:?"

type section struct {
	Channel           string          `json:"channel"`
	LiquidationTrades json.RawMessage `json:"liquidation_trades"`
}

type envelope struct {
	section
	Update       *section `json:"update"`
	Subscription *section `json:"subscription"`
}

// strategy selects one place in the envelope where a batch may live.
type strategy struct {
	name    string
	section func(*envelope) *section
}

// strategies are tried in order; the first one producing a non-empty value wins.
var strategies = []strategy{
	{name: "top_level", section: func(e *envelope) *section { return &e.section }},
	{name: "update", section: func(e *envelope) *section { return e.Update }},
	{name: "subscription", section: func(e *envelope) *section { return e.Subscription }},
}

// Extract decodes a feed message and returns its liquidation batch. A message
// without liquidation trades yields an empty batch and no error; only
// undecodable JSON is reported as an error.
func Extract(payload []byte) (models.LiquidationBatch, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return models.LiquidationBatch{}, fmt.Errorf("decode envelope: %w", err)
	}

	batch := models.LiquidationBatch{Channel: UnknownChannel}
	for _, s := range strategies {
		if sec := s.section(&env); sec != nil && sec.Channel != "" {
			batch.Channel = sec.Channel
			break
		}
	}
	for _, s := range strategies {
		sec := s.section(&env)
		if sec == nil {
			continue
		}
		if trades := decodeTrades(sec.LiquidationTrades); len(trades) > 0 {
			batch.Trades = trades
			break
		}
	}
	return batch, nil
}

// decodeTrades treats anything that is not a JSON array as absent. Array
// elements that are not objects are kept as nil records so positions, and
// therefore the first-record fingerprint, stay faithful to the message.
func decodeTrades(raw json.RawMessage) []models.RawTrade {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	trades := make([]models.RawTrade, len(items))
	for i, item := range items {
		var rec models.RawTrade
		if err := json.Unmarshal(item, &rec); err == nil {
			trades[i] = rec
		}
	}
	return trades
}
