package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/market"
	"funding-arb-bot/internal/ws"
)

// markPriceEvent is one update from the combined markPrice stream. The
// payload carries the next funding rate alongside the mark price, which
// lets the store stay current between REST polls.
type markPriceEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType   string `json:"e"`
		EventTime   int64  `json:"E"`
		Symbol      string `json:"s"`
		MarkPrice   string `json:"p"`
		IndexPrice  string `json:"i"`
		FundingRate string `json:"r"`
		NextFunding int64  `json:"T"`
	} `json:"data"`
}

// combinedStreamURL builds the combined-stream endpoint from the
// configured host. A raw-stream path suffix ("/ws" or "/stream") is
// stripped first, since combined subscriptions live under /stream only.
func combinedStreamURL(streamURL string, streams []string) string {
	host := strings.TrimRight(streamURL, "/")
	host = strings.TrimSuffix(host, "/ws")
	host = strings.TrimSuffix(host, "/stream")
	return fmt.Sprintf("%s/stream?streams=%s", host, strings.Join(streams, "/"))
}

// Stream feeds mark price and funding updates for the given symbols
// into the rate store until ctx is cancelled.
func Stream(ctx context.Context, streamURL string, symbols []string, store *market.RateStore, log *zap.Logger) error {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice")
	}
	client := ws.New(combinedStreamURL(streamURL, streams), 2*time.Second, 0, log)
	return client.Run(ctx, func(raw json.RawMessage) {
		var ev markPriceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		if ev.Data.EventType != "markPriceUpdate" {
			return
		}
		rate, err := parseFloat(ev.Data.FundingRate)
		if err != nil {
			return
		}
		mark, err := parseFloat(ev.Data.MarkPrice)
		if err != nil {
			return
		}
		index, _ := parseFloat(ev.Data.IndexPrice)
		store.Upsert(market.FundingRateSample{
			Exchange:      Name,
			Symbol:        ev.Data.Symbol,
			Rate:          rate,
			MarkPrice:     mark,
			IndexPrice:    index,
			ObservedAt:    time.UnixMilli(ev.Data.EventTime),
			NextFundingAt: time.UnixMilli(ev.Data.NextFunding),
		})
	})
}
