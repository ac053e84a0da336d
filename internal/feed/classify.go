package feed

import "strings"

// FrameKind is the content-based classification of an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FramePriceUpdate
	FrameHeartbeat
	FrameSubscription
)

func (k FrameKind) String() string {
	switch k {
	case FramePriceUpdate:
		return "price_update"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// matcher recognises one frame shape.
type matcher struct {
	kind  FrameKind
	match func(msg map[string]any) bool
}

// matchers are tried in order; the first hit wins.
var matchers = []matcher{
	{FramePriceUpdate, hasOddsObject},
	{FramePriceUpdate, hasPricesArray},
	{FramePriceUpdate, hasMarketOutcomes},
	{FrameHeartbeat, typeContains("pong", "heartbeat", "ping")},
	{FrameSubscription, typeContains("subscribe", "confirm")},
}

// Classify returns the kind of the first matcher that accepts msg.
func Classify(msg map[string]any) FrameKind {
	for _, m := range matchers {
		if m.match(msg) {
			return m.kind
		}
	}
	return FrameUnknown
}

func hasOddsObject(msg map[string]any) bool {
	_, ok := msg["odds"].(map[string]any)
	return ok
}

func hasPricesArray(msg map[string]any) bool {
	arr, ok := msg["prices"].([]any)
	return ok && len(arr) > 0
}

func hasMarketOutcomes(msg map[string]any) bool {
	arr, ok := msg["markets"].([]any)
	if !ok || len(arr) == 0 {
		return false
	}
	first, ok := arr[0].(map[string]any)
	if !ok {
		return false
	}
	_, ok = first["outcomes"].([]any)
	return ok
}

func typeContains(words ...string) func(map[string]any) bool {
	return func(msg map[string]any) bool {
		t, ok := msg["type"].(string)
		if !ok {
			return false
		}
		t = strings.ToLower(t)
		for _, w := range words {
			if strings.Contains(t, w) {
				return true
			}
		}
		return false
	}
}
