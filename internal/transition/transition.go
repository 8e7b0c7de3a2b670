// Package transition turns per-check verdicts into stored status changes.
// Hysteresis keeps one noisy scrape from flapping an item's state and
// spamming its subscribers.
package transition

import (
	"github.com/kure29/vpsmonitor/internal/detector"
	"github.com/kure29/vpsmonitor/internal/store"
)

// Event is a user-visible state change.
type Event string

const (
	EventNone    Event = ""
	EventRestock Event = "restock"
	EventOutage  Event = "outage"
)

// Decision is the evaluator's output for one check.
type Decision struct {
	Status store.ItemStatus
	Event  Event
	// RecheckSooner is set when a flip was suppressed and one corroborating
	// check would settle it.
	RecheckSooner bool
}

// A single available verdict after an unavailable run needs this much
// confidence above the base threshold to flip without corroboration.
const flipBoost = 0.15

// How many prior checks are consulted for corroboration and outage rules.
const historyWindow = 2

// Evaluator applies the hysteresis rules.
type Evaluator struct {
	Threshold float64
}

// Evaluate decides the stored status after a check. history is the item's
// prior checks, newest first, excluding the current one. Inconclusive
// verdicts never move the status and never emit events.
func (e Evaluator) Evaluate(prev store.ItemStatus, verdict detector.Verdict, conf float64, history []store.CheckRecord) Decision {
	if len(history) > historyWindow {
		history = history[:historyWindow]
	}

	switch verdict {
	case detector.Available:
		return e.evaluateAvailable(prev, conf, history)
	case detector.Unavailable:
		return e.evaluateUnavailable(prev, history)
	default:
		return Decision{Status: prev}
	}
}

func (e Evaluator) evaluateAvailable(prev store.ItemStatus, conf float64, history []store.CheckRecord) Decision {
	switch prev {
	case store.StatusAvailable:
		return Decision{Status: store.StatusAvailable}
	case store.StatusUnavailable:
		if conf >= e.Threshold+flipBoost || countVerdicts(history, detector.Available) > 0 {
			return Decision{Status: store.StatusAvailable, Event: EventRestock}
		}
		return Decision{Status: store.StatusUnavailable, RecheckSooner: true}
	default:
		// First decisive observation; nothing to announce yet.
		return Decision{Status: store.StatusAvailable}
	}
}

func (e Evaluator) evaluateUnavailable(prev store.ItemStatus, history []store.CheckRecord) Decision {
	switch prev {
	case store.StatusUnavailable:
		return Decision{Status: store.StatusUnavailable}
	case store.StatusAvailable:
		// Two of the last three checks (counting this one) must agree
		// before an outage is declared.
		if countVerdicts(history, detector.Unavailable)+1 >= 2 {
			return Decision{Status: store.StatusUnavailable, Event: EventOutage}
		}
		return Decision{Status: store.StatusAvailable, RecheckSooner: true}
	default:
		return Decision{Status: store.StatusUnavailable}
	}
}

func countVerdicts(history []store.CheckRecord, v detector.Verdict) int {
	n := 0
	for _, rec := range history {
		if rec.Verdict == string(v) {
			n++
		}
	}
	return n
}
