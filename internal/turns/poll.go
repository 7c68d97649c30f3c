package turns

// Outcome is what a poll for a turn should tell the caller.
type Outcome int

const (
	// OutcomeNotFound covers keys that never existed and turns already
	// delivered, superseded or swept. Both are terminal for the poller.
	OutcomeNotFound Outcome = iota
	// OutcomeSuperseded means a newer turn exists for the call; the polled
	// turn has been discarded.
	OutcomeSuperseded
	// OutcomeWait means the agent has not answered yet.
	OutcomeWait
	// OutcomeReady carries the reply; the turn has been removed.
	OutcomeReady
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeWait:
		return "wait"
	case OutcomeReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Decision represents the response a poll should produce.
type Decision struct {
	Outcome Outcome
	Turn    Turn
	// Polls counts wait responses handed out for this turn, this one included.
	Polls int
	Reply string
}

// Poll advances the poll protocol for key by one step. Superseded and ready
// turns are deleted as part of the step, so a later poll reports NotFound.
func (r *Registry) Poll(key string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.turns[key]
	if !ok {
		metricPolls.WithLabelValues(OutcomeNotFound.String()).Inc()
		return Decision{Outcome: OutcomeNotFound}
	}
	snapshot := *t

	if r.latest[t.CallID] != key {
		r.deleteLocked(key)
		r.updateGaugeLocked()
		metricPolls.WithLabelValues(OutcomeSuperseded.String()).Inc()
		return Decision{Outcome: OutcomeSuperseded, Turn: snapshot}
	}

	if !t.Done {
		t.Polls++
		metricPolls.WithLabelValues(OutcomeWait.String()).Inc()
		return Decision{Outcome: OutcomeWait, Turn: *t, Polls: t.Polls}
	}

	r.deleteLocked(key)
	r.updateGaugeLocked()
	metricPolls.WithLabelValues(OutcomeReady.String()).Inc()
	metricTurnLatency.Observe(float64(r.clock.Now().Sub(t.CreatedAt).Milliseconds()))
	return Decision{Outcome: OutcomeReady, Turn: snapshot, Polls: t.Polls, Reply: t.Reply}
}
