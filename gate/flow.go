package gate

import (
	"fmt"
	"time"

	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of a request's payment flow.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateAwaitingPayment  State = "AWAITING_PAYMENT"
	StateVerifying        State = "VERIFYING"
	StateSettled          State = "SETTLED"
	StateRejected         State = "REJECTED"
	StateExecuting        State = "EXECUTING"
	StateFinalSettling    State = "FINAL_SETTLING"
	StateCompleted        State = "COMPLETED"
	StateSettlementFailed State = "SETTLEMENT_FAILED"
	StateResourceFailed   State = "RESOURCE_FAILED"
)

var transitions = map[State][]State{
	// COMPLETED and REJECTED from RECEIVED are inputs a resource answers or
	// refuses before any payment is asked for.
	StateReceived:  {StateAwaitingPayment, StateVerifying, StateCompleted, StateRejected},
	StateVerifying: {StateSettled, StateRejected},
	StateSettled:   {StateExecuting},
	StateExecuting: {StateCompleted, StateFinalSettling, StateResourceFailed},
	// A metered resource that failed still settles the minimum, then ends
	// in RESOURCE_FAILED.
	StateFinalSettling: {StateCompleted, StateSettlementFailed, StateResourceFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s State) String() string {
	return string(s)
}

// Flow tracks one request through the payment state machine. It is not safe
// for concurrent use; each request owns its flow.
type Flow struct {
	route     string
	requestID string
	state     State
	history   []State
	started   time.Time

	log     logger.Logger
	metrics metrics.Recorder
	span    trace.Span
}

func newFlow(route, requestID string, log logger.Logger, rec metrics.Recorder, span trace.Span) *Flow {
	return &Flow{
		route:     route,
		requestID: requestID,
		state:     StateReceived,
		history:   []State{StateReceived},
		started:   time.Now(),
		log:       log,
		metrics:   rec,
		span:      span,
	}
}

// State returns the current state.
func (f *Flow) State() State {
	return f.state
}

// History returns every state the flow has been in, in order.
func (f *Flow) History() []State {
	out := make([]State, len(f.history))
	copy(out, f.history)
	return out
}

// To moves the flow to next. An illegal transition is a programming error
// and panics.
func (f *Flow) To(next State) {
	if !allowed(f.state, next) {
		panic(fmt.Sprintf("gate: illegal flow transition %s -> %s on route %s", f.state, next, f.route))
	}

	prev := f.state
	f.state = next
	f.history = append(f.history, next)

	f.log.Debug("flow transition", map[string]any{
		"request_id": f.requestID,
		"route":      f.route,
		"from":       prev.String(),
		"state":      next.String(),
	})
	f.metrics.IncCounter("gate_transition", map[string]string{
		"route": f.route,
		"state": next.String(),
	})
	if f.span != nil {
		f.span.AddEvent("flow."+next.String(), trace.WithAttributes(attribute.String("x402.from", prev.String())))
	}

	if next.Terminal() {
		f.metrics.ObserveLatency("gate_request", time.Since(f.started), map[string]string{
			"route": f.route,
			"state": next.String(),
		})
		if f.span != nil {
			f.span.SetAttributes(attribute.String("x402.state", next.String()))
		}
	}
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
