package issuance

import (
	"context"
	"time"
)

// Stage marks a transition of an issuance.
type Stage string

const (
	StageCreated      Stage = "created"
	StageCreateFailed Stage = "create_failed"
	StageSupplied     Stage = "supplied"
	StageSupplyFailed Stage = "supply_failed"
)

// Event is emitted to the Observer after each on-chain step. Request is nil
// when the event comes from a resumed supply step.
type Event struct {
	Stage         Stage
	Network       string
	MintAddress   string
	TokenAccount  string
	Signature     string
	Request       *Request
	Decimals      uint8
	InitialSupply Amount
	BaseUnits     uint64
	Err           error
	At            time.Time
}

// Observer receives issuance events. The workflow writes no state of its own;
// persistence is the observer's job.
type Observer interface {
	Observe(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, event Event) {
	f(ctx, event)
}

// Observers fans one event out to several observers in order.
type Observers []Observer

// Observe implements Observer.
func (o Observers) Observe(ctx context.Context, event Event) {
	for _, observer := range o {
		if observer != nil {
			observer.Observe(ctx, event)
		}
	}
}
