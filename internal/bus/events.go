package bus

import "github.com/kewlzin/lokiproxy/internal/rules"

// Event is anything the core publishes for an observer to consume: a
// discriminated union over the concrete types below (spec §9 Design Note:
// "model Events and Commands as discriminated unions").
type Event interface{ isEvent() }

// FlowCreated announces a new flow entering the store.
type FlowCreated struct{ ID int64 }

// FlowUpdated announces a change to an existing flow (e.g. response arrived).
type FlowUpdated struct{ ID int64 }

// FlowFinished announces a flow reaching a terminal state.
type FlowFinished struct{ ID int64 }

// FlowPaused announces a flow is awaiting a forward/drop/repeat decision.
// Where is "request" or "response", naming which phase is paused.
type FlowPaused struct {
	ID    int64
	Where string
}

// LogMessage carries a free-form diagnostic line to observers.
type LogMessage struct{ Msg string }

func (FlowCreated) isEvent()  {}
func (FlowUpdated) isEvent()  {}
func (FlowFinished) isEvent() {}
func (FlowPaused) isEvent()   {}
func (LogMessage) isEvent()   {}

// Command is anything an observer sends back for the core to act on.
type Command interface{ isCommand() }

// SetIntercept arms or disarms the intercept gate.
type SetIntercept struct{ On bool }

// Forward resolves a paused flow by letting it continue unmodified.
type Forward struct{ FlowID int64 }

// Drop resolves a paused flow by aborting the connection.
type Drop struct{ FlowID int64 }

// Repeat resolves a paused flow's pending slot; the connection handler
// continues the flow exactly as it does for Forward.
type Repeat struct{ FlowID int64 }

// ApplyRules atomically replaces the active ruleset.
type ApplyRules struct{ Ruleset rules.Ruleset }

func (SetIntercept) isCommand() {}
func (Forward) isCommand()      {}
func (Drop) isCommand()         {}
func (Repeat) isCommand()       {}
func (ApplyRules) isCommand()   {}
