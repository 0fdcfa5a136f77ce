package observability

import "sync/atomic"

// Role labels the two websocket peer classes.
type Role string

const (
	RoleClient Role = "client"
	RoleAnchor Role = "anchor"
)

// RouteDirection labels which way a routed frame travelled.
type RouteDirection string

const (
	RouteClientToAnchor RouteDirection = "client_to_anchor"
	RouteAnchorToClient RouteDirection = "anchor_to_client"
	RouteResponse       RouteDirection = "response"
)

// DispatchResult labels the outcome of a multi-dispatch aggregate.
type DispatchResult string

const (
	DispatchCompleted DispatchResult = "completed"
	DispatchTimeout   DispatchResult = "timeout"
	DispatchInvalid   DispatchResult = "invalid"
)

// RelayObserver receives hub-level metric events.
type RelayObserver interface {
	ConnCount(role Role, n int)
	Registered(role Role)
	Replaced(role Role)
	Routed(direction RouteDirection)
	RouteFailure(code string)
	Replayed(n int)
	Captured()
	Dispatch(result DispatchResult)
}

type noopRelayObserver struct{}

func (noopRelayObserver) ConnCount(Role, int)     {}
func (noopRelayObserver) Registered(Role)         {}
func (noopRelayObserver) Replaced(Role)           {}
func (noopRelayObserver) Routed(RouteDirection)   {}
func (noopRelayObserver) RouteFailure(string)     {}
func (noopRelayObserver) Replayed(int)            {}
func (noopRelayObserver) Captured()               {}
func (noopRelayObserver) Dispatch(DispatchResult) {}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// AtomicRelayObserver swaps its delegate at runtime.
type AtomicRelayObserver struct {
	v atomic.Value
}

// NewAtomicRelayObserver starts with the no-op delegate installed.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	o := &AtomicRelayObserver{}
	o.Set(NoopRelayObserver)
	return o
}

// Set installs a new delegate; nil resets to the no-op observer.
func (o *AtomicRelayObserver) Set(delegate RelayObserver) {
	if delegate == nil {
		delegate = NoopRelayObserver
	}
	o.v.Store(&delegate)
}

func (o *AtomicRelayObserver) get() RelayObserver {
	if p, ok := o.v.Load().(*RelayObserver); ok {
		return *p
	}
	return NoopRelayObserver
}

func (o *AtomicRelayObserver) ConnCount(role Role, n int)        { o.get().ConnCount(role, n) }
func (o *AtomicRelayObserver) Registered(role Role)              { o.get().Registered(role) }
func (o *AtomicRelayObserver) Replaced(role Role)                { o.get().Replaced(role) }
func (o *AtomicRelayObserver) Routed(direction RouteDirection)   { o.get().Routed(direction) }
func (o *AtomicRelayObserver) RouteFailure(code string)          { o.get().RouteFailure(code) }
func (o *AtomicRelayObserver) Replayed(n int)                    { o.get().Replayed(n) }
func (o *AtomicRelayObserver) Captured()                         { o.get().Captured() }
func (o *AtomicRelayObserver) Dispatch(result DispatchResult)    { o.get().Dispatch(result) }
