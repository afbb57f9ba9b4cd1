package provider

import "time"

// HandshakeObservation captures one add-provider outcome, cached hits
// included.
type HandshakeObservation struct {
	Identifier string
	Kind       TransportKind
	Tools      int
	DurationMS int64
	Cached     bool
	Success    bool
	ErrorKind  string
}

// InvokeObservation captures one tool invocation outcome.
type InvokeObservation struct {
	Identifier string
	Tool       string
	Kind       TransportKind
	DurationMS int64
	Success    bool
	ErrorKind  string
}

// ReapObservation captures one idle-session teardown.
type ReapObservation struct {
	Identifier string
	Kind       TransportKind
	IdleFor    time.Duration
	Closed     bool
}

// Observer receives registry-level observability events. Implementations
// must not block; they run on request paths.
type Observer interface {
	ObserveHandshake(observation HandshakeObservation)
	ObserveInvoke(observation InvokeObservation)
	ObserveReap(observation ReapObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveHandshake(HandshakeObservation) {}
func (noopObserver) ObserveInvoke(InvokeObservation)       {}
func (noopObserver) ObserveReap(ReapObservation)           {}
