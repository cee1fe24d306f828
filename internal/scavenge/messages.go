package scavenge

import (
	"github.com/google/uuid"

	"github.com/dray-io/scavd/internal/auth"
)

// CurrentScavengeID matches whichever run is active in a stop request.
const CurrentScavengeID = "current"

// Reply reasons.
const (
	ReasonUnauthorized   = "User not authorized"
	ReasonAlreadyRunning = "Scavenge is already running"
	ReasonUnknownID      = "Scavenge Id does not exist"
	ReasonShuttingDown   = "Node is shutting down"
)

// NodeState is the cluster role of this node.
type NodeState string

const (
	StateUnknown      NodeState = "Unknown"
	StateInitializing NodeState = "Initializing"
	StateLeader       NodeState = "Leader"
	StateFollower     NodeState = "Follower"
	StateReadOnly     NodeState = "ReadOnlyReplica"
	StateShuttingDown NodeState = "ShuttingDown"
)

// Envelope delivers a reply to whoever sent a request.
type Envelope interface {
	ReplyWith(Response)
}

// EnvelopeFunc adapts a function to Envelope.
type EnvelopeFunc func(Response)

func (f EnvelopeFunc) ReplyWith(r Response) { f(r) }

// ChanEnvelope sends replies on a channel. The channel must have room for
// every reply the request can produce (one) or have a reader waiting.
type ChanEnvelope chan Response

func (c ChanEnvelope) ReplyWith(r Response) { c <- r }

// StartRequest asks for a new scavenge.
type StartRequest struct {
	CorrelationID  uuid.UUID
	User           *auth.Principal
	Envelope       Envelope
	StartFromChunk int
	Threads        int
}

// StopRequest asks to cancel a run. ScavengeID may be CurrentScavengeID.
type StopRequest struct {
	CorrelationID uuid.UUID
	User          *auth.Principal
	Envelope      Envelope
	ScavengeID    string
}

// StatusRequest asks whether a run is active.
type StatusRequest struct {
	CorrelationID uuid.UUID
	User          *auth.Principal
	Envelope      Envelope
}

// StateChange announces a node role transition.
type StateChange struct {
	State NodeState
}

// Response is any reply the coordinator sends.
type Response interface {
	Correlation() uuid.UUID
}

// Started is sent when a run has been launched.
type Started struct {
	CorrelationID uuid.UUID
	ScavengeID    string
}

// InProgress is sent when a start is rejected because a run is active.
type InProgress struct {
	CorrelationID uuid.UUID
	ScavengeID    string
	Reason        string
}

// Stopped is sent to a stop request once the run has ended.
type Stopped struct {
	CorrelationID uuid.UUID
	ScavengeID    *string
}

// NotFound is sent when a stop request names no active run. ScavengeID
// holds the active run's id, if any.
type NotFound struct {
	CorrelationID uuid.UUID
	ScavengeID    *string
	Reason        string
}

// Unauthorized is sent when the caller lacks the required roles.
type Unauthorized struct {
	CorrelationID uuid.UUID
	ScavengeID    *string
	Reason        string
}

// StartFailed is sent when the run log or job could not be created. The
// slot is left empty.
type StartFailed struct {
	CorrelationID uuid.UUID
	Reason        string
}

// InvalidRequest is sent when the factory rejects the start options with
// ErrInvalidOptions. The slot is left empty.
type InvalidRequest struct {
	CorrelationID uuid.UUID
	Reason        string
}

// StatusResult is the state reported by a status request.
type StatusResult string

const (
	StatusInProgress StatusResult = "InProgress"
	StatusStopped    StatusResult = "Stopped"
)

// Status answers a status request. ScavengeID is nil when idle.
type Status struct {
	CorrelationID uuid.UUID
	Result        StatusResult
	ScavengeID    *string
}

func (r Started) Correlation() uuid.UUID        { return r.CorrelationID }
func (r InProgress) Correlation() uuid.UUID     { return r.CorrelationID }
func (r Stopped) Correlation() uuid.UUID        { return r.CorrelationID }
func (r NotFound) Correlation() uuid.UUID       { return r.CorrelationID }
func (r Unauthorized) Correlation() uuid.UUID   { return r.CorrelationID }
func (r StartFailed) Correlation() uuid.UUID    { return r.CorrelationID }
func (r InvalidRequest) Correlation() uuid.UUID { return r.CorrelationID }
func (r Status) Correlation() uuid.UUID         { return r.CorrelationID }
