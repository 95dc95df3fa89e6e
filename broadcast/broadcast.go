// Package broadcast implements the double-echo reliable broadcast state
// machine (§4): for one certificate, tally ECHO and READY votes from
// already-authenticated validators and decide when to echo, when to ready,
// and when to deliver. Grounded on the teacher's aggregator tally loop
// (warp/aggregator/aggregator.go), which accumulates per-validator
// signatures toward a weight threshold; here the weight is a flat vote count
// against the Thresholds computed by the validator package, and the tally
// additionally drives local state transitions instead of only aggregating.
package broadcast

import (
	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/utils/set"
	"github.com/topos-protocol/tce-node/validator"
)

// State is a certificate's position in the double-echo state machine (§4.2).
type State int

const (
	StatePending State = iota
	StateEchoSent
	StateReadySent
	StateDelivered
	StateDeliveredWithReadySent
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateEchoSent:
		return "echo_sent"
	case StateReadySent:
		return "ready_sent"
	case StateDelivered:
		return "delivered"
	case StateDeliveredWithReadySent:
		return "delivered_with_ready_sent"
	default:
		return "unknown"
	}
}

// EventKind identifies the action a Machine asks its driver to perform.
type EventKind int

const (
	EventSendEcho EventKind = iota
	EventSendReady
	EventDeliver
)

// Event is one action the driver (the per-certificate task) must take in
// response to a state transition.
type Event struct {
	Kind   EventKind
	CertID certificate.ID
}

// Machine is the double-echo state machine for a single certificate. It is
// not safe for concurrent use; the task manager serializes access to one
// Machine per certificate through a single goroutine.
type Machine struct {
	certID     certificate.ID
	source     certificate.SubnetID
	validators *validator.Set
	state      State
	echoes     set.Set[certificate.ValidatorID]
	readies    set.Set[certificate.ValidatorID]
}

// New builds a Machine for certID against a frozen validator set snapshot
// (§9 Open Question 3: the snapshot is taken once, at task creation, and
// never re-read — an epoch rotation mid-broadcast does not affect it).
func New(certID certificate.ID, source certificate.SubnetID, validators *validator.Set) *Machine {
	return &Machine{
		certID:     certID,
		source:     source,
		validators: validators,
		state:      StatePending,
		echoes:     set.New[certificate.ValidatorID](),
		readies:    set.New[certificate.ValidatorID](),
	}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	return m.state
}

// Start begins the broadcast for a certificate this node itself authored or
// first observed, immediately emitting the local ECHO (§4.2 step 1).
func (m *Machine) Start(self certificate.ValidatorID) []Event {
	if m.state != StatePending {
		return nil
	}
	return m.applyOwnEcho(self)
}

// ApplyEcho tallies an ECHO vote from validator, who must already be a
// verified member of m.validators. Duplicate votes from the same validator
// are idempotent no-ops per §4.2/§8. Crossing the echo threshold while
// already in EchoSent (the common case, since Start already moved the
// machine out of Pending before any remote vote is applied) fires the
// echo-path READY transition.
func (m *Machine) ApplyEcho(from certificate.ValidatorID) ([]Event, error) {
	if !m.validators.Contains(from) {
		return nil, errs.ErrUnknownValidator
	}
	if m.echoes.Contains(from) {
		return nil, nil
	}
	m.echoes.Add(from)

	var events []Event
	if m.state == StatePending && m.echoes.Size() >= m.validators.Thresholds.Echo {
		events = append(events, m.applyOwnEcho(from)...)
	} else if m.state == StateEchoSent && m.echoes.Size() >= m.validators.Thresholds.Echo {
		events = append(events, m.sendReady()...)
	}
	return events, nil
}

// applyOwnEcho moves the machine from Pending to EchoSent and emits the
// SendEcho action if this is the first time the local echo fires, whether
// triggered by Start or by crossing the echo threshold via others' votes.
func (m *Machine) applyOwnEcho(self certificate.ValidatorID) []Event {
	if m.state != StatePending {
		return nil
	}
	m.echoes.Add(self)
	m.state = StateEchoSent
	return []Event{{Kind: EventSendEcho, CertID: m.certID}}
}

// ApplyReady tallies a READY vote from validator. Crossing the
// ready-echo-on-behalf threshold emits SendReady (an "echo" of readiness,
// §4.2 step 3); crossing the deliver threshold emits Deliver. Both can fire
// from the same call if thresholds are close together.
func (m *Machine) ApplyReady(from certificate.ValidatorID) ([]Event, error) {
	if !m.validators.Contains(from) {
		return nil, errs.ErrUnknownValidator
	}
	if m.readies.Contains(from) {
		return nil, nil
	}
	m.readies.Add(from)

	var events []Event
	if (m.state == StatePending || m.state == StateEchoSent) &&
		m.readies.Size() >= m.validators.Thresholds.ReadyEcho {
		events = append(events, m.sendReady()...)
	}
	if (m.state == StateEchoSent || m.state == StateReadySent) &&
		m.readies.Size() >= m.validators.Thresholds.ReadyDeliver {
		events = append(events, m.deliver()...)
	}
	return events, nil
}

func (m *Machine) sendReady() []Event {
	if m.state != StatePending && m.state != StateEchoSent {
		return nil
	}
	m.state = StateReadySent
	return []Event{{Kind: EventSendReady, CertID: m.certID}}
}

func (m *Machine) deliver() []Event {
	switch m.state {
	case StateDelivered, StateDeliveredWithReadySent:
		return nil
	case StateReadySent:
		m.state = StateDeliveredWithReadySent
	default:
		m.state = StateDelivered
	}
	return []Event{{Kind: EventDeliver, CertID: m.certID}}
}
