// Package task is the Task Manager (§4.3/§9): one goroutine-actor per
// in-flight certificate, each running its own broadcast.Machine behind a
// bounded inbound command channel. Grounded on the teacher's per-request
// response-channel bookkeeping (network/network.go's
// allocateRequestID/freeRequestID pair) generalized from one-shot RPC
// tracking into a registry of long-lived per-certificate actors, and on the
// aggregator's per-signature fan-in loop (warp/aggregator/aggregator.go) for
// the shape of "apply one vote, maybe emit an action" processing.
package task

import (
	"sync"
	"time"

	"github.com/topos-protocol/tce-node/broadcast"
	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/log"
	"github.com/topos-protocol/tce-node/metrics"
	"github.com/topos-protocol/tce-node/validator"
	"github.com/topos-protocol/tce-node/wire"
)

// GraceWindow is how long a delivered task stays registered, tolerating
// late-arriving duplicate votes, before it is retired and its command
// channel closed.
const GraceWindow = 30 * time.Second

// Sink receives the side effects a Machine emits: gossip the local echo,
// gossip the local ready, or hand a delivered certificate, with the proof of
// delivery assembled from its tallied READY witnesses, to the store.
type Sink interface {
	SendEcho(certID certificate.ID)
	SendReady(certID certificate.ID)
	Deliver(certID certificate.ID, proof *wire.ProofOfDelivery)
}

type commandKind int

const (
	cmdEcho commandKind = iota
	cmdReady
)

type command struct {
	kind commandKind
	from certificate.ValidatorID
	sig  []byte
}

// Task drives one certificate's broadcast.Machine from its own goroutine.
type Task struct {
	certID            certificate.ID
	source            certificate.SubnetID
	epoch             uint64
	deliveryThreshold int
	machine           *broadcast.Machine
	inbox             chan command
	done              chan struct{}
	readyMu           sync.Mutex
	readySig          map[certificate.ValidatorID][]byte
}

// Manager owns the registry of live Tasks, enforcing the maximum concurrent
// task count and the grace-window retirement policy.
type Manager struct {
	mu           sync.Mutex
	tasks        map[certificate.ID]*Task
	pendingVotes map[certificate.ID][]command
	maxTasks     int
	bufferSize   int
	sink         Sink
	self         certificate.ValidatorID
	metrics      *metrics.Set
	log          log.Logger
	graceWindow  time.Duration

	// cmds bounds the manager's command throughput to commandChannelSize
	// (§4.3, §6.4 command_channel_size): a slot is held for the duration of
	// processing one Submit/ApplyEcho/ApplyReady call. Its occupancy drives
	// the overloaded hysteresis below.
	cmds       chan struct{}
	overloaded bool
}

// NewManager builds a Manager. maxTasks bounds the number of certificates
// broadcast concurrently; exceeding it causes Submit to return
// errs.ErrOverloaded rather than spawn unbounded goroutines. bufferSize caps
// both a task's inbound vote channel and the number of votes buffered per
// certificate before its task exists (§4.2/§4.3). commandChannelSize bounds
// the manager's own command throughput (§4.3).
func NewManager(self certificate.ValidatorID, sink Sink, maxTasks, bufferSize, commandChannelSize int, m *metrics.Set, l log.Logger) *Manager {
	return &Manager{
		tasks:        make(map[certificate.ID]*Task),
		pendingVotes: make(map[certificate.ID][]command),
		maxTasks:     maxTasks,
		bufferSize:   bufferSize,
		sink:         sink,
		self:         self,
		metrics:      m,
		log:          l,
		graceWindow:  GraceWindow,
		cmds:         make(chan struct{}, commandChannelSize),
	}
}

// acquire reserves a slot in the bounded command channel for the duration of
// one manager call, reporting whether a slot was actually available. The
// caller must invoke the returned release func exactly once, even when ok is
// false (it is then a no-op).
func (m *Manager) acquire() (release func(), ok bool) {
	select {
	case m.cmds <- struct{}{}:
	default:
		return func() {}, false
	}
	m.metrics.CommandChannelDepth.Set(float64(len(m.cmds)))
	return func() {
		<-m.cmds
		m.metrics.CommandChannelDepth.Set(float64(len(m.cmds)))
	}, true
}

// submissionOverloaded reports the command channel's occupancy-based
// backpressure state for the public submission path (§4.3): crossing 90%
// full marks the manager overloaded, and it stays that way until occupancy
// drops back below 50%. Inbound gossip votes never consult this — they are
// never rejected, only dropped on literal channel exhaustion (§4.3).
func (m *Manager) submissionOverloaded() bool {
	occupancy := float64(len(m.cmds)) / float64(cap(m.cmds))
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.overloaded && occupancy > 0.9 {
		m.overloaded = true
	} else if m.overloaded && occupancy < 0.5 {
		m.overloaded = false
	}
	return m.overloaded
}

// SetGraceWindow overrides the retirement grace window; used by tests that
// need delivered tasks to retire quickly.
func (m *Manager) SetGraceWindow(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graceWindow = d
}

// Submit starts broadcasting certID against vs if no task for it exists
// yet. A second Submit for a certificate already broadcasting is a no-op:
// per §9 Open Question 2, the first task to exist for a certificate wins,
// so a local submission racing an inbound gossip copy never creates two
// competing machines.
func (m *Manager) Submit(certID certificate.ID, source certificate.SubnetID, vs *validator.Set) error {
	if m.submissionOverloaded() {
		m.metrics.SubmissionsOverloaded.Inc()
		return errs.ErrOverloaded
	}
	release, ok := m.acquire()
	defer release()
	if !ok {
		m.metrics.SubmissionsOverloaded.Inc()
		return errs.ErrOverloaded
	}

	m.mu.Lock()
	if _, ok := m.tasks[certID]; ok {
		m.mu.Unlock()
		return nil
	}
	if len(m.tasks) >= m.maxTasks {
		m.mu.Unlock()
		m.metrics.SubmissionsOverloaded.Inc()
		return errs.ErrOverloaded
	}

	t := &Task{
		certID:            certID,
		source:            source,
		epoch:             vs.Epoch,
		deliveryThreshold: vs.Thresholds.ReadyDeliver,
		machine:           broadcast.New(certID, source, vs),
		inbox:             make(chan command, m.bufferSize),
		done:              make(chan struct{}),
		readySig:          make(map[certificate.ValidatorID][]byte),
	}
	m.tasks[certID] = t
	buffered := m.pendingVotes[certID]
	delete(m.pendingVotes, certID)
	m.mu.Unlock()

	m.metrics.TasksSpawned.Inc()
	m.metrics.TasksActive.Inc()
	go m.run(t)

	for _, ev := range t.machine.Start(m.self) {
		m.dispatch(t, ev)
	}
	// Drain votes that arrived before this task existed, in the order they
	// arrived (§4.2/§4.3), through the same channel a live task's votes use
	// so the task's own goroutine remains the only mutator of its Machine.
	for _, c := range buffered {
		m.send(t, c)
	}
	return nil
}

// ApplyEcho delivers an already-verified ECHO vote to the task for certID,
// buffering it (up to bufferSize) if no task exists for certID yet.
func (m *Manager) ApplyEcho(certID certificate.ID, from certificate.ValidatorID, sig []byte) error {
	return m.enqueue(certID, command{kind: cmdEcho, from: from, sig: sig})
}

// ApplyReady delivers an already-verified READY vote to the task for certID,
// buffering it (up to bufferSize) if no task exists for certID yet.
func (m *Manager) ApplyReady(certID certificate.ID, from certificate.ValidatorID, sig []byte) error {
	return m.enqueue(certID, command{kind: cmdReady, from: from, sig: sig})
}

// enqueue routes a vote to its task's inbox if one exists, or else appends it
// to that certificate's pending-vote buffer (§4.2: "buffered... up to
// MAX_BUFFER_SIZE"; §4.3: "push into the certificate's inbound buffer"),
// which Submit drains once the task is created. Gossip-originated votes are
// never rejected for command-channel backpressure (§4.3); only the
// per-certificate buffer cap can drop them.
func (m *Manager) enqueue(certID certificate.ID, c command) error {
	release, ok := m.acquire()
	if ok {
		defer release()
	}

	m.mu.Lock()
	t, ok := m.tasks[certID]
	if !ok {
		buf := m.pendingVotes[certID]
		if len(buf) >= m.bufferSize {
			m.mu.Unlock()
			m.metrics.BufferOverflows.Inc()
			m.metrics.MessagesDropped.WithLabelValues("buffer_full").Inc()
			return errs.ErrOverloaded
		}
		m.pendingVotes[certID] = append(buf, c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.send(t, c)
}

// send pushes c onto t's inbox, dropping it with a metric increment if the
// task is backed up past bufferSize.
func (m *Manager) send(t *Task, c command) error {
	select {
	case t.inbox <- c:
		return nil
	default:
		m.metrics.BufferOverflows.Inc()
		m.metrics.MessagesDropped.WithLabelValues("buffer_full").Inc()
		return errs.ErrOverloaded
	}
}

func (m *Manager) run(t *Task) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	armed := false
	defer timer.Stop()

	for {
		select {
		case c, ok := <-t.inbox:
			if !ok {
				return
			}
			m.apply(t, c)
		case <-timer.C:
			m.retire(t)
			return
		}

		if !armed && isTerminal(t.machine.State()) {
			armed = true
			m.mu.Lock()
			grace := m.graceWindow
			m.mu.Unlock()
			timer.Reset(grace)
		}
	}
}

func (m *Manager) apply(t *Task, c command) {
	var (
		events []broadcast.Event
		err    error
	)
	switch c.kind {
	case cmdEcho:
		events, err = t.machine.ApplyEcho(c.from)
		if err == nil {
			m.metrics.EchoesTallied.WithLabelValues(t.certID.String()).Inc()
		}
	case cmdReady:
		events, err = t.machine.ApplyReady(c.from)
		if err == nil {
			m.metrics.ReadiesTallied.WithLabelValues(t.certID.String()).Inc()
			t.readyMu.Lock()
			if _, seen := t.readySig[c.from]; !seen {
				t.readySig[c.from] = c.sig
			}
			t.readyMu.Unlock()
		}
	}
	if err != nil {
		m.log.Debug("dropping vote", "certificate", t.certID, "error", err)
		return
	}
	for _, ev := range events {
		m.dispatch(t, ev)
	}
}

func (m *Manager) dispatch(t *Task, ev broadcast.Event) {
	switch ev.Kind {
	case broadcast.EventSendEcho:
		m.sink.SendEcho(ev.CertID)
	case broadcast.EventSendReady:
		m.sink.SendReady(ev.CertID)
	case broadcast.EventDeliver:
		m.metrics.Delivered.WithLabelValues(t.source.String()).Inc()
		m.sink.Deliver(ev.CertID, t.buildProof())
	}
}

// buildProof assembles the proof of delivery from the READY witnesses
// tallied so far, against the thresholds in effect for this task's frozen
// validator snapshot.
func (t *Task) buildProof() *wire.ProofOfDelivery {
	t.readyMu.Lock()
	defer t.readyMu.Unlock()
	witnesses := make([]wire.ReadyWitness, 0, len(t.readySig))
	for id, sig := range t.readySig {
		witnesses = append(witnesses, wire.ReadyWitness{ValidatorID: [20]byte(id), Signature: sig})
	}
	return &wire.ProofOfDelivery{
		CertificateID:  [32]byte(t.certID),
		SourceSubnetID: [32]byte(t.source),
		Readies:        witnesses,
		Threshold:      uint32(t.deliveryThreshold),
		Epoch:          t.epoch,
	}
}

func (m *Manager) retire(t *Task) {
	m.mu.Lock()
	delete(m.tasks, t.certID)
	m.mu.Unlock()
	close(t.done)
	m.metrics.TasksActive.Dec()
	m.metrics.TasksRetired.Inc()
}

func isTerminal(s broadcast.State) bool {
	return s == broadcast.StateDelivered || s == broadcast.StateDeliveredWithReadySent
}

// Active returns the number of certificates currently broadcasting.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// WaitRetired blocks until the task for certID has retired, or timeout
// elapses. Returns false if certID has no registered task (it never had one,
// or its task has already retired), or if it did not retire in time.
func (m *Manager) WaitRetired(certID certificate.ID, timeout time.Duration) bool {
	m.mu.Lock()
	t, ok := m.tasks[certID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
