// Package gossip is the Gossip Adapter (§4.6/C8): it serializes outbound
// protocol events onto the three wire topics and decodes inbound messages
// back into Task Manager calls. Grounded on the teacher's Gossip method
// (network/network.go), generalized from a single fire-and-forget broadcast
// call into a three-topic publish/subscribe bus, and on the gossip
// marshaller pattern (plugin/evm/gossip.go) for the encode-before-publish
// step.
package gossip

import (
	"github.com/topos-protocol/tce-node/broadcast/task"
	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/log"
	"github.com/topos-protocol/tce-node/metrics"
	"github.com/topos-protocol/tce-node/pool"
	"github.com/topos-protocol/tce-node/signing"
	"github.com/topos-protocol/tce-node/store"
	"github.com/topos-protocol/tce-node/validator"
	"github.com/topos-protocol/tce-node/wire"
)

const (
	TopicGossip = "topos_gossip"
	TopicEcho   = "topos_echo"
	TopicReady  = "topos_ready"
)

// Bus is the capability an underlying publish/subscribe transport must
// provide. Publish sends payload to every other subscriber of topic;
// Subscribe registers handler for inbound payloads on topic. Neither method
// ever delivers a node's own publications back to its own handler (§4.6:
// "the adapter does NOT loop back own publications").
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte))
}

// Adapter wires a Bus to the Task Manager, Pending pool, and Store: outbound
// SendEcho/SendReady/Deliver calls from the task manager become published
// wire messages, and inbound wire messages become verified task manager
// calls.
type Adapter struct {
	bus        Bus
	tasks      *task.Manager
	pending    *pool.Pending
	store      *store.Store
	validators *validator.Registry
	self       *signing.Key
	metrics    *metrics.Set
	log        log.Logger
}

// New builds an Adapter and subscribes it to all three topics.
func New(bus Bus, tasks *task.Manager, pending *pool.Pending, st *store.Store, validators *validator.Registry, self *signing.Key, m *metrics.Set, l log.Logger) *Adapter {
	a := &Adapter{
		bus:        bus,
		tasks:      tasks,
		pending:    pending,
		store:      st,
		validators: validators,
		self:       self,
		metrics:    m,
		log:        l,
	}
	bus.Subscribe(TopicGossip, a.handleGossip)
	bus.Subscribe(TopicEcho, a.handleEcho)
	bus.Subscribe(TopicReady, a.handleReady)
	return a
}

// SendEcho publishes the local node's ECHO vote for certID, signing it with
// the node's own key. Implements task.Sink.
func (a *Adapter) SendEcho(certID certificate.ID) {
	a.publishVote(TopicEcho, signing.KindEcho, certID)
}

// SendReady publishes the local node's READY vote for certID. Implements
// task.Sink.
func (a *Adapter) SendReady(certID certificate.ID) {
	a.publishVote(TopicReady, signing.KindReady, certID)
}

func (a *Adapter) publishVote(topic string, kind signing.Kind, certID certificate.ID) {
	sig, err := signing.Sign(a.self, kind, certID)
	if err != nil {
		a.log.Error("failed to sign vote", "topic", topic, "certificate", certID, "error", err)
		return
	}

	var payload []byte
	switch kind {
	case signing.KindEcho:
		payload, err = wire.Marshal(&wire.EchoMessage{CertificateID: [32]byte(certID), ValidatorID: [20]byte(a.self.ID), Signature: sig})
	case signing.KindReady:
		payload, err = wire.Marshal(&wire.ReadyMessage{CertificateID: [32]byte(certID), ValidatorID: [20]byte(a.self.ID), Signature: sig})
	}
	if err != nil {
		a.log.Error("failed to encode vote", "topic", topic, "certificate", certID, "error", err)
		return
	}
	if err := a.bus.Publish(topic, payload); err != nil {
		a.log.Warn("failed to publish vote", "topic", topic, "certificate", certID, "error", err)
	}
}

// Deliver is invoked by the Task Manager once certID reaches a terminal
// state, handing the assembled proof of delivery to the store. Implements
// task.Sink.
func (a *Adapter) Deliver(certID certificate.ID, proof *wire.ProofOfDelivery) {
	c, ok := a.pending.Get(certID)
	if !ok {
		a.log.Error("delivered certificate missing from pending pool", "certificate", certID)
		return
	}
	if _, err := a.store.OnDelivered(c, proof); err != nil && err != errs.ErrPrecedenceMissing {
		a.log.Error("failed to record delivery", "certificate", certID, "error", err)
	}
}

// Gossip publishes a freshly submitted certificate on the gossip topic so
// peers can begin their own broadcast task for it.
func (a *Adapter) Gossip(c *certificate.Certificate) error {
	payload, err := wire.Marshal(&wire.GossipMessage{Cert: wire.FromCertificate(c)})
	if err != nil {
		return err
	}
	return a.bus.Publish(TopicGossip, payload)
}

func (a *Adapter) handleGossip(payload []byte) {
	var msg wire.GossipMessage
	if err := wire.Unmarshal(payload, &msg); err != nil || msg.Cert == nil {
		a.metrics.MessagesDropped.WithLabelValues("decode_error").Inc()
		return
	}
	c := msg.Cert.ToCertificate()

	if err := a.store.SubmitPending(c); err != nil {
		return
	}
	vs := a.validators.Snapshot()
	if err := a.tasks.Submit(c.ID, c.SourceSubnetID, vs); err != nil {
		a.metrics.MessagesDropped.WithLabelValues("overloaded").Inc()
	}
}

func (a *Adapter) handleEcho(payload []byte) {
	var msg wire.EchoMessage
	if err := wire.Unmarshal(payload, &msg); err != nil {
		a.metrics.MessagesDropped.WithLabelValues("decode_error").Inc()
		return
	}
	a.handleVote(signing.KindEcho, certificate.ID(msg.CertificateID), certificate.ValidatorID(msg.ValidatorID), msg.Signature, a.tasks.ApplyEcho)
}

func (a *Adapter) handleReady(payload []byte) {
	var msg wire.ReadyMessage
	if err := wire.Unmarshal(payload, &msg); err != nil {
		a.metrics.MessagesDropped.WithLabelValues("decode_error").Inc()
		return
	}
	a.handleVote(signing.KindReady, certificate.ID(msg.CertificateID), certificate.ValidatorID(msg.ValidatorID), msg.Signature, a.tasks.ApplyReady)
}

func (a *Adapter) handleVote(kind signing.Kind, certID certificate.ID, claimed certificate.ValidatorID, sig []byte, apply func(certificate.ID, certificate.ValidatorID, []byte) error) {
	if !a.validators.Snapshot().Contains(claimed) {
		a.metrics.MessagesDropped.WithLabelValues("unknown_validator").Inc()
		return
	}
	if err := signing.Verify(kind, certID, sig, claimed); err != nil {
		a.metrics.MessagesDropped.WithLabelValues("invalid_signature").Inc()
		return
	}
	if err := apply(certID, claimed, sig); err != nil {
		a.metrics.MessagesDropped.WithLabelValues("drop").Inc()
	}
}
