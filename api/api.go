// Package api is the node's Public API (§6.2): submit certificates, watch
// target-subnet delivery streams, and read a source subnet's current head.
// Grounded on the teacher's service layer shape (plugin/evm/vm.go's
// narrow capability interfaces over the underlying engine) and on
// SubscribeChainHeadEvent/event.Feed (core/txpool/txpool.go) for the watch
// stream's replay-then-live semantics.
package api

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/event"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/errs"
	"github.com/topos-protocol/tce-node/log"
	"github.com/topos-protocol/tce-node/metrics"
	"github.com/topos-protocol/tce-node/store"
	"github.com/topos-protocol/tce-node/validator"
)

// watchBufferSize bounds the replay/live channel buffers Watch allocates per
// subscriber.
const watchBufferSize = 256

// Result is the outcome of a Submit certificate call (§6.2).
type Result int

const (
	Accepted Result = iota
	AlreadyPending
	AlreadyDelivered
	Overloaded
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "Accepted"
	case AlreadyPending:
		return "AlreadyPending"
	case AlreadyDelivered:
		return "AlreadyDelivered"
	case Overloaded:
		return "Overloaded"
	default:
		return "Unknown"
	}
}

// Gossiper publishes a freshly submitted certificate so peers begin their
// own broadcast task for it. Implemented by *gossip.Adapter.
type Gossiper interface {
	Gossip(c *certificate.Certificate) error
}

// TaskSubmitter starts a broadcast task for a certificate. Implemented by
// *task.Manager.
type TaskSubmitter interface {
	Submit(certID certificate.ID, source certificate.SubnetID, vs *validator.Set) error
}

// ValidatorSetProvider resolves the validator set currently active, used to
// size a freshly submitted certificate's broadcast task. Implemented by
// *validator.Registry.
type ValidatorSetProvider interface {
	Snapshot() *validator.Set
}

// Store is the subset of *store.Store the API needs.
type Store interface {
	SubmitPending(c *certificate.Certificate) error
	GetCertificate(id certificate.ID) (*certificate.Certificate, bool)
	GetSourceHead(source certificate.SubnetID) (store.Entry, bool)
	GetTargetStream(target, source certificate.SubnetID, fromPosition uint64, limit int) []store.Entry
	SourcesForTarget(target certificate.SubnetID) []certificate.SubnetID
	SubscribeDeliveries(ch chan<- *certificate.Certificate) event.Subscription
}

// Service implements the node's public API over a Store, the Task Manager,
// and the Gossip Adapter.
type Service struct {
	store      Store
	tasks      TaskSubmitter
	gossip     Gossiper
	validators ValidatorSetProvider
	metrics    *metrics.Set
	log        log.Logger
}

// New builds a Service.
func New(st Store, tasks TaskSubmitter, gossip Gossiper, validators ValidatorSetProvider, m *metrics.Set, l log.Logger) *Service {
	return &Service{store: st, tasks: tasks, gossip: gossip, validators: validators, metrics: m, log: l}
}

// SubmitCertificate accepts a locally-originated certificate into broadcast
// (§6.2 "Submit certificate"). Idempotent-rejecting on replay: a
// certificate already pending or already delivered returns its matching
// Result rather than an error, per §7's AlreadyPending/AlreadyDelivered
// handling.
func (s *Service) SubmitCertificate(c *certificate.Certificate) (Result, error) {
	if _, ok := s.store.GetCertificate(c.ID); ok {
		return AlreadyDelivered, nil
	}

	if err := s.store.SubmitPending(c); err != nil {
		switch {
		case errors.Is(err, errs.ErrAlreadyDelivered):
			return AlreadyDelivered, nil
		case errors.Is(err, errs.ErrAlreadyPending):
			return AlreadyPending, nil
		default:
			return Overloaded, err
		}
	}

	vs := s.validators.Snapshot()
	if err := s.tasks.Submit(c.ID, c.SourceSubnetID, vs); err != nil {
		if errors.Is(err, errs.ErrOverloaded) {
			return Overloaded, nil
		}
		return Overloaded, err
	}

	if err := s.gossip.Gossip(c); err != nil {
		s.log.Warn("failed to gossip submitted certificate", "certificate", c.ID, "error", err)
	}

	return Accepted, nil
}

// FetchSourceHead answers §6.2's "Fetch source head".
func (s *Service) FetchSourceHead(source certificate.SubnetID) (store.Entry, bool) {
	return s.store.GetSourceHead(source)
}

// TargetStreamPosition declares the subscriber's last-known position in one
// source subnet's contribution to a target stream.
type TargetStreamPosition struct {
	SourceSubnetID certificate.SubnetID
	Position       uint64
}

// TargetCheckpoint filters a Watch call to a set of target subnets, resuming
// each source's contribution from a declared position (or 0 if absent).
type TargetCheckpoint struct {
	TargetSubnetIDs []certificate.SubnetID
	Positions       []TargetStreamPosition
}

// Watch opens a server-push stream of certificates destined for any of
// checkpoint's target subnets (§6.2 "Watch stream"): it first replays
// everything already delivered from each declared (or zero) position, then
// forwards new deliveries live. The returned channel is closed when ctx is
// done; positions observed on it are monotonically non-decreasing per
// source within a target, matching the delivery order already enforced by
// the store.
func (s *Service) Watch(ctx context.Context, checkpoint TargetCheckpoint) <-chan *certificate.Certificate {
	out := make(chan *certificate.Certificate, watchBufferSize)
	live := make(chan *certificate.Certificate, watchBufferSize)
	sub := s.store.SubscribeDeliveries(live)

	go s.runWatch(ctx, checkpoint, sub, live, out)
	return out
}

func (s *Service) runWatch(ctx context.Context, checkpoint TargetCheckpoint, sub event.Subscription, live <-chan *certificate.Certificate, out chan<- *certificate.Certificate) {
	defer close(out)
	defer sub.Unsubscribe()

	targets := make(map[certificate.SubnetID]struct{}, len(checkpoint.TargetSubnetIDs))
	for _, t := range checkpoint.TargetSubnetIDs {
		targets[t] = struct{}{}
	}

	declared := make(map[certificate.SubnetID]map[certificate.SubnetID]uint64, len(targets))
	for target := range targets {
		declared[target] = make(map[certificate.SubnetID]uint64)
		for _, p := range checkpoint.Positions {
			declared[target][p.SourceSubnetID] = p.Position
		}
	}

	last := make(map[certificate.SubnetID]map[certificate.SubnetID]int64, len(targets))
	for target := range targets {
		last[target] = make(map[certificate.SubnetID]int64)
	}

	emit := func(target, source certificate.SubnetID, e store.Entry) bool {
		if prev, ok := last[target][source]; ok && int64(e.Position) <= prev {
			return true
		}
		c, ok := s.store.GetCertificate(e.CertID)
		if !ok {
			return true
		}
		select {
		case out <- c:
			last[target][source] = int64(e.Position)
			return true
		case <-ctx.Done():
			return false
		}
	}

	for target := range targets {
		sources := make(map[certificate.SubnetID]struct{})
		for _, source := range s.store.SourcesForTarget(target) {
			sources[source] = struct{}{}
		}
		for source := range declared[target] {
			sources[source] = struct{}{}
		}
		for source := range sources {
			from := declared[target][source]
			for _, e := range s.store.GetTargetStream(target, source, from, 0) {
				if !emit(target, source, e) {
					return
				}
			}
		}
	}

	errCh := sub.Err()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if ok && err != nil {
				s.log.Debug("watch subscription ended", "error", err)
			}
			return
		case c, ok := <-live:
			if !ok {
				return
			}
			for target := range targets {
				if !containsSubnet(c.TargetSubnetIDs, target) {
					continue
				}
				from := uint64(0)
				if prev, ok := last[target][c.SourceSubnetID]; ok {
					from = uint64(prev) + 1
				} else if pos, ok := declared[target][c.SourceSubnetID]; ok {
					from = pos
				}
				for _, e := range s.store.GetTargetStream(target, c.SourceSubnetID, from, 0) {
					if !emit(target, c.SourceSubnetID, e) {
						return
					}
				}
			}
		}
	}
}

func containsSubnet(subnets []certificate.SubnetID, target certificate.SubnetID) bool {
	for _, s := range subnets {
		if s == target {
			return true
		}
	}
	return false
}
