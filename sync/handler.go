package sync

import (
	"errors"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/wire"
)

// ErrUnknownRequestKind is returned when an inbound payload's leading tag
// byte does not match any known request kind.
var ErrUnknownRequestKind = errors.New("unknown synchronizer request kind")

// Handler answers the two synchronizer RPCs (§4.5) against a local Store,
// the server-side counterpart to Synchronizer's client calls. Grounded on
// the teacher's request-handler capability (sync/handlers/handler.go),
// adapted from state-sync leaf/block range requests into checkpoint-diff and
// certificate-fetch requests.
type Handler struct {
	store          Store
	limitPerSubnet int
}

// NewHandler builds a Handler serving reads from st, capping checkpoint
// diffs at limitPerSubnet entries per source.
func NewHandler(st Store, limitPerSubnet int) *Handler {
	return &Handler{store: st, limitPerSubnet: limitPerSubnet}
}

// HandleRequest decodes an inbound kind-tagged payload (as produced by
// Synchronizer.Tick/fetchBatch) and returns the wire-encoded response.
func (h *Handler) HandleRequest(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrUnknownRequestKind
	}
	switch payload[0] {
	case kindCheckpointRequest:
		return h.handleCheckpoint(payload[1:])
	case kindFetchCertificatesRequest:
		return h.handleFetchCertificates(payload[1:])
	default:
		return nil, ErrUnknownRequestKind
	}
}

func (h *Handler) handleCheckpoint(encoded []byte) ([]byte, error) {
	var req wire.CheckpointRequest
	if err := wire.Unmarshal(encoded, &req); err != nil {
		return nil, err
	}

	requesterHead := make(map[certificate.SubnetID]uint64, len(req.Entries))
	for _, e := range req.Entries {
		requesterHead[certificate.SubnetID(e.SourceSubnetID)] = e.Position
	}

	var diff []wire.SourceDiff
	for _, source := range h.store.Sources() {
		from := uint64(0)
		if pos, ok := requesterHead[source]; ok {
			from = pos + 1
		}
		entries := h.store.GetSourceRange(source, from, h.limitPerSubnet)
		if len(entries) == 0 {
			continue
		}
		proofs := make([]wire.ProofOfDelivery, 0, len(entries))
		for _, e := range entries {
			proof, ok := h.store.GetProofOfDelivery(e.CertID)
			if !ok {
				continue
			}
			proofs = append(proofs, *proof)
		}
		if len(proofs) > 0 {
			diff = append(diff, wire.SourceDiff{Source: [32]byte(source), Proofs: proofs})
		}
	}

	return wire.Marshal(&wire.CheckpointResponse{RequestID: req.RequestID, Diff: diff})
}

func (h *Handler) handleFetchCertificates(encoded []byte) ([]byte, error) {
	var req wire.FetchCertificatesRequest
	if err := wire.Unmarshal(encoded, &req); err != nil {
		return nil, err
	}

	certs := make([]*wire.Certificate, 0, len(req.CertificateIDs))
	for _, id := range req.CertificateIDs {
		c, ok := h.store.GetCertificate(certificate.ID(id))
		if !ok {
			continue
		}
		certs = append(certs, wire.FromCertificate(c))
	}

	return wire.Marshal(&wire.FetchCertificatesResponse{RequestID: req.RequestID, Certificates: certs})
}
