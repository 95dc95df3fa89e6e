// Package wire holds the length-prefixed, deterministically encoded binary
// records the node exchanges over the GossipBus and the synchronization RPC
// channel (§6.1). Grounded on the teacher's codec.Manager + linearcodec
// registration pattern (warp/messages/codec.go, plugin/evm/message/codec.go):
// a package-level Codec built once at init time, registering every wire type
// against a single codec version.
package wire

import (
	"github.com/luxfi/node/codec"
	"github.com/luxfi/node/codec/linearcodec"
	"github.com/luxfi/node/utils/units"
)

const (
	// CodecVersion is the wire format version embedded in every encoded
	// message; bumping it is a breaking change requiring a coordinated
	// upgrade.
	CodecVersion = 0

	// MaxMessageSize bounds a single encoded wire message, generous enough
	// for a certificate with a large target-subnet fan-out plus its proof.
	MaxMessageSize = 256 * units.KiB
)

// Codec is the shared manager used to encode/decode every wire type defined
// in this package. It is safe for concurrent use.
var Codec codec.Manager

func init() {
	Codec = codec.NewManager(MaxMessageSize)
	lc := linearcodec.NewDefault()

	register := []error{
		lc.RegisterType(&Certificate{}),
		lc.RegisterType(&GossipMessage{}),
		lc.RegisterType(&EchoMessage{}),
		lc.RegisterType(&ReadyMessage{}),
		lc.RegisterType(&CheckpointRequest{}),
		lc.RegisterType(&CheckpointResponse{}),
		lc.RegisterType(&FetchCertificatesRequest{}),
		lc.RegisterType(&FetchCertificatesResponse{}),
		lc.RegisterType(&DeliveryRecord{}),
		lc.RegisterType(&SourceIndex{}),
	}
	for _, err := range register {
		if err != nil {
			panic(err)
		}
	}
	if err := Codec.RegisterCodec(CodecVersion, lc); err != nil {
		panic(err)
	}
}

// Marshal encodes v using the shared Codec at CodecVersion.
func Marshal(v interface{}) ([]byte, error) {
	return Codec.Marshal(CodecVersion, v)
}

// Unmarshal decodes bytes into dest using the shared Codec.
func Unmarshal(bytes []byte, dest interface{}) error {
	_, err := Codec.Unmarshal(bytes, dest)
	return err
}
