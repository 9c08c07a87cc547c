// Package cryptobft provides the default bft.Crypto collaborator: a
// blake2b digest and libp2p public-key signature verification via
// PubKey.Verify.
package cryptobft

import (
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/blake2b"

	"github.com/icebft/core/internal/bft"
)

// Default is the stock bft.Crypto implementation: blake2b-256 digests,
// libp2p-native signature verification.
type Default struct{}

var _ bft.Crypto = Default{}

// Digest returns the blake2b-256 hash of data.
func (Default) Digest(data []byte) bft.Digest {
	return blake2b.Sum256(data)
}

// Verify checks sig against msg under pub, using whichever signature
// scheme pub's concrete libp2p key type implements (Ed25519, ECDSA,
// secp256k1, or RSA).
func (Default) Verify(pub p2pcrypto.PubKey, msg, sig []byte) (bool, error) {
	return pub.Verify(msg, sig)
}
