package persistence

import (
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/ed25519"

	"github.com/pkg/errors"
)

// SignatureBackend is the signature collaborator contract from spec.md
// §6: sign, verify, and report the fixed signature size a key produces.
type SignatureBackend interface {
	Sign(priv ed25519.PrivateKey, data []byte) []byte
	Verify(pub ed25519.PublicKey, data, sig []byte) bool
	MaxSigSize() int
}

// ChainedEd25519 signs each version's bytes concatenated with the
// previous version's signature, giving the hash chain Invariant I6
// requires (a corrupted or replayed record breaks the chain instead of
// verifying in isolation). blake2b folds the previous signature down to
// a fixed-size digest before ed25519 signs it, so chain depth never
// grows the bytes actually signed.
type ChainedEd25519 struct{}

// NewChainedEd25519 returns the default SignatureBackend.
func NewChainedEd25519() *ChainedEd25519 { return &ChainedEd25519{} }

// Sign produces an ed25519 signature over blake2b(data || prevSig) --
// callers pass the previous version's signature (or nil for the first
// version in a subgroup) concatenated by ChainInput.
func (c *ChainedEd25519) Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

func (c *ChainedEd25519) Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

func (c *ChainedEd25519) MaxSigSize() int { return ed25519.SignatureSize }

// ChainInput folds payload and the previous version's signature into the
// fixed-size digest that Sign/Verify actually operate over, implementing
// the hash-chain half of Invariant I6.
func ChainInput(payload, prevSig []byte) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: init blake2b")
	}
	h.Write(payload)
	h.Write(prevSig)
	return h.Sum(nil), nil
}
