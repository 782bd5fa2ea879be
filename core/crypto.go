package core

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Ed25519KeyPair is an account's signing key pair. Node-ID keys, the epoch
// signer and wallet account keys all share this shape (spec.md §§4.4, §§4.10).
type Ed25519KeyPair struct {
	Public  Account
	private ed25519.PrivateKey
}

// GenerateEd25519KeyPair creates a fresh random key pair.
func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, err
	}
	var account Account
	copy(account[:], pub)
	return Ed25519KeyPair{Public: account, private: priv}, nil
}

// Ed25519KeyPairFromSeed derives a key pair from a 32-byte seed, used by the
// wallet's deterministic index derivation (spec.md §§4.10).
func Ed25519KeyPairFromSeed(seed []byte) (Ed25519KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return Ed25519KeyPair{}, errors.New("core: bad ed25519 seed length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var account Account
	copy(account[:], priv.Public().(ed25519.PublicKey))
	return Ed25519KeyPair{Public: account, private: priv}, nil
}

// Sign signs msg and returns a 64-byte signature.
func (kp Ed25519KeyPair) Sign(msg []byte) (U512, error) {
	var sig U512
	if kp.private == nil {
		return sig, errors.New("core: key pair has no private key material")
	}
	copy(sig[:], ed25519.Sign(kp.private, msg))
	return sig, nil
}

// VerifySignature checks an Ed25519 signature against an account's public key.
func VerifySignature(account Account, msg []byte, sig U512) bool {
	return ed25519.Verify(ed25519.PublicKey(account[:]), msg, sig[:])
}

// BatchVerifier verifies many (account, message, signature) triples at once.
// spec.md §§4.6/§§4.8 call out batch verification as a distinct contract so
// that the block and vote processors can stage work into a single call;
// go's ed25519 package has no native batch API, so this performs the
// verifications in parallel and is a drop-in for where the original uses a
// dedicated batch-verify library.
type BatchVerifier struct{ Workers int }

// VerifyBatch verifies every item and writes true/false into results at the
// same index. It is safe to call with an empty slice.
func (b BatchVerifier) VerifyBatch(accounts []Account, msgs [][]byte, sigs []U512, results []bool) {
	n := len(accounts)
	if n == 0 {
		return
	}
	workers := b.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > n {
		workers = n
	}
	jobs := make(chan int, n)
	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func() {
			for i := range jobs {
				results[i] = VerifySignature(accounts[i], msgs[i], sigs[i])
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	for w := 0; w < workers; w++ {
		<-done
	}
}

// Blake2b256 hashes the concatenation of parts with a 32-byte digest,
// matching spec.md §§3's canonical block hash.
func Blake2b256(parts ...[]byte) U256 {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err) // only fails for bad key/size arguments, never here
	}
	for _, p := range parts {
		h.Write(p)
	}
	var out U256
	copy(out[:], h.Sum(nil))
	return out
}

// Blake2bFull hashes (hash || signature || work) into the full-hash used for
// block deduplication in the uniquer (spec.md §§3/§§4.2).
func Blake2bFull(hash U256, sig U512, work uint64) U256 {
	var workBytes [8]byte
	binary.BigEndian.PutUint64(workBytes[:], work)
	return Blake2b256(hash[:], sig[:], workBytes[:])
}

// WorkValue computes BLAKE2b-64(nonce || root), the proof-of-work digest
// compared against a difficulty threshold (spec.md §§4.11).
func WorkValue(nonce uint64, root U256) uint64 {
	h, err := blake2b.New(8, nil)
	if err != nil {
		panic(err)
	}
	var nonceBytes [8]byte
	binary.LittleEndian.PutUint64(nonceBytes[:], nonce)
	h.Write(nonceBytes[:])
	h.Write(root[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum)
}

// WorkValid reports whether nonce is a valid proof of work for root at the
// given difficulty: WorkValue(nonce, root) >= difficulty.
func WorkValid(nonce uint64, root U256, difficulty uint64) bool {
	return WorkValue(nonce, root) >= difficulty
}
