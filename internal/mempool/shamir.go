// Shamir's Secret Sharing with Feldman VSS over a safe-prime group,
// backing ThresholdMempool's k-of-n decryption-share protocol per spec
// §4.8. Ported from the shape of wyf-ACCEPT-eth2030's
// pkg/crypto/threshold.go (that repo's own threshold.go is reference
// only, not a dependency); this package re-derives the same
// ElGamal-in-the-exponent scheme using stdlib math/big, since no
// example repo ships threshold cryptography as an importable module.
// The symmetric key recovered by CombineShares feeds
// chacha20poly1305, not the original's AES-GCM, so it lines up with
// types.EncryptedTxBlob's nonce/tag shape everywhere else in this repo.
package mempool

import (
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidThreshold    = errors.New("mempool: threshold must satisfy 1 <= t <= n")
	ErrInsufficientShares  = errors.New("mempool: insufficient shares for reconstruction")
	ErrDuplicateShareIndex = errors.New("mempool: duplicate share index")
	ErrShareVerifyFailed   = errors.New("mempool: share verification failed")
)

// groupParams are the fixed safe-prime group parameters: q is prime,
// p = 2q+1 is prime, g generates the order-q subgroup of Z_p^*.
var groupParams = struct {
	p, q, g *big.Int
}{}

func init() {
	// q = 2^255 - 18057, verified prime by the teacher's own comment;
	// reused here rather than re-deriving, since regenerating a fresh
	// safe prime at init time would make every build's group differ.
	groupParams.q = new(big.Int).Sub(new(big.Int).Exp(big.NewInt(2), big.NewInt(255), nil), big.NewInt(18057))
	groupParams.p = new(big.Int).Add(new(big.Int).Mul(groupParams.q, big.NewInt(2)), big.NewInt(1))
	groupParams.g = big.NewInt(4)
}

// Share is one committee member's point on the secret-sharing polynomial.
type Share struct {
	Index int      `json:"index"`
	Value *big.Int `json:"value"`
}

// VerifiableShare pairs a Share with the Feldman VSS commitments needed
// to verify it without learning the secret.
type VerifiableShare struct {
	Share       Share
	Commitments []*big.Int
}

// KeyGenResult is the output of a trusted-dealer key generation round.
// Production deployments would replace this with a distributed key
// generation ceremony; this repo's committee is provisioned out of band.
type KeyGenResult struct {
	Shares      []Share
	PublicKey   *big.Int
	Commitments []*big.Int
}

// GenerateCommittee splits a random secret into n Shamir shares under a
// degree-(t-1) polynomial and returns Feldman VSS commitments for each
// coefficient so members can verify their share on receipt.
func GenerateCommittee(t, n int) (*KeyGenResult, error) {
	if t < 1 || t > n {
		return nil, ErrInvalidThreshold
	}
	q, p, g := groupParams.q, groupParams.p, groupParams.g

	coeffs := make([]*big.Int, t)
	for i := range coeffs {
		c, err := rand.Int(rand.Reader, q)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}

	commitments := make([]*big.Int, t)
	for i, c := range coeffs {
		commitments[i] = new(big.Int).Exp(g, c, p)
	}

	shares := make([]Share, n)
	for i := 0; i < n; i++ {
		x := big.NewInt(int64(i + 1))
		shares[i] = Share{Index: i + 1, Value: evaluatePolynomial(coeffs, x, q)}
	}

	return &KeyGenResult{Shares: shares, PublicKey: new(big.Int).Set(commitments[0]), Commitments: commitments}, nil
}

// VerifyShare checks a share against its polynomial's Feldman commitments.
func VerifyShare(share Share, commitments []*big.Int) bool {
	if len(commitments) == 0 || share.Value == nil {
		return false
	}
	p, q, g := groupParams.p, groupParams.q, groupParams.g

	lhs := new(big.Int).Exp(g, share.Value, p)

	rhs := big.NewInt(1)
	x := big.NewInt(int64(share.Index))
	xPow := big.NewInt(1)
	for _, cj := range commitments {
		rhs.Mul(rhs, new(big.Int).Exp(cj, xPow, p))
		rhs.Mod(rhs, p)
		xPow.Mul(xPow, x)
		xPow.Mod(xPow, q)
	}
	return lhs.Cmp(rhs) == 0
}

// Encapsulation is the ElGamal key-encapsulation half of one
// threshold-encrypted transaction: an ephemeral point g^r and the
// shared secret's recipients use publicKey^r to derive the symmetric
// key. The AEAD payload itself lives in the accompanying
// types.EncryptedTxBlob, not here.
type Encapsulation struct {
	Ephemeral *big.Int
}

// Encapsulate picks a fresh ephemeral secret and returns the
// encapsulation point plus the symmetric key an encrypting client
// would use directly (ElGamal is additively homomorphic in the
// exponent, so the client never needs committee cooperation to
// encrypt, only to decrypt later).
func Encapsulate(publicKey *big.Int) (*Encapsulation, [32]byte, error) {
	if publicKey == nil || publicKey.Sign() == 0 {
		return nil, [32]byte{}, errors.New("mempool: nil or zero committee public key")
	}
	q, p := groupParams.q, groupParams.p
	r, err := rand.Int(rand.Reader, q)
	if err != nil {
		return nil, [32]byte{}, err
	}
	ephemeral := new(big.Int).Exp(groupParams.g, r, p)
	sharedSecret := new(big.Int).Exp(publicKey, r, p)
	return &Encapsulation{Ephemeral: ephemeral}, symmetricKeyFrom(sharedSecret), nil
}

// DecryptionShare is one committee member's contribution toward
// recovering a single ciphertext's symmetric key.
type DecryptionShare struct {
	Index int      `json:"index"`
	Value *big.Int `json:"value"`
}

// ComputeDecryptionShare is run by a committee member: it raises the
// ciphertext's ephemeral point to the member's own secret share.
func ComputeDecryptionShare(share Share, ephemeral *big.Int) DecryptionShare {
	return DecryptionShare{Index: share.Index, Value: new(big.Int).Exp(ephemeral, share.Value, groupParams.p)}
}

// CombineShares reconstructs the shared secret from >= t decryption
// shares via Lagrange interpolation in the exponent, and derives the
// symmetric key a paired chacha20poly1305 AEAD call decrypts with.
func CombineShares(shares []DecryptionShare) ([32]byte, error) {
	if len(shares) == 0 {
		return [32]byte{}, ErrInsufficientShares
	}
	seen := make(map[int]bool, len(shares))
	for _, s := range shares {
		if seen[s.Index] {
			return [32]byte{}, ErrDuplicateShareIndex
		}
		seen[s.Index] = true
	}

	p, q := groupParams.p, groupParams.q
	sharedSecret := big.NewInt(1)
	for i := range shares {
		lambda := lagrangeCoefficientModQ(shares, i, q)
		term := new(big.Int).Exp(shares[i].Value, lambda, p)
		sharedSecret.Mul(sharedSecret, term)
		sharedSecret.Mod(sharedSecret, p)
	}
	return symmetricKeyFrom(sharedSecret), nil
}

// symmetricKeyFrom derives a 32-byte AEAD key from an ElGamal shared
// secret via Keccak256, matching the teacher pack's own
// shared-secret-to-symmetric-key derivation (promoted from AES-GCM's
// use in the example to this repo's chacha20poly1305).
func symmetricKeyFrom(sharedSecret *big.Int) [32]byte {
	digest := crypto.Keccak256(sharedSecret.Bytes())
	var key [32]byte
	copy(key[:], digest)
	return key
}

func evaluatePolynomial(coeffs []*big.Int, x, modulus *big.Int) *big.Int {
	result := new(big.Int)
	xPow := big.NewInt(1)
	for _, c := range coeffs {
		term := new(big.Int).Mul(c, xPow)
		term.Mod(term, modulus)
		result.Add(result, term)
		result.Mod(result, modulus)
		xPow.Mul(xPow, x)
		xPow.Mod(xPow, modulus)
	}
	return result
}

// lagrangeCoefficientModQ computes shares[idx]'s Lagrange coefficient
// for evaluation at x=0, mod q.
func lagrangeCoefficientModQ(shares []DecryptionShare, idx int, q *big.Int) *big.Int {
	num := big.NewInt(1)
	den := big.NewInt(1)
	xi := big.NewInt(int64(shares[idx].Index))

	for j, sj := range shares {
		if idx == j {
			continue
		}
		xj := big.NewInt(int64(sj.Index))

		negXj := new(big.Int).Sub(q, xj)
		num.Mul(num, negXj)
		num.Mod(num, q)

		diff := new(big.Int).Sub(xi, xj)
		diff.Mod(diff, q)
		den.Mul(den, diff)
		den.Mod(den, q)
	}

	denInv := new(big.Int).ModInverse(den, q)
	if denInv == nil {
		return big.NewInt(0)
	}
	lambda := new(big.Int).Mul(num, denInv)
	return lambda.Mod(lambda, q)
}
