package prover

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/zelana-labs/sequencer/internal/hashing"
	"github.com/zelana-labs/sequencer/internal/types"
)

// batchCircuit constrains that Commitment is the in-circuit MiMC hash of
// the six public batch fields, in the same field-element order
// fieldCommitment computes natively. It is a correctness-of-aggregation
// circuit, not a full state-transition circuit: it proves the batch's
// public inputs are self-consistent with the commitment Settler submits
// to L1, not that the transition they summarize was executed correctly
// (that is established by StateStore.CommitBatch's ordering guarantees
// and BatchManager's router-mediated execution).
type batchCircuit struct {
	PreStateRoot     frontend.Variable `gnark:",public"`
	PostStateRoot    frontend.Variable `gnark:",public"`
	PreShieldedRoot  frontend.Variable `gnark:",public"`
	PostShieldedRoot frontend.Variable `gnark:",public"`
	WithdrawalRoot   frontend.Variable `gnark:",public"`
	BatchHash        frontend.Variable `gnark:",public"`
	Commitment       frontend.Variable `gnark:",public"`
}

func (c *batchCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.PreStateRoot, c.PostStateRoot, c.PreShieldedRoot, c.PostShieldedRoot, c.WithdrawalRoot, c.BatchHash)
	api.AssertIsEqual(c.Commitment, h.Sum())
	return nil
}

// fieldCommitment hashes the six public fields with plain 32-byte-aligned
// MiMC absorption (no domain-tag byte, unlike hashing.Sum32), so it
// matches the in-circuit gadget's block boundaries exactly: each Write
// call below is one full BN254 scalar-field element.
func fieldCommitment(pi PublicInputs) [32]byte {
	h := hashing.New()
	h.Write(pi.PreStateRoot[:])
	h.Write(pi.PostStateRoot[:])
	h.Write(pi.PreShieldedRoot[:])
	h.Write(pi.PostShieldedRoot[:])
	h.Write(pi.WithdrawalRoot[:])
	h.Write(pi.BatchHash[:])
	return h.Sum32()
}

// Groth16Prover proves and verifies batches against a BN254 Groth16
// proving/verification key pair, grounded on the teacher's
// BLSZKProver lifecycle (compile once, prove/verify many times).
type Groth16Prover struct {
	mu sync.RWMutex

	cs          constraint.ConstraintSystem
	pk          groth16.ProvingKey
	vk          groth16.VerifyingKey
	initialized bool
}

// NewGroth16Prover constructs an uninitialized prover; call Setup or
// LoadKeys before Prove/Verify.
func NewGroth16Prover() *Groth16Prover { return &Groth16Prover{} }

// Setup compiles the circuit and runs a trusted setup, producing fresh
// proving and verification keys. Intended for dev/test; production keys
// are generated once via cmd/proofsetup and loaded with LoadKeys.
func (p *Groth16Prover) Setup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	var circuit batchCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return fmt.Errorf("prover: compile circuit: %w", err)
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return fmt.Errorf("prover: groth16 setup: %w", err)
	}
	p.cs, p.pk, p.vk = cs, pk, vk
	p.initialized = true
	return nil
}

// LoadKeys loads a previously generated constraint system and key pair
// from disk, as produced by SaveKeys.
func (p *Groth16Prover) LoadKeys(csPath, pkPath, vkPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	csFile, err := os.Open(csPath)
	if err != nil {
		return fmt.Errorf("prover: open constraint system: %w", err)
	}
	defer csFile.Close()
	p.cs = groth16.NewCS(ecc.BN254)
	if _, err := p.cs.ReadFrom(csFile); err != nil {
		return fmt.Errorf("prover: read constraint system: %w", err)
	}

	pkFile, err := os.Open(pkPath)
	if err != nil {
		return fmt.Errorf("prover: open proving key: %w", err)
	}
	defer pkFile.Close()
	p.pk = groth16.NewProvingKey(ecc.BN254)
	if _, err := p.pk.ReadFrom(pkFile); err != nil {
		return fmt.Errorf("prover: read proving key: %w", err)
	}

	vkFile, err := os.Open(vkPath)
	if err != nil {
		return fmt.Errorf("prover: open verification key: %w", err)
	}
	defer vkFile.Close()
	p.vk = groth16.NewVerifyingKey(ecc.BN254)
	if _, err := p.vk.ReadFrom(vkFile); err != nil {
		return fmt.Errorf("prover: read verification key: %w", err)
	}

	p.initialized = true
	return nil
}

// SaveKeys persists the constraint system and key pair to disk.
func (p *Groth16Prover) SaveKeys(csPath, pkPath, vkPath string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return fmt.Errorf("prover: not initialized")
	}

	csFile, err := os.Create(csPath)
	if err != nil {
		return err
	}
	defer csFile.Close()
	if _, err := p.cs.WriteTo(csFile); err != nil {
		return fmt.Errorf("prover: write constraint system: %w", err)
	}

	pkFile, err := os.Create(pkPath)
	if err != nil {
		return err
	}
	defer pkFile.Close()
	if _, err := p.pk.WriteTo(pkFile); err != nil {
		return fmt.Errorf("prover: write proving key: %w", err)
	}

	vkFile, err := os.Create(vkPath)
	if err != nil {
		return err
	}
	defer vkFile.Close()
	if _, err := p.vk.WriteTo(vkFile); err != nil {
		return fmt.Errorf("prover: write verification key: %w", err)
	}
	return nil
}

func (p *Groth16Prover) Mode() Mode { return ModeGroth16 }

func assignment(pi PublicInputs) *batchCircuit {
	toInt := func(r [32]byte) *big.Int { return new(big.Int).SetBytes(r[:]) }
	commitment := fieldCommitment(pi)
	return &batchCircuit{
		PreStateRoot:     toInt(pi.PreStateRoot),
		PostStateRoot:    toInt(pi.PostStateRoot),
		PreShieldedRoot:  toInt(pi.PreShieldedRoot),
		PostShieldedRoot: toInt(pi.PostShieldedRoot),
		WithdrawalRoot:   toInt(pi.WithdrawalRoot),
		BatchHash:        toInt(pi.BatchHash),
		Commitment:       toInt(commitment),
	}
}

func (p *Groth16Prover) Prove(ctx context.Context, batch *types.Batch) (*BatchProof, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return nil, fmt.Errorf("%w: prover not initialized", ErrProvingFailed)
	}

	pi := PublicInputsFromBatch(batch)
	witness, err := frontend.NewWitness(assignment(pi), ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("%w: build witness: %v", ErrProvingFailed, err)
	}

	proof, err := groth16.Prove(p.cs, p.pk, witness)
	if err != nil {
		return nil, fmt.Errorf("%w: groth16 prove: %v", ErrProvingFailed, err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("%w: serialize proof: %v", ErrProvingFailed, err)
	}

	return &BatchProof{Mode: ModeGroth16, ProofBytes: buf.Bytes(), PublicInputs: pi}, nil
}

func (p *Groth16Prover) Verify(bp *BatchProof) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.initialized {
		return false, fmt.Errorf("prover: not initialized")
	}

	publicWitness, err := frontend.NewWitness(assignment(bp.PublicInputs), ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, fmt.Errorf("prover: build public witness: %w", err)
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(bp.ProofBytes)); err != nil {
		return false, fmt.Errorf("prover: decode proof: %w", err)
	}

	if err := groth16.Verify(proof, p.vk, publicWitness); err != nil {
		return false, nil
	}
	return true, nil
}
