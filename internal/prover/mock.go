package prover

import (
	"context"

	"github.com/zelana-labs/sequencer/internal/types"
)

// MockProver produces a deterministic hash of a batch's public inputs as
// its "proof". It always succeeds; used in tests and dev mode.
type MockProver struct{}

// NewMockProver constructs a MockProver.
func NewMockProver() *MockProver { return &MockProver{} }

func (p *MockProver) Mode() Mode { return ModeMock }

func (p *MockProver) Prove(ctx context.Context, batch *types.Batch) (*BatchProof, error) {
	pi := PublicInputsFromBatch(batch)
	commitment := pi.commitment()
	return &BatchProof{
		Mode:         ModeMock,
		ProofBytes:   commitment[:],
		PublicInputs: pi,
	}, nil
}

func (p *MockProver) Verify(proof *BatchProof) (bool, error) {
	want := proof.PublicInputs.commitment()
	return len(proof.ProofBytes) == len(want) && string(proof.ProofBytes) == string(want[:]), nil
}
