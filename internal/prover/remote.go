package prover

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zelana-labs/sequencer/internal/types"
)

// RemoteProver submits batches to an external prover coordinator and polls
// for completion, per spec §4.5's Remote mode: proving happens out of
// process, and failure or timeout surfaces as ErrProvingFailed.
type RemoteProver struct {
	BaseURL      string
	Client       *http.Client
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewRemoteProver constructs a RemoteProver against a coordinator base URL,
// with dev-friendly defaults for polling.
func NewRemoteProver(baseURL string) *RemoteProver {
	return &RemoteProver{
		BaseURL:      baseURL,
		Client:       &http.Client{Timeout: 10 * time.Second},
		PollInterval: 500 * time.Millisecond,
		Timeout:      2 * time.Minute,
	}
}

func (p *RemoteProver) Mode() Mode { return ModeRemote }

type submitRequest struct {
	BatchIndex       uint64 `json:"batch_index"`
	PreStateRoot     string `json:"pre_state_root"`
	PostStateRoot    string `json:"post_state_root"`
	PreShieldedRoot  string `json:"pre_shielded_root"`
	PostShieldedRoot string `json:"post_shielded_root"`
	WithdrawalRoot   string `json:"withdrawal_root"`
	BatchHash        string `json:"batch_hash"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	Status     string `json:"status"` // "pending", "proving", "done", "failed"
	ProofBytes string `json:"proof_bytes,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Prove posts the batch's public inputs to the coordinator, then polls the
// job's status until it completes, fails, the context is cancelled, or
// p.Timeout elapses.
func (p *RemoteProver) Prove(ctx context.Context, batch *types.Batch) (*BatchProof, error) {
	pi := PublicInputsFromBatch(batch)

	req := submitRequest{
		BatchIndex:       batch.Index,
		PreStateRoot:     hex.EncodeToString(pi.PreStateRoot[:]),
		PostStateRoot:    hex.EncodeToString(pi.PostStateRoot[:]),
		PreShieldedRoot:  hex.EncodeToString(pi.PreShieldedRoot[:]),
		PostShieldedRoot: hex.EncodeToString(pi.PostShieldedRoot[:]),
		WithdrawalRoot:   hex.EncodeToString(pi.WithdrawalRoot[:]),
		BatchHash:        hex.EncodeToString(pi.BatchHash[:]),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal submit request: %v", ErrProvingFailed, err)
	}

	jobID, err := p.submit(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrProvingFailed, err)
	}

	deadline := time.Now().Add(p.Timeout)
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrProvingFailed, ctx.Err())
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("%w: coordinator poll timed out after %s", ErrProvingFailed, p.Timeout)
			}
			status, err := p.poll(ctx, jobID)
			if err != nil {
				return nil, fmt.Errorf("%w: poll: %v", ErrProvingFailed, err)
			}
			switch status.Status {
			case "done":
				proofBytes, err := hex.DecodeString(status.ProofBytes)
				if err != nil {
					return nil, fmt.Errorf("%w: decode proof bytes: %v", ErrProvingFailed, err)
				}
				return &BatchProof{Mode: ModeRemote, ProofBytes: proofBytes, PublicInputs: pi}, nil
			case "failed":
				return nil, fmt.Errorf("%w: coordinator reported failure: %s", ErrProvingFailed, status.Error)
			case "pending", "proving":
				continue
			default:
				return nil, fmt.Errorf("%w: unknown coordinator status %q", ErrProvingFailed, status.Status)
			}
		}
	}
}

func (p *RemoteProver) submit(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("coordinator returned status %d", resp.StatusCode)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", err
	}
	return sr.JobID, nil
}

func (p *RemoteProver) poll(ctx context.Context, jobID string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coordinator returned status %d", resp.StatusCode)
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

// Verify on a RemoteProver trusts the coordinator's proof as opaque bytes:
// it accepts any non-empty ProofBytes and performs no cryptographic check.
func (p *RemoteProver) Verify(proof *BatchProof) (bool, error) {
	return len(proof.ProofBytes) > 0, nil
}
