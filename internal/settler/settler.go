// Package settler implements Settler: submitting a proved batch's
// verifier call and bridge state update to L1 as one transaction, with
// retry/backoff on recoverable errors, per spec §4.6. Grounded on
// pkg/ethereum's client lifecycle (nonce/gas-price handling, WaitMined
// receipt polling, ABI pack/unpack) for the transaction-submission
// plumbing, and on cenkalti/backoff/v4 for the retry loop (the teacher
// itself has no backoff dependency; promoted from the pack).
package settler

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/zelana-labs/sequencer/internal/metrics"
	"github.com/zelana-labs/sequencer/internal/prover"
	"github.com/zelana-labs/sequencer/internal/types"
)

// ErrSettlementFailed marks a batch whose settlement cannot be retried:
// verifier rejection, permanent auth failure, or retry-budget exhaustion.
var ErrSettlementFailed = errors.New("settler: settlement failed")

// submitBatchABI is the single entrypoint this package calls: one
// function taking the proof and withdrawal batch together so the
// verifier invocation and bridge state update land atomically in one
// L1 transaction, per spec §4.6.
const submitBatchABI = `[{
	"name": "submitBatch",
	"type": "function",
	"inputs": [
		{"name": "prevBatchIndex", "type": "uint64"},
		{"name": "newBatchIndex", "type": "uint64"},
		{"name": "newStateRoot", "type": "bytes32"},
		{"name": "proof", "type": "bytes"},
		{"name": "withdrawalRecipients", "type": "address[]"},
		{"name": "withdrawalAmounts", "type": "uint256[]"}
	],
	"outputs": []
}]`

// L1Ref identifies a confirmed L1 transaction.
type L1Ref struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// Config configures a Settler's L1 connection and retry policy.
type Config struct {
	RPCURL               string
	ChainID              int64
	BridgeContractAddr   common.Address
	PrivateKeyHex        string
	MaxRetries           int
	RetryBase            time.Duration
	PollInterval         time.Duration
	MinGasPriceGwei      int64
	Metrics              *metrics.Metrics
}

// Settler submits proved batches to L1 and confirms their inclusion.
type Settler struct {
	cfg        Config
	client     *ethclient.Client
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	fromAddr   common.Address
	abi        abi.ABI
}

// New dials the configured L1 RPC endpoint and parses the bridge ABI.
func New(cfg Config) (*Settler, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("settler: dial L1: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("settler: parse private key: %w", err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("settler: derive public key: unexpected type")
	}

	parsedABI, err := abi.JSON(strings.NewReader(submitBatchABI))
	if err != nil {
		return nil, fmt.Errorf("settler: parse bridge ABI: %w", err)
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MinGasPriceGwei <= 0 {
		cfg.MinGasPriceGwei = 5
	}

	return &Settler{
		cfg:        cfg,
		client:     client,
		chainID:    big.NewInt(cfg.ChainID),
		privateKey: privateKey,
		fromAddr:   crypto.PubkeyToAddress(*publicKeyECDSA),
		abi:        parsedABI,
	}, nil
}

// recoverable reports whether err is worth retrying: a transient RPC,
// nonce, or gas-price condition rather than a contract-level rejection.
func recoverable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"replacement transaction underpriced",
		"nonce too low",
		"already known",
		"connection refused",
		"timeout",
		"EOF",
		"i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Settle submits proof's verifier call and batch.Withdrawals' bridge
// state update as a single L1 transaction, retrying recoverable errors
// with exponential backoff up to cfg.MaxRetries, then polls for
// confirmation. A non-recoverable error is wrapped in
// ErrSettlementFailed; the caller (Pipeline) records it as its error and
// stops releasing later batches, but does not change the batch's stored
// status. Resubmitting the same batch index with the
// same new_state_root is a no-op on L1, so Settle may be safely called
// again after a crash mid-retry.
func (s *Settler) Settle(ctx context.Context, batch *types.Batch, proof *prover.BatchProof) (*L1Ref, error) {
	recipients := make([]common.Address, len(batch.Withdrawals))
	amounts := make([]*big.Int, len(batch.Withdrawals))
	for i, w := range batch.Withdrawals {
		recipients[i] = common.BytesToAddress(w.ToL1Address[:])
		amounts[i] = new(big.Int).SetUint64(w.Amount)
	}

	callData, err := s.abi.Pack("submitBatch",
		batch.Index-1,
		batch.Index,
		[32]byte(batch.PostStateRoot),
		proof.ProofBytes,
		recipients,
		amounts,
	)
	if err != nil {
		return nil, fmt.Errorf("settler: pack submitBatch call: %w", err)
	}

	var ref *L1Ref
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = s.cfg.RetryBase
	var policy backoff.BackOff = backoff.WithMaxRetries(boff, uint64(s.cfg.MaxRetries))
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	op := func() error {
		attempt++
		s.cfg.Metrics.RecordSettlementAttempt()
		if attempt > 1 {
			s.cfg.Metrics.RecordSettlementRetry()
		}

		signedTx, err := s.buildAndSign(ctx, callData, attempt)
		if err != nil {
			if recoverable(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrSettlementFailed, err))
		}

		if err := s.client.SendTransaction(ctx, signedTx); err != nil {
			if recoverable(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrSettlementFailed, err))
		}

		receipt, err := bind.WaitMined(ctx, s.client, signedTx)
		if err != nil {
			if recoverable(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrSettlementFailed, err))
		}
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			return backoff.Permanent(fmt.Errorf("%w: verifier rejected batch %d", ErrSettlementFailed, batch.Index))
		}

		ref = &L1Ref{TxHash: signedTx.Hash(), BlockNumber: receipt.BlockNumber.Uint64()}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		s.cfg.Metrics.RecordSettlementFailure()
		if errors.Is(err, ErrSettlementFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: exhausted retries: %v", ErrSettlementFailed, err)
	}
	s.cfg.Metrics.RecordBatchSettled()
	return ref, nil
}

// buildAndSign assembles a fresh transaction with a current nonce and an
// escalating gas price: attempt 1 uses the suggested price (floored at
// MinGasPriceGwei), each subsequent attempt adds 20%.
func (s *Settler) buildAndSign(ctx context.Context, callData []byte, attempt int) (*ethtypes.Transaction, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.fromAddr)
	if err != nil {
		return nil, fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get gas price: %w", err)
	}
	minGasPrice := new(big.Int).Mul(big.NewInt(s.cfg.MinGasPriceGwei), big.NewInt(1e9))
	if gasPrice.Cmp(minGasPrice) < 0 {
		gasPrice = minGasPrice
	}
	if attempt > 1 {
		multiplier := big.NewInt(int64(100 + 20*(attempt-1)))
		gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, multiplier), big.NewInt(100))
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.fromAddr,
		To:   &s.cfg.BridgeContractAddr,
		Data: callData,
	})
	if err != nil {
		gasLimit = 500000
	}

	tx := ethtypes.NewTransaction(nonce, s.cfg.BridgeContractAddr, big.NewInt(0), gasLimit, gasPrice, callData)
	return ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(s.chainID), s.privateKey)
}
