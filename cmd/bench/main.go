// Command bench load-tests a running sequencer: it funds a pool of
// accounts through the dev-mode HTTP API, then fires signed transfers
// over the real encrypted UDP transport concurrently and reports
// throughput. Intended for a sequencer started with ZL_DEV_MODE=1
// against an in-memory or scratch store, not production. Grounded on
// the teacher's own flag-driven single-purpose cmd tools (no server
// lifecycle, one run and exit).
package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zelana-labs/sequencer/internal/transport"
	"github.com/zelana-labs/sequencer/internal/types"
)

type account struct {
	id   types.AccountID
	priv ed25519.PrivateKey
}

func main() {
	apiAddr := flag.String("api", "http://127.0.0.1:8080", "sequencer HTTP API base URL (dev mode)")
	udpAddr := flag.String("udp", "127.0.0.1:7700", "sequencer UDP transport address")
	numAccounts := flag.Int("accounts", 20, "number of funded sender accounts")
	numTx := flag.Int("txs", 2000, "total number of transfers to submit")
	concurrency := flag.Int("concurrency", 8, "number of concurrent UDP senders")
	flag.Parse()

	accounts, err := fundAccounts(*apiAddr, *numAccounts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: fund accounts: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("bench: funded %d accounts\n", len(accounts))

	var sent int64
	var failed int64
	start := time.Now()

	var wg sync.WaitGroup
	txPerWorker := *numTx / *concurrency
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			client, err := transport.Dial(*udpAddr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bench: worker %d dial: %v\n", worker, err)
				atomic.AddInt64(&failed, int64(txPerWorker))
				return
			}
			defer client.Close()

			sender := accounts[worker%len(accounts)]
			recipient := accounts[(worker+1)%len(accounts)]
			for i := 0; i < txPerWorker; i++ {
				tx := &types.SignedTransaction{
					From:   sender.id,
					To:     recipient.id,
					Amount: 1,
					Nonce:  uint64(i),
				}
				tx.SignerPubKey = sender.priv.Public().(ed25519.PublicKey)
				tx.Signature = ed25519.Sign(sender.priv, tx.CanonicalBytes())
				if err := client.Send(tx); err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&sent, 1)
			}
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("bench: sent=%d failed=%d elapsed=%s rate=%.0f tx/s\n",
		sent, failed, elapsed, float64(sent)/elapsed.Seconds())
}

// fundAccounts generates numAccounts ed25519 keypairs and credits each
// one a starting balance via the dev-mode /dev/deposit endpoint, which
// bypasses the real L1 bridge.
func fundAccounts(apiAddr string, numAccounts int) ([]account, error) {
	accounts := make([]account, 0, numAccounts)
	for i := 0; i < numAccounts; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		var zero [32]byte
		id := types.DeriveAccountID(pub, zero[:])

		dep := types.DepositEvent{To: id, Amount: 1_000_000, L1Seq: uint64(i) + 1, Domain: 1}
		body, err := json.Marshal(dep)
		if err != nil {
			return nil, err
		}
		resp, err := http.Post(apiAddr+"/dev/deposit", "application/json", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("deposit account %s: %w", hex.EncodeToString(id[:]), err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("deposit account %s: status %d", hex.EncodeToString(id[:]), resp.StatusCode)
		}

		accounts = append(accounts, account{id: id, priv: priv})
	}
	return accounts, nil
}
