// Command proofsetup runs the BN254 Groth16 trusted setup for the
// batch-commitment circuit and writes the resulting constraint system,
// proving key, and verification key to disk for cmd/sequencer's
// groth16 prover mode to load. Grounded on cmd/bls-zk-setup's single-
// purpose setup-CLI shape (one flag-driven command, no server
// lifecycle), replacing its BLS verifier setup with this repo's own
// Groth16BatchProver circuit.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zelana-labs/sequencer/internal/prover"
)

func main() {
	outDir := flag.String("out", "./keys", "directory to write circuit.cs, proving.key, verifying.key")
	flag.Parse()

	if err := run(*outDir); err != nil {
		fmt.Fprintf(os.Stderr, "proofsetup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("proofsetup: wrote keys to %s\n", *outDir)
}

func run(outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	p := prover.NewGroth16Prover()
	if err := p.Setup(); err != nil {
		return fmt.Errorf("trusted setup: %w", err)
	}

	return p.SaveKeys(
		filepath.Join(outDir, "circuit.cs"),
		filepath.Join(outDir, "proving.key"),
		filepath.Join(outDir, "verifying.key"),
	)
}
