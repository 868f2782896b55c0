package transport

import (
	"crypto/cipher"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/zelana-labs/sequencer/internal/types"
)

// SessionHandle guards one handshaken session's mutable counters
// against concurrent Encrypt/Decrypt calls and owns the derived AEAD.
type SessionHandle struct {
	mu           sync.Mutex
	sess         *types.Session
	aead         cipher.AEAD
	haveAccepted bool
}

// NewSessionHandle wraps a handshaken session for framing.
func NewSessionHandle(sess *types.Session) (*SessionHandle, error) {
	aead, err := chacha20poly1305.New(sess.SharedKey[:])
	if err != nil {
		return nil, fmt.Errorf("transport: init AEAD: %w", err)
	}
	return &SessionHandle{sess: sess, aead: aead}, nil
}

// Session returns the underlying session state, e.g. for persistence
// of PeerIdentity/LastAccepted across restarts.
func (h *SessionHandle) Session() *types.Session {
	return h.sess
}

// Encrypt seals plaintext under the next counter value and returns a
// ready-to-send AppData datagram. Safe for concurrent use.
func (h *SessionHandle) Encrypt(plaintext []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	counter := h.sess.TxCounter
	h.sess.TxCounter++

	nonce := nonceForCounter(h.sess.BaseIV, counter)
	sealed := h.aead.Seal(nil, nonce[:], plaintext, nil)
	return encodeAppData(nonce, sealed), nil
}

// Decrypt opens an AppData datagram, rejecting any packet whose
// counter is at or below the last accepted counter (replay
// protection per spec §4.9), and advances LastAccepted on success.
func (h *SessionHandle) Decrypt(datagram []byte) ([]byte, error) {
	pkt, err := decodeAppData(datagram)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	counter := counterFromNonce(pkt.Nonce, h.sess.BaseIV)
	if h.haveAccepted && counter <= h.sess.LastAccepted {
		return nil, ErrReplayedNonce
	}

	plaintext, err := h.aead.Open(nil, pkt.Nonce[:], pkt.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: open AppData: %w", err)
	}

	h.sess.LastAccepted = counter
	h.haveAccepted = true
	return plaintext, nil
}
