package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/zelana-labs/sequencer/internal/types"
)

// sessionInfo is the HKDF info string binding derived keys to this
// protocol and version, per spec §4.9.
const sessionInfo = "zelana-v2-session"

// generateKeypair produces a fresh X25519 keypair.
func generateKeypair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return
	}
	// Clamp per RFC 7748; curve25519.X25519 also clamps internally, but
	// ScalarBaseMult's output depends on clamped input for a well-formed
	// public key.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], pubSlice)
	return
}

// deriveSession runs X25519 then HKDF-SHA256 to produce the shared
// AEAD key and base IV, per spec §4.9: salt = H(client_pk || server_pk),
// HKDF over the DH shared secret with info "zelana-v2-session".
func deriveSession(privKey [32]byte, peerPubKey, clientPK, serverPK [32]byte, peerIdentity string) (*types.Session, error) {
	shared, err := curve25519.X25519(privKey[:], peerPubKey[:])
	if err != nil {
		return nil, fmt.Errorf("transport: X25519: %w", err)
	}

	salt := sha256.Sum256(append(append([]byte{}, clientPK[:]...), serverPK[:]...))
	kdf := hkdf.New(sha256.New, shared, salt[:], []byte(sessionInfo))

	var okm [32 + 12]byte
	if _, err := io.ReadFull(kdf, okm[:]); err != nil {
		return nil, fmt.Errorf("transport: HKDF expand: %w", err)
	}

	sess := &types.Session{PeerIdentity: peerIdentity}
	copy(sess.SharedKey[:], okm[:32])
	copy(sess.BaseIV[:], okm[32:])
	return sess, nil
}

// ClientHandshake performs the one-round-trip X25519 handshake over
// conn: send ClientHello, receive ServerHello, derive the session.
// readHello reads exactly one datagram, supplied by the caller so this
// function stays transport-medium-agnostic (tests use an in-memory
// pipe, production uses a *net.UDPConn).
func ClientHandshake(send func([]byte) error, recv func() ([]byte, error), peerIdentity string) (*types.Session, error) {
	priv, clientPK, err := generateKeypair()
	if err != nil {
		return nil, err
	}
	if err := send(encodeHello(KindClientHello, clientPK)); err != nil {
		return nil, fmt.Errorf("transport: send ClientHello: %w", err)
	}

	raw, err := recv()
	if err != nil {
		return nil, fmt.Errorf("transport: recv ServerHello: %w", err)
	}
	hello, err := decodeHello(raw, KindServerHello)
	if err != nil {
		return nil, err
	}

	return deriveSession(priv, hello.PublicKey, clientPK, hello.PublicKey, peerIdentity)
}

// ServerHandshake completes the responder side: read the already-
// received ClientHello, generate its own ephemeral keypair, reply with
// ServerHello, and derive the session.
func ServerHandshake(clientHello []byte, send func([]byte) error, peerIdentity string) (*types.Session, error) {
	hello, err := decodeHello(clientHello, KindClientHello)
	if err != nil {
		return nil, err
	}

	priv, serverPK, err := generateKeypair()
	if err != nil {
		return nil, err
	}
	if err := send(encodeHello(KindServerHello, serverPK)); err != nil {
		return nil, fmt.Errorf("transport: send ServerHello: %w", err)
	}

	return deriveSession(priv, hello.PublicKey, hello.PublicKey, serverPK, peerIdentity)
}
