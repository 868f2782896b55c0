// Package transport implements Zephyr, the UDP transport carrying
// transparent transactions from clients to the sequencer, per spec
// §4.9: a one-round-trip X25519 handshake, HKDF-SHA256 session-key
// derivation, and per-message ChaCha20-Poly1305 AEAD framing with a
// strictly monotonic counter nonce. Fire-and-forget: no
// acknowledgement or retransmission, matching the spec's explicit
// non-goal — clients needing delivery confirmation query status
// through a separate channel.
package transport

import (
	"encoding/binary"
	"errors"
)

// Packet kind discriminators, the first byte of every datagram.
const (
	KindClientHello byte = 0x01
	KindServerHello byte = 0x02
	KindAppData     byte = 0x03
)

var (
	ErrShortPacket   = errors.New("transport: packet too short")
	ErrUnknownKind   = errors.New("transport: unknown packet kind")
	ErrReplayedNonce = errors.New("transport: counter at or below last accepted")
)

// helloPacket carries one party's X25519 public key.
type helloPacket struct {
	Kind      byte
	PublicKey [32]byte
}

func encodeHello(kind byte, pk [32]byte) []byte {
	out := make([]byte, 1+32)
	out[0] = kind
	copy(out[1:], pk[:])
	return out
}

func decodeHello(data []byte, wantKind byte) (*helloPacket, error) {
	if len(data) < 1+32 {
		return nil, ErrShortPacket
	}
	if data[0] != wantKind {
		return nil, ErrUnknownKind
	}
	h := &helloPacket{Kind: data[0]}
	copy(h.PublicKey[:], data[1:33])
	return h, nil
}

// appDataPacket is nonce(12) || ciphertext || tag(16), with the
// 1-byte kind discriminator already stripped.
type appDataPacket struct {
	Nonce      [12]byte
	Ciphertext []byte // includes the trailing 16-byte AEAD tag
}

func encodeAppData(nonce [12]byte, ciphertextAndTag []byte) []byte {
	out := make([]byte, 0, 1+12+len(ciphertextAndTag))
	out = append(out, KindAppData)
	out = append(out, nonce[:]...)
	out = append(out, ciphertextAndTag...)
	return out
}

func decodeAppData(data []byte) (*appDataPacket, error) {
	if len(data) < 1+12+16 {
		return nil, ErrShortPacket
	}
	if data[0] != KindAppData {
		return nil, ErrUnknownKind
	}
	p := &appDataPacket{}
	copy(p.Nonce[:], data[1:13])
	p.Ciphertext = append([]byte(nil), data[13:]...)
	return p, nil
}

// counterFromNonce recovers the monotonic counter XORed into a
// session nonce's low 8 bytes against baseIV.
func counterFromNonce(nonce, baseIV [12]byte) uint64 {
	var nLow, bLow [8]byte
	copy(nLow[:], nonce[4:12])
	copy(bLow[:], baseIV[4:12])
	return binary.BigEndian.Uint64(nLow[:]) ^ binary.BigEndian.Uint64(bLow[:])
}

// nonceForCounter derives the per-message nonce: base_iv with its low
// 8 bytes XORed against the big-endian counter. The high 4 bytes of
// base_iv pass through unchanged.
func nonceForCounter(baseIV [12]byte, counter uint64) [12]byte {
	var nonce [12]byte
	copy(nonce[:4], baseIV[:4])
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)
	for i := 0; i < 8; i++ {
		nonce[4+i] = baseIV[4+i] ^ counterBytes[i]
	}
	return nonce
}
