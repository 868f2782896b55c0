package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/types"
)

// Submitter is the subset of *batchmgr.Manager Transport needs to
// hand a decrypted transaction to TxRouter.
type Submitter interface {
	Submit(txHash [32]byte, tx router.Transaction) (types.Diff, error)
}

// Server listens on a UDP socket, completes handshakes with new
// peers, and decrypts AppData packets into transactions submitted to
// TxRouter. One Session per remote address.
type Server struct {
	conn      *net.UDPConn
	submitter Submitter
	logger    *log.Logger

	mu       sync.Mutex
	sessions map[string]*SessionHandle
}

// Listen opens addr and returns a Server ready to Serve.
func Listen(addr string, submitter Submitter, logger *log.Logger) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Transport] ", log.LstdFlags)
	}
	return &Server{conn: conn, submitter: submitter, logger: logger, sessions: make(map[string]*SessionHandle)}, nil
}

// LocalAddr returns the bound UDP address, useful when addr was ":0".
func (s *Server) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the UDP socket.
func (s *Server) Close() error { return s.conn.Close() }

// Serve reads datagrams until the socket closes. Each iteration
// handles exactly one packet: ClientHello completes a handshake,
// AppData decrypts and submits. Malformed or unrecognized packets are
// logged and dropped — fire-and-forget means there is no error
// channel back to the sender.
func (s *Server) Serve() error {
	buf := make([]byte, 64*1024)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		datagram := append([]byte(nil), buf[:n]...)
		s.handlePacket(datagram, remote)
	}
}

func (s *Server) handlePacket(datagram []byte, remote *net.UDPAddr) {
	if len(datagram) == 0 {
		return
	}
	switch datagram[0] {
	case KindClientHello:
		s.handleHello(datagram, remote)
	case KindAppData:
		s.handleAppData(datagram, remote)
	default:
		s.logger.Printf("dropping packet from %s: %v", remote, ErrUnknownKind)
	}
}

func (s *Server) handleHello(datagram []byte, remote *net.UDPAddr) {
	sess, err := ServerHandshake(datagram, func(out []byte) error {
		_, err := s.conn.WriteToUDP(out, remote)
		return err
	}, remote.String())
	if err != nil {
		s.logger.Printf("handshake with %s failed: %v", remote, err)
		return
	}

	handle, err := NewSessionHandle(sess)
	if err != nil {
		s.logger.Printf("session init for %s failed: %v", remote, err)
		return
	}

	s.mu.Lock()
	s.sessions[remote.String()] = handle
	s.mu.Unlock()
}

func (s *Server) handleAppData(datagram []byte, remote *net.UDPAddr) {
	s.mu.Lock()
	handle, ok := s.sessions[remote.String()]
	s.mu.Unlock()
	if !ok {
		s.logger.Printf("AppData from %s with no session, dropping", remote)
		return
	}

	plaintext, err := handle.Decrypt(datagram)
	if err != nil {
		s.logger.Printf("decrypt from %s failed: %v", remote, err)
		return
	}

	var tx types.SignedTransaction
	if err := json.Unmarshal(plaintext, &tx); err != nil {
		s.logger.Printf("decode transaction from %s failed: %v", remote, err)
		return
	}

	var txHash [32]byte
	copy(txHash[:], crypto.Keccak256(tx.CanonicalBytes()))
	if _, err := s.submitter.Submit(txHash, router.Transaction{Kind: types.KindTransfer, Transfer: &tx}); err != nil {
		s.logger.Printf("submit transaction from %s failed: %v", remote, err)
	}
}

// Client is one handshaken UDP peer connection, used by dev-mode and
// benchmark tooling (cmd/bench) to send transactions the way a real
// client would.
type Client struct {
	conn   *net.UDPConn
	handle *SessionHandle
}

// Dial performs the one-round-trip handshake against addr and returns
// a ready-to-send Client.
func Dial(addr string) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	buf := make([]byte, 1500)
	sess, err := ClientHandshake(
		func(out []byte) error { _, err := conn.Write(out); return err },
		func() ([]byte, error) {
			n, err := conn.Read(buf)
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), buf[:n]...), nil
		},
		addr,
	)
	if err != nil {
		conn.Close()
		return nil, err
	}

	handle, err := NewSessionHandle(sess)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, handle: handle}, nil
}

// Send encrypts and fires tx at the server; there is no delivery
// confirmation by design.
func (c *Client) Send(tx *types.SignedTransaction) error {
	plaintext, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	datagram, err := c.handle.Encrypt(plaintext)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(datagram)
	return err
}

// Close releases the client's UDP socket.
func (c *Client) Close() error { return c.conn.Close() }
