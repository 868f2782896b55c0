package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zelana-labs/sequencer/internal/router"
	"github.com/zelana-labs/sequencer/internal/types"
)

// pipe is an in-memory duplex channel pair standing in for a UDP
// socket, so handshake/session tests don't need a real network.
type pipe struct {
	toServer chan []byte
	toClient chan []byte
}

func newPipe() *pipe {
	return &pipe{toServer: make(chan []byte, 8), toClient: make(chan []byte, 8)}
}

func (p *pipe) clientSend(b []byte) error   { p.toServer <- append([]byte(nil), b...); return nil }
func (p *pipe) clientRecv() ([]byte, error) { return <-p.toClient, nil }
func (p *pipe) serverSend(b []byte) error   { p.toClient <- append([]byte(nil), b...); return nil }
func (p *pipe) serverRecv() ([]byte, error) { return <-p.toServer, nil }

func handshakeOverPipe(t *testing.T) (*types.Session, *types.Session) {
	t.Helper()
	p := newPipe()

	var clientSess, serverSess *types.Session
	var clientErr, serverErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		clientSess, clientErr = ClientHandshake(p.clientSend, p.clientRecv, "client")
	}()
	go func() {
		defer wg.Done()
		clientHello, err := p.serverRecv()
		if err != nil {
			serverErr = err
			return
		}
		serverSess, serverErr = ServerHandshake(clientHello, p.serverSend, "server")
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	return clientSess, serverSess
}

func TestHandshake_DerivesMatchingSessionKeys(t *testing.T) {
	clientSess, serverSess := handshakeOverPipe(t)
	require.Equal(t, clientSess.SharedKey, serverSess.SharedKey)
	require.Equal(t, clientSess.BaseIV, serverSess.BaseIV)
}

func TestHandshake_DifferentHandshakesDeriveDifferentKeys(t *testing.T) {
	clientSess1, _ := handshakeOverPipe(t)
	clientSess2, _ := handshakeOverPipe(t)
	require.NotEqual(t, clientSess1.SharedKey, clientSess2.SharedKey)
}

func TestSessionHandle_EncryptDecryptRoundTrip(t *testing.T) {
	clientSess, serverSess := handshakeOverPipe(t)

	clientHandle, err := NewSessionHandle(clientSess)
	require.NoError(t, err)
	serverHandle, err := NewSessionHandle(serverSess)
	require.NoError(t, err)

	datagram, err := clientHandle.Encrypt([]byte("hello sequencer"))
	require.NoError(t, err)

	plaintext, err := serverHandle.Decrypt(datagram)
	require.NoError(t, err)
	require.Equal(t, "hello sequencer", string(plaintext))
}

func TestSessionHandle_RejectsReplayedCounter(t *testing.T) {
	clientSess, serverSess := handshakeOverPipe(t)
	clientHandle, err := NewSessionHandle(clientSess)
	require.NoError(t, err)
	serverHandle, err := NewSessionHandle(serverSess)
	require.NoError(t, err)

	datagram, err := clientHandle.Encrypt([]byte("first"))
	require.NoError(t, err)

	_, err = serverHandle.Decrypt(datagram)
	require.NoError(t, err)

	// Replaying the identical datagram must be rejected: its counter
	// equals, not exceeds, LastAccepted.
	_, err = serverHandle.Decrypt(datagram)
	require.ErrorIs(t, err, ErrReplayedNonce)
}

func TestSessionHandle_RejectsOutOfOrderOldCounter(t *testing.T) {
	clientSess, serverSess := handshakeOverPipe(t)
	clientHandle, err := NewSessionHandle(clientSess)
	require.NoError(t, err)
	serverHandle, err := NewSessionHandle(serverSess)
	require.NoError(t, err)

	first, err := clientHandle.Encrypt([]byte("msg0"))
	require.NoError(t, err)
	second, err := clientHandle.Encrypt([]byte("msg1"))
	require.NoError(t, err)

	_, err = serverHandle.Decrypt(second)
	require.NoError(t, err)

	// msg0's counter (0) is below the now-accepted counter (1).
	_, err = serverHandle.Decrypt(first)
	require.ErrorIs(t, err, ErrReplayedNonce)
}

func TestServer_DecryptsAndSubmitsOverRealUDP(t *testing.T) {
	fs := &fakeSubmitter{}
	srv, err := Listen("127.0.0.1:0", fs, nil)
	require.NoError(t, err)
	defer srv.Close()

	go func() { _ = srv.Serve() }()

	client, err := Dial(srv.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	tx := &types.SignedTransaction{From: types.AccountID{0x01}, To: types.AccountID{0x02}, Amount: 5, SignerPubKey: []byte{0x01}}
	require.NoError(t, client.Send(tx))

	require.Eventually(t, func() bool {
		return fs.count() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

type fakeSubmitter struct {
	mu  sync.Mutex
	txs []*types.SignedTransaction
}

func (f *fakeSubmitter) Submit(txHash [32]byte, tx router.Transaction) (types.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx.Transfer)
	return types.Diff{}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}
