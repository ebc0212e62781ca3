// SPDX-License-Identifier: LGPL-3.0-or-later

package router

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/rings-x-project/rings-node/chunk"
	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/dht"
	"github.com/rings-x-project/rings-node/message"
	"github.com/rings-x-project/rings-node/session"
	"github.com/rings-x-project/rings-node/storage/memory"
	"github.com/rings-x-project/rings-node/transport"
	"github.com/rings-x-project/rings-node/transport/dummy"
	"github.com/stretchr/testify/require"
)

func didWith(b byte) did.Did {
	var d did.Did
	d[0] = b
	return d
}

type fakeResolver struct {
	mu   sync.Mutex
	pubs map[did.Did]*ecdsa.PublicKey
}

func newFakeResolver() *fakeResolver { return &fakeResolver{pubs: make(map[did.Did]*ecdsa.PublicKey)} }

func (f *fakeResolver) add(sk *session.SessionSk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs[sk.AccountDID()] = sk.SessionPublicKey()
}

func (f *fakeResolver) ResolveSessionPubkey(d did.Did) (*ecdsa.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pub, ok := f.pubs[d]
	if !ok {
		return nil, ErrNoResolver
	}
	return pub, nil
}

type fakeOpener struct {
	conn transport.Connection
}

func (f *fakeOpener) EnsureConnection(_ context.Context, _ did.Did) (transport.Connection, error) {
	return f.conn, nil
}

type recordingCallback struct {
	mu       sync.Mutex
	inbound  []*message.Envelope
	validate func(*message.Envelope) error
}

func (c *recordingCallback) OnValidate(env *message.Envelope) error {
	if c.validate != nil {
		return c.validate(env)
	}
	return nil
}

func (c *recordingCallback) OnInbound(env *message.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = append(c.inbound, env)
}

// bridgeCallback adapts a dummy transport Connection's callback into a
// direct call to a Router's OnMessage, simulating the Swarm's event loop.
type bridgeCallback struct {
	router *Router
}

func (b *bridgeCallback) OnMessage(_ string, data []byte) {
	_ = b.router.OnMessage(context.Background(), data)
}

func (b *bridgeCallback) OnPeerConnectionStateChange(_ string, _ transport.State) {}

func newSession(t *testing.T) *session.SessionSk {
	t.Helper()
	account, err := did.GenerateKeyPair()
	require.NoError(t, err)
	sk, err := session.New(account, time.Hour)
	require.NoError(t, err)
	return sk
}

func TestSendToSelfDeliversLocallyWithoutDispatch(t *testing.T) {
	sk := newSession(t)
	ring := dht.New(sk.AccountDID(), 3, memory.New(1<<20))
	cb := &recordingCallback{}
	resolver := newFakeResolver()
	resolver.add(sk)

	r := New(ring, sk, &fakeOpener{}, resolver, cb, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)

	var dest did.Did
	dest[0] = 0x55
	require.NoError(t, r.Send(context.Background(), dest, []byte("hello")))

	require.Len(t, cb.inbound, 1)
	require.Equal(t, []byte("hello"), cb.inbound[0].Transaction.Body)
}

func TestSendDispatchesAndForwardsBetweenTwoNodes(t *testing.T) {
	skA := newSession(t)
	skB := newSession(t)

	ringA := dht.New(skA.AccountDID(), 3, memory.New(1<<20))
	ringB := dht.New(skB.AccountDID(), 3, memory.New(1<<20))
	ringA.Join(skB.AccountDID())

	resolverA := newFakeResolver()
	resolverA.add(skA)
	resolverA.add(skB)
	resolverB := newFakeResolver()
	resolverB.add(skA)
	resolverB.add(skB)

	cbA := &recordingCallback{}
	cbB := &recordingCallback{}

	fx := dummy.NewFixture()
	ta := dummy.New(fx, "A")
	tb := dummy.New(fx, "B")

	routerA := New(ringA, skA, nil, resolverA, cbA, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)
	routerB := New(ringB, skB, nil, resolverB, cbB, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)

	ctx := context.Background()
	connA, err := ta.NewConnection(ctx, "B", &bridgeCallback{router: routerA})
	require.NoError(t, err)
	connB, err := tb.NewConnection(ctx, "A", &bridgeCallback{router: routerB})
	require.NoError(t, err)

	offer, err := connA.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := connB.AnswerOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, connA.AcceptAnswer(ctx, answer))

	routerA.opener = &fakeOpener{conn: connA}

	var dest did.Did
	dest[0] = 0x20 // lies between skA (low) and skB (joined successor)

	require.NoError(t, routerA.Send(ctx, dest, []byte("payload")))

	require.Len(t, cbB.inbound, 1)
	require.Equal(t, []byte("payload"), cbB.inbound[0].Transaction.Body)
	require.Len(t, cbB.inbound[0].Relay, 0)
}

// frameCapturingConn wraps a transport.Connection, recording the byte
// length of every frame handed to SendMessage before forwarding the call.
type frameCapturingConn struct {
	transport.Connection
	mu    sync.Mutex
	sizes []int
}

func (f *frameCapturingConn) SendMessage(ctx context.Context, data []byte) error {
	f.mu.Lock()
	f.sizes = append(f.sizes, len(data))
	f.mu.Unlock()
	return f.Connection.SendMessage(ctx, data)
}

func TestDispatchFragmentsNeverExceedTransportMTU(t *testing.T) {
	skA := newSession(t)
	skB := newSession(t)

	ringA := dht.New(skA.AccountDID(), 3, memory.New(1<<20))
	ringB := dht.New(skB.AccountDID(), 3, memory.New(1<<20))
	ringA.Join(skB.AccountDID())

	resolverA := newFakeResolver()
	resolverA.add(skA)
	resolverA.add(skB)
	resolverB := newFakeResolver()
	resolverB.add(skA)
	resolverB.add(skB)

	cbA := &recordingCallback{}
	cbB := &recordingCallback{}

	fx := dummy.NewFixture()
	ta := dummy.New(fx, "A")
	tb := dummy.New(fx, "B")

	routerA := New(ringA, skA, nil, resolverA, cbA, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)
	routerB := New(ringB, skB, nil, resolverB, cbB, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)

	ctx := context.Background()
	connA, err := ta.NewConnection(ctx, "B", &bridgeCallback{router: routerA})
	require.NoError(t, err)
	connB, err := tb.NewConnection(ctx, "A", &bridgeCallback{router: routerB})
	require.NoError(t, err)

	offer, err := connA.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := connB.AnswerOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, connA.AcceptAnswer(ctx, answer))

	spy := &frameCapturingConn{Connection: connA}
	routerA.opener = &fakeOpener{conn: spy}

	big := make([]byte, message.TransportMTU*3)
	for i := range big {
		big[i] = byte(i)
	}

	var dest did.Did
	dest[0] = 0x20

	require.NoError(t, routerA.Send(ctx, dest, big))
	require.Len(t, cbB.inbound, 1)
	require.Equal(t, big, cbB.inbound[0].Transaction.Body)

	require.NotEmpty(t, spy.sizes)
	for _, n := range spy.sizes {
		require.LessOrEqual(t, n, message.TransportMTU)
	}
}

func TestHandleInboundDropsOnLoop(t *testing.T) {
	skA := newSession(t)
	skB := newSession(t)
	ring := dht.New(skB.AccountDID(), 3, memory.New(1<<20))
	resolver := newFakeResolver()
	resolver.add(skA)
	resolver.add(skB)
	cb := &recordingCallback{}

	r := New(ring, skB, &fakeOpener{}, resolver, cb, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)

	var dest did.Did
	dest[0] = 0xaa
	tx := message.NewTransaction(skA, dest, 1, 1, 7, []byte("x"))
	env := message.Envelope{Transaction: tx}
	env = message.AppendRelay(env, skB)

	err := r.HandleInbound(context.Background(), &env)
	require.ErrorIs(t, err, message.ErrLoop)
}

func TestHandleInboundDropsOnTTLExpired(t *testing.T) {
	skA := newSession(t)
	skB := newSession(t)
	ring := dht.New(skB.AccountDID(), 3, memory.New(1<<20))
	resolver := newFakeResolver()
	resolver.add(skA)
	resolver.add(skB)
	cb := &recordingCallback{}

	r := New(ring, skB, &fakeOpener{}, resolver, cb, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)

	var dest did.Did
	dest[0] = 0xaa
	tx := message.NewTransaction(skA, dest, 1, 1, 1, []byte("x"))
	env := message.Envelope{Transaction: tx}

	err := r.HandleInbound(context.Background(), &env)
	require.ErrorIs(t, err, message.ErrTTLExpired)
}

func TestSendChunksLargePayload(t *testing.T) {
	skA := newSession(t)
	skB := newSession(t)

	ringA := dht.New(skA.AccountDID(), 3, memory.New(1<<20))
	ringB := dht.New(skB.AccountDID(), 3, memory.New(1<<20))
	ringA.Join(skB.AccountDID())

	resolverA := newFakeResolver()
	resolverA.add(skA)
	resolverA.add(skB)
	resolverB := newFakeResolver()
	resolverB.add(skA)
	resolverB.add(skB)

	cbA := &recordingCallback{}
	cbB := &recordingCallback{}

	fx := dummy.NewFixture()
	ta := dummy.New(fx, "A")
	tb := dummy.New(fx, "B")

	routerA := New(ringA, skA, nil, resolverA, cbA, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)
	routerB := New(ringB, skB, nil, resolverB, cbB, chunk.NewReassembler(0, 1<<20), session.NewNonceCache(time.Minute), 0)

	ctx := context.Background()
	connA, err := ta.NewConnection(ctx, "B", &bridgeCallback{router: routerA})
	require.NoError(t, err)
	connB, err := tb.NewConnection(ctx, "A", &bridgeCallback{router: routerB})
	require.NoError(t, err)

	offer, err := connA.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := connB.AnswerOffer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, connA.AcceptAnswer(ctx, answer))

	routerA.opener = &fakeOpener{conn: connA}

	big := make([]byte, message.TransportMTU*3)
	for i := range big {
		big[i] = byte(i)
	}

	var dest did.Did
	dest[0] = 0x20

	require.NoError(t, routerA.Send(ctx, dest, big))
	require.Len(t, cbB.inbound, 1)
	require.Equal(t, big, cbB.inbound[0].Transaction.Body)
}
