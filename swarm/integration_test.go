// SPDX-License-Identifier: LGPL-3.0-or-later

package swarm

import (
	"context"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/session"
	"github.com/rings-x-project/rings-node/storage/memory"
	"github.com/rings-x-project/rings-node/transport"
	"github.com/rings-x-project/rings-node/transport/dummy"
	"github.com/stretchr/testify/require"
)

// ringNode bundles one Swarm under test with the httptest server hosting
// its handshake/ring-RPC endpoints and the dummy transport it shares with
// its peers through a single Fixture.
type ringNode struct {
	swarm *Swarm
	cb    *recordingCallback
	url   string
}

// newRingTriple builds three Swarms on a shared dummy.Fixture, each with
// its own httptest server for handshake and ring RPC, and returns them
// sorted ascending by account did so callers get a predictable clockwise
// ring order: nodes[0] -> nodes[1] -> nodes[2] -> (wraps to) nodes[0].
func newRingTriple(t *testing.T) [3]*ringNode {
	t.Helper()
	fx := dummy.NewFixture()

	nodes := make([]*ringNode, 3)
	for i := range nodes {
		account, err := did.GenerateKeyPair()
		require.NoError(t, err)
		sk, err := session.New(account, time.Hour)
		require.NoError(t, err)

		srv := httptest.NewServer(nil)
		t.Cleanup(srv.Close)

		tr := dummy.New(fx, sk.AccountDID().String())
		cb := &recordingCallback{}
		s := New(Config{
			SessionSk:       sk,
			DHTSuccMax:      3,
			DHTStorage:      memory.New(1 << 20),
			Transport:       tr,
			Callback:        cb,
			MaxHops:         7,
			ReassemblyCap:   1 << 20,
			ReassemblyTTL:   time.Minute,
			NonceCacheTTL:   time.Minute,
			ExternalAddress: srv.URL,
		})
		srv.Config.Handler = s.Handler()

		nodes[i] = &ringNode{swarm: s, cb: cb, url: srv.URL}
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].swarm.sk.AccountDID().Less(nodes[j].swarm.sk.AccountDID())
	})
	return [3]*ringNode{nodes[0], nodes[1], nodes[2]}
}

// handshakeNodes connects from over HTTP to to, joining each into the
// other's ring the same way a real signaling exchange would.
func handshakeNodes(t *testing.T, from, to *ringNode) {
	t.Helper()
	require.NoError(t, from.swarm.ConnectPeerViaHTTP(context.Background(), to.swarm.sk.AccountDID(), to.url+"/handshake"))
}

func runAll(ctx context.Context, nodes [3]*ringNode) {
	for _, n := range nodes {
		go n.swarm.Run(ctx)
	}
}

func stopAll(nodes [3]*ringNode) {
	for _, n := range nodes {
		n.swarm.Stop()
	}
}

// TestThreePeerChainForwardsThroughIntermediateHop drives three rings
// connected only in a chain (x0-x1, x1-x2, no direct x0-x2 link) and
// checks that find_successor's fallback to successor_list[0] is enough,
// on its own, to relay a message the whole way across without any
// stabilizer running.
func TestThreePeerChainForwardsThroughIntermediateHop(t *testing.T) {
	nodes := newRingTriple(t)
	x0, x1, x2 := nodes[0], nodes[1], nodes[2]

	handshakeNodes(t, x0, x1)
	handshakeNodes(t, x1, x2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAll(ctx, nodes)
	defer stopAll(nodes)

	// x2 never handshakes with x0 directly, so it must learn x0's session
	// pubkey out of band before it can verify a transaction originated by x0.
	x2.swarm.RegisterPeerPubkey(x0.swarm.sk.AccountDID(), x0.swarm.sk.SessionPublicKey())

	x0Did, x1Did, x2Did := x0.swarm.sk.AccountDID(), x1.swarm.sk.AccountDID(), x2.swarm.sk.AccountDID()
	require.Equal(t, []did.Did{x1Did}, x0.swarm.Ring().SuccessorList())
	require.Equal(t, []did.Did{x2Did, x0Did}, x1.swarm.Ring().SuccessorList())
	require.Equal(t, []did.Did{x1Did}, x2.swarm.Ring().SuccessorList())

	require.NoError(t, x0.swarm.Send(context.Background(), x2Did, []byte("via middle hop")))

	require.Eventually(t, func() bool {
		return x2.cb.inboundCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("via middle hop"), x2.cb.inbound[0].Transaction.Body)
	require.Len(t, x2.cb.inbound[0].Relay, 1)
	require.Equal(t, x1Did, x2.cb.inbound[0].Relay[0].Did)
}

// TestThreePeerStabilizationConvergesPredecessors full-meshes three rings
// and runs their stabilizers until every node's predecessor cell settles
// on its correct clockwise-immediate neighbor, exercising stabilize and
// notify (the two ticks that don't depend on the self-referential
// find_successor call fix_fingers/reap_connections make).
func TestThreePeerStabilizationConvergesPredecessors(t *testing.T) {
	nodes := newRingTriple(t)
	x0, x1, x2 := nodes[0], nodes[1], nodes[2]

	handshakeNodes(t, x0, x1)
	handshakeNodes(t, x1, x2)
	handshakeNodes(t, x2, x0)

	for _, n := range nodes {
		n.swarm.EnableStabilizer(20 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAll(ctx, nodes)
	defer stopAll(nodes)

	x0Did, x1Did, x2Did := x0.swarm.sk.AccountDID(), x1.swarm.sk.AccountDID(), x2.swarm.sk.AccountDID()
	require.Eventually(t, func() bool {
		p0, ok0 := x0.swarm.Ring().Predecessor()
		p1, ok1 := x1.swarm.Ring().Predecessor()
		p2, ok2 := x2.swarm.Ring().Predecessor()
		return ok0 && ok1 && ok2 && p0 == x2Did && p1 == x0Did && p2 == x1Did
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, []did.Did{x1Did, x2Did}, x0.swarm.Ring().SuccessorList())
	require.Equal(t, []did.Did{x2Did, x0Did}, x1.swarm.Ring().SuccessorList())
	require.Equal(t, []did.Did{x0Did, x1Did}, x2.swarm.Ring().SuccessorList())
}

// TestThreePeerChurnReapsDeadSuccessor full-meshes three rings, lets the
// stabilizers settle, then kills x0's connection to x1 and checks that x0's
// successor list sheds the dead peer while keeping the live one. The
// connection-state callback (closed -> ring.Leave) and the stabilizer's own
// reap_connections tick both watch for this; either is an acceptable path
// to the same churn-tolerant end state, so this only asserts the outcome.
func TestThreePeerChurnReapsDeadSuccessor(t *testing.T) {
	nodes := newRingTriple(t)
	x0, x1, x2 := nodes[0], nodes[1], nodes[2]

	handshakeNodes(t, x0, x1)
	handshakeNodes(t, x1, x2)
	handshakeNodes(t, x2, x0)

	for _, n := range nodes {
		n.swarm.EnableStabilizer(20 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAll(ctx, nodes)
	defer stopAll(nodes)

	x1Did, x2Did := x1.swarm.sk.AccountDID(), x2.swarm.sk.AccountDID()
	require.Eventually(t, func() bool {
		return len(x0.swarm.Ring().SuccessorList()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	ref, ok := x0.swarm.pool.Get(transport.CidFromDid(x1Did))
	require.True(t, ok)
	conn, ok := ref.Upgrade()
	require.True(t, ok)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		succs := x0.swarm.Ring().SuccessorList()
		return !containsDid(succs, x1Did) && containsDid(succs, x2Did)
	}, 5*time.Second, 20*time.Millisecond)
}

func containsDid(list []did.Did, target did.Did) bool {
	for _, d := range list {
		if d == target {
			return true
		}
	}
	return false
}
