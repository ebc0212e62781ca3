// Copyright (C) 2025 rings-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package swarm

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/dht"
	"github.com/rings-x-project/rings-node/session"
	"github.com/rings-x-project/rings-node/storage/memory"
	"github.com/rings-x-project/rings-node/transport/wsconn"
	"github.com/stretchr/testify/require"
)

// newSwarmWithExternalAddress is like newSwarm but also sets Config.ExternalAddress,
// so that once two such swarms handshake each learns the other's HTTP base URL
// and HTTPRingRPC has somewhere to dial.
func newSwarmWithExternalAddress(t *testing.T, external string) (*Swarm, *wsconn.Transport) {
	t.Helper()
	account, err := did.GenerateKeyPair()
	require.NoError(t, err)
	sk, err := session.New(account, time.Hour)
	require.NoError(t, err)

	tr := wsconn.New(sk.AccountDID().String(), "")
	s := New(Config{
		SessionSk:       sk,
		DHTSuccMax:      3,
		DHTStorage:      memory.New(1 << 20),
		Transport:       tr,
		MaxHops:         7,
		ReassemblyCap:   1 << 20,
		ReassemblyTTL:   time.Minute,
		NonceCacheTTL:   time.Minute,
		ExternalAddress: external,
	})
	return s, tr
}

// connectedPair wires up two swarms over an httptest handshake and waits
// until each has learned the other's external_address via registerDelegation.
func connectedPair(t *testing.T) (a *Swarm, b *Swarm, aURL string, bURL string) {
	t.Helper()

	// Each swarm needs its own server's URL as its ExternalAddress before
	// construction, so the servers are started with a nil handler and
	// patched once the swarms exist (http.Server reads Handler per request).
	aSrv := httptest.NewServer(nil)
	t.Cleanup(aSrv.Close)
	bSrv := httptest.NewServer(nil)
	t.Cleanup(bSrv.Close)

	a, aTr := newSwarmWithExternalAddress(t, aSrv.URL)
	b, bTr := newSwarmWithExternalAddress(t, bSrv.URL)

	aSrv.Config.Handler = a.Handler()
	bSrv.Config.Handler = b.Handler()

	aTr.SetSignalingURL("ws" + strings.TrimPrefix(aSrv.URL, "http") + "/ws")
	bTr.SetSignalingURL("ws" + strings.TrimPrefix(bSrv.URL, "http") + "/ws")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	go b.Run(ctx)
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)

	require.NoError(t, a.ConnectPeerViaHTTP(context.Background(), b.sk.AccountDID(), bSrv.URL+"/handshake"))

	require.Eventually(t, func() bool {
		_, ok := a.addresses.Get(b.sk.AccountDID())
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := b.addresses.Get(a.sk.AccountDID())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	return a, b, aSrv.URL, bSrv.URL
}

func TestHTTPRingRPCGetPredecessor(t *testing.T) {
	a, b, _, _ := connectedPair(t)

	rpc := a.RingRPC()
	pred, ok, err := rpc.GetPredecessor(context.Background(), b.sk.AccountDID())
	require.NoError(t, err)
	if ok {
		require.Equal(t, a.sk.AccountDID(), pred)
	}
}

func TestHTTPRingRPCNotify(t *testing.T) {
	a, b, _, _ := connectedPair(t)

	other, err := did.GenerateKeyPair()
	require.NoError(t, err)

	rpc := a.RingRPC()
	require.NoError(t, rpc.Notify(context.Background(), b.sk.AccountDID(), other.Did()))

	pred, ok := b.ring.Predecessor()
	require.True(t, ok)
	require.Equal(t, other.Did(), pred)
}

func TestHTTPRingRPCFindSuccessor(t *testing.T) {
	a, b, _, _ := connectedPair(t)

	rpc := a.RingRPC()
	result, err := rpc.FindSuccessor(context.Background(), b.sk.AccountDID(), b.sk.AccountDID())
	require.NoError(t, err)
	require.Equal(t, dht.FindSelf, result.Kind)
}

func TestHTTPRingRPCAlive(t *testing.T) {
	a, b, _, _ := connectedPair(t)

	rpc := a.RingRPC()
	require.True(t, rpc.Alive(b.sk.AccountDID()))

	unknown, err := did.GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, rpc.Alive(unknown.Did()))
}

func TestHTTPRingRPCUnknownAddressErrors(t *testing.T) {
	s, _ := newSwarmWithExternalAddress(t, "")
	unknown, err := did.GenerateKeyPair()
	require.NoError(t, err)

	rpc := s.RingRPC()
	_, _, err = rpc.GetPredecessor(context.Background(), unknown.Did())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no known address")
}
