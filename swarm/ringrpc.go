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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/dht"
	"github.com/rings-x-project/rings-node/transport"
)

// ringRPCRequest/ringRPCResponse carry the three stabilizer.RingRPC calls
// over the same HTTP control plane the handshake already uses, addressed
// through the peer's external_address learned during that handshake.
type ringRPCRequest struct {
	Op     string `json:"op"`
	Self   string `json:"self,omitempty"`   // Notify
	Target string `json:"target,omitempty"` // FindSuccessor
}

type ringRPCResponse struct {
	PredecessorDid string `json:"predecessor_did,omitempty"`
	HasPredecessor bool   `json:"has_predecessor,omitempty"`
	FindKind       int    `json:"find_kind,omitempty"`
	FindDid        string `json:"find_did,omitempty"`
}

// RingRPC implements stabilizer.RingRPC over HTTP, addressed through the
// address learned from each peer's handshake envelope.
func (s *Swarm) RingRPC() *HTTPRingRPC {
	return &HTTPRingRPC{swarm: s}
}

// HTTPRingRPC is the concrete stabilizer.RingRPC EnableStabilizer wires
// into stabilizer.New for a Swarm backed by transport/wsconn or any other
// transport that exposes an HTTP-reachable external_address.
type HTTPRingRPC struct {
	swarm *Swarm
}

func (h *HTTPRingRPC) peerURL(peer did.Did) (string, error) {
	addr, ok := h.swarm.addresses.Get(peer)
	if !ok {
		return "", fmt.Errorf("swarm: no known address for %s; handshake first", peer)
	}
	return addr + "/ring", nil
}

func (h *HTTPRingRPC) call(ctx context.Context, peer did.Did, req ringRPCRequest) (ringRPCResponse, error) {
	url, err := h.peerURL(peer)
	if err != nil {
		return ringRPCResponse{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ringRPCResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ringRPCResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.swarm.httpClient.Do(httpReq)
	if err != nil {
		return ringRPCResponse{}, fmt.Errorf("swarm: ring rpc %s to %s: %w", req.Op, peer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ringRPCResponse{}, fmt.Errorf("swarm: ring rpc %s to %s: status %d", req.Op, peer, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ringRPCResponse{}, err
	}
	var out ringRPCResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return ringRPCResponse{}, fmt.Errorf("swarm: malformed ring rpc response from %s: %w", peer, err)
	}
	return out, nil
}

// GetPredecessor implements stabilizer.RingRPC.
func (h *HTTPRingRPC) GetPredecessor(ctx context.Context, peer did.Did) (did.Did, bool, error) {
	resp, err := h.call(ctx, peer, ringRPCRequest{Op: "predecessor"})
	if err != nil {
		return did.Did{}, false, err
	}
	if !resp.HasPredecessor {
		return did.Did{}, false, nil
	}
	pred, err := did.FromHex(resp.PredecessorDid)
	if err != nil {
		return did.Did{}, false, fmt.Errorf("swarm: malformed predecessor from %s: %w", peer, err)
	}
	return pred, true, nil
}

// Notify implements stabilizer.RingRPC.
func (h *HTTPRingRPC) Notify(ctx context.Context, peer did.Did, self did.Did) error {
	_, err := h.call(ctx, peer, ringRPCRequest{Op: "notify", Self: self.String()})
	return err
}

// FindSuccessor implements stabilizer.RingRPC.
func (h *HTTPRingRPC) FindSuccessor(ctx context.Context, peer did.Did, target did.Did) (dht.FindResult, error) {
	resp, err := h.call(ctx, peer, ringRPCRequest{Op: "find_successor", Target: target.String()})
	if err != nil {
		return dht.FindResult{}, err
	}
	result := dht.FindResult{Kind: dht.FindKind(resp.FindKind)}
	if resp.FindDid != "" {
		d, err := did.FromHex(resp.FindDid)
		if err != nil {
			return dht.FindResult{}, fmt.Errorf("swarm: malformed find_successor result from %s: %w", peer, err)
		}
		result.Did = d
	}
	return result, nil
}

// Alive implements stabilizer.RingRPC: a peer is alive if the pool holds
// a live connection for it.
func (h *HTTPRingRPC) Alive(peer did.Did) bool {
	ref, ok := h.swarm.pool.Get(transport.CidFromDid(peer))
	if !ok {
		return false
	}
	conn, ok := ref.Upgrade()
	if !ok {
		return false
	}
	return conn.State() == transport.StateConnected
}

// handleRingRPC serves the "/ring" endpoint: the server-side counterpart
// of HTTPRingRPC, answering a remote stabilizer's queries about this
// node's own ring state.
func (s *Swarm) handleRingRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req ringRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	var resp ringRPCResponse
	switch req.Op {
	case "predecessor":
		if pred, ok := s.ring.Predecessor(); ok {
			resp.HasPredecessor = true
			resp.PredecessorDid = pred.String()
		}
	case "notify":
		self, err := did.FromHex(req.Self)
		if err != nil {
			http.Error(w, "malformed self did", http.StatusBadRequest)
			return
		}
		s.ring.Notify(self)
	case "find_successor":
		target, err := did.FromHex(req.Target)
		if err != nil {
			http.Error(w, "malformed target did", http.StatusBadRequest)
			return
		}
		result := s.ring.FindSuccessor(target)
		resp.FindKind = int(result.Kind)
		if result.Kind != dht.FindSelf {
			resp.FindDid = result.Did.String()
		}
	default:
		http.Error(w, "unknown op", http.StatusBadRequest)
		return
	}

	respBody, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(respBody)
}
