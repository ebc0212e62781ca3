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

package session

import (
	"sync"
	"time"

	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/internal/metrics"
)

// delegationEntry caches the result of verifying one session key's
// delegation certificate, so the router does not re-run a signature
// verification for every message a session sends.
type delegationEntry struct {
	accountDID did.Did
	expiry     time.Time
}

// DelegationCache caches the results of already verified SessionSk
// delegation certificates, keyed by the session DID they were issued for;
// it does not verify certificates itself. Its map is guarded by a single
// RWMutex: Get takes the read lock, writes take the write lock.
type DelegationCache struct {
	mu      sync.RWMutex
	entries map[did.Did]delegationEntry

	ticker *time.Ticker
	stop   chan struct{}
}

// NewDelegationCache creates a cache that garbage-collects expired entries
// every sweep interval.
func NewDelegationCache(sweep time.Duration) *DelegationCache {
	c := &DelegationCache{
		entries: make(map[did.Did]delegationEntry),
		ticker:  time.NewTicker(sweep),
		stop:    make(chan struct{}),
	}
	go c.gcLoop()
	return c
}

// Get returns the cached account DID for sessionDid, if a verified
// delegation is on file and has not expired as of now. Callers should fall
// back to VerifyDelegation and Put on a cache miss.
func (c *DelegationCache) Get(sessionDid did.Did, now time.Time) (did.Did, bool) {
	c.mu.RLock()
	e, ok := c.entries[sessionDid]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expiry) {
		return did.Did{}, false
	}
	return e.accountDID, true
}

// Put stores a verified delegation result for sessionDid.
func (c *DelegationCache) Put(sessionDid did.Did, accountDID did.Did, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sessionDid]; ok {
		return
	}
	c.entries[sessionDid] = delegationEntry{accountDID: accountDID, expiry: expiry}
	metrics.SessionsActive.Inc()
}

// Forget evicts a cached delegation, e.g. on connection close.
func (c *DelegationCache) Forget(sessionDid did.Did) {
	c.mu.Lock()
	_, ok := c.entries[sessionDid]
	delete(c.entries, sessionDid)
	c.mu.Unlock()
	if ok {
		metrics.SessionsActive.Dec()
	}
}

// Close stops the background sweep.
func (c *DelegationCache) Close() {
	close(c.stop)
	c.ticker.Stop()
}

func (c *DelegationCache) gcLoop() {
	for {
		select {
		case <-c.ticker.C:
			now := time.Now()
			c.mu.Lock()
			var expired int
			for k, e := range c.entries {
				if !now.Before(e.expiry) {
					delete(c.entries, k)
					expired++
				}
			}
			c.mu.Unlock()
			if expired > 0 {
				metrics.SessionsExpired.Add(float64(expired))
				metrics.SessionsActive.Sub(float64(expired))
			}
		case <-c.stop:
			return
		}
	}
}
