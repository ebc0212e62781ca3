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

// Package postgres implements storage.Persistence on top of a pgx
// connection pool, so DHT entries survive a node restart.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rings-x-project/rings-node/storage"
)

// Store is a pgx-backed storage.Persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Schema is the DDL a deployment runs once; the package does not migrate
// automatically since that belongs to an operator-controlled migration
// tool, not the ring.
const Schema = `
CREATE TABLE IF NOT EXISTS ring_kv (
	key   BYTEA PRIMARY KEY,
	value BYTEA NOT NULL
);
`

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var val []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM ring_kv WHERE key = $1`, key).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get: %w", storage.ErrTransient, err)
	}
	return val, true, nil
}

func (s *Store) Put(ctx context.Context, key, val []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ring_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, val)
	if err != nil {
		return fmt.Errorf("%w: put: %w", storage.ErrTransient, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key []byte) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ring_kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("%w: remove: %w", storage.ErrTransient, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM ring_kv`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", storage.ErrTransient, err)
	}
	return n, nil
}

func (s *Store) Scan(ctx context.Context, prefix []byte) ([][]byte, error) {
	var rows pgx.Rows
	var err error
	if len(prefix) == 0 {
		rows, err = s.pool.Query(ctx, `SELECT key FROM ring_kv`)
	} else if upper := prefixUpperBound(prefix); upper == nil {
		rows, err = s.pool.Query(ctx, `SELECT key FROM ring_kv WHERE key >= $1`, prefix)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT key FROM ring_kv WHERE key >= $1 AND key < $2`, prefix, upper)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %w", storage.ErrTransient, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", storage.ErrTransient, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// prefixUpperBound returns the smallest key strictly greater than every
// key starting with prefix, for a half-open range scan.
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix is all 0xff: no finite upper bound, Scan bounds the range below only
}

var _ storage.Persistence = (*Store)(nil)
