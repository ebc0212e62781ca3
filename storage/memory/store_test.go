// SPDX-License-Identifier: LGPL-3.0-or-later

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetPutRemove(t *testing.T) {
	ctx := context.Background()
	s := New(1024)

	_, ok, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
	v, ok, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.Remove(ctx, []byte("a")))
	_, ok, err = s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	ctx := context.Background()
	s := New(10) // tiny: forces eviction

	require.NoError(t, s.Put(ctx, []byte("aa"), []byte("11"))) // 4 bytes
	require.NoError(t, s.Put(ctx, []byte("bb"), []byte("22"))) // 4 bytes, total 8
	// touch "aa" so it becomes most-recently-used
	_, _, _ = s.Get(ctx, []byte("aa"))
	require.NoError(t, s.Put(ctx, []byte("cc"), []byte("33"))) // pushes total over 10, evicts "bb"

	_, ok, _ := s.Get(ctx, []byte("bb"))
	require.False(t, ok, "least recently used key should have been evicted")

	_, ok, _ = s.Get(ctx, []byte("aa"))
	require.True(t, ok)
	_, ok, _ = s.Get(ctx, []byte("cc"))
	require.True(t, ok)
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	s := New(1024)

	require.NoError(t, s.Put(ctx, []byte("peer/1"), []byte("x")))
	require.NoError(t, s.Put(ctx, []byte("peer/2"), []byte("y")))
	require.NoError(t, s.Put(ctx, []byte("other/1"), []byte("z")))

	keys, err := s.Scan(ctx, []byte("peer/"))
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestCount(t *testing.T) {
	ctx := context.Background()
	s := New(1024)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
