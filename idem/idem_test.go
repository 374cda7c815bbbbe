package idem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_HasFalseForUnknownKey(t *testing.T) {
	s := NewInMemoryStore()
	seen, err := s.Has("missing")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestInMemoryStore_StoreThenHas(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Store("k1", Record{Key: "k1", CommandType: "deposit"}, 0))

	seen, err := s.Has("k1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestInMemoryStore_ZeroTTLNeverExpires(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Store("k1", Record{Key: "k1"}, 0))
	time.Sleep(5 * time.Millisecond)

	seen, err := s.Has("k1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestInMemoryStore_ExpiresAfterTTL(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.Store("k1", Record{Key: "k1"}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	seen, err := s.Has("k1")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestNopStore_NeverRemembers(t *testing.T) {
	s := NopStore{}
	require.NoError(t, s.Store("k1", Record{Key: "k1"}, time.Hour))

	seen, err := s.Has("k1")
	require.NoError(t, err)
	require.False(t, seen)
}
