// internal/store/local_test.go
package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_StoreRetrieve(t *testing.T) {
	s := NewLocal[[]byte]()

	_, err := s.Retrieve("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Has("missing"))

	s.Store("k", []byte("v1"))
	got, err := s.Retrieve("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	s.Store("k", []byte("v2"))
	got, err = s.Retrieve("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
	assert.Equal(t, 1, s.Len())

	s.Delete("k")
	assert.False(t, s.Has("k"))
	assert.Zero(t, s.Len())
}

func TestLocal_Keys(t *testing.T) {
	s := NewLocal[int]()
	for i, k := range []string{"c", "a", "b"} {
		s.Store(k, i)
	}
	assert.Equal(t, []string{"a", "b", "c"}, s.Keys())
}

func TestLocal_Concurrent(t *testing.T) {
	s := NewLocal[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			s.Store(key, i)
			v, err := s.Retrieve(key)
			assert.NoError(t, err)
			assert.Equal(t, i, v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
}
