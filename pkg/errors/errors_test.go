package errors

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreErrorUnwrap(t *testing.T) {
	err := NewStoreError("bolt", "open", fs.ErrPermission)

	assert.EqualError(t, err, "bolt open: permission denied")
	assert.True(t, errors.Is(err, ErrStoreIO))
	assert.True(t, errors.Is(err, fs.ErrPermission))
	assert.True(t, IsStoreIO(err))

	var storeErr *StoreError
	if assert.True(t, errors.As(err, &storeErr)) {
		assert.Equal(t, "bolt", storeErr.Backend)
		assert.Equal(t, "open", storeErr.Op)
	}
}

func TestNewStoreErrorNil(t *testing.T) {
	assert.NoError(t, NewStoreError("kv", "set", nil))
	assert.False(t, IsStoreIO(ErrHitNotFound))
}
