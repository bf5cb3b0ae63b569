package helpers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	err := FoldErrors([]error{fmt.Errorf("first"), nil, fmt.Errorf("second")})
	assert.EqualError(t, err, "first\nsecond")
}

func TestAtomicErrorStoreOnce(t *testing.T) {
	t.Parallel()

	var a AtomicError
	prev, found := a.StoreOnce(fmt.Errorf("cause"))
	assert.Nil(t, prev)
	assert.False(t, found)
	prev, found = a.StoreOnce(fmt.Errorf("late"))
	assert.EqualError(t, prev, "cause")
	assert.True(t, found)
}
