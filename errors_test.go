package kevent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterError(t *testing.T) {
	change := Kevent{Ident: 3, Filter: FilterRead, Flags: FlagAdd}
	err := wrapRegisterError(&change, ErrNotFound)

	var re *RegisterError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, change, re.Change)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "kevent: register ident=3 filter=read flags=add: kevent: registration not found", err.Error())

	assert.Same(t, err, wrapRegisterError(&Kevent{}, err), "not wrapped twice")
	assert.NoError(t, wrapRegisterError(&change, nil))
}

func TestRegisterError_FilterError(t *testing.T) {
	cause := errors.New("custom")
	err := wrapRegisterError(&Kevent{Filter: 7}, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "filter=7")
}
