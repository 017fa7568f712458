package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Code
	}{
		{name: "nil is ok", err: nil, expected: OK},
		{name: "bare code", err: LockError, expected: LockError},
		{name: "wrapped code", err: fmt.Errorf("connect: %w", NotFound), expected: NotFound},
		{name: "E value", err: New(Duplicated, "attach", "name taken"), expected: Duplicated},
		{name: "E wrapped twice", err: fmt.Errorf("outer: %w", Wrap(CantStartServer, "listen", errors.New("in use"))), expected: CantStartServer},
		{name: "plain error", err: errors.New("boom"), expected: Failed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Of(tc.err))
		})
	}
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(Failed, "op", nil))

	cause := errors.New("port busy")
	err := Wrap(LockError, "connect", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, Is(err, LockError))
	assert.Equal(t, "connect: lock_error: port busy", err.Error())
}
