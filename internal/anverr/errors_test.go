package anverr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap("digest", IO, cause)

	require.True(t, Is(err, IO))
	require.False(t, Is(err, Busy))
	require.ErrorIs(t, err, cause)
}

func TestErrorIsSentinel(t *testing.T) {
	err := New("lookup", NotFound)
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, errors.Is(err, ErrBusy))
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf("open", InvalidArgument, "key type %s != %s", "u32", "string")
	require.Contains(t, err.Error(), "u32 != string")
	require.True(t, Is(err, InvalidArgument))
}

func TestWrapNilReturnsNil(t *testing.T) {
	require.NoError(t, Wrap("op", IO, nil))
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		NotFound:        "not-found",
		Exists:          "exists",
		InvalidArgument: "invalid-argument",
		NoEntry:         "no-entry",
		Busy:            "busy",
		Unsupported:     "unsupported",
		IO:              "io",
		NoMemory:        "no-memory",
	}
	for k, want := range cases {
		require.Equal(t, want, k.String(), fmt.Sprintf("kind %d", k))
	}
}
