package neterr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InternetumM/AsyncNet/neterr"
)

func TestTransportErrorUnwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := neterr.NewTransportError("dial", inner)
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "dial")
}

func TestAuthErrorUnwraps(t *testing.T) {
	inner := errors.New("bad certificate")
	err := neterr.NewAuthError(inner)
	require.ErrorIs(t, err, inner)
}

func TestProtocolErrorUnwraps(t *testing.T) {
	inner := errors.New("frame too large")
	err := neterr.NewProtocolError(inner)
	require.ErrorIs(t, err, inner)

	var target *neterr.ProtocolError
	require.True(t, errors.As(err, &target))
}

func TestErrUnsupportedIsStable(t *testing.T) {
	require.ErrorIs(t, neterr.ErrUnsupported, neterr.ErrUnsupported)
}
