//go:build !windows

package winpipe_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InternetumM/AsyncNet/neterr"
	"github.com/InternetumM/AsyncNet/winpipe"
)

func TestClientStartUnsupportedOffWindows(t *testing.T) {
	c := winpipe.NewClient(winpipe.ClientConfig{PipeName: "\\\\.\\pipe\\asyncnet-test"}, winpipe.Events{})
	require.Nil(t, c.Peer())
	require.ErrorIs(t, c.Start(context.Background()), neterr.ErrUnsupported)
}

func TestServerStartUnsupportedOffWindows(t *testing.T) {
	s := winpipe.NewServer(winpipe.ServerConfig{PipeName: "\\\\.\\pipe\\asyncnet-test"}, winpipe.Events{})
	require.Empty(t, s.Peers())
	require.ErrorIs(t, s.Start(context.Background()), neterr.ErrUnsupported)
}
