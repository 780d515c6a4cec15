//go:build !windows

package winpipe

import (
	"context"

	"go.uber.org/zap"

	"github.com/InternetumM/AsyncNet/defrag"
	"github.com/InternetumM/AsyncNet/neterr"
	"github.com/InternetumM/AsyncNet/peer"
)

// Events mirror the windows build's event surface so callers can compile
// against this package on any platform.
type Events struct {
	OnStarted               func()
	OnStopped               func()
	OnEngineError           func(err error)
	OnConnectionEstablished func(p *peer.Peer)
	OnFrameArrived          func(p *peer.Peer, frame []byte)
	OnConnectionClosed      func(p *peer.Peer, reason peer.CloseReason)
	OnRemotePeerError       func(p *peer.Peer, err error)
	OnUnhandledError        func(err error)
}

// ClientConfig mirrors the windows build's shape; only PipeName and the
// defragmenter factory are meaningful here, since Start always fails.
type ClientConfig struct {
	PipeName                          string
	MaxSendQueueSize                  int
	ProtocolFrameDefragmenterFactory defrag.Factory
	Logger                             *zap.Logger
}

// ServerConfig mirrors the windows build's shape.
type ServerConfig struct {
	PipeName                          string
	MaxSendQueuePerPeerSize          int
	ProtocolFrameDefragmenterFactory defrag.Factory
	Logger                             *zap.Logger
}

// Client is a no-op stand-in on non-Windows platforms.
type Client struct{ cfg ClientConfig }

// NewClient constructs a Client; Start always returns neterr.ErrUnsupported.
func NewClient(cfg ClientConfig, _ Events) *Client { return &Client{cfg: cfg} }

// Peer always returns nil on non-Windows platforms.
func (c *Client) Peer() *peer.Peer { return nil }

// Start returns neterr.ErrUnsupported: named pipes are a Windows-only
// transport.
func (c *Client) Start(_ context.Context) error { return neterr.ErrUnsupported }

// Server is a no-op stand-in on non-Windows platforms.
type Server struct{ cfg ServerConfig }

// NewServer constructs a Server; Start always returns neterr.ErrUnsupported.
func NewServer(cfg ServerConfig, _ Events) *Server { return &Server{cfg: cfg} }

// Peers always returns an empty map on non-Windows platforms.
func (s *Server) Peers() map[string]*peer.Peer { return map[string]*peer.Peer{} }

// Start returns neterr.ErrUnsupported: named pipes are a Windows-only
// transport.
func (s *Server) Start(_ context.Context) error { return neterr.ErrUnsupported }
