//go:build windows

// Package winpipe wires a fourth connection-oriented engine onto Windows
// named pipes via github.com/Microsoft/go-winio, reusing the same
// peer.Peer/defrag machinery as tcpclient/tcpserver/quicengine. On
// non-Windows platforms, see winpipe_other.go.
package winpipe

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/Microsoft/go-winio"
	"go.uber.org/zap"

	"github.com/InternetumM/AsyncNet/defrag"
	"github.com/InternetumM/AsyncNet/neterr"
	"github.com/InternetumM/AsyncNet/peer"
)

// winPipeConn is the net.Conn surface Accept/DialPipeContext hand back;
// it already satisfies peer.Stream (Read/Write/Close/SetReadDeadline/
// SetWriteDeadline).
type winPipeConn = net.Conn

// connIdentity synthesizes a peer identity for a pipe connection, since
// named pipes have no remote address the way TCP/QUIC/UDP do.
func connIdentity(pipeName string, seq int) string {
	return fmt.Sprintf("%s#%d", pipeName, seq)
}

// Events mirror the other engines' event surface.
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

// ClientConfig configures a named-pipe client engine.
type ClientConfig struct {
	PipeName                          string
	MaxSendQueueSize                  int
	ProtocolFrameDefragmenterFactory defrag.Factory
	Logger                             *zap.Logger
}

// ServerConfig configures a named-pipe server engine.
type ServerConfig struct {
	PipeName                          string
	MaxSendQueuePerPeerSize          int
	PipeConfig                        *winio.PipeConfig
	ProtocolFrameDefragmenterFactory defrag.Factory
	Logger                             *zap.Logger
}

// Client dials a named pipe and drives one peer over the resulting
// connection.
type Client struct {
	cfg    ClientConfig
	events Events
	peer   *peer.Peer
}

// NewClient constructs a Client. The defragmenter factory must be non-nil.
func NewClient(cfg ClientConfig, events Events) *Client {
	if cfg.ProtocolFrameDefragmenterFactory == nil {
		panic("winpipe: ProtocolFrameDefragmenterFactory is required")
	}
	return &Client{cfg: cfg, events: events}
}

// Peer returns the established peer, or nil before connection-established.
func (c *Client) Peer() *peer.Peer { return c.peer }

// Start dials the pipe and runs the shared peer lifecycle until ctx is
// cancelled or the connection closes.
func (c *Client) Start(ctx context.Context) error {
	if c.events.OnStarted != nil {
		c.events.OnStarted()
	}
	defer func() {
		if c.events.OnStopped != nil {
			c.events.OnStopped()
		}
	}()

	conn, err := winio.DialPipeContext(ctx, c.cfg.PipeName)
	if err != nil {
		terr := neterr.NewTransportError("dial", err)
		c.emitEngineError(terr)
		return terr
	}

	p := peer.New(ctx, peer.Config{
		Stream:              conn,
		RemoteAddr:          c.cfg.PipeName,
		DefragmenterFactory: c.cfg.ProtocolFrameDefragmenterFactory,
		SendQueueCapacity:   c.cfg.MaxSendQueueSize,
		OnWriteError: func(p *peer.Peer, err error) {
			if c.events.OnRemotePeerError != nil {
				c.events.OnRemotePeerError(p, err)
			}
		},
	})
	c.peer = p

	if c.events.OnConnectionEstablished != nil {
		c.events.OnConnectionEstablished(p)
	}

	runErr := p.Run(func(p *peer.Peer, frame []byte) {
		if c.events.OnFrameArrived != nil {
			c.events.OnFrameArrived(p, frame)
		}
	})
	classify(runErr, c.events.OnUnhandledError, func(err error) {
		if c.events.OnRemotePeerError != nil {
			c.events.OnRemotePeerError(p, err)
		}
	})

	p.Teardown()
	if c.events.OnConnectionClosed != nil {
		c.events.OnConnectionClosed(p, p.CloseReason())
	}
	return runErr
}

func (c *Client) emitEngineError(err error) {
	if c.events.OnEngineError != nil {
		c.events.OnEngineError(err)
	}
}

// Server listens on a named pipe and drives one peer per accepted
// connection.
type Server struct {
	cfg    ServerConfig
	events Events

	mu    sync.Mutex
	peers map[string]*peer.Peer
}

// NewServer constructs a Server. The defragmenter factory must be non-nil.
func NewServer(cfg ServerConfig, events Events) *Server {
	if cfg.ProtocolFrameDefragmenterFactory == nil {
		panic("winpipe: ProtocolFrameDefragmenterFactory is required")
	}
	return &Server{cfg: cfg, events: events, peers: make(map[string]*peer.Peer)}
}

// Peers returns a snapshot of currently connected peers keyed by a
// synthetic per-connection identity (named pipes have no remote address).
func (s *Server) Peers() map[string]*peer.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*peer.Peer, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

// Start listens and runs the accept loop until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := winio.ListenPipe(s.cfg.PipeName, s.cfg.PipeConfig)
	if err != nil {
		terr := neterr.NewTransportError("bind", err)
		s.emitEngineError(terr)
		return terr
	}
	defer ln.Close()

	if s.events.OnStarted != nil {
		s.events.OnStarted()
	}
	defer func() {
		if s.events.OnStopped != nil {
			s.events.OnStopped()
		}
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	seq := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			terr := neterr.NewTransportError("accept", err)
			s.emitEngineError(terr)
			return terr
		}
		seq++
		go s.handleConn(ctx, conn, s.cfg.PipeName, seq)
	}
}

func (s *Server) handleConn(ctx context.Context, conn winPipeConn, pipeName string, seq int) {
	remote := connIdentity(pipeName, seq)
	p := peer.New(ctx, peer.Config{
		Stream:              conn,
		RemoteAddr:          remote,
		DefragmenterFactory: s.cfg.ProtocolFrameDefragmenterFactory,
		SendQueueCapacity:   s.cfg.MaxSendQueuePerPeerSize,
		OnWriteError: func(p *peer.Peer, err error) {
			if s.events.OnRemotePeerError != nil {
				s.events.OnRemotePeerError(p, err)
			}
		},
	})

	s.mu.Lock()
	s.peers[remote] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, remote)
		s.mu.Unlock()
	}()

	if s.events.OnConnectionEstablished != nil {
		s.events.OnConnectionEstablished(p)
	}

	runErr := p.Run(func(p *peer.Peer, frame []byte) {
		if s.events.OnFrameArrived != nil {
			s.events.OnFrameArrived(p, frame)
		}
	})
	classify(runErr, s.events.OnUnhandledError, func(err error) {
		if s.events.OnRemotePeerError != nil {
			s.events.OnRemotePeerError(p, err)
		}
	})

	p.Teardown()
	if s.events.OnConnectionClosed != nil {
		s.events.OnConnectionClosed(p, p.CloseReason())
	}
}

func (s *Server) emitEngineError(err error) {
	if s.events.OnEngineError != nil {
		s.events.OnEngineError(err)
	}
}

func classify(err error, onUnhandled func(error), onRemotePeerError func(error)) {
	if err == nil {
		return
	}
	var perr *neterr.ProtocolError
	target := err
	for target != nil {
		if pe, ok := target.(*neterr.ProtocolError); ok {
			perr = pe
			break
		}
		u, ok := target.(interface{ Unwrap() error })
		if !ok {
			break
		}
		target = u.Unwrap()
	}
	if perr != nil {
		if onUnhandled != nil {
			onUnhandled(err)
		}
		return
	}
	if onRemotePeerError != nil {
		onRemotePeerError(err)
	}
}
