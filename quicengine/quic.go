// Package quicengine wires a third connection-oriented engine, parallel to
// tcpclient/tcpserver, onto github.com/quic-go/quic-go: a QUIC connection's
// first bidirectional stream is wrapped in the same peer.Peer/defrag
// machinery TCP uses — same events, same bounded send queue, same
// close-reason latch. Grounded on the teacher's pkg/transport/quic. Unlike
// the teacher, this engine codes directly against the quicgo.Connection and
// quicgo.Stream interfaces rather than going through the teacher's
// reflection-based cross-version adapter, since the pinned quic-go release
// still exposes Connection/Stream as interfaces (the rename to concrete
// *quic.Conn/*quic.Stream structs landed in a later quic-go release).
package quicengine

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/InternetumM/AsyncNet/defrag"
	"github.com/InternetumM/AsyncNet/neterr"
	"github.com/InternetumM/AsyncNet/peer"
	"github.com/InternetumM/AsyncNet/tlsutil"
)

// Events mirror tcpclient/tcpserver's event surface; QUIC is just a third
// transport binding for the same peer lifecycle.
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

// ClientConfig configures a QUIC client engine.
type ClientConfig struct {
	TargetHostname string
	TargetPort     int

	MaxSendQueueSize int

	// TLSConfig is used as-is when set; otherwise an insecure-skip-verify
	// config is built (identity is assumed to be verified at a higher
	// layer, matching the teacher's stance).
	TLSConfig *tls.Config

	ProtocolFrameDefragmenterFactory defrag.Factory
	Logger                            *zap.Logger
}

// ServerConfig configures a QUIC server engine.
type ServerConfig struct {
	IPAddress string
	Port      int

	MaxSendQueuePerPeerSize int

	// ServerTLSConfig is used as-is when set; otherwise a self-signed
	// certificate is generated, matching the teacher's quic.New default.
	ServerTLSConfig *tls.Config

	ProtocolFrameDefragmenterFactory defrag.Factory
	Logger                            *zap.Logger
}

const nextProto = "asyncnet"

// Client dials a QUIC server and drives one peer over its first stream.
type Client struct {
	cfg    ClientConfig
	events Events
	peer   *peer.Peer
}

// NewClient constructs a Client. The defragmenter factory must be non-nil.
func NewClient(cfg ClientConfig, events Events) *Client {
	if cfg.ProtocolFrameDefragmenterFactory == nil {
		panic("quicengine: ProtocolFrameDefragmenterFactory is required")
	}
	return &Client{cfg: cfg, events: events}
}

// Peer returns the established peer, or nil before connection-established.
func (c *Client) Peer() *peer.Peer { return c.peer }

// Start dials, opens the default bidirectional stream, and runs the shared
// peer lifecycle until ctx is cancelled or the connection closes.
func (c *Client) Start(ctx context.Context) error {
	if c.events.OnStarted != nil {
		c.events.OnStarted()
	}
	defer func() {
		if c.events.OnStopped != nil {
			c.events.OnStopped()
		}
	}()

	tlsCfg := c.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{nextProto}, MinVersion: tls.VersionTLS13}
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.TargetHostname, c.cfg.TargetPort)
	conn, err := quicgo.DialAddr(ctx, addr, tlsCfg, &quicgo.Config{})
	if err != nil {
		terr := neterr.NewTransportError("dial", err)
		c.emitEngineError(terr)
		return terr
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		terr := neterr.NewTransportError("open-stream", err)
		c.emitEngineError(terr)
		return terr
	}

	p := peer.New(ctx, peer.Config{
		Stream:              &streamWithConnClose{Stream: stream, conn: conn},
		RemoteAddr:          conn.RemoteAddr().String(),
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

// Server accepts QUIC connections and drives one peer per connection over
// its first accepted stream.
type Server struct {
	cfg    ServerConfig
	events Events

	mu    sync.Mutex
	peers map[string]*peer.Peer
}

// NewServer constructs a Server. The defragmenter factory must be non-nil.
func NewServer(cfg ServerConfig, events Events) *Server {
	if cfg.ProtocolFrameDefragmenterFactory == nil {
		panic("quicengine: ProtocolFrameDefragmenterFactory is required")
	}
	return &Server{cfg: cfg, events: events, peers: make(map[string]*peer.Peer)}
}

// Peers returns a snapshot of currently connected peers keyed by remote
// address.
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
	tlsCfg := s.cfg.ServerTLSConfig
	if tlsCfg == nil {
		cert, err := tlsutil.SelfSignedCert()
		if err != nil {
			terr := neterr.NewTransportError("self-signed-cert", err)
			s.emitEngineError(terr)
			return terr
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{nextProto}, MinVersion: tls.VersionTLS13}
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.IPAddress, s.cfg.Port)
	ln, err := quicgo.ListenAddr(addr, tlsCfg, &quicgo.Config{})
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

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			terr := neterr.NewTransportError("accept", err)
			s.emitEngineError(terr)
			return terr
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn quicgo.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream accept failed")
		terr := neterr.NewTransportError("accept-stream", err)
		s.emitEngineError(terr)
		return
	}

	remote := conn.RemoteAddr().String()
	p := peer.New(ctx, peer.Config{
		Stream:              &streamWithConnClose{Stream: stream, conn: conn},
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

// streamWithConnClose adapts a quic-go Stream (which has no independent
// Close-the-connection semantics a peer.Stream can rely on for teardown) so
// closing it also tears down the parent connection, matching TCP's
// one-stream-per-connection model that peer.Peer.Teardown assumes.
type streamWithConnClose struct {
	quicgo.Stream
	conn quicgo.Connection
}

func (s *streamWithConnClose) Close() error {
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "")
}
