// Package tcpserver implements the TCP server engine: bind, an accept loop,
// and the post-connect handler shared in spirit with tcpclient (TLS
// handshake -> peer construction -> receive loop -> teardown), applied per
// accepted connection. Grounded on the teacher's pkg/transport/tcp listener/
// acceptLoop shape, generalized to a pluggable defrag.Defragmenter and TLS.
package tcpserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/InternetumM/AsyncNet/defrag"
	"github.com/InternetumM/AsyncNet/neterr"
	"github.com/InternetumM/AsyncNet/peer"
)

// Events are the callback hooks a caller wires up before Start.
type Events struct {
	OnServerStarted         func()
	OnServerStopped         func()
	OnServerError           func(err error)
	OnConnectionEstablished func(p *peer.Peer)
	OnFrameArrived          func(p *peer.Peer, frame []byte)
	OnConnectionClosed      func(p *peer.Peer, reason peer.CloseReason)
	OnRemotePeerError       func(p *peer.Peer, err error)
	OnUnhandledError        func(err error)
}

// Config is the recognized configuration surface for a TCP server, mirroring
// spec.md §6's TCP-server table (the TCP-client table plus listener fields).
type Config struct {
	IPAddress string
	Port      int

	MaxSendQueuePerPeerSize int
	ConnectionTimeout       int64 // nanoseconds; 0 disables (kept numeric to mirror a wire-config field)

	ConfigureListenerCallback func(l net.Listener) error
	ConfigureSocketCallback   func(conn net.Conn) error

	ServerCertificate              *tls.Certificate
	ClientCertificateRequiredCallback func() bool
	CheckCertificateRevocationCallback func(*tls.ConnectionState) error

	ProtocolFrameDefragmenterFactory defrag.Factory

	Logger *zap.Logger
}

// Server is a TCP server engine bound to one Config. It may only be started
// once, and Start blocks until ctx is cancelled or the listener fails.
type Server struct {
	cfg    Config
	events Events

	startOnce sync.Once
	mu        sync.Mutex
	peers     map[string]*peer.Peer
}

// New constructs a Server. The defragmenter factory must be non-nil.
func New(cfg Config, events Events) *Server {
	if cfg.ProtocolFrameDefragmenterFactory == nil {
		panic("tcpserver: ProtocolFrameDefragmenterFactory is required")
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

// Start binds the listener and runs the accept loop until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		startErr = s.run(ctx)
	})
	return startErr
}

func (s *Server) run(ctx context.Context) error {
	log := s.cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	addr := net.JoinHostPort(s.cfg.IPAddress, fmt.Sprint(s.cfg.Port))
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		terr := neterr.NewTransportError("bind", err)
		s.emitServerError(terr)
		return terr
	}
	if s.cfg.ConfigureListenerCallback != nil {
		if err := s.cfg.ConfigureListenerCallback(ln); err != nil {
			_ = ln.Close()
			terr := neterr.NewTransportError("configure-listener", err)
			s.emitServerError(terr)
			return terr
		}
	}

	if s.events.OnServerStarted != nil {
		s.safeCall("server-started", s.events.OnServerStarted)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	group.Go(func() error {
		return s.acceptLoop(ctx, ln, log)
	})

	err = group.Wait()
	if s.events.OnServerStopped != nil {
		s.safeCall("server-stopped", s.events.OnServerStopped)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, log *zap.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			terr := neterr.NewTransportError("accept", err)
			s.emitServerError(terr)
			return terr
		}
		if s.cfg.ConfigureSocketCallback != nil {
			if err := s.cfg.ConfigureSocketCallback(conn); err != nil {
				_ = conn.Close()
				continue
			}
		}
		go s.handleConnection(ctx, conn, log)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, log *zap.Logger) {
	stream, err := s.maybeHandshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		aerr := neterr.NewAuthError(err)
		log.Warn("tcp server handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		s.emitServerError(aerr)
		return
	}

	remote := conn.RemoteAddr().String()
	p := peer.New(ctx, peer.Config{
		Stream:              stream,
		RemoteAddr:          remote,
		DefragmenterFactory: s.cfg.ProtocolFrameDefragmenterFactory,
		SendQueueCapacity:   s.cfg.MaxSendQueuePerPeerSize,
		ReadTimeout:         time.Duration(s.cfg.ConnectionTimeout),
		OnWriteError: func(p *peer.Peer, err error) {
			if s.events.OnRemotePeerError != nil {
				s.safeCall("remote-peer-error", func() { s.events.OnRemotePeerError(p, err) })
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
		s.safeCall("connection-established", func() { s.events.OnConnectionEstablished(p) })
	}

	runErr := p.Run(func(p *peer.Peer, frame []byte) {
		if s.events.OnFrameArrived != nil {
			s.safeCall("frame-arrived", func() { s.events.OnFrameArrived(p, frame) })
		}
	})
	if runErr != nil {
		var perr *neterr.ProtocolError
		if isProtocolError(runErr, &perr) {
			if s.events.OnUnhandledError != nil {
				s.safeCall("unhandled-error", func() { s.events.OnUnhandledError(runErr) })
			}
		} else if s.events.OnRemotePeerError != nil {
			s.safeCall("remote-peer-error", func() { s.events.OnRemotePeerError(p, runErr) })
		}
	}

	p.Teardown()
	if s.events.OnConnectionClosed != nil {
		s.safeCall("connection-closed", func() { s.events.OnConnectionClosed(p, p.CloseReason()) })
	}
}

func (s *Server) maybeHandshake(ctx context.Context, conn net.Conn) (peer.Stream, error) {
	if s.cfg.ServerCertificate == nil {
		return conn, nil
	}
	clientAuth := tls.NoClientCert
	if s.cfg.ClientCertificateRequiredCallback != nil && s.cfg.ClientCertificateRequiredCallback() {
		clientAuth = tls.RequireAndVerifyClientCert
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{*s.cfg.ServerCertificate},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}
	if s.cfg.CheckCertificateRevocationCallback != nil {
		cb := s.cfg.CheckCertificateRevocationCallback
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return cb(&cs)
		}
	}
	tconn := tls.Server(conn, tlsCfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tconn, nil
}

func isProtocolError(err error, target **neterr.ProtocolError) bool {
	for err != nil {
		if pe, ok := err.(*neterr.ProtocolError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (s *Server) emitServerError(err error) {
	if s.events.OnServerError != nil {
		s.safeCall("server-error", func() { s.events.OnServerError(err) })
	}
}

func (s *Server) safeCall(name string, f func()) {
	defer func() {
		if r := recover(); r != nil && s.events.OnUnhandledError != nil {
			s.events.OnUnhandledError(fmt.Errorf("tcpserver: panic in %s handler: %v", name, r))
		}
	}()
	f()
}
