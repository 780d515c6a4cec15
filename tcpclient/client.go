// Package tcpclient implements the TCP client engine: resolve, dial, an
// optional TLS handshake, the post-connect handler shared with tcpserver,
// and teardown. It is grounded on the teacher's pkg/transport/tcp dial path,
// generalized from a fixed u32-LE frame to a pluggable defrag.Defragmenter.
package tcpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/InternetumM/AsyncNet/defrag"
	"github.com/InternetumM/AsyncNet/neterr"
	"github.com/InternetumM/AsyncNet/peer"
)

// Events are the callback hooks a caller wires up before Start. Each is
// optional; nil hooks are simply not invoked.
type Events struct {
	OnClientStarted         func()
	OnClientStopped         func()
	OnClientError           func(err error)
	OnConnectionEstablished func(p *peer.Peer)
	OnFrameArrived          func(p *peer.Peer, frame []byte)
	OnConnectionClosed      func(p *peer.Peer, reason peer.CloseReason)
	OnRemotePeerError       func(p *peer.Peer, err error)
	OnUnhandledError        func(err error)
}

// Config is the recognized configuration surface for a TCP client, mirroring
// spec.md §6's TCP-client table.
type Config struct {
	TargetHostname string
	TargetPort     int

	// ConnectionTimeout bounds dial plus handshake, and doubles as the
	// per-receive-cycle idle timeout once connected. Zero disables it.
	ConnectionTimeout time.Duration

	// MaxSendQueueSize is forwarded to peer.Config.SendQueueCapacity;
	// sendqueue.Unbounded (-1) means no limit.
	MaxSendQueueSize int

	// ConfigureSocketCallback, if set, is called with the dialed net.Conn
	// before any TLS handshake, letting callers tune socket options.
	ConfigureSocketCallback func(conn net.Conn) error

	// FilterResolvedAddresses narrows the addresses returned by DNS
	// resolution. A nil or empty result falls back to hostname connect
	// (spec.md §9: the `&&` fix, not `||`).
	FilterResolvedAddresses func(addrs []net.IPAddr) []net.IPAddr

	UseSsl                               bool
	ClientCertificates                   []tls.Certificate
	RemoteCertificateValidationCallback  func(*tls.ConnectionState) error
	LocalCertificateSelectionCallback    func(*tls.CertificateRequestInfo) (*tls.Certificate, error)
	EncryptionPolicy                     tls.ClientAuthType
	CheckCertificateRevocation           bool
	EnabledProtocols                     []uint16 // TLS versions, e.g. tls.VersionTLS12

	ProtocolFrameDefragmenterFactory defrag.Factory

	Logger *zap.Logger
}

// Client is a TCP client engine bound to one Config. It may only be started
// once.
type Client struct {
	cfg    Config
	events Events

	startOnce sync.Once
	peer      *peer.Peer
}

// New constructs a Client. The defragmenter factory must be non-nil.
func New(cfg Config, events Events) *Client {
	if cfg.ProtocolFrameDefragmenterFactory == nil {
		panic("tcpclient: ProtocolFrameDefragmenterFactory is required")
	}
	return &Client{cfg: cfg, events: events}
}

// Peer returns the established peer, or nil before connection-established.
func (c *Client) Peer() *peer.Peer { return c.peer }

// Start resolves, dials, optionally performs a TLS handshake, runs the
// shared post-connect handler, then the receive loop, all under ctx. It
// blocks until the connection closes or ctx is cancelled, and always emits
// client-started before any peer event and client-stopped after.
func (c *Client) Start(ctx context.Context) error {
	var startErr error
	c.startOnce.Do(func() {
		startErr = c.run(ctx)
	})
	return startErr
}

func (c *Client) run(ctx context.Context) error {
	log := c.cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if c.events.OnClientStarted != nil {
		c.safeCall("client-started", c.events.OnClientStarted)
	}
	defer func() {
		if c.events.OnClientStopped != nil {
			c.safeCall("client-stopped", c.events.OnClientStopped)
		}
	}()

	dialCtx := ctx
	var cancelDial context.CancelFunc
	if c.cfg.ConnectionTimeout > 0 {
		dialCtx, cancelDial = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancelDial()
	}

	addr := net.JoinHostPort(c.cfg.TargetHostname, fmt.Sprint(c.cfg.TargetPort))
	if resolved := c.resolveFiltered(dialCtx); resolved != "" {
		addr = resolved
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		terr := neterr.NewTransportError("dial", err)
		log.Warn("tcp client dial failed", zap.String("addr", addr), zap.Error(err))
		c.emitClientError(terr)
		return terr
	}

	if c.cfg.ConfigureSocketCallback != nil {
		if err := c.cfg.ConfigureSocketCallback(conn); err != nil {
			_ = conn.Close()
			terr := neterr.NewTransportError("configure-socket", err)
			c.emitClientError(terr)
			return terr
		}
	}

	stream, err := c.maybeHandshake(dialCtx, conn)
	if err != nil {
		_ = conn.Close()
		aerr := neterr.NewAuthError(err)
		log.Warn("tcp client handshake failed", zap.Error(err))
		c.emitClientError(aerr)
		return aerr
	}

	p := peer.New(ctx, peer.Config{
		Stream:              stream,
		RemoteAddr:          conn.RemoteAddr().String(),
		DefragmenterFactory: c.cfg.ProtocolFrameDefragmenterFactory,
		SendQueueCapacity:   c.cfg.MaxSendQueueSize,
		ReadTimeout:         c.cfg.ConnectionTimeout,
		OnWriteError: func(p *peer.Peer, err error) {
			if c.events.OnRemotePeerError != nil {
				c.safeCall("remote-peer-error", func() { c.events.OnRemotePeerError(p, err) })
			}
		},
	})
	c.peer = p

	if c.events.OnConnectionEstablished != nil {
		c.safeCall("connection-established", func() { c.events.OnConnectionEstablished(p) })
	}

	runErr := p.Run(func(p *peer.Peer, frame []byte) {
		if c.events.OnFrameArrived != nil {
			c.safeCall("frame-arrived", func() { c.events.OnFrameArrived(p, frame) })
		}
	})
	if runErr != nil {
		var perr *neterr.ProtocolError
		if isProtocolError(runErr, &perr) {
			if c.events.OnUnhandledError != nil {
				c.safeCall("unhandled-error", func() { c.events.OnUnhandledError(runErr) })
			}
		} else if c.events.OnRemotePeerError != nil {
			c.safeCall("remote-peer-error", func() { c.events.OnRemotePeerError(p, runErr) })
		}
	}

	p.Teardown()
	if c.events.OnConnectionClosed != nil {
		c.safeCall("connection-closed", func() { c.events.OnConnectionClosed(p, p.CloseReason()) })
	}
	return runErr
}

func (c *Client) emitClientError(err error) {
	if c.events.OnClientError != nil {
		c.safeCall("client-error", func() { c.events.OnClientError(err) })
	}
}

func (c *Client) resolveFiltered(ctx context.Context) string {
	if c.cfg.FilterResolvedAddresses == nil {
		return ""
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, c.cfg.TargetHostname)
	if err != nil || len(ips) == 0 {
		return ""
	}
	filtered := c.cfg.FilterResolvedAddresses(ips)
	if len(filtered) == 0 {
		return ""
	}
	return net.JoinHostPort(filtered[0].String(), fmt.Sprint(c.cfg.TargetPort))
}

func (c *Client) maybeHandshake(ctx context.Context, conn net.Conn) (peer.Stream, error) {
	if !c.cfg.UseSsl {
		return conn, nil
	}
	tlsCfg := &tls.Config{
		Certificates:       c.cfg.ClientCertificates,
		InsecureSkipVerify: false,
		MinVersion:         tls.VersionTLS12,
	}
	if c.cfg.RemoteCertificateValidationCallback != nil {
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return c.cfg.RemoteCertificateValidationCallback(&cs)
		}
	}
	if c.cfg.LocalCertificateSelectionCallback != nil {
		tlsCfg.GetClientCertificate = c.cfg.LocalCertificateSelectionCallback
	}
	tconn := tls.Client(conn, tlsCfg)
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

// safeCall invokes an already-nil-checked event hook, converting a panic
// inside it into an unhandled-error event instead of letting it unwind the
// engine (spec: errors inside user handlers never terminate the engine).
func (c *Client) safeCall(name string, f func()) {
	defer func() {
		if r := recover(); r != nil && c.events.OnUnhandledError != nil {
			c.events.OnUnhandledError(fmt.Errorf("tcpclient: panic in %s handler: %v", name, r))
		}
	}()
	f()
}
