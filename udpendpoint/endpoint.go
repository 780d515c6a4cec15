// Package udpendpoint implements the UDP send/receive pipeline: bind
// (server) or connect (client), a receive loop, and a send worker that
// resolves a per-packet completion result for every queued datagram.
// Grounded on the teacher's pkg/transport/udp Listen/Dial split, replacing
// its per-remote session objects (UDP has no persistent peer.Peer in this
// design — spec.md's UDP section names endpoint-level events only) with a
// flat receive-loop-plus-callback shape.
package udpendpoint

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/InternetumM/AsyncNet/buffer"
	"github.com/InternetumM/AsyncNet/neterr"
	"github.com/InternetumM/AsyncNet/sendqueue"
)

// SendStatus is the closed set of outcomes a queued datagram's completion
// can resolve to.
type SendStatus int

const (
	// Sent means the full datagram was handed to the socket.
	Sent SendStatus = iota
	// Partial means the socket accepted fewer bytes than requested (rare for
	// UDP, but the write path reports it rather than assuming atomicity).
	Partial
	// Cancelled means the caller's context fired before the send outcome
	// was known: either while waiting for queue room (the datagram was never
	// enqueued) or after enqueueing (the worker still sends the datagram).
	Cancelled
	// Failed means the socket write itself returned a non-cancellation
	// error. Per spec.md §9 this is the bug fix: the promise now resolves
	// to Failed with Err set, instead of hanging forever.
	Failed
)

// SendResult is delivered to whoever queued a datagram once the send worker
// has processed it (or, for Post's fire-and-forget path, dropped silently).
type SendResult struct {
	Status SendStatus
	N      int
	Err    error
}

// Events are the callback hooks a caller wires up before Start.
type Events struct {
	OnStarted      func()
	OnStopped      func()
	OnException    func(err error)
	OnPacketArrived func(remote net.Addr, data []byte)
	OnSendError    func(err error)
	// OnReady fires once for client endpoints, after the socket connects,
	// before the receive loop starts.
	OnReady func()
}

// ClientConfig is the recognized configuration surface for a UDP client,
// mirroring spec.md §6's UDP-client table.
type ClientConfig struct {
	TargetHostname string
	TargetPort     int

	MaxSendQueueSize int

	ConfigureSocketCallback func(conn *net.UDPConn) error
	SelectIPAddressCallback func(addrs []net.IPAddr) net.IPAddr

	Logger *zap.Logger
}

// ServerConfig is the recognized configuration surface for a UDP server,
// mirroring spec.md §6's UDP-server table.
type ServerConfig struct {
	IPAddress string
	Port      int

	MaxSendQueueSize int

	ConfigureListenerCallback func(conn *net.UDPConn) error

	JoinMulticastGroup         net.IP
	JoinMulticastGroupCallback func(group net.IP) error
	LeaveMulticastGroupCallback func(group net.IP) error

	Logger *zap.Logger
}

type outgoingPacket struct {
	view   buffer.View
	addr   *net.UDPAddr // nil in client (connected) mode
	result chan<- SendResult
}

// Endpoint is a bound or connected UDP socket with a bounded send queue and
// a receive loop. It may only be started once.
type Endpoint struct {
	conn      *net.UDPConn
	isClient  bool
	events    Events
	logger    *zap.Logger
	queue     *sendqueue.Queue[outgoingPacket]
	startOnce sync.Once

	multicastGroup net.IP
	leaveCallback  func(net.IP) error
}

// NewClient connects a UDP socket to cfg.TargetHostname:TargetPort.
func NewClient(ctx context.Context, cfg ClientConfig, events Events) (*Endpoint, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	addr := net.JoinHostPort(cfg.TargetHostname, fmt.Sprint(cfg.TargetPort))
	if cfg.SelectIPAddressCallback != nil {
		if ips, err := net.DefaultResolver.LookupIPAddr(ctx, cfg.TargetHostname); err == nil && len(ips) > 0 {
			chosen := cfg.SelectIPAddressCallback(ips)
			addr = net.JoinHostPort(chosen.String(), fmt.Sprint(cfg.TargetPort))
		}
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, neterr.NewTransportError("resolve", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, neterr.NewTransportError("dial", err)
	}
	if cfg.ConfigureSocketCallback != nil {
		if err := cfg.ConfigureSocketCallback(conn); err != nil {
			_ = conn.Close()
			return nil, neterr.NewTransportError("configure-socket", err)
		}
	}

	e := &Endpoint{conn: conn, isClient: true, events: events, logger: log}
	e.queue = sendqueue.New(cfg.MaxSendQueueSize, e.writeWorker())
	return e, nil
}

// NewServer binds a UDP socket to cfg.IPAddress:Port, optionally joining a
// multicast group.
func NewServer(cfg ServerConfig, events Events) (*Endpoint, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.IPAddress, fmt.Sprint(cfg.Port)))
	if err != nil {
		return nil, neterr.NewTransportError("resolve", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, neterr.NewTransportError("bind", err)
	}
	if cfg.ConfigureListenerCallback != nil {
		if err := cfg.ConfigureListenerCallback(conn); err != nil {
			_ = conn.Close()
			return nil, neterr.NewTransportError("configure-listener", err)
		}
	}
	if cfg.JoinMulticastGroup != nil && cfg.JoinMulticastGroupCallback != nil {
		if err := cfg.JoinMulticastGroupCallback(cfg.JoinMulticastGroup); err != nil {
			_ = conn.Close()
			return nil, neterr.NewTransportError("join-multicast", err)
		}
	}

	e := &Endpoint{
		conn:           conn,
		isClient:       false,
		events:         events,
		logger:         log,
		multicastGroup: cfg.JoinMulticastGroup,
		leaveCallback:  cfg.LeaveMulticastGroupCallback,
	}
	e.queue = sendqueue.New(cfg.MaxSendQueueSize, e.writeWorker())
	return e, nil
}

// LocalAddr returns the endpoint's bound or connected local address, useful
// for discovering the assigned port when Port was 0.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Post enqueues a datagram without blocking (client mode: sent to the
// connected remote). It returns false if the queue is closed or at
// capacity, and never reports the eventual send outcome — use Send for that.
func (e *Endpoint) Post(data []byte) bool {
	return e.queue.TryPost(outgoingPacket{view: buffer.Of(data)})
}

// PostTo is Post for server mode, targeting an explicit remote address.
func (e *Endpoint) PostTo(addr *net.UDPAddr, data []byte) bool {
	return e.queue.TryPost(outgoingPacket{view: buffer.Of(data), addr: addr})
}

// Send enqueues a datagram, waiting for room if necessary, and returns the
// eventual send outcome once the worker processes it.
func (e *Endpoint) Send(ctx context.Context, data []byte) (SendResult, error) {
	return e.sendTo(ctx, nil, data)
}

// SendTo is Send for server mode, targeting an explicit remote address.
func (e *Endpoint) SendTo(ctx context.Context, addr *net.UDPAddr, data []byte) (SendResult, error) {
	return e.sendTo(ctx, addr, data)
}

func (e *Endpoint) sendTo(ctx context.Context, addr *net.UDPAddr, data []byte) (SendResult, error) {
	result := make(chan SendResult, 1)
	enqueued, err := e.queue.Send(ctx, outgoingPacket{view: buffer.Of(data), addr: addr, result: result})
	if err != nil {
		return SendResult{Status: Cancelled, Err: err}, err
	}
	if !enqueued {
		return SendResult{Status: Failed, Err: fmt.Errorf("udpendpoint: queue closed")}, nil
	}
	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return SendResult{Status: Cancelled, Err: ctx.Err()}, ctx.Err()
	}
}

func (e *Endpoint) writeWorker() sendqueue.Worker[outgoingPacket] {
	return func(item outgoingPacket) {
		var n int
		var err error
		if item.addr != nil {
			n, err = e.conn.WriteToUDP(item.view.Bytes(), item.addr)
		} else {
			n, err = e.conn.Write(item.view.Bytes())
		}

		var result SendResult
		switch {
		case err != nil:
			result = SendResult{Status: Failed, N: n, Err: neterr.NewTransportError("write", err)}
			if e.events.OnSendError != nil {
				e.events.OnSendError(result.Err)
			}
		case n < item.view.Len():
			result = SendResult{Status: Partial, N: n}
			if e.events.OnSendError != nil {
				e.events.OnSendError(nil)
			}
		default:
			result = SendResult{Status: Sent, N: n}
		}

		if item.result != nil {
			item.result <- result
			close(item.result)
		}
	}
}

// Start runs the receive loop until ctx is cancelled or the socket errors.
// Client endpoints fire OnReady once, before the loop starts.
func (e *Endpoint) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		startErr = e.run(ctx)
	})
	return startErr
}

func (e *Endpoint) run(ctx context.Context) error {
	if e.events.OnStarted != nil {
		e.events.OnStarted()
	}
	defer func() {
		if e.events.OnStopped != nil {
			e.events.OnStopped()
		}
	}()

	if e.isClient && e.events.OnReady != nil {
		e.events.OnReady()
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return e.conn.Close()
	})
	group.Go(func() error {
		return e.receiveLoop(ctx)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (e *Endpoint) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		n, remote, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			terr := neterr.NewTransportError("read", err)
			if e.events.OnException != nil {
				e.events.OnException(terr)
			}
			return terr
		}
		if e.events.OnPacketArrived != nil {
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			go e.events.OnPacketArrived(remote, pkt)
		}
	}
}

// Close stops the send queue (draining already-enqueued datagrams), leaves
// any joined multicast group, and closes the socket.
func (e *Endpoint) Close() error {
	e.queue.Close()
	<-e.queue.Done()
	if e.multicastGroup != nil && e.leaveCallback != nil {
		_ = e.leaveCallback(e.multicastGroup)
	}
	return e.conn.Close()
}
