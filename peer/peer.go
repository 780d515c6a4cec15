// Package peer implements RemotePeer: the state and behaviour associated
// with one live connection-oriented link (TCP, TLS-over-TCP, QUIC stream, or
// a Windows named pipe all satisfy the Stream interface below). It owns the
// bounded send queue, the swappable defragmenter, and the single-write
// close-reason latch that every engine in this library teardowns through.
package peer

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/InternetumM/AsyncNet/buffer"
	"github.com/InternetumM/AsyncNet/defrag"
	"github.com/InternetumM/AsyncNet/neterr"
	"github.com/InternetumM/AsyncNet/sendqueue"
)

// Stream is the minimal stream surface a Peer needs. net.Conn, *tls.Conn,
// a wrapped quic.Stream, and a go-winio pipe connection all satisfy it.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// CloseReason is the classified cause of a peer's termination.
type CloseReason int

const (
	// Unknown is the close-reason latch's initial value, and the value used
	// when termination was caused by an error the engine can't attribute to
	// a more specific cause.
	Unknown CloseReason = iota
	// RemoteShutdown means the stream reported a clean end-of-stream before
	// the defragmenter could assemble a frame.
	RemoteShutdown
	// LocalShutdown means the engine's own (or the peer's local) cancellation
	// fired.
	LocalShutdown
	// Timeout means a per-receive-cycle ConnectionTimeout elapsed with no
	// frame produced, and the engine's cancellation had not itself fired.
	Timeout
)

func (r CloseReason) String() string {
	switch r {
	case RemoteShutdown:
		return "remote-shutdown"
	case LocalShutdown:
		return "local-shutdown"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// outgoingItem packages a buffer view for the send worker. It is consumed
// exactly once, then dropped.
type outgoingItem struct {
	view buffer.View
}

type defragState struct {
	gen uint64
	d   defrag.Defragmenter
}

// Config carries everything needed to construct a Peer. Callers (the TCP/
// QUIC/winpipe engines) own resolving the stream and performing any TLS
// handshake before calling New.
type Config struct {
	// Stream is the live, already-handshaked connection.
	Stream Stream

	// RemoteAddr identifies the peer for logging/events.
	RemoteAddr string

	// DefragmenterFactory produces the initial Defragmenter instance.
	DefragmenterFactory defrag.Factory

	// SendQueueCapacity is forwarded to sendqueue.New (sendqueue.Unbounded
	// for no limit).
	SendQueueCapacity int

	// ReadTimeout bounds each receive cycle (not each frame's lifetime); 0
	// disables the timeout.
	ReadTimeout time.Duration

	// Resource is an optional opaque closable object associated with the
	// peer by application code; it is closed during Teardown.
	Resource io.Closer

	// OnWriteError is invoked (from the send worker, off the critical path)
	// when a queued write fails. The peer is disconnected immediately after.
	OnWriteError func(p *Peer, err error)
}

// Peer is one live connection and the state associated with it.
type Peer struct {
	remoteAddr string
	stream     Stream
	queue      *sendqueue.Queue[outgoingItem]
	defragPtr  atomic.Pointer[defragState]
	readTimeout time.Duration
	resource   io.Closer

	closed     atomic.Bool
	closeReasonVal atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Peer bound to parentCtx: Disconnect and parentCtx's own
// cancellation both unwind the peer's receive loop.
func New(parentCtx context.Context, cfg Config) *Peer {
	ctx, cancel := context.WithCancel(parentCtx)
	p := &Peer{
		remoteAddr:  cfg.RemoteAddr,
		stream:      cfg.Stream,
		readTimeout: cfg.ReadTimeout,
		resource:    cfg.Resource,
		ctx:         ctx,
		cancel:      cancel,
	}
	p.defragPtr.Store(&defragState{gen: 0, d: cfg.DefragmenterFactory()})

	onWriteErr := cfg.OnWriteError
	p.queue = sendqueue.New(cfg.SendQueueCapacity, sendqueue.Worker[outgoingItem](func(item outgoingItem) {
		if _, err := p.stream.Write(item.view.Bytes()); err != nil {
			if onWriteErr != nil {
				onWriteErr(p, neterr.NewTransportError("write", err))
			}
			p.Disconnect(Unknown)
		}
	}))
	return p
}

// RemoteAddr returns the identity this peer was constructed with.
func (p *Peer) RemoteAddr() string { return p.remoteAddr }

// Post enqueues data without blocking; it returns false if the queue is
// closed or at capacity.
func (p *Peer) Post(data []byte) bool {
	return p.PostView(buffer.Of(data))
}

// PostView is Post for a pre-built, possibly non-owning buffer.View.
func (p *Peer) PostView(v buffer.View) bool {
	return p.queue.TryPost(outgoingItem{view: v})
}

// Send enqueues data, waiting for room if necessary. It returns false if the
// queue was closed before the item could be enqueued, and a cancellation
// error if ctx fires first while waiting (and the engine itself has not
// already torn the peer down — see Disconnect/Run for how that distinction
// is surfaced).
func (p *Peer) Send(ctx context.Context, data []byte) (bool, error) {
	return p.SendView(ctx, buffer.Of(data))
}

// SendView is Send for a pre-built buffer.View.
func (p *Peer) SendView(ctx context.Context, v buffer.View) (bool, error) {
	ok, err := p.queue.Send(ctx, outgoingItem{view: v})
	if err != nil && p.ctx.Err() != nil {
		// The peer (or its engine) is already shutting down: callers should
		// see a benign "false", not a cancellation error, once local
		// shutdown has started.
		return false, nil
	}
	return ok, err
}

// SwitchProtocol atomically replaces the current defragmenter. It takes
// effect no later than the next ReadFrame call; a read already in progress
// is never interrupted. Leftover bytes buffered under the previous
// defragmenter are discarded.
func (p *Peer) SwitchProtocol(factory defrag.Factory) {
	cur := p.defragPtr.Load()
	p.defragPtr.Store(&defragState{gen: cur.gen + 1, d: factory()})
}

// Disconnect sets the close-reason latch (if still Unknown) and triggers the
// peer's local cancellation. Calling it more than once is safe; only the
// first reason sticks.
func (p *Peer) Disconnect(reason CloseReason) {
	if p.closed.CompareAndSwap(false, true) {
		p.closeReasonVal.Store(int32(reason))
	}
	p.cancel()
}

// CloseReason returns the latched close reason. It is only meaningful after
// Run has returned.
func (p *Peer) CloseReason() CloseReason { return CloseReason(p.closeReasonVal.Load()) }

// Run drives the receive loop until the peer's local cancellation fires
// (directly, via Disconnect, or transitively via the engine's own
// cancellation) or the defragmenter reports StreamClosed. onFrame is called
// synchronously, once per produced frame, in receive-loop order: frames for
// one peer are always delivered in the order they were reassembled. The
// engines in this module (tcpclient, tcpserver, quicengine, winpipe) make a
// single synchronous OnFrameArrived call from inside onFrame; a caller that
// wants a second, parallel delivery of the same frame has to start it
// itself from inside onFrame.
//
// Run always returns with the close-reason latch set.
func (p *Peer) Run(onFrame func(p *Peer, frame []byte)) error {
	var leftover buffer.View
	lastGen := p.defragPtr.Load().gen

	for {
		if p.ctx.Err() != nil {
			p.Disconnect(LocalShutdown)
			return nil
		}

		readCtx := p.ctx
		var cancelTimeout context.CancelFunc
		if p.readTimeout > 0 {
			readCtx, cancelTimeout = context.WithTimeout(p.ctx, p.readTimeout)
		}

		st := p.defragPtr.Load()
		if st.gen != lastGen {
			leftover = buffer.View{}
		}
		lastGen = st.gen

		out, err := p.readFrame(readCtx, st.d, leftover)
		if cancelTimeout != nil {
			cancelTimeout()
		}

		if err != nil {
			switch {
			case p.ctx.Err() != nil:
				// Engine/local cancellation fired (possibly racing the
				// read-scope timeout too); local shutdown always wins.
				p.Disconnect(LocalShutdown)
				return nil
			case readCtx.Err() != nil:
				p.Disconnect(Timeout)
				return nil
			default:
				var ue *defrag.UnhandledError
				if errors.As(err, &ue) {
					p.Disconnect(Unknown)
					return neterr.NewProtocolError(ue.Err)
				}
				p.Disconnect(Unknown)
				return neterr.NewTransportError("read", err)
			}
		}

		switch out.Status {
		case defrag.FrameProduced:
			leftover = out.Leftover
			if onFrame != nil {
				onFrame(p, out.Frame)
			}
		case defrag.FrameDropped:
			leftover = buffer.View{}
		case defrag.StreamClosed:
			p.Disconnect(RemoteShutdown)
			return nil
		}
	}
}

// readFrame runs one ReadFrame call, bridging ctx's cancellation into the
// stream's deadline so a blocking Read actually unblocks instead of waiting
// for more bytes that may never come. net.Conn/tls.Conn/the QUIC and
// winpipe stream wrappers all support SetReadDeadline; a deadline forced
// into the past returns an immediate timeout error from any Read already
// in flight.
func (p *Peer) readFrame(ctx context.Context, d defrag.Defragmenter, leftover buffer.View) (defrag.Output, error) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = p.stream.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()
	out, err := d.ReadFrame(ctx, p.stream, leftover)
	close(stop)
	return out, err
}

// Teardown completes the send queue (draining already-enqueued writes),
// closes the optional custom resource, and closes the stream. Call it after
// Run has returned.
func (p *Peer) Teardown() {
	p.queue.Close()
	<-p.queue.Done()
	if p.resource != nil {
		_ = p.resource.Close()
	}
	_ = p.stream.Close()
}
