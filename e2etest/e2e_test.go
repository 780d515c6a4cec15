// Package e2etest exercises tcpclient/tcpserver end to end over real
// localhost TCP sockets, covering the library's headline scenarios: echo,
// frame coalescing, split headers, backpressure, timeout, and protocol
// switch.
package e2etest

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/InternetumM/AsyncNet/defrag"
	"github.com/InternetumM/AsyncNet/peer"
	"github.com/InternetumM/AsyncNet/tcpclient"
	"github.com/InternetumM/AsyncNet/tcpserver"
)

func le32Strategy() defrag.LengthPrefixedStrategy {
	return defrag.LengthPrefixedStrategy{
		HeaderLen: 4,
		FrameLength: func(h []byte) int {
			return int(binary.LittleEndian.Uint32(h))
		},
	}
}

func le32Factory() defrag.Factory {
	return func() defrag.Defragmenter { return defrag.NewLengthPrefixed(le32Strategy()) }
}

func frame(body ...byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	copy(out[4:], body)
	return out
}

// freePort asks the OS for an unused localhost TCP port by binding and
// immediately releasing it.
func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T, port int, events tcpserver.Events) *tcpserver.Server {
	t.Helper()

	started := make(chan struct{})
	orig := events.OnServerStarted
	events.OnServerStarted = func() {
		if orig != nil {
			orig()
		}
		close(started)
	}

	srv := tcpserver.New(tcpserver.Config{
		IPAddress:                         "127.0.0.1",
		Port:                              port,
		ProtocolFrameDefragmenterFactory: le32Factory(),
	}, events)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Start(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start in time")
	}
	return srv
}

// TestEchoFrame covers scenario 1: the server echoes a "ping" frame back as
// "pong" and the client observes exactly the echoed bytes.
func TestEchoFrame(t *testing.T) {
	port := freePort(t)

	startServer(t, port, tcpserver.Events{
		OnFrameArrived: func(p *peer.Peer, f []byte) {
			require.Equal(t, frame('p', 'i', 'n', 'g'), f)
			p.Post(frame('p', 'o', 'n', 'g'))
		},
	})

	arrived := make(chan []byte, 1)
	client := tcpclient.New(tcpclient.Config{
		TargetHostname:                    "127.0.0.1",
		TargetPort:                        port,
		ProtocolFrameDefragmenterFactory: le32Factory(),
	}, tcpclient.Events{
		OnConnectionEstablished: func(p *peer.Peer) { p.Post(frame('p', 'i', 'n', 'g')) },
		OnFrameArrived:          func(p *peer.Peer, f []byte) { arrived <- f },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Start(ctx) }()

	select {
	case got := <-arrived:
		require.Equal(t, frame('p', 'o', 'n', 'g'), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
}

// TestTwoFramesCoalesced covers scenario 2: two frames written back-to-back
// by the server (coalesced by the kernel into one read on the client side,
// in the common case) still surface as two ordered frame-arrived events.
func TestTwoFramesCoalesced(t *testing.T) {
	port := freePort(t)

	var established sync.WaitGroup
	established.Add(1)
	var serverPeer *peer.Peer
	var mu sync.Mutex

	startServer(t, port, tcpserver.Events{
		OnConnectionEstablished: func(p *peer.Peer) {
			mu.Lock()
			serverPeer = p
			mu.Unlock()
			established.Done()
		},
	})

	arrived := make(chan []byte, 8)
	client := tcpclient.New(tcpclient.Config{
		TargetHostname:                    "127.0.0.1",
		TargetPort:                        port,
		ProtocolFrameDefragmenterFactory: le32Factory(),
	}, tcpclient.Events{
		OnFrameArrived: func(p *peer.Peer, f []byte) { arrived <- f },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Start(ctx) }()

	established.Wait()
	mu.Lock()
	sp := serverPeer
	mu.Unlock()

	sp.Post(frame('a'))
	sp.Post(frame('b'))

	var got [][]byte
	for i := 0; i < 2; i++ {
		select {
		case f := <-arrived:
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}
	require.Equal(t, frame('a'), got[0])
	require.Equal(t, frame('b'), got[1])
}

// TestSplitHeader covers scenario 3: the header itself arrives split across
// two writes with a delay in between; the defragmenter must still assemble
// exactly one frame.
func TestSplitHeader(t *testing.T) {
	var established sync.WaitGroup
	established.Add(1)
	var serverConn net.Conn

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		serverConn = c
		established.Done()
	}()

	arrived := make(chan []byte, 1)
	client := tcpclient.New(tcpclient.Config{
		TargetHostname:                    ln.Addr().(*net.TCPAddr).IP.String(),
		TargetPort:                        ln.Addr().(*net.TCPAddr).Port,
		ProtocolFrameDefragmenterFactory: le32Factory(),
	}, tcpclient.Events{
		OnFrameArrived: func(p *peer.Peer, f []byte) { arrived <- f },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Start(ctx) }()

	established.Wait()
	full := frame('x')
	_, err = serverConn.Write(full[:1])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = serverConn.Write(full[1:])
	require.NoError(t, err)

	select {
	case got := <-arrived:
		require.Equal(t, full, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for split-header frame")
	}
}

// TestBackpressure covers scenario 4: with a per-peer send queue of size 1,
// a post that lands behind a write already blocked on a slow receiver is
// accepted, the next is rejected, and posts succeed again once the receiver
// drains and the blocked write completes.
func TestBackpressure(t *testing.T) {
	port := freePort(t)

	started := make(chan struct{})
	establishedCh := make(chan *peer.Peer, 1)

	srv := tcpserver.New(tcpserver.Config{
		IPAddress:               "127.0.0.1",
		Port:                    port,
		MaxSendQueuePerPeerSize: 1,
		ConfigureSocketCallback: func(conn net.Conn) error {
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetWriteBuffer(1024)
			}
			return nil
		},
		ProtocolFrameDefragmenterFactory: le32Factory(),
	}, tcpserver.Events{
		OnServerStarted:         func() { close(started) },
		OnConnectionEstablished: func(p *peer.Peer) { establishedCh <- p },
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Start(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start in time")
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprint(port)))
	require.NoError(t, err)
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetReadBuffer(1024)
	}

	var serverPeer *peer.Peer
	select {
	case serverPeer = <-establishedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side connection")
	}

	big := frame(make([]byte, 512*1024)...)
	require.True(t, serverPeer.Post(big))

	// Give the worker time to dequeue the big frame and block inside Write,
	// since the dialed conn never reads.
	time.Sleep(100 * time.Millisecond)

	require.True(t, serverPeer.Post(frame('a')),
		"queue has room for exactly one buffered item behind the blocked write")
	require.False(t, serverPeer.Post(frame('b')),
		"queue is at capacity while the blocked write and one buffered item occupy it")

	go func() { _, _ = io.Copy(io.Discard, conn) }()

	require.Eventually(t, func() bool {
		return serverPeer.Post(frame('c'))
	}, 2*time.Second, 10*time.Millisecond, "queue should accept posts again once drained")
}

// TestTimeout covers scenario 5: a peer that never sends anything closes
// with CloseReason Timeout within the configured window.
func TestTimeout(t *testing.T) {
	port := freePort(t)
	startServer(t, port, tcpserver.Events{})

	closed := make(chan peer.CloseReason, 1)
	client := tcpclient.New(tcpclient.Config{
		TargetHostname:                    "127.0.0.1",
		TargetPort:                        port,
		ConnectionTimeout:                 50 * time.Millisecond,
		ProtocolFrameDefragmenterFactory: le32Factory(),
	}, tcpclient.Events{
		OnConnectionClosed: func(p *peer.Peer, reason peer.CloseReason) { closed <- reason },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go func() { _ = client.Start(ctx) }()

	select {
	case reason := <-closed:
		elapsed := time.Since(start)
		require.Equal(t, peer.Timeout, reason)
		require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
		require.LessOrEqual(t, elapsed, 400*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timeout-driven connection-closed")
	}
}

// TestProtocolSwitch covers scenario 6: after a frame under P1, the
// handler switches to a newline-delimited P2 and subsequent bytes are
// parsed under the new protocol, discarding P1's leftovers.
func TestProtocolSwitch(t *testing.T) {
	var established sync.WaitGroup
	established.Add(1)
	var serverConn net.Conn
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		serverConn = c
		established.Done()
	}()

	arrived := make(chan []byte, 8)
	client := tcpclient.New(tcpclient.Config{
		TargetHostname:                    ln.Addr().(*net.TCPAddr).IP.String(),
		TargetPort:                        ln.Addr().(*net.TCPAddr).Port,
		ProtocolFrameDefragmenterFactory: le32Factory(),
	}, tcpclient.Events{
		OnFrameArrived: func(p *peer.Peer, f []byte) {
			arrived <- f
			if len(f) > 0 && f[len(f)-1] != '\n' {
				p.SwitchProtocol(func() defrag.Defragmenter {
					return defrag.NewMixed(defrag.MixedStrategy{
						Header: func(prefix []byte) (defrag.HeaderDecision, int, int) {
							for i, b := range prefix {
								if b == '\n' {
									return defrag.HeaderComplete, i + 1, i + 1
								}
							}
							return defrag.NeedMoreHeader, 0, 0
						},
					})
				})
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Start(ctx) }()

	established.Wait()
	_, err = serverConn.Write(frame('A'))
	require.NoError(t, err)

	select {
	case got := <-arrived:
		require.Equal(t, frame('A'), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for P1 frame")
	}

	_, err = serverConn.Write([]byte("z\n"))
	require.NoError(t, err)

	select {
	case got := <-arrived:
		require.Equal(t, []byte("z\n"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for P2 frame")
	}
}
