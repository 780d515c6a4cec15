// Command echo-server runs a TCP server engine over the examples/lenproto
// demo wire format, echoing every frame it receives back to its sender
// with MsgResult substituted for MsgTask. It wires config, observability,
// tcpserver, defrag, and the demo protocol package together the way a
// caller of this library would.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/InternetumM/AsyncNet/config"
	protocol "github.com/InternetumM/AsyncNet/examples/lenproto"
	"github.com/InternetumM/AsyncNet/examples/lenproto/codec"
	"github.com/InternetumM/AsyncNet/observability"
	"github.com/InternetumM/AsyncNet/peer"
	"github.com/InternetumM/AsyncNet/tcpserver"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("echo-server", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	tcpCfg := cfg.TCPServer
	if tcpCfg == nil {
		tcpCfg = &config.TCPServerConfig{IPAddress: "127.0.0.1", Port: 9443, MaxSendQueuePerPeerSize: 64}
	}

	reg := codec.NewRegistry()
	reg.Register(func() codec.Codec { c, _ := codec.CBOR(); return c }())

	server := tcpserver.New(tcpserver.Config{
		IPAddress:                         tcpCfg.IPAddress,
		Port:                              tcpCfg.Port,
		MaxSendQueuePerPeerSize:          tcpCfg.MaxSendQueuePerPeerSize,
		ConnectionTimeout:                 int64(tcpCfg.ConnectionTimeoutMS) * 1_000_000,
		ProtocolFrameDefragmenterFactory: protocol.Factory(),
		Logger:                             logger,
	}, tcpserver.Events{
		OnServerStarted: func() {
			logger.Info("echo-server started", zap.String("addr", tcpCfg.IPAddress))
		},
		OnServerStopped: func() { logger.Info("echo-server stopped") },
		OnServerError: func(err error) {
			logger.Error("server error", zap.Error(err))
		},
		OnConnectionEstablished: func(p *peer.Peer) {
			logger.Info("peer connected", zap.String("remote", p.RemoteAddr()))
		},
		OnFrameArrived: func(p *peer.Peer, frame []byte) {
			var env protocol.Envelope
			if err := env.DecodeFrame(frame); err != nil {
				logger.Warn("dropping malformed frame", zap.Error(err))
				return
			}
			env.Header.Type = protocol.MsgResult
			echoed, err := env.EncodeFrame()
			if err != nil {
				logger.Warn("failed to re-encode echo frame", zap.Error(err))
				return
			}
			p.Post(echoed)
		},
		OnConnectionClosed: func(p *peer.Peer, reason peer.CloseReason) {
			logger.Info("peer disconnected", zap.String("remote", p.RemoteAddr()), zap.String("reason", reason.String()))
		},
		OnRemotePeerError: func(p *peer.Peer, err error) {
			logger.Warn("peer error", zap.String("remote", p.RemoteAddr()), zap.Error(err))
		},
		OnUnhandledError: func(err error) {
			logger.Error("unhandled error", zap.Error(err))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server exited with error", zap.Error(err))
		return 1
	}
	return 0
}
