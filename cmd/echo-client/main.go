// Command echo-client dials the echo-server demo binary, sends one
// MsgTask frame with a JSON-encoded body, and exits after printing the
// echoed MsgResult frame. It exercises tcpclient, defrag, and the demo
// protocol/codec packages the way a caller of this library would.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/InternetumM/AsyncNet/config"
	protocol "github.com/InternetumM/AsyncNet/examples/lenproto"
	"github.com/InternetumM/AsyncNet/examples/lenproto/codec"
	"github.com/InternetumM/AsyncNet/observability"
	"github.com/InternetumM/AsyncNet/peer"
	"github.com/InternetumM/AsyncNet/tcpclient"
)

type taskBody struct {
	Message string `json:"message"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("echo-client", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	message := fs.String("message", "hello from echo-client", "message to send")
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

	tcpCfg := cfg.TCPClient
	if tcpCfg == nil {
		tcpCfg = &config.TCPClientConfig{TargetHostname: "127.0.0.1", TargetPort: 9443}
	}

	reg := codec.NewRegistry()

	done := make(chan struct{})
	client := tcpclient.New(tcpclient.Config{
		TargetHostname:                    tcpCfg.TargetHostname,
		TargetPort:                        tcpCfg.TargetPort,
		ConnectionTimeout:                 time.Duration(tcpCfg.ConnectionTimeoutMS) * time.Millisecond,
		MaxSendQueueSize:                  tcpCfg.MaxSendQueueSize,
		ProtocolFrameDefragmenterFactory: protocol.Factory(),
		Logger:                             logger,
	}, tcpclient.Events{
		OnConnectionEstablished: func(p *peer.Peer) {
			correlation, _ := protocol.NewCorrelation()
			env, err := protocol.NewEnvelopeWithBody(
				protocol.Header{Version: 1, Type: protocol.MsgTask, Correlation: correlation},
				protocol.FormatJSON, taskBody{Message: *message}, reg)
			if err != nil {
				logger.Error("failed to build task envelope", zap.Error(err))
				return
			}
			out, err := env.EncodeFrame()
			if err != nil {
				logger.Error("failed to encode task frame", zap.Error(err))
				return
			}
			p.Post(out)
		},
		OnFrameArrived: func(p *peer.Peer, frame []byte) {
			var env protocol.Envelope
			if err := env.DecodeFrame(frame); err != nil {
				logger.Warn("dropping malformed frame", zap.Error(err))
				return
			}
			var body taskBody
			if _, err := protocol.DecodeEnvelopeBody(&env, &body, reg); err != nil {
				logger.Warn("failed to decode echoed body", zap.Error(err))
			} else {
				fmt.Printf("echoed: type=%d message=%q\n", env.Header.Type, body.Message)
			}
			p.Disconnect(peer.LocalShutdown)
			close(done)
		},
		OnConnectionClosed: func(p *peer.Peer, reason peer.CloseReason) {
			logger.Info("connection closed", zap.String("reason", reason.String()))
		},
		OnClientError: func(err error) {
			logger.Error("client error", zap.Error(err))
		},
		OnUnhandledError: func(err error) {
			logger.Error("unhandled error", zap.Error(err))
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Start(ctx) }()

	select {
	case <-done:
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("client exited with error", zap.Error(err))
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Error("timed out waiting for echo")
		return 1
	}
}
