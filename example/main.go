// Command example runs a telemetry collector and agent over framelink.
//
// Start a collector, then point one or more agents at it:
//
//	example --mode collector --addr 127.0.0.1:9070
//	example --mode agent --addr 127.0.0.1:9070 --count 100 --compression zstd
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Zereker/framelink"
	"github.com/Zereker/framelink/codec"
)

// envelope is the only type on the wire. Kind selects the populated field.
type envelope struct {
	Kind    string       `cbor:"kind"`
	Reading *measurement `cbor:"reading,omitempty"`
	Ack     uint64       `cbor:"ack,omitempty"`
}

type measurement struct {
	Sensor string    `cbor:"sensor"`
	Seq    uint64    `cbor:"seq"`
	Value  float64   `cbor:"value"`
	At     time.Time `cbor:"at"`
}

const (
	kindReading   = "reading"
	kindAck       = "ack"
	kindKeepAlive = "keepalive"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		mode       string
		configPath string
		addr       string
		count      int
		interval   time.Duration
		compress   string
	)

	flagSet := pflag.NewFlagSet("example", pflag.ContinueOnError)
	flagSet.StringVar(&mode, "mode", "collector", "collector or agent")
	flagSet.StringVar(&configPath, "config", "", "TOML or YAML connection settings")
	flagSet.StringVar(&addr, "addr", "", "listen (collector) or dial (agent) address, overrides the config")
	flagSet.IntVarP(&count, "count", "n", 10, "readings sent by the agent")
	flagSet.DurationVar(&interval, "interval", 100*time.Millisecond, "delay between readings")
	flagSet.StringVar(&compress, "compression", "", "none, zstd or lz4, overrides the config")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg := framelink.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = framelink.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if addr != "" {
		cfg.Address = addr
	}
	if compress != "" {
		cfg.Compression = compress
	}

	alg, err := codec.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return err
	}
	c, err := codec.Compress(codec.CBOR[envelope]{}, alg, codec.MaxDecodedSize(cfg.MaxFrameSize))
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	connOpts := append(cfg.Options(), framelink.CustomCodecOption(c), framelink.LoggerOption(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch mode {
	case "collector":
		return runCollector(ctx, logger, cfg, connOpts)
	case "agent":
		return runAgent(ctx, logger, cfg, connOpts, count, interval)
	}
	return fmt.Errorf("unknown mode %q", mode)
}

func runCollector(ctx context.Context, logger *slog.Logger, cfg framelink.Config, connOpts []framelink.Option) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.Address)
	if err != nil {
		return err
	}

	server, err := framelink.New(tcpAddr,
		framelink.ServerLoggerOption(logger),
		framelink.ServerConnOptions(connOpts...),
	)
	if err != nil {
		return err
	}
	defer server.Close()

	var received atomic.Uint64
	loopOpts := append(cfg.LoopOptions(),
		framelink.LoopLoggerOption(logger),
		framelink.OnMessageOption(func(conn *framelink.Conn, v any) error {
			env := v.(envelope)
			if env.Kind != kindReading || env.Reading == nil {
				return nil
			}

			received.Add(1)
			logger.Info("reading",
				"addr", conn.Addr(),
				"sensor", env.Reading.Sensor,
				"seq", env.Reading.Seq,
				"value", env.Reading.Value,
			)
			// The loop goroutine must never wait for a buffer.
			_, err := conn.TrySend(envelope{Kind: kindAck, Ack: env.Reading.Seq})
			if err != nil {
				logger.Warn("ack dropped", "addr", conn.Addr(), "seq", env.Reading.Seq, "error", err)
			}
			return nil
		}),
		framelink.KeepAliveMessageOption(func() any {
			return envelope{Kind: kindKeepAlive}
		}),
		framelink.OnCloseOption(func(conn *framelink.Conn, err error) {
			logger.Info("agent disconnected", "stats", conn.PoolStats(), "cause", err)
		}),
	)

	loop, err := framelink.NewLoop(loopOpts...)
	if err != nil {
		return err
	}

	err = server.Serve(ctx, loop)
	logger.Info("collector stopped", "readings", received.Load())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runAgent(ctx context.Context, logger *slog.Logger, cfg framelink.Config, connOpts []framelink.Option, count int, interval time.Duration) error {
	acked := make(chan uint64, count)

	loopOpts := append(cfg.LoopOptions(),
		framelink.LoopLoggerOption(logger),
		framelink.OnMessageOption(func(_ *framelink.Conn, v any) error {
			if env := v.(envelope); env.Kind == kindAck {
				select {
				case acked <- env.Ack:
				default:
				}
			}
			return nil
		}),
		framelink.KeepAliveMessageOption(func() any {
			return envelope{Kind: kindKeepAlive}
		}),
	)

	loop, err := framelink.NewLoop(loopOpts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(ctx)
	}()
	defer func() {
		cancel()
		<-loopDone
	}()

	client, err := framelink.NewClient(cfg.Address, loop,
		framelink.ClientConnOptions(connOpts...),
		framelink.ClientLoggerOption(logger),
		framelink.ConnectTimeoutOption(cfg.ConnectTimeout),
		framelink.ReconnectOption(true),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := uint64(1); seq <= uint64(count); seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		env := envelope{Kind: kindReading, Reading: &measurement{
			Sensor: "agent-0",
			Seq:    seq,
			Value:  20 + rand.Float64()*5,
			At:     time.Now().UTC(),
		}}
		n, err := client.Send(ctx, env)
		if err != nil {
			logger.Warn("reading not sent", "seq", seq, "error", err)
			continue
		}
		logger.Debug("reading sent", "seq", seq, "bytes", n, "pending", client.Conn().WriteBuffersSize())
	}

	deadline := time.After(5 * time.Second)
	for got := 0; got < count; got++ {
		select {
		case <-acked:
		case <-deadline:
			return fmt.Errorf("%d of %d readings acknowledged", got, count)
		case <-ctx.Done():
			return nil
		}
	}

	logger.Info("all readings acknowledged", "count", count, "stats", client.Conn().PoolStats())
	return nil
}
