package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/rs/zerolog/log"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/tremolo/internal/logger"
	"github.com/tzrikka/tremolo/pkg/websocket"
	"github.com/tzrikka/xdg"
)

const (
	ConfigDirName  = "tremolo"
	ConfigFileName = "config.toml"

	DefaultPort = 9881
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "tremolo",
		Usage:   "WebSocket echo server",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()

	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "network interface to listen on (default: all)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("TREMOLO_HOST"),
				toml.TOML("server.host", path),
			),
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "local port number to listen on",
			Value: DefaultPort,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("TREMOLO_PORT"),
				toml.TOML("server.port", path),
			),
			Validator: validatePort,
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "TLS public certificate PEM file",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("TREMOLO_TLS_CERT"),
				toml.TOML("server.tls_cert", path),
			),
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "TLS private key PEM file",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("TREMOLO_TLS_KEY"),
				toml.TOML("server.tls_key", path),
			),
			TakesFile: true,
		},
	}
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

func validatePort(p int) error {
	if p < 0 || p > 65535 {
		return errors.New("out of range [0-65535]")
	}
	return nil
}

// run starts a WebSocket server which echoes all incoming text and
// binary messages back to their sender, and blocks until an interrupt
// or termination signal arrives.
func run(ctx context.Context, cmd *cli.Command) error {
	logger.Init(cmd.Bool("dev") || cmd.Bool("pretty-log"))

	var opts []websocket.ServerOpt
	cert, key := cmd.String("tls-cert"), cmd.String("tls-key")
	if cert != "" || key != "" {
		opts = append(opts, websocket.WithTLSFiles(cert, key))
	}

	srv := websocket.NewServer(cmd.String("host"), cmd.Int("port"), opts...)
	_ = srv.On(websocket.OpcodeText, echo(websocket.OpcodeText))
	_ = srv.On(websocket.OpcodeBinary, echo(websocket.OpcodeBinary))
	_ = srv.On(websocket.OpcodePing, func(s *websocket.Session, _ []byte) {
		log.Debug().Str("conn_id", s.ID()).Msg("received ping")
	})
	_ = srv.On(websocket.OpcodeClose, func(s *websocket.Session, _ []byte) {
		log.Info().Str("conn_id", s.ID()).Msg("connection closed by peer")
	})

	if err := srv.Run(); err != nil {
		return err
	}
	defer srv.Stop()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	return nil
}

// echo constructs a callback which sends each incoming
// message back to its sender, with the same opcode.
func echo(op websocket.Opcode) websocket.Handler {
	return func(s *websocket.Session, payload []byte) {
		if err := s.Send(op, payload); err != nil {
			log.Error().Err(err).Str("conn_id", s.ID()).Msg("failed to echo WebSocket message")
		}
	}
}
