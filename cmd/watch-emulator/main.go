// Command watch-emulator serves an emulated watch over TCP so the sync agent
// can be run without hardware.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/openambit/ambit-sync/internal/device/devicetest"
	"github.com/openambit/ambit-sync/pkg/ambit"
)

func main() {
	// Command line flags
	listen := pflag.StringP("listen", "l", "127.0.0.1:7001", "Bridge listen address")
	serial := pflag.String("serial", "EMU-0001", "Device serial number")
	logs := pflag.Uint32("logs", 5, "Number of training logs on the watch")
	firmware := pflag.String("firmware", "2.4.1", "Reported firmware version")
	latency := pflag.Duration("latency", 0, "Delay before every reply")
	verbose := pflag.BoolP("verbose", "v", false, "Debug logging")
	pflag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	info := devicetest.SampleInfo(*serial)
	v, err := ambit.ParseVersion(*firmware)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid firmware version")
	}
	info.Firmware = v

	emu := devicetest.New(info)
	for id := uint32(1); id <= *logs; id++ {
		emu.AddLog(devicetest.SampleLog(id))
	}
	emu.SetLatency(*latency)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *listen).Msg("Failed to listen")
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := emu.Serve(ctx, ln); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Emulator stopped")
			cancel()
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
	}

	cancel()
	log.Info().Msg("Watch emulator stopped")
}
