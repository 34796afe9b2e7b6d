package devicetest

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openambit/ambit-sync/pkg/ambit"
)

// Serve exposes the emulator as a TCP device bridge until ctx is done. Only
// one client may hold the link at a time, like a real watch.
func (e *Emulator) Serve(ctx context.Context, ln net.Listener) error {
	logger := log.With().Str("component", "emulator").Str("serial", e.Info().Serial).Logger()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Emulated watch listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if !e.claim() {
			logger.Warn().Str("remote", c.RemoteAddr().String()).Msg("Link busy, connection refused")
			c.Close()
			continue
		}

		go func() {
			defer e.releaseLink()
			if err := e.serveConn(ctx, c); err != nil {
				logger.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("Link closed")
			}
		}()
	}
}

func (e *Emulator) claim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return false
	}
	e.open = true
	return true
}

func (e *Emulator) releaseLink() {
	e.mu.Lock()
	e.open = false
	e.mu.Unlock()
}

// serveConn answers request frames in order. A frame that fails its checksum
// desynchronizes the stream, so the link is dropped.
func (e *Emulator) serveConn(ctx context.Context, c net.Conn) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		req, err := ambit.ReadFrame(c)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		reply := e.handle(req)
		if reply == nil {
			continue
		}

		e.mu.Lock()
		latency := e.latency
		e.mu.Unlock()
		if latency > 0 {
			time.Sleep(latency)
		}

		if _, err := c.Write(reply); err != nil {
			return err
		}
	}
}
