// Package server runs protocol sessions over byte streams: standard
// input/output for an embedding parent process, or TCP connections.
package server

import (
	"bufio"
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ancdb/ancdb/internal/dberr"
	"github.com/ancdb/ancdb/internal/executor"
	"github.com/ancdb/ancdb/internal/metrics"
	"github.com/ancdb/ancdb/internal/protocol"
)

type Options struct {
	// MaxFrameSize bounds one request payload. Zero means
	// protocol.DefaultMaxFrameSize.
	MaxFrameSize uint32
}

func (o Options) maxFrame() uint32 {
	if o.MaxFrameSize == 0 {
		return protocol.DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

// Session serves one client stream. Requests are handled strictly in order
// and each response is flushed before the next request is read.
type Session struct {
	ex    *executor.Executor
	state *executor.Session
	r     *bufio.Reader
	w     *bufio.Writer
	max   uint32
	log   zerolog.Logger
}

func NewSession(ex *executor.Executor, r io.Reader, w io.Writer, opts Options, log zerolog.Logger) *Session {
	state := ex.NewSession()
	return &Session{
		ex:    ex,
		state: state,
		r:     bufio.NewReader(r),
		w:     bufio.NewWriter(w),
		max:   opts.maxFrame(),
		log:   log.With().Str("component", "session").Uint64("session", state.ID).Logger(),
	}
}

// Run serves requests until the client closes the stream, ctx is cancelled,
// or the stream fails. A clean end returns nil. Any transaction the client
// left open is aborted.
func (s *Session) Run(ctx context.Context) error {
	metrics.Sessions.Inc()
	defer metrics.Sessions.Dec()
	defer s.ex.CloseSession(s.state)

	s.log.Debug().Msg("session started")
	for {
		if ctx.Err() != nil {
			s.log.Debug().Msg("session cancelled")
			return nil
		}

		payload, err := protocol.ReadFrame(s.r, s.max)
		var resp protocol.Response
		switch {
		case err == io.EOF:
			s.log.Debug().Msg("session ended")
			return nil
		case errors.Is(err, protocol.ErrFrameTooLarge):
			resp = s.ex.Reject(err)
		case err != nil:
			return errors.Wrap(err, "read request")
		default:
			cmd, err := protocol.DecodeCommand(payload)
			if err != nil {
				resp = s.ex.Reject(err)
			} else {
				resp = s.ex.Execute(s.state, cmd)
			}
		}

		if err := s.reply(resp); err != nil {
			return err
		}
	}
}

func (s *Session) reply(resp protocol.Response) error {
	if err := protocol.WriteFrame(s.w, protocol.MustEncodeResponse(resp)); err != nil {
		return errors.Wrapf(dberr.ErrIO, "write response: %v", err)
	}
	if err := s.w.Flush(); err != nil {
		return errors.Wrapf(dberr.ErrIO, "flush response: %v", err)
	}
	return nil
}

// ServeStdio runs a single session over in and out, typically os.Stdin and
// os.Stdout of a process spawned by an embedding client.
func ServeStdio(ctx context.Context, ex *executor.Executor, in io.Reader, out io.Writer, opts Options, log zerolog.Logger) error {
	return NewSession(ex, in, out, opts, log).Run(ctx)
}
