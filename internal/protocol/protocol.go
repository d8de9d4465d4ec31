// Package protocol defines the abstraction every client-facing wire encoding
// implements, and the shared command loop that drives a codec against the
// session engine.
//
// Variants differ only in grammar and framing; the Command/Event vocabulary
// and the dispatch contract are identical across them, so adding another
// encoding requires no change to the session engine.
package protocol

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/MakiWolf/netcoredbg/internal/errors"
	"github.com/MakiWolf/netcoredbg/internal/session"
	"github.com/MakiWolf/netcoredbg/pkg/types"
)

// Protocol is the capability set the entry point wires a session to.
type Protocol interface {
	// Run executes the blocking command loop until end of stream or a
	// terminate-class command.
	Run(ctx context.Context) error

	// EmitEvent serializes one event to the client. It may be called from a
	// different goroutine than Run at any time; implementations serialize
	// concurrent writers so messages never interleave on the wire.
	EmitEvent(ev types.Event) error
}

// Codec is one wire encoding: it decodes client requests into normalized
// commands and encodes replies and events back out.
type Codec interface {
	// Decode blocks until one complete request is available and returns the
	// normalized command. A malformed request yields an error with code
	// DECODE_FAILED carrying the request id when the grammar has one; it must
	// not end the loop. End of stream is io.EOF.
	Decode() (types.Command, error)

	// EncodeReply writes one command reply atomically.
	EncodeReply(r types.Reply) error

	// EncodeEvent writes one event atomically.
	EncodeEvent(ev types.Event) error

	// Close releases the codec's input so a blocked Decode returns.
	Close() error
}

// drainTimeout bounds how long loop teardown waits for queued events to
// reach the client.
const drainTimeout = 2 * time.Second

// RunLoop is the shared command loop: decode, dispatch to the engine,
// encode the reply, repeat. It runs on a single goroutine dedicated to
// client-command processing.
func RunLoop(ctx context.Context, engine *session.Engine, codec Codec) error {
	// Unblock Decode when the session ends underneath the loop.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-engine.Done():
			engine.Drain(drainTimeout)
		case <-ctx.Done():
		case <-stop:
			return
		}
		_ = codec.Close()
	}()

	for {
		cmd, err := codec.Decode()
		if err != nil {
			var de *errors.DebugError
			if stderrors.As(err, &de) && de.Code == errors.CodeDecodeFailed {
				// Answer in-protocol and keep the loop alive.
				reply := types.Reply{Seq: de.Seq, Success: false, Message: de.Error()}
				if encErr := codec.EncodeReply(reply); encErr != nil {
					return encErr
				}
				continue
			}
			if stderrors.Is(err, io.EOF) || engine.State().Terminal() || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := engine.Execute(ctx, cmd, codec.EncodeReply); err != nil {
			return err
		}

		if engine.State().Terminal() {
			engine.Drain(drainTimeout)
			return nil
		}
	}
}
