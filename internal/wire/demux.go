package wire

import (
	"context"
	"io"

	"github.com/vbp1/pgbackup/internal/errs"
)

// recognizedKinds are the message kinds the COPY-stream demultiplexer acts
// on; everything else is silently skipped per §4.1.
var recognizedKinds = map[byte]bool{
	KindDataRow:          true,
	KindCopyOutResponse:  true,
	KindCopyInResponse:   true,
	KindCopyData:         true,
	KindCopyDone:         true,
	KindCopyFail:         true,
	KindRowDescription:   true,
	KindCommandComplete:  true,
	KindErrorResponse:    true,
}

// Handler is invoked once per recognized message found in a demultiplexed
// stream.
type Handler func(Message) error

// DemuxBytes parses as many complete frames as are present in data, calling
// handle for each recognized kind and silently skipping the rest, and
// returns the number of bytes consumed (a subsequent partial frame, if any,
// is left unconsumed for the caller to retain).
func DemuxBytes(data []byte, handle Handler) (consumed int, err error) {
	for {
		if len(data)-consumed < 5 {
			return consumed, nil
		}
		kind := data[consumed]
		length := getUint32(data[consumed+1 : consumed+5])
		if length < 4 || length > maxMessageLength {
			return consumed, errs.New(errs.KindProtocolViolation, "wire.demux", errProtoLength(length))
		}
		total := 1 + int(length)
		if len(data)-consumed < total {
			return consumed, nil
		}
		if recognizedKinds[kind] {
			payload := data[consumed+5 : consumed+total]
			if err := handle(Message{Kind: kind, Payload: payload}); err != nil {
				return consumed, err
			}
		}
		consumed += total
	}
}

// Demultiplexer pumps bytes off an io.Reader through a ring buffer and
// invokes handle once per recognized message, reusing the ring across reads
// so messages that straddle two underlying Reads are reassembled correctly.
type Demultiplexer struct {
	r    io.Reader
	ring *ringBuffer
}

// NewDemultiplexer wraps r (typically a *Conn via its bufio reader, or any
// plain io.Reader in tests).
func NewDemultiplexer(r io.Reader) *Demultiplexer {
	return &Demultiplexer{r: r, ring: newRingBuffer(64 * 1024)}
}

// Pump reads from the underlying reader until ctx is done or the handler
// returns an error, dispatching recognized messages as they complete.
func (d *Demultiplexer) Pump(ctx context.Context, handle Handler) error {
	readBuf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := d.r.Read(readBuf)
		if n > 0 {
			dst := d.ring.Reserve(n)
			copy(dst, readBuf[:n])
			d.ring.Produced(n)

			consumed, herr := DemuxBytes(d.ring.Bytes(), handle)
			if consumed > 0 {
				d.ring.Advance(consumed)
			}
			if herr != nil {
				return herr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errs.New(errs.KindNetworkIO, "wire.demux_pump", err)
		}
	}
}
