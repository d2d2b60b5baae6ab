package wire

import (
	"context"

	"github.com/vbp1/pgbackup/internal/errs"
)

// Message is one frontend/backend protocol message: a one-byte kind plus a
// payload, matching §4.1's `{kind: byte, length: i32, payload}` framing (the
// length field itself is not retained once decoded).
type Message struct {
	Kind    byte
	Payload []byte
}

// Well-known backend message kinds relevant to the replication/COPY paths;
// everything else is passed through to the caller and silently ignored by
// the demultiplexer in demux.go.
const (
	KindAuthentication    byte = 'R'
	KindBackendKeyData    byte = 'K'
	KindParameterStatus   byte = 'S'
	KindReadyForQuery     byte = 'Z'
	KindRowDescription    byte = 'T'
	KindDataRow           byte = 'D'
	KindCommandComplete   byte = 'C'
	KindErrorResponse     byte = 'E'
	KindNoticeResponse    byte = 'N'
	KindCopyInResponse    byte = 'G'
	KindCopyOutResponse   byte = 'H'
	KindCopyBothResponse  byte = 'W'
	KindCopyData          byte = 'd'
	KindCopyDone          byte = 'c'
	KindCopyFail          byte = 'f'
	KindNegotiateProtocol byte = 'v'
)

// Frontend-only kinds (no leading kind byte in the startup packet, but all
// subsequent frontend messages do carry one).
const (
	KindQuery           byte = 'Q'
	KindTerminate       byte = 'X'
	KindPasswordMessage byte = 'p'
)

// maxMessageLength bounds a single frame's payload to defend against a
// corrupt or hostile peer claiming an enormous length.
const maxMessageLength = 1 << 30

// ReadMessage reads one typed message: a kind byte, a big-endian int32
// length (including itself), then length-4 bytes of payload.
func (c *Conn) ReadMessage(ctx context.Context) (Message, error) {
	var hdr [5]byte
	if err := c.ReadFull(ctx, hdr[:1]); err != nil {
		return Message{}, err
	}
	if err := c.ReadFull(ctx, hdr[1:5]); err != nil {
		return Message{}, err
	}
	length := getUint32(hdr[1:5])
	if length < 4 || length > maxMessageLength {
		return Message{}, errs.New(errs.KindProtocolViolation, "wire.read_message", errProtoLength(length))
	}
	payload := make([]byte, length-4)
	if len(payload) > 0 {
		if err := c.ReadFull(ctx, payload); err != nil {
			return Message{}, err
		}
	}
	return Message{Kind: hdr[0], Payload: payload}, nil
}

// ReadMessageInto behaves like ReadMessage but reuses scratch if it has
// sufficient capacity, avoiding an allocation per message on the backup
// receive hot path (§4.1's scratch-buffer variant).
func (c *Conn) ReadMessageInto(ctx context.Context, scratch []byte) (Message, []byte, error) {
	var hdr [5]byte
	if err := c.ReadFull(ctx, hdr[:1]); err != nil {
		return Message{}, scratch, err
	}
	if err := c.ReadFull(ctx, hdr[1:5]); err != nil {
		return Message{}, scratch, err
	}
	length := getUint32(hdr[1:5])
	if length < 4 || length > maxMessageLength {
		return Message{}, scratch, errs.New(errs.KindProtocolViolation, "wire.read_message", errProtoLength(length))
	}
	need := int(length - 4)
	if cap(scratch) < need {
		scratch = make([]byte, need)
	} else {
		scratch = scratch[:need]
	}
	if need > 0 {
		if err := c.ReadFull(ctx, scratch); err != nil {
			return Message{}, scratch, err
		}
	}
	return Message{Kind: hdr[0], Payload: scratch}, scratch, nil
}

// WriteMessage writes kind+length+payload as one frame.
func (c *Conn) WriteMessage(ctx context.Context, kind byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	buf[0] = kind
	putUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	return c.Write(ctx, buf)
}

// WriteStartup writes the version-3 startup packet (no leading kind byte):
// length + protocol version + null-terminated key/value pairs + a final nul.
func (c *Conn) WriteStartup(ctx context.Context, params map[string]string) error {
	const protoVersion3 = 196608 // 3 << 16

	body := make([]byte, 0, 64)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	buf := make([]byte, 0, 8+len(body))
	lenPlaceholder := make([]byte, 4)
	buf = append(buf, lenPlaceholder...)
	verBytes := make([]byte, 4)
	putUint32(verBytes, protoVersion3)
	buf = append(buf, verBytes...)
	buf = append(buf, body...)
	putUint32(buf[0:4], uint32(len(buf)))

	return c.Write(ctx, buf)
}

type errProtoLength uint32

func (e errProtoLength) Error() string {
	return "invalid message length"
}
