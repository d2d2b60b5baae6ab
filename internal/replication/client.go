package replication

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vbp1/pgbackup/internal/errs"
	"github.com/vbp1/pgbackup/internal/ratelimit"
	"github.com/vbp1/pgbackup/internal/wire"
)

// ReplConn is a replication-mode frontend/backend connection: startup, SCRAM
// auth, simple queries, and the replication command set from §4.2.
type ReplConn struct {
	conn *wire.Conn
}

// Connect performs TCP dial, optional TLS, startup and authentication for a
// replication-mode connection (replication=true in the startup parameters).
func Connect(ctx context.Context, addr, user, database, password string, tlsConfig *tls.Config, bucket *ratelimit.Bucket) (*ReplConn, error) {
	c, err := wire.Dial(ctx, addr, tlsConfig, bucket)
	if err != nil {
		return nil, err
	}
	rc := &ReplConn{conn: c}

	params := map[string]string{
		"user":            user,
		"database":        database,
		"replication":     "true",
		"application_name": "pgbackupd",
	}
	if database == "" {
		params["replication"] = "database"
	}

	if err := rc.conn.WriteStartup(ctx, params); err != nil {
		c.Close()
		return nil, err
	}

	if err := rc.authenticate(ctx, password); err != nil {
		c.Close()
		return nil, err
	}

	if err := rc.drainUntilReady(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return rc, nil
}

// Close closes the underlying transport, sending Terminate first.
func (rc *ReplConn) Close(ctx context.Context) error {
	_ = rc.conn.WriteMessage(ctx, wire.KindTerminate, nil)
	return rc.conn.Close()
}

func (rc *ReplConn) authenticate(ctx context.Context, password string) error {
	for {
		msg, err := rc.conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case wire.KindErrorResponse:
			return errs.New(errs.KindAuthFailed, "replication.authenticate", parseErrorResponse(msg.Payload))
		case wire.KindNoticeResponse:
			continue
		case wire.KindAuthentication:
			done, err := rc.handleAuthMessage(ctx, msg.Payload, password)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			return errs.New(errs.KindProtocolViolation, "replication.authenticate",
				fmt.Errorf("unexpected message kind %q during authentication", msg.Kind))
		}
	}
}

const (
	authOK                = 0
	authMD5Password       = 5
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

func (rc *ReplConn) handleAuthMessage(ctx context.Context, payload []byte, password string) (done bool, err error) {
	if len(payload) < 4 {
		return false, errs.New(errs.KindProtocolViolation, "replication.auth_message", fmt.Errorf("truncated authentication message"))
	}
	authType := binary.BigEndian.Uint32(payload[:4])

	switch authType {
	case authOK:
		return true, nil
	case authMD5Password:
		return false, errs.New(errs.KindAuthFailed, "replication.auth_message", fmt.Errorf("server requires MD5 auth, which is not supported; configure SCRAM-SHA-256"))
	case authSASL:
		return false, rc.doSCRAM(ctx, payload[4:], password)
	default:
		return false, errs.New(errs.KindAuthFailed, "replication.auth_message", fmt.Errorf("unsupported authentication type %d", authType))
	}
}

func (rc *ReplConn) doSCRAM(ctx context.Context, mechanismList []byte, password string) error {
	if !strings.Contains(string(mechanismList), "SCRAM-SHA-256") {
		return errs.New(errs.KindAuthFailed, "replication.scram", fmt.Errorf("server does not offer SCRAM-SHA-256"))
	}

	sc, err := NewScramClient(password)
	if err != nil {
		return err
	}

	clientFirst := sc.ClientFirstMessage()
	initial := make([]byte, 0, 32+len(clientFirst))
	initial = append(initial, "SCRAM-SHA-256\x00"...)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirst)))
	initial = append(initial, lenBuf...)
	initial = append(initial, clientFirst...)

	if err := rc.conn.WriteMessage(ctx, wire.KindPasswordMessage, initial); err != nil {
		return err
	}

	msg, err := rc.conn.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if msg.Kind == wire.KindErrorResponse {
		return errs.New(errs.KindAuthFailed, "replication.scram", parseErrorResponse(msg.Payload))
	}
	if msg.Kind != wire.KindAuthentication || len(msg.Payload) < 4 || binary.BigEndian.Uint32(msg.Payload[:4]) != authSASLContinue {
		return errs.New(errs.KindProtocolViolation, "replication.scram", fmt.Errorf("expected AuthenticationSASLContinue"))
	}
	if err := sc.ReceiveServerFirst(string(msg.Payload[4:])); err != nil {
		return err
	}

	clientFinal := sc.ClientFinalMessage()
	if err := rc.conn.WriteMessage(ctx, wire.KindPasswordMessage, []byte(clientFinal)); err != nil {
		return err
	}

	msg, err = rc.conn.ReadMessage(ctx)
	if err != nil {
		return err
	}
	if msg.Kind == wire.KindErrorResponse {
		return errs.New(errs.KindAuthFailed, "replication.scram", parseErrorResponse(msg.Payload))
	}
	if msg.Kind != wire.KindAuthentication || len(msg.Payload) < 4 || binary.BigEndian.Uint32(msg.Payload[:4]) != authSASLFinal {
		return errs.New(errs.KindProtocolViolation, "replication.scram", fmt.Errorf("expected AuthenticationSASLFinal"))
	}
	return sc.VerifyServerFinal(string(msg.Payload[4:]))
}

// drainUntilReady consumes ParameterStatus/BackendKeyData messages until
// ReadyForQuery, matching startup's tail per the frontend/backend protocol.
func (rc *ReplConn) drainUntilReady(ctx context.Context) error {
	for {
		msg, err := rc.conn.ReadMessage(ctx)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case wire.KindReadyForQuery:
			return nil
		case wire.KindErrorResponse:
			return errs.New(errs.KindProtocolViolation, "replication.startup", parseErrorResponse(msg.Payload))
		case wire.KindParameterStatus, wire.KindBackendKeyData, wire.KindNoticeResponse:
			continue
		default:
			continue
		}
	}
}

func parseErrorResponse(payload []byte) error {
	fields := make(map[byte]string)
	i := 0
	for i < len(payload) && payload[i] != 0 {
		fieldType := payload[i]
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		fields[fieldType] = string(payload[start:i])
		i++
	}
	msg := fields['M']
	if msg == "" {
		msg = "unknown server error"
	}
	if code, ok := fields['C']; ok {
		return fmt.Errorf("%s (sqlstate %s)", msg, code)
	}
	return fmt.Errorf("%s", msg)
}

// Row is one row of a simple query's tabular result; NULL fields are nil.
type Row struct {
	Values []*string
}

// QueryResult is the tabular decoding of a simple-query response described
// in §4.2.
type QueryResult struct {
	Columns []string
	Rows    []Row
	Tag     string
}

// SimpleQuery sends a Query message and decodes the result set.
func (rc *ReplConn) SimpleQuery(ctx context.Context, sql string) (*QueryResult, error) {
	body := append([]byte(sql), 0)
	if err := rc.conn.WriteMessage(ctx, wire.KindQuery, body); err != nil {
		return nil, err
	}

	res := &QueryResult{}
	for {
		msg, err := rc.conn.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		switch msg.Kind {
		case wire.KindRowDescription:
			res.Columns = decodeRowDescription(msg.Payload)
		case wire.KindDataRow:
			res.Rows = append(res.Rows, decodeDataRow(msg.Payload))
		case wire.KindCommandComplete:
			res.Tag = string(trimNul(msg.Payload))
		case wire.KindErrorResponse:
			return nil, errs.New(errs.KindProtocolViolation, "replication.query", parseErrorResponse(msg.Payload))
		case wire.KindReadyForQuery:
			return res, nil
		default:
			continue
		}
	}
}

func decodeRowDescription(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	cols := make([]string, 0, n)
	off := 2
	for i := 0; i < n && off < len(payload); i++ {
		start := off
		for off < len(payload) && payload[off] != 0 {
			off++
		}
		cols = append(cols, string(payload[start:off]))
		off++      // nul
		off += 18  // table oid(4) + col attnum(2) + type oid(4) + type size(2) + type mod(4) + format(2)
	}
	return cols
}

func decodeDataRow(payload []byte) Row {
	if len(payload) < 2 {
		return Row{}
	}
	n := int(binary.BigEndian.Uint16(payload[:2]))
	row := Row{Values: make([]*string, 0, n)}
	off := 2
	for i := 0; i < n; i++ {
		if off+4 > len(payload) {
			break
		}
		l := int32(binary.BigEndian.Uint32(payload[off : off+4]))
		off += 4
		if l < 0 {
			row.Values = append(row.Values, nil)
			continue
		}
		v := string(payload[off : off+int(l)])
		row.Values = append(row.Values, &v)
		off += int(l)
	}
	return row
}

func trimNul(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}

// IdentifySystem is the response to the IDENTIFY_SYSTEM replication command.
type IdentifySystem struct {
	SystemID string
	Timeline int32
	XLogPos  string
	DBName   string
}

// IdentifySystem issues IDENTIFY_SYSTEM and decodes its single-row reply.
func (rc *ReplConn) IdentifySystem(ctx context.Context) (*IdentifySystem, error) {
	res, err := rc.SimpleQuery(ctx, "IDENTIFY_SYSTEM")
	if err != nil {
		return nil, err
	}
	if len(res.Rows) != 1 {
		return nil, errs.New(errs.KindProtocolViolation, "replication.identify_system", fmt.Errorf("expected exactly one row, got %d", len(res.Rows)))
	}
	row := res.Rows[0]
	is := &IdentifySystem{}
	if len(row.Values) > 0 && row.Values[0] != nil {
		is.SystemID = *row.Values[0]
	}
	if len(row.Values) > 1 && row.Values[1] != nil {
		n, _ := strconv.ParseInt(*row.Values[1], 10, 32)
		is.Timeline = int32(n)
	}
	if len(row.Values) > 2 && row.Values[2] != nil {
		is.XLogPos = *row.Values[2]
	}
	if len(row.Values) > 3 && row.Values[3] != nil {
		is.DBName = *row.Values[3]
	}
	return is, nil
}

// CreatePhysicalSlot creates a physical replication slot via the replication
// protocol command (as opposed to Control.CreatePhysicalSlot's SQL
// function call, used when the connection is not in replication mode).
func (rc *ReplConn) CreatePhysicalSlot(ctx context.Context, name string) (string, error) {
	res, err := rc.SimpleQuery(ctx, fmt.Sprintf("CREATE_REPLICATION_SLOT %s PHYSICAL RESERVE_WAL", quoteIdent(name)))
	if err != nil {
		return "", err
	}
	if len(res.Rows) != 1 || len(res.Rows[0].Values) < 2 || res.Rows[0].Values[1] == nil {
		return "", errs.New(errs.KindProtocolViolation, "replication.create_slot", fmt.Errorf("unexpected CREATE_REPLICATION_SLOT response"))
	}
	return *res.Rows[0].Values[1], nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// StandbyStatusUpdate is sent periodically on the replication stream to
// report progress (§4.2).
type StandbyStatusUpdate struct {
	ReceivedLSN   uint64
	FlushedLSN    uint64
	AppliedLSN    uint64
	ReplyRequested bool
}

const pgEpoch = 946684800000000 // microseconds between Unix epoch and 2000-01-01

// SendStandbyStatusUpdate writes a 'r' CopyData sub-message on an active
// replication stream.
func (rc *ReplConn) SendStandbyStatusUpdate(ctx context.Context, u StandbyStatusUpdate) error {
	buf := make([]byte, 1+8+8+8+8+1)
	buf[0] = 'r'
	binary.BigEndian.PutUint64(buf[1:9], u.ReceivedLSN)
	binary.BigEndian.PutUint64(buf[9:17], u.FlushedLSN)
	binary.BigEndian.PutUint64(buf[17:25], u.AppliedLSN)
	now := time.Now().UnixMicro() - pgEpoch
	binary.BigEndian.PutUint64(buf[25:33], uint64(now))
	if u.ReplyRequested {
		buf[33] = 1
	}
	return rc.conn.WriteMessage(ctx, wire.KindCopyData, buf)
}

// StartPhysicalReplication issues START_REPLICATION SLOT <name> PHYSICAL
// <lsn> TIMELINE <tli> and confirms the CopyBothResponse that follows.
func (rc *ReplConn) StartPhysicalReplication(ctx context.Context, slot, startLSN string, timeline int32) error {
	cmd := fmt.Sprintf("START_REPLICATION SLOT %s PHYSICAL %s TIMELINE %d", quoteIdent(slot), startLSN, timeline)
	if err := rc.conn.WriteMessage(ctx, wire.KindQuery, append([]byte(cmd), 0)); err != nil {
		return err
	}
	msg, err := rc.conn.ReadMessage(ctx)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case wire.KindCopyBothResponse:
		return nil
	case wire.KindErrorResponse:
		return errs.New(errs.KindProtocolViolation, "replication.start_replication", parseErrorResponse(msg.Payload))
	default:
		return errs.New(errs.KindProtocolViolation, "replication.start_replication", fmt.Errorf("unexpected response kind %q", msg.Kind))
	}
}

// NextCopyMessage reads one CopyData/CopyDone message from an active
// replication stream.
func (rc *ReplConn) NextCopyMessage(ctx context.Context) (wire.Message, error) {
	return rc.conn.ReadMessage(ctx)
}

// BaseBackupOptions configures a BASE_BACKUP command (§4.2).
type BaseBackupOptions struct {
	Label             string
	Incremental       bool
	ManifestChecksum  string // sha256 | none
	Compression       string // none|gzip|zstd|lz4
	CompressionLevel  int
	WAL               bool
	TablespaceMap     bool
}

// StartBaseBackup issues BASE_BACKUP with the given options and confirms the
// CopyOutResponse/CopyBothResponse that begins the tar/archive stream.
func (rc *ReplConn) StartBaseBackup(ctx context.Context, opts BaseBackupOptions) error {
	var b strings.Builder
	b.WriteString("BASE_BACKUP LABEL '")
	b.WriteString(strings.ReplaceAll(opts.Label, "'", "''"))
	b.WriteString("'")
	if opts.Incremental {
		b.WriteString(" INCREMENTAL")
	}
	if opts.ManifestChecksum != "" {
		b.WriteString(" MANIFEST yes CHECKSUM ")
		b.WriteString(opts.ManifestChecksum)
	}
	if opts.Compression != "" && opts.Compression != "none" {
		fmt.Fprintf(&b, " COMPRESSION (%s", opts.Compression)
		if opts.CompressionLevel > 0 {
			fmt.Fprintf(&b, ", COMPRESSION_LEVEL %d", opts.CompressionLevel)
		}
		b.WriteString(")")
	}
	if opts.WAL {
		b.WriteString(" WAL")
	}
	if opts.TablespaceMap {
		b.WriteString(" TABLESPACE_MAP")
	}

	if err := rc.conn.WriteMessage(ctx, wire.KindQuery, append([]byte(b.String()), 0)); err != nil {
		return err
	}

	msg, err := rc.conn.ReadMessage(ctx)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case wire.KindCopyOutResponse, wire.KindCopyBothResponse:
		return nil
	case wire.KindErrorResponse:
		return errs.New(errs.KindProtocolViolation, "replication.base_backup", parseErrorResponse(msg.Payload))
	default:
		return errs.New(errs.KindProtocolViolation, "replication.base_backup", fmt.Errorf("unexpected response kind %q", msg.Kind))
	}
}
