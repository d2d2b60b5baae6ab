package replication

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/vbp1/pgbackup/internal/errs"
)

// ScramClient drives one SCRAM-SHA-256 exchange (RFC 5802 / RFC 7677) against
// the AuthenticationSASL/SASLContinue/SASLFinal sequence described in §4.2.
// golang.org/x/crypto/pbkdf2 supplies the iterated HMAC; everything else
// (HMAC-SHA256, the XOR client proof, base64 framing) is the small amount of
// glue RFC 5802 itself defines and that no retrieved example already wraps.
type ScramClient struct {
	username    string
	password    string
	clientNonce string

	clientFirstBare string
	serverFirst     string
	saltedPassword  []byte
	authMessage     string
}

// NewScramClient begins an exchange for the given password; username is left
// empty in the client-first message per PostgreSQL convention (the server
// already knows who is authenticating from the startup packet).
func NewScramClient(password string) (*ScramClient, error) {
	nonce, err := randomNonce(24)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "scram.new", err)
	}
	return &ScramClient{password: password, clientNonce: nonce}, nil
}

func randomNonce(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(b), nil
}

// ClientFirstMessage returns the "n,,n=,r=<nonce>" message to send as the
// SASL initial response.
func (s *ScramClient) ClientFirstMessage() string {
	s.clientFirstBare = fmt.Sprintf("n=,r=%s", s.clientNonce)
	return "n,," + s.clientFirstBare
}

// ReceiveServerFirst parses the server-first message "r=<nonce>,s=<salt>,i=<iterations>"
// and computes the salted password.
func (s *ScramClient) ReceiveServerFirst(msg string) error {
	s.serverFirst = msg
	fields := parseScramFields(msg)

	serverNonce, ok := fields["r"]
	if !ok || !strings.HasPrefix(serverNonce, s.clientNonce) {
		return errs.New(errs.KindAuthFailed, "scram.server_first", fmt.Errorf("server nonce does not extend client nonce"))
	}
	saltB64, ok := fields["s"]
	if !ok {
		return errs.New(errs.KindAuthFailed, "scram.server_first", fmt.Errorf("missing salt"))
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return errs.New(errs.KindAuthFailed, "scram.server_first", fmt.Errorf("decoding salt: %w", err))
	}
	iterStr, ok := fields["i"]
	if !ok {
		return errs.New(errs.KindAuthFailed, "scram.server_first", fmt.Errorf("missing iteration count"))
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return errs.New(errs.KindAuthFailed, "scram.server_first", fmt.Errorf("invalid iteration count %q", iterStr))
	}

	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iterations, sha256.Size, sha256.New)
	return nil
}

// ClientFinalMessage builds "c=biws,r=<nonce>,p=<proof>" given the
// server-first message already consumed by ReceiveServerFirst.
func (s *ScramClient) ClientFinalMessage() string {
	fields := parseScramFields(s.serverFirst)
	combinedNonce := fields["r"]

	clientFinalWithoutProof := "c=biws,r=" + combinedNonce
	s.authMessage = s.clientFirstBare + "," + s.serverFirst + "," + clientFinalWithoutProof

	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(s.authMessage))

	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	return clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
}

// VerifyServerFinal checks the server's "v=<signature>" against the expected
// ServerSignature, returning an auth-failed error on mismatch.
func (s *ScramClient) VerifyServerFinal(msg string) error {
	fields := parseScramFields(msg)
	if e, ok := fields["e"]; ok {
		return errs.New(errs.KindAuthFailed, "scram.server_final", fmt.Errorf("server reported error: %s", e))
	}
	vB64, ok := fields["v"]
	if !ok {
		return errs.New(errs.KindAuthFailed, "scram.server_final", fmt.Errorf("missing verifier"))
	}
	got, err := base64.StdEncoding.DecodeString(vB64)
	if err != nil {
		return errs.New(errs.KindAuthFailed, "scram.server_final", fmt.Errorf("decoding verifier: %w", err))
	}

	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))
	want := hmacSHA256(serverKey, []byte(s.authMessage))

	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errs.New(errs.KindAuthFailed, "scram.server_final", fmt.Errorf("server signature mismatch"))
	}
	return nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func parseScramFields(msg string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}
