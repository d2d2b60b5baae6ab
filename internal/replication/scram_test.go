package replication

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// fakeServer re-implements just enough of the SCRAM-SHA-256 server side
// (RFC 5802/7677) to exercise ScramClient end to end without a real
// PostgreSQL backend.
type fakeServer struct {
	password   string
	salt       []byte
	iterations int
	nonce      string
}

func newFakeServer(password string) *fakeServer {
	salt := make([]byte, 16)
	rand.Read(salt)
	nonce := make([]byte, 18)
	rand.Read(nonce)
	return &fakeServer{
		password:   password,
		salt:       salt,
		iterations: 4096,
		nonce:      base64.RawStdEncoding.EncodeToString(nonce),
	}
}

func (s *fakeServer) firstMessage(clientFirstBare string) string {
	fields := parseScramFields(clientFirstBare)
	combined := fields["r"] + s.nonce
	return fmt.Sprintf("r=%s,s=%s,i=%d", combined, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
}

func (s *fakeServer) finalMessage(clientFirstBare, serverFirst, clientFinalWithoutProof string) string {
	saltedPassword := pbkdf2.Key([]byte(s.password), s.salt, s.iterations, sha256.Size, sha256.New)
	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	sig := hmacSHA256(serverKey, []byte(authMessage))
	return "v=" + base64.StdEncoding.EncodeToString(sig)
}

func TestScramClientFullExchangeSucceeds(t *testing.T) {
	srv := newFakeServer("pencil")
	c, err := NewScramClient("pencil")
	require.NoError(t, err)

	clientFirst := c.ClientFirstMessage()
	clientFirstBare := strings.TrimPrefix(clientFirst, "n,,")

	serverFirst := srv.firstMessage(clientFirstBare)
	require.NoError(t, c.ReceiveServerFirst(serverFirst))

	clientFinal := c.ClientFinalMessage()
	withoutProof := clientFinal[:strings.LastIndex(clientFinal, ",p=")]

	serverFinal := srv.finalMessage(clientFirstBare, serverFirst, withoutProof)
	require.NoError(t, c.VerifyServerFinal(serverFinal))
}

func TestScramClientRejectsWrongPassword(t *testing.T) {
	srv := newFakeServer("pencil")
	c, err := NewScramClient("wrong-password")
	require.NoError(t, err)

	clientFirst := c.ClientFirstMessage()
	clientFirstBare := strings.TrimPrefix(clientFirst, "n,,")
	serverFirst := srv.firstMessage(clientFirstBare)
	require.NoError(t, c.ReceiveServerFirst(serverFirst))

	clientFinal := c.ClientFinalMessage()
	withoutProof := clientFinal[:strings.LastIndex(clientFinal, ",p=")]
	serverFinal := srv.finalMessage(clientFirstBare, serverFirst, withoutProof)

	require.Error(t, c.VerifyServerFinal(serverFinal))
}

func TestScramClientRejectsForgedServerNonce(t *testing.T) {
	c, err := NewScramClient("pencil")
	require.NoError(t, err)
	c.ClientFirstMessage()

	err = c.ReceiveServerFirst("r=not-a-valid-extension,s=" + base64.StdEncoding.EncodeToString([]byte("salt1234")) + ",i=4096")
	require.Error(t, err)
}
