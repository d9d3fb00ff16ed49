package server

import (
	"bufio"
	"crypto/rsa"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keychat-io/keychat/pkg/directory"
	"github.com/keychat-io/keychat/pkg/protocol"
)

// End-to-end tests driving the real wire protocol over live TCP and
// WebSocket connections.

const journeyTimeout = 5 * time.Second

// journeyClient is a test client over one transport. A reader goroutine
// feeds inbound frames into a channel; the channel closes on disconnect.
type journeyClient struct {
	t      *testing.T
	frames chan string
	write  func(frame string) error
	closer func()
}

func (c *journeyClient) send(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.write(frame))
}

func (c *journeyClient) close() {
	c.closer()
}

// next returns the next inbound frame of any kind.
func (c *journeyClient) next() string {
	c.t.Helper()
	select {
	case frame, ok := <-c.frames:
		if !ok {
			c.t.Fatal("connection closed while waiting for frame")
		}
		return frame
	case <-time.After(journeyTimeout):
		c.t.Fatal("timed out waiting for frame")
	}
	return ""
}

// nextResponse returns the next frame that is not an asynchronous presence
// snapshot. Snapshots arrive whenever anyone authenticates, interleaved with
// direct responses.
func (c *journeyClient) nextResponse() string {
	c.t.Helper()
	for {
		frame := c.next()
		if strings.HasPrefix(frame, "online-users:") {
			continue
		}
		return frame
	}
}

func (c *journeyClient) expect(want string) {
	c.t.Helper()
	assert.Equal(c.t, want, c.nextResponse())
}

// nextPresence returns the JSON payload of the next presence snapshot,
// discarding everything before it.
func (c *journeyClient) nextPresence() string {
	c.t.Helper()
	for {
		frame := c.next()
		if strings.HasPrefix(frame, "online-users:") {
			return strings.TrimPrefix(frame, "online-users:")
		}
	}
}

func dialTCPClient(t *testing.T, addr string) *journeyClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	c := &journeyClient{t: t, frames: make(chan string, 64)}
	c.write = func(frame string) error {
		_, err := conn.Write([]byte(frame + "\n"))
		return err
	}
	c.closer = func() { conn.Close() }

	go func() {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 4096), 65536)
		for scanner.Scan() {
			c.frames <- scanner.Text()
		}
		close(c.frames)
	}()

	t.Cleanup(c.closer)
	return c
}

func dialWSClient(t *testing.T, url string) *journeyClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &journeyClient{t: t, frames: make(chan string, 64)}
	c.write = func(frame string) error {
		return conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
	c.closer = func() { conn.Close() }

	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				close(c.frames)
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			c.frames <- string(data)
		}
	}()

	t.Cleanup(c.closer)
	return c
}

// startJourneyServer brings up a server on ephemeral ports with the SSH and
// metrics listeners disabled, plus a WebSocket endpoint, and returns a dialer
// per transport.
func startJourneyServer(t *testing.T) (*Server, map[string]func() *journeyClient) {
	t.Helper()

	dir, err := directory.Open(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)

	sessions := NewSessionManager()
	srv := &Server{
		dir:      dir,
		sessions: sessions,
		auth:     NewAuthenticator(dir),
		router:   NewRouter(dir, sessions),
		config: ServerConfig{
			MaxFrameBytes: 65536,
			SendTimeout:   2 * time.Second,
		},
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
	require.NoError(t, srv.Start())

	wsServer := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(wsServer.Close)
	t.Cleanup(func() { srv.Stop() })

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	tcpAddr := net.JoinHostPort("127.0.0.1", port)
	wsURL := "ws" + strings.TrimPrefix(wsServer.URL, "http")

	dialers := map[string]func() *journeyClient{
		"tcp":       func() *journeyClient { return dialTCPClient(t, tcpAddr) },
		"websocket": func() *journeyClient { return dialWSClient(t, wsURL) },
	}
	return srv, dialers
}

func wireKeyHex(key *rsa.PrivateKey) (nHex, eHex string) {
	return key.N.Text(16), big.NewInt(int64(key.E)).Text(16)
}

func registerOverWire(c *journeyClient, username string, key *rsa.PrivateKey) {
	c.t.Helper()
	nHex, eHex := wireKeyHex(key)
	c.send("register:" + username + ":" + nHex + ":" + eHex)
	c.expect(protocol.RespRegisterSuccess)
}

func authenticateOverWire(c *journeyClient, username string, key *rsa.PrivateKey) {
	c.t.Helper()
	c.send("auth-request")
	frame := c.nextResponse()
	require.True(c.t, strings.HasPrefix(frame, "challenge:"), "expected challenge, got %q", frame)
	challenge := strings.TrimPrefix(frame, "challenge:")
	c.send("auth-response:" + signChallenge(key, challenge) + ":" + username)
	c.expect(protocol.RespAuthSuccess)
}

func TestClientJourney(t *testing.T) {
	for _, transport := range []string{"tcp", "websocket"} {
		t.Run(transport, func(t *testing.T) {
			runClientJourney(t, transport)
		})
	}
}

func runClientJourney(t *testing.T, transport string) {
	srv, dialers := startJourneyServer(t)
	dial := dialers[transport]

	aliceKey := generateTestKey(t)
	bobKey := generateTestKey(t)

	// Registration
	alice := dial()
	alice.send("check-username:alice")
	alice.expect(protocol.RespUsernameAvailable)

	registerOverWire(alice, "alice", aliceKey)

	alice.send("check-username:alice")
	alice.expect(protocol.RespUsernameExists)

	// Collisions report distinct reasons
	otherN, otherE := wireKeyHex(bobKey)
	alice.send("register:alice:" + otherN + ":" + otherE)
	alice.expect("register-failure:Username already taken")

	aliceN, aliceE := wireKeyHex(aliceKey)
	alice.send("register:alice2:" + aliceN + ":" + aliceE)
	alice.expect("register-failure:Public key already registered")

	alice.send("register:alice2")
	alice.expect("register-failure:Malformed command")

	// Authentication
	alice.send("auth-response:deadbeef:alice")
	alice.expect(protocol.RespAuthFailure)

	alice.send("auth-request")
	challengeFrame := alice.nextResponse()
	require.True(t, strings.HasPrefix(challengeFrame, "challenge:"))
	challenge := strings.TrimPrefix(challengeFrame, "challenge:")

	alice.send("auth-response:" + signChallenge(bobKey, challenge) + ":alice")
	alice.expect(protocol.RespAuthFailure)

	// The failed attempt did not consume the challenge
	alice.send("auth-response:" + signChallenge(aliceKey, challenge) + ":alice")
	alice.expect(protocol.RespAuthSuccess)
	assert.Equal(t, `["alice"]`, alice.nextPresence())

	alice.send("init-chat:bob")
	alice.expect("chat-init-failure:User does not exist")

	// Second user, plus a connection that never authenticates
	guest := dial()
	guest.send(`{"sender":"ghost","content":"boo"}`)
	guest.expect(protocol.RespUnauthorized)
	guest.send("init-chat:alice")
	guest.expect("chat-init-failure:Not authenticated")

	bob := dial()
	registerOverWire(bob, "bob", bobKey)
	authenticateOverWire(bob, "bob", bobKey)
	assert.Equal(t, `["alice","bob"]`, bob.nextPresence())
	assert.Equal(t, `["alice","bob"]`, alice.nextPresence())

	// Key exchange
	alice.send("init-chat:bob")
	alice.expect("chat-init-success:bob")
	bobN, bobE := wireKeyHex(bobKey)
	alice.expect("public-key:bob:" + bobN + ":" + bobE)

	// Direct delivery: verbatim to bob, confirmation to alice
	alice.send(`{"sender":"alice","content":"hi bob","recipient":"bob"}`)
	assert.Equal(t, `{"sender":"alice","content":"hi bob","recipient":"bob"}`, bob.nextResponse())
	alice.expect("message-delivered:bob")

	alice.send(`{"sender":"alice","content":"hi","recipient":"ghost"}`)
	alice.expect("message-failed:User does not exist")

	// Broadcast reaches every open connection, including the guest, with a
	// server timestamp stamped on
	bob.send(`{"sender":"bob","content":"hello everyone"}`)
	for _, c := range []*journeyClient{alice, bob, guest} {
		rec, err := protocol.DecodeRecord(c.nextResponse())
		require.NoError(t, err)
		assert.Equal(t, "bob", rec.Sender)
		assert.Equal(t, "hello everyone", rec.Content)
		assert.NotZero(t, rec.Timestamp)
	}

	// Disconnect drops presence; delivery to bob now fails as offline
	bob.close()
	require.Eventually(t, func() bool {
		return !srv.router.IsOnline("bob")
	}, journeyTimeout, 10*time.Millisecond)

	alice.send(`{"sender":"alice","content":"still there?","recipient":"bob"}`)
	alice.expect("message-failed:Recipient offline")
}

func TestReconnectDisplacesOldConnection(t *testing.T) {
	srv, dialers := startJourneyServer(t)
	dial := dialers["tcp"]

	key := generateTestKey(t)
	senderKey := generateTestKey(t)

	first := dial()
	registerOverWire(first, "carol", key)
	authenticateOverWire(first, "carol", key)

	second := dial()
	authenticateOverWire(second, "carol", key)

	sender := dial()
	registerOverWire(sender, "dave", senderKey)
	authenticateOverWire(sender, "dave", senderKey)

	// The newest connection owns the name
	sender.send(`{"sender":"dave","content":"which one?","recipient":"carol"}`)
	assert.Equal(t, `{"sender":"dave","content":"which one?","recipient":"carol"}`, second.nextResponse())
	sender.expect("message-delivered:carol")

	// Presence still lists carol exactly once
	assert.Equal(t, []string{"carol", "dave"}, srv.router.OnlineUsers())
}

func TestMalformedRecordIsDroppedSilently(t *testing.T) {
	_, dialers := startJourneyServer(t)
	dial := dialers["tcp"]

	key := generateTestKey(t)
	c := dial()
	registerOverWire(c, "erin", key)
	authenticateOverWire(c, "erin", key)

	// A bad record gets no response and must not kill the connection
	c.send(`{"sender":"erin","content":`)
	c.send("check-username:erin")
	c.expect(protocol.RespUsernameExists)
}

func TestDirectoryOutlivesConnections(t *testing.T) {
	_, dialers := startJourneyServer(t)
	dial := dialers["tcp"]

	key := generateTestKey(t)
	first := dial()
	registerOverWire(first, "frank", key)
	first.close()

	// Registration is durable; a brand new connection can authenticate
	second := dial()
	authenticateOverWire(second, "frank", key)
}
