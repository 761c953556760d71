package server

import (
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyppppppppp/relaychat/pkg/database"
	"github.com/lyppppppppp/relaychat/pkg/protocol"
)

// startTestServer boots a real server on ephemeral ports over a temp
// SQLite database.
func startTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	config := DefaultConfig()
	config.TCPPort = 0
	config.HTTPPort = 0

	srv := NewServer(db, config, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv
}

// chatClient is a raw TCP client speaking the framed JSON protocol.
type chatClient struct {
	t    *testing.T
	conn net.Conn
	dec  protocol.Decoder
}

func dialTestClient(t *testing.T, addr string) *chatClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &chatClient{t: t, conn: conn}
}

func (c *chatClient) send(env *protocol.Envelope) {
	c.t.Helper()

	payload, err := env.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, protocol.EncodeTo(c.conn, payload))
}

func (c *chatClient) recv() *protocol.Envelope {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, 4096)
	for {
		if payload, err := c.dec.Next(); err == nil {
			env, err := protocol.DecodeEnvelope(payload)
			require.NoError(c.t, err)
			return env
		} else if err != protocol.ErrNeedMoreBytes {
			c.t.Fatalf("decode error: %v", err)
		}

		n, err := c.conn.Read(buf)
		require.NoError(c.t, err, "read from server")
		c.dec.Append(buf[:n])
	}
}

// recvType skips envelopes until one of the given type arrives.
func (c *chatClient) recvType(want string) *protocol.Envelope {
	c.t.Helper()

	for i := 0; i < 32; i++ {
		env := c.recv()
		if env.Type == want {
			return env
		}
	}
	c.t.Fatalf("never received %s", want)
	return nil
}

// registerAndLogin creates the account and completes the login handshake,
// draining the standard pushes.
func (c *chatClient) registerAndLogin(username string) {
	c.t.Helper()

	c.send(&protocol.Envelope{Type: protocol.TypeRegister, Username: username, Password: "pw", Nickname: username})
	c.recvType(protocol.TypeRegisterSuccess)

	c.login(username)
}

func (c *chatClient) login(username string) {
	c.t.Helper()

	c.send(&protocol.Envelope{Type: protocol.TypeLogin, Username: username, Password: "pw"})
	env := c.recvType(protocol.TypeLoginSuccess)
	require.Equal(c.t, username, env.Username)
	c.recvType(protocol.TypeContactsList)
	c.recvType(protocol.TypeGroupsList)
}

func TestIntegrationRegisterAndLogin(t *testing.T) {
	srv := startTestServer(t)
	client := dialTestClient(t, srv.Addr())

	client.send(&protocol.Envelope{Type: protocol.TypeRegister, Username: "alice", Password: "pw", Nickname: "Alice"})
	client.recvType(protocol.TypeRegisterSuccess)

	client.send(&protocol.Envelope{Type: protocol.TypeLogin, Username: "alice", Password: "wrong"})
	client.recvType(protocol.TypeLoginFailed)

	client.send(&protocol.Envelope{Type: protocol.TypeLogin, Username: "alice", Password: "pw"})
	ack := client.recvType(protocol.TypeLoginSuccess)
	require.NotNil(t, ack.UserInfo)
	assert.Equal(t, "Alice", ack.UserInfo.Nickname)
	client.recvType(protocol.TypeContactsList)
	client.recvType(protocol.TypeGroupsList)
}

func TestIntegrationPrivateMessage(t *testing.T) {
	srv := startTestServer(t)

	alice := dialTestClient(t, srv.Addr())
	bob := dialTestClient(t, srv.Addr())
	alice.registerAndLogin("alice")
	bob.registerAndLogin("bob")

	alice.send(&protocol.Envelope{Type: protocol.TypePrivateMessage, Receiver: "bob", Content: "hello bob"})

	delivered := bob.recvType(protocol.TypePrivateMessage)
	assert.Equal(t, "alice", delivered.Sender)
	assert.Equal(t, "hello bob", delivered.Content)
	assert.NotEmpty(t, delivered.Timestamp)

	echo := alice.recvType(protocol.TypePrivateMessage)
	assert.Equal(t, "hello bob", echo.Content)
}

func TestIntegrationOfflineDelivery(t *testing.T) {
	srv := startTestServer(t)

	bob := dialTestClient(t, srv.Addr())
	bob.send(&protocol.Envelope{Type: protocol.TypeRegister, Username: "bob", Password: "pw", Nickname: "bob"})
	bob.recvType(protocol.TypeRegisterSuccess)
	bob.conn.Close()

	alice := dialTestClient(t, srv.Addr())
	alice.registerAndLogin("alice")
	alice.send(&protocol.Envelope{Type: protocol.TypePrivateMessage, Receiver: "bob", Content: "first"})
	alice.recvType(protocol.TypePrivateMessage)
	alice.send(&protocol.Envelope{Type: protocol.TypePrivateMessage, Receiver: "bob", Content: "second"})
	alice.recvType(protocol.TypePrivateMessage)

	// Bob connects and gets the queued messages in order.
	bob2 := dialTestClient(t, srv.Addr())
	bob2.login("bob")
	replay := bob2.recvType(protocol.TypeOfflineMessages)
	require.Len(t, replay.Messages, 2)
	assert.Equal(t, "first", replay.Messages[0].Content)
	assert.Equal(t, "second", replay.Messages[1].Content)
	bob2.conn.Close()

	// Give the server a moment to process the disconnect, then reconnect.
	time.Sleep(100 * time.Millisecond)

	bob3 := dialTestClient(t, srv.Addr())
	bob3.login("bob")

	// No second replay: the next envelope after a probe is its response.
	bob3.send(&protocol.Envelope{Type: protocol.TypeGetHistory, Target: "alice"})
	for {
		env := bob3.recv()
		require.NotEqual(t, protocol.TypeOfflineMessages, env.Type)
		if env.Type == protocol.TypeHistoryMessages {
			break
		}
	}
}

func TestIntegrationGroupFlow(t *testing.T) {
	srv := startTestServer(t)

	alice := dialTestClient(t, srv.Addr())
	bob := dialTestClient(t, srv.Addr())
	alice.registerAndLogin("alice")
	bob.registerAndLogin("bob")

	alice.send(&protocol.Envelope{Type: protocol.TypeAddContact, ContactUsername: "bob"})
	alice.recvType(protocol.TypeAddContactSuccess)

	alice.send(&protocol.Envelope{Type: protocol.TypeCreateGroup, GroupName: "golf"})
	alice.recvType(protocol.TypeCreateGroupSuccess)

	alice.send(&protocol.Envelope{Type: protocol.TypeAddGroupMembers, GroupName: "golf", Members: []string{"bob"}})

	invited := bob.recvType(protocol.TypeAddedToGroup)
	assert.Equal(t, "golf", invited.GroupName)
	assert.Equal(t, "alice", invited.Inviter)

	result := alice.recvType(protocol.TypeAddGroupMembersResult)
	assert.Equal(t, []string{"bob"}, result.Members)

	alice.send(&protocol.Envelope{Type: protocol.TypeGroupMessage, GroupName: "golf", Content: "fore"})
	msg := bob.recvType(protocol.TypeGroupMessage)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "fore", msg.Content)

	// History for the group is visible to members.
	bob.send(&protocol.Envelope{Type: protocol.TypeGetHistory, Target: "golf", MessageType: "group"})
	history := bob.recvType(protocol.TypeHistoryMessages)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "fore", history.Messages[0].Content)
}

func TestIntegrationDuplicateLogin(t *testing.T) {
	srv := startTestServer(t)

	first := dialTestClient(t, srv.Addr())
	first.registerAndLogin("alice")

	second := dialTestClient(t, srv.Addr())
	second.send(&protocol.Envelope{Type: protocol.TypeLogin, Username: "alice", Password: "pw"})
	second.recvType(protocol.TypeLoginFailed)

	// The first session still works.
	first.send(&protocol.Envelope{Type: protocol.TypeGetHistory, Target: "alice"})
	first.recvType(protocol.TypeHistoryMessages)
}

func TestIntegrationDisconnectPresence(t *testing.T) {
	srv := startTestServer(t)

	alice := dialTestClient(t, srv.Addr())
	bob := dialTestClient(t, srv.Addr())
	alice.registerAndLogin("alice")
	bob.registerAndLogin("bob")

	online := alice.recvType(protocol.TypeUserOnline)
	assert.Equal(t, "bob", online.Username)

	bob.conn.Close()

	offline := alice.recvType(protocol.TypeUserOffline)
	assert.Equal(t, "bob", offline.Username)
}

func TestIntegrationWebSocketTransport(t *testing.T) {
	srv := startTestServer(t)

	ws, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", srv.HTTPAddr()), nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	sendWS := func(env *protocol.Envelope) {
		payload, err := env.Encode()
		require.NoError(t, err)
		frame, err := protocol.Encode(payload)
		require.NoError(t, err)
		require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))
	}

	var dec protocol.Decoder
	recvWS := func() *protocol.Envelope {
		for {
			if payload, err := dec.Next(); err == nil {
				env, err := protocol.DecodeEnvelope(payload)
				require.NoError(t, err)
				return env
			}
			require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
			_, data, err := ws.ReadMessage()
			require.NoError(t, err)
			dec.Append(data)
		}
	}

	sendWS(&protocol.Envelope{Type: protocol.TypeRegister, Username: "wsuser", Password: "pw", Nickname: "ws"})
	env := recvWS()
	assert.Equal(t, protocol.TypeRegisterSuccess, env.Type)

	sendWS(&protocol.Envelope{Type: protocol.TypeLogin, Username: "wsuser", Password: "pw"})
	env = recvWS()
	assert.Equal(t, protocol.TypeLoginSuccess, env.Type)
}

func TestIntegrationMetricsEndpoint(t *testing.T) {
	srv := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.HTTPAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIntegrationMalformedFrameIgnored(t *testing.T) {
	srv := startTestServer(t)

	client := dialTestClient(t, srv.Addr())

	// A well-framed but non-JSON payload is dropped without killing the
	// connection.
	frame, err := protocol.Encode([]byte("garbage"))
	require.NoError(t, err)
	_, err = client.conn.Write(frame)
	require.NoError(t, err)

	client.send(&protocol.Envelope{Type: protocol.TypeRegister, Username: "alice", Password: "pw", Nickname: "a"})
	client.recvType(protocol.TypeRegisterSuccess)
}
