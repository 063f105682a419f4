package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telecore/pkg/logging"
	"telecore/pkg/socket"
	"telecore/relay"
	"telecore/types/client/request"
	"telecore/types/client/response"
)

type conn struct {
	sock   socket.Socket
	frames chan request.Common
}

func newServer(t *testing.T, tokens map[string]string) *httptest.Server {
	logger := logging.NewTestLogger(t)
	auth := relay.NewAuthenticator(tokens)
	srv := httptest.NewServer(relay.NewHandler(relay.NewController(auth, nil, logger), auth, logger))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + relay.Path
}

func dial(t *testing.T, srv *httptest.Server, token string) *conn {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	sock, err := socket.NewDialer(time.Second).Dial(context.Background(), wsURL(srv), header)
	require.NoError(t, err)

	c := &conn{sock: sock, frames: make(chan request.Common, 32)}
	t.Cleanup(func() { _ = sock.Close() })
	return c
}

func (c *conn) listen() {
	go func() {
		defer close(c.frames)
		for {
			var env request.Common
			if err := c.sock.ReadJSON(&env); err != nil {
				return
			}
			c.frames <- env
		}
	}()
}

func (c *conn) send(t *testing.T, event string, payload any) {
	env, err := request.NewCommon(event, payload)
	require.NoError(t, err)
	require.NoError(t, c.sock.WriteJSON(env))
}

func (c *conn) next(t *testing.T, event string, v any) {
	t.Helper()
	for {
		select {
		case env, ok := <-c.frames:
			require.True(t, ok, "socket closed while waiting for %s", event)
			if env.Event != event {
				continue
			}
			if v != nil {
				require.NoError(t, json.Unmarshal(env.Data, v))
			}
			return
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for "+event)
		}
	}
}

// login connects token and consumes the handshake.
func login(t *testing.T, srv *httptest.Server, token string) (*conn, []string) {
	c := dial(t, srv, token)
	c.listen()
	c.send(t, request.CONNECT, request.Connect{Token: token, UserType: "patient"})

	var ack response.Connect
	c.next(t, response.CONNECT, &ack)
	require.Equal(t, token, ack.UserID)

	var users response.OnlineUsers
	c.next(t, response.ONLINE_USERS, &users)
	return c, users
}

func TestAuthentication(t *testing.T) {
	t.Run("given no bearer token when dialing then the upgrade is refused", func(t *testing.T) {
		srv := newServer(t, nil)
		_, err := socket.NewDialer(time.Second).Dial(context.Background(), wsURL(srv), nil)
		assert.ErrorIs(t, err, socket.ErrUnauthorized)
	})

	t.Run("given an unknown token when dialing then the upgrade is refused", func(t *testing.T) {
		srv := newServer(t, map[string]string{"secret": "alice"})
		header := http.Header{}
		header.Set("Authorization", "Bearer nope")
		_, err := socket.NewDialer(time.Second).Dial(context.Background(), wsURL(srv), header)
		assert.ErrorIs(t, err, socket.ErrUnauthorized)
	})

	t.Run("given a connect frame for another user when authenticating then connect_error is sent", func(t *testing.T) {
		srv := newServer(t, nil)
		c := dial(t, srv, "alice")
		c.listen()
		c.send(t, request.CONNECT, request.Connect{Token: "bob"})

		var e response.ConnectError
		c.next(t, response.CONNECT_ERROR, &e)
		assert.NotEmpty(t, e.Message)
	})

	t.Run("given a static token table when connecting then the mapped id is returned", func(t *testing.T) {
		srv := newServer(t, map[string]string{"secret": "alice"})
		c := dial(t, srv, "secret")
		c.listen()
		c.send(t, request.CONNECT, request.Connect{Token: "secret"})

		var ack response.Connect
		c.next(t, response.CONNECT, &ack)
		assert.Equal(t, "alice", ack.UserID)
	})
}

func TestRouting(t *testing.T) {
	t.Run("given a second user when it connects then both learn about each other", func(t *testing.T) {
		srv := newServer(t, nil)
		alice, users := login(t, srv, "alice")
		assert.Empty(t, users)

		_, users = login(t, srv, "bob")
		assert.Equal(t, []string{"alice"}, []string(users))

		var online response.User
		alice.next(t, response.USER_ONLINE, &online)
		assert.Equal(t, "bob", online.UserID)
	})

	t.Run("given a message when sent then the recipient and the sender get the same copy", func(t *testing.T) {
		srv := newServer(t, nil)
		alice, _ := login(t, srv, "alice")
		bob, _ := login(t, srv, "bob")
		alice.next(t, response.USER_ONLINE, nil)

		alice.send(t, request.SEND_MESSAGE, request.SendMessage{
			To:      "bob",
			Message: request.Message{Content: "hi", Type: "text", ClientID: "c-1"},
		})

		var got, echo response.Message
		bob.next(t, response.NEW_MESSAGE, &got)
		alice.next(t, response.NEW_MESSAGE, &echo)
		assert.Equal(t, got, echo)
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, "alice", got.SenderID)
		assert.Equal(t, "bob", got.ReceiverID)
		assert.Equal(t, "c-1", got.ClientID)
	})

	t.Run("given typing when sent then the recipient sees who is typing", func(t *testing.T) {
		srv := newServer(t, nil)
		alice, _ := login(t, srv, "alice")
		bob, _ := login(t, srv, "bob")
		alice.next(t, response.USER_ONLINE, nil)

		alice.send(t, request.TYPING, request.Typing{To: "bob", IsTyping: true})
		var typing response.Typing
		bob.next(t, response.USER_TYPING, &typing)
		assert.Equal(t, response.Typing{UserID: "alice", IsTyping: true}, typing)
	})

	t.Run("given a call event when sent then it is forwarded with the sender", func(t *testing.T) {
		srv := newServer(t, nil)
		alice, _ := login(t, srv, "alice")
		bob, _ := login(t, srv, "bob")
		alice.next(t, response.USER_ONLINE, nil)

		alice.send(t, "voice-call-reject", request.Reject{To: "bob", Reason: "busy", CallID: "c1"})
		var reject response.Reject
		bob.next(t, "voice-call-reject", &reject)
		assert.Equal(t, response.Reject{From: "alice", Reason: "busy", CallID: "c1"}, reject)
	})

	t.Run("given a user when it disconnects then the others see it offline", func(t *testing.T) {
		srv := newServer(t, nil)
		alice, _ := login(t, srv, "alice")
		bob, _ := login(t, srv, "bob")
		alice.next(t, response.USER_ONLINE, nil)

		require.NoError(t, bob.sock.Close())
		var offline response.User
		alice.next(t, response.USER_OFFLINE, &offline)
		assert.Equal(t, "bob", offline.UserID)
	})

	t.Run("given users connecting at once when they join then each ends up seeing all the others", func(t *testing.T) {
		srv := newServer(t, nil)
		users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
		conns := make([]*conn, len(users))
		for i, user := range users {
			conns[i] = dial(t, srv, user)
			conns[i].listen()
		}
		for i, user := range users {
			conns[i].send(t, request.CONNECT, request.Connect{Token: user, UserType: "patient"})
		}

		for i, user := range users {
			var first request.Common
			select {
			case first = <-conns[i].frames:
			case <-time.After(2 * time.Second):
				require.FailNow(t, "timed out waiting for the ack of "+user)
			}
			require.Equal(t, response.CONNECT, first.Event, "%s got %s before its ack", user, first.Event)

			seen := map[string]bool{}
			require.Eventually(t, func() bool {
				for {
					select {
					case env := <-conns[i].frames:
						switch env.Event {
						case response.ONLINE_USERS:
							var ids response.OnlineUsers
							require.NoError(t, json.Unmarshal(env.Data, &ids))
							for _, id := range ids {
								seen[id] = true
							}
						case response.USER_ONLINE:
							var u response.User
							require.NoError(t, json.Unmarshal(env.Data, &u))
							seen[u.UserID] = true
						}
					default:
						return len(seen) == len(users)-1
					}
				}
			}, 2*time.Second, 10*time.Millisecond, "%s saw only %v", user, seen)
		}
	})
}

func TestUsers(t *testing.T) {
	srv := newServer(t, nil)
	alice, _ := login(t, srv, "alice")
	login(t, srv, "bob")
	alice.next(t, response.USER_ONLINE, nil)

	res, err := http.Get(srv.URL + relay.UsersPath)
	require.NoError(t, err)
	defer res.Body.Close()

	var users []string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&users))
	assert.Equal(t, []string{"alice", "bob"}, users)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  relay.Config
		wantErr error
	}{
		{name: "given the default port when validating then pass", config: relay.Config{Port: relay.DefaultPort}},
		{name: "given port zero when validating then return error", config: relay.Config{}, wantErr: relay.ErrInvalidPort},
		{
			name:    "given a cert without key when validating then return error",
			config:  relay.Config{Port: relay.DefaultPort, CertFile: "cert.pem"},
			wantErr: relay.ErrInvalidTLS,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}
