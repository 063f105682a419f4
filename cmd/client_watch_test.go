package cmd

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"telecore/call"
	"telecore/client"
	"telecore/database"
	"telecore/media"
	"telecore/pkg/logging"
	"telecore/relay"
	"telecore/signal"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func newWatchedClient(t *testing.T, url, token string, autoAnswer bool) *client.Client {
	config := client.DefaultConfig()
	config.Signal.URL = url
	config.Signal.HandshakeTimeout = 2 * time.Second
	config.Media.ICEServers = nil

	logger := logging.NewTestLogger(t)
	c, err := client.New(config, client.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	watch(ctx, c, autoAnswer, logger)

	_, err = c.Connect(ctx, signal.Credentials{Token: token, UserType: "patient"})
	require.NoError(t, err)
	return c
}

func waitCall(t *testing.T, c *client.Client, check func(call.Session, bool) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok, err := c.CallSession(context.Background())
		return err == nil && check(s, ok)
	}, waitFor, tick, msg)
}

func inState(state call.State) func(call.Session, bool) bool {
	return func(s call.Session, ok bool) bool {
		return ok && s.State == state
	}
}

func idle(_ call.Session, ok bool) bool {
	return !ok
}

func TestWatch(t *testing.T) {
	t.Run("given an auto answering host when called twice then the second call also connects", func(t *testing.T) {
		logger := logging.NewTestLogger(t)
		auth := relay.NewAuthenticator(nil)
		srv := httptest.NewServer(relay.NewHandler(relay.NewController(auth, nil, logger), auth, logger))
		t.Cleanup(srv.Close)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + relay.Path

		bob := newWatchedClient(t, url, "bob", true)
		alice := newWatchedClient(t, url, "alice", false)
		require.Eventually(t, func() bool {
			snapshot, err := alice.Presence(context.Background())
			return err == nil && snapshot["bob"] == database.Online
		}, waitFor, tick)

		for i := 0; i < 2; i++ {
			_, err := alice.StartCall(context.Background(), "bob", media.Voice)
			require.NoError(t, err, "call %d", i+1)
			waitCall(t, bob, inState(call.Connected), "callee never connected")
			waitCall(t, alice, inState(call.Connected), "caller never connected")

			_, err = alice.Hangup(context.Background())
			require.NoError(t, err)
			waitCall(t, alice, idle, "caller never reset")
			waitCall(t, bob, idle, "callee never reset")
		}

		log, err := bob.CallLog()
		require.NoError(t, err)
		require.Len(t, log, 2)
		require.Equal(t, string(call.RemoteHangup), log[0].EndReason)
	})
}
