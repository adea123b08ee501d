package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/bus"
	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/internal/store"
)

const testOrigin = "http://localhost:8080"

type testNode struct {
	baseURL string
	wsURL   string
	hub     *Hub
}

type testCluster struct {
	broker *bus.MemoryBroker
	store  store.Store
	tokens *auth.Tokens
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	st, err := store.Open(store.Options{Driver: store.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "chat.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tokens, err := auth.NewTokens("access-secret", "refresh-secret", time.Minute, time.Hour)
	require.NoError(t, err)

	return &testCluster{broker: bus.NewMemoryBroker(), store: st, tokens: tokens}
}

// startNode runs one server process against the shared broker and store.
func (c *testCluster) startNode(t *testing.T, serverID string) *testNode {
	t.Helper()
	log := zerolog.Nop()
	cfg := defaultConfig()
	cfg.ServerID = serverID

	bridge := bus.NewBridge(c.broker, bus.Options{
		ServerID:        serverID,
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}, log)
	registry := NewRegistry(log)
	require.NoError(t, bridge.Subscribe(context.Background(), NewDispatcher(registry, cfg.DedupWindow, log).Handle))

	hub := NewHub(registry, auth.NewResolver(c.tokens, c.store), c.store, bridge, HubOptions{
		HistoryLimit:     cfg.HistoryLimit,
		AdmissionTimeout: time.Second,
		PublishTimeout:   time.Second,
		SendBuffer:       cfg.SendBuffer,
	}, log)
	srv := New(cfg, Deps{
		Hub:      hub,
		Messages: c.store,
		Database: c.store,
		Bus:      bridge,
		Accounts: auth.NewHandler(auth.NewService(c.store, c.tokens), false, log),
	}, log)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() { _ = bridge.Close() })
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })

	return &testNode{
		baseURL: ts.URL,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		hub:     hub,
	}
}

func (c *testCluster) userToken(t *testing.T, name string) string {
	t.Helper()
	user, err := c.store.CreateUser(context.Background(), name, "unused-hash")
	require.NoError(t, err)
	token, err := c.tokens.IssueAccess(user.ID, user.Username)
	require.NoError(t, err)
	return token
}

func dial(t *testing.T, n *testNode, header http.Header) *websocket.Conn {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Origin", testOrigin)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(n.wsURL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dialWithCookie(t *testing.T, n *testNode, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Cookie", auth.AccessCookie+"="+token)
	}
	return dial(t, n, header)
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func readHistory(t *testing.T, conn *websocket.Conn) chat.History {
	t.Helper()
	var history chat.History
	require.NoError(t, json.Unmarshal(readRaw(t, conn), &history))
	require.Equal(t, chat.TypeHistory, history.Type)
	require.NotNil(t, history.Messages)
	return history
}

// readUntil skips events until one of type typ arrives, and, when message is
// non-empty, until that event carries message.
func readUntil(t *testing.T, conn *websocket.Conn, typ chat.EventType, message string) chat.Event {
	t.Helper()
	for {
		var evt chat.Event
		require.NoError(t, json.Unmarshal(readRaw(t, conn), &evt))
		if evt.Type == typ && (message == "" || evt.Message == message) {
			return evt
		}
	}
}

func TestChatEndToEnd(t *testing.T) {
	c := newTestCluster(t)
	n := c.startNode(t, "node-a")
	aliceToken := c.userToken(t, "alice")
	bobToken := c.userToken(t, "bob")

	a := dialWithCookie(t, n, aliceToken)
	require.Empty(t, readHistory(t, a).Messages)
	readUntil(t, a, chat.TypeSystem, "alice joined the chat")

	b := dialWithCookie(t, n, bobToken)
	readHistory(t, b)
	readUntil(t, a, chat.TypeSystem, "bob joined the chat")
	readUntil(t, b, chat.TypeSystem, "bob joined the chat")
	require.Equal(t, 2, n.hub.Registry().Size())

	require.NoError(t, a.WriteJSON(chat.Request{Type: chat.TypeChat, Message: "hi"}))
	for _, conn := range []*websocket.Conn{a, b} {
		evt := readUntil(t, conn, chat.TypeChat, "")
		require.Equal(t, "hi", evt.Message)
		require.Equal(t, "alice", evt.From)
		require.Equal(t, "node-a", evt.ServerID)
		require.NotZero(t, evt.ID)
		require.NotEmpty(t, evt.Timestamp)
	}

	// Blank and malformed frames are dropped without closing the connection.
	require.NoError(t, a.WriteJSON(chat.Request{Type: chat.TypeChat, Message: "   "}))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, a.WriteJSON(chat.Request{Type: chat.TypeChat, Message: "still here"}))
	require.Equal(t, "still here", readUntil(t, b, chat.TypeChat, "").Message)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	readUntil(t, a, chat.TypeSystem, "bob left the chat")
	require.Eventually(t, func() bool { return n.hub.Registry().Size() == 1 }, time.Second, 10*time.Millisecond)

	late := dialWithCookie(t, n, bobToken)
	history := readHistory(t, late)
	require.Len(t, history.Messages, 2)
	require.Equal(t, "hi", history.Messages[0].Text)
	require.Equal(t, "alice", history.Messages[0].AuthorName)
	require.Equal(t, "still here", history.Messages[1].Text)
}

func TestUnauthorizedConnectionIsClosed(t *testing.T) {
	c := newTestCluster(t)
	n := c.startNode(t, "node-a")

	other, err := auth.NewTokens("other-secret", "other-refresh", time.Minute, time.Hour)
	require.NoError(t, err)
	foreign, err := other.IssueAccess(1, "mallory")
	require.NoError(t, err)
	ghost, err := c.tokens.IssueAccess(999, "ghost")
	require.NoError(t, err)

	tests := map[string]string{
		"no credential":  "",
		"garbage token":  "garbage",
		"foreign secret": foreign,
		"unknown user":   ghost,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			before := n.hub.Registry().Size()
			conn := dialWithCookie(t, n, token)

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
			_, _, err := conn.ReadMessage()
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			require.Equal(t, CloseUnauthorized, closeErr.Code)
			require.Equal(t, ReasonUnauthorized, closeErr.Text)
			require.Equal(t, before, n.hub.Registry().Size())
		})
	}
}

func TestBearerHeaderCredential(t *testing.T) {
	c := newTestCluster(t)
	n := c.startNode(t, "node-a")
	token := c.userToken(t, "carol")

	conn := dial(t, n, http.Header{"Authorization": []string{"Bearer " + token}})
	readHistory(t, conn)
	readUntil(t, conn, chat.TypeSystem, "carol joined the chat")
}

func TestDisallowedOriginIsRefused(t *testing.T) {
	c := newTestCluster(t)
	n := c.startNode(t, "node-a")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	header.Set("Cookie", auth.AccessCookie+"="+c.userToken(t, "dave"))
	_, resp, err := websocket.DefaultDialer.Dial(n.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestFanOutAcrossNodes(t *testing.T) {
	c := newTestCluster(t)
	nodeA := c.startNode(t, "node-a")
	nodeB := c.startNode(t, "node-b")

	a := dialWithCookie(t, nodeA, c.userToken(t, "alice"))
	readHistory(t, a)
	b := dialWithCookie(t, nodeB, c.userToken(t, "bob"))
	readHistory(t, b)
	readUntil(t, a, chat.TypeSystem, "bob joined the chat")

	require.NoError(t, a.WriteJSON(chat.Request{Type: chat.TypeChat, Message: "across"}))

	evt := readUntil(t, b, chat.TypeChat, "")
	require.Equal(t, "across", evt.Message)
	require.Equal(t, "node-a", evt.ServerID)
	require.Equal(t, "across", readUntil(t, a, chat.TypeChat, "").Message)

	require.NoError(t, b.Close())
	left := readUntil(t, a, chat.TypeSystem, "bob left the chat")
	require.Equal(t, "node-b", left.ServerID)
}

func TestShutdownClosesConnectionsGoingAway(t *testing.T) {
	c := newTestCluster(t)
	n := c.startNode(t, "node-a")
	conn := dialWithCookie(t, n, c.userToken(t, "erin"))
	readHistory(t, conn)

	require.NoError(t, n.hub.Shutdown(2*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		require.Equal(t, CloseGoingAway, closeErr.Code)
		break
	}
	require.Equal(t, 0, n.hub.Registry().Size())
}

func TestAccountFlowThenConnect(t *testing.T) {
	c := newTestCluster(t)
	n := c.startNode(t, "node-a")

	resp, err := http.Post(n.baseURL+"/api/register", "application/json",
		strings.NewReader(`{"username":"frank","password":"secret123"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var access string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == auth.AccessCookie {
			access = cookie.Value
		}
	}
	require.NotEmpty(t, access)

	conn := dialWithCookie(t, n, access)
	readHistory(t, conn)
	readUntil(t, conn, chat.TypeSystem, "frank joined the chat")
}
