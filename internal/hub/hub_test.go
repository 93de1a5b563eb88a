package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/dmhub/internal/auth"
	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/client"
	"github.com/matheus3301/dmhub/internal/delivery"
	"github.com/matheus3301/dmhub/internal/metrics"
	"github.com/matheus3301/dmhub/internal/presence"
	"github.com/matheus3301/dmhub/internal/store"
	"github.com/matheus3301/dmhub/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	alice = "7b0c8c1e-58f4-4bb8-9d55-9d1f2f1a0a01"
	bob   = "0e3b4c55-2b0e-4d8c-8a7e-3d5c2a9b0b02"
)

type testHub struct {
	srv      *httptest.Server
	wsURL    string
	hub      *Hub
	verifier *auth.Verifier
	registry *presence.Registry
}

func newTestHub(t *testing.T, st delivery.Store) *testHub {
	t.Helper()
	return newTestHubWith(t, st, Options{AllowQueryToken: true})
}

func newTestHubWith(t *testing.T, st delivery.Store, opts Options) *testHub {
	t.Helper()
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	if st == nil {
		db, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Migrate(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = db.Close() })
		st = db
	}

	b := bus.New()
	registry := presence.NewRegistry()
	bc := presence.NewBroadcaster(registry, b, m, logger)
	coord := delivery.NewCoordinator(st, registry, b, m, logger)
	verifier, err := auth.NewVerifier(auth.Options{Secret: "hub-test-secret", Issuer: "dmhub"})
	if err != nil {
		t.Fatal(err)
	}
	h := New(registry, bc, coord, verifier, m, logger, opts)

	srv := httptest.NewServer(NewServer(h, reg))
	t.Cleanup(srv.Close)
	return &testHub{
		srv:      srv,
		hub:      h,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/hub",
		verifier: verifier,
		registry: registry,
	}
}

func (th *testHub) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := th.verifier.Issue(userID, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// dial connects userID and waits until the hub has registered the connection.
func (th *testHub) dial(t *testing.T, userID string) client.Transport {
	t.Helper()
	before := len(th.registry.ConnectionIDs(userID))
	d := &client.WebsocketDialer{URL: th.wsURL}
	tr, err := d.Dial(context.Background(), th.token(t, userID))
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", userID, err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	waitFor(t, "registration", func() bool { return len(th.registry.ConnectionIDs(userID)) == before+1 })
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, tr client.Transport, target string, v any) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-tr.Events():
			if f.Target != target {
				continue
			}
			if err := f.DecodeArgs(v); err != nil {
				t.Fatal(err)
			}
			return
		case <-timeout:
			t.Fatalf("timed out waiting for %s", target)
		}
	}
}

func noEvent(t *testing.T, tr client.Transport, target string) {
	t.Helper()
	timeout := time.After(100 * time.Millisecond)
	for {
		select {
		case f := <-tr.Events():
			if f.Target == target {
				t.Fatalf("unexpected %s: %s", target, f.Args)
			}
		case <-timeout:
			return
		}
	}
}

func invoke(t *testing.T, tr client.Transport, target string, args, result any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := tr.Invoke(ctx, target, args)
	if err != nil {
		t.Fatalf("Invoke(%s) transport error = %v", target, err)
	}
	return f.DecodeResult(result)
}

func TestHandshakeRequiresValidToken(t *testing.T) {
	th := newTestHub(t, nil)

	resp, err := http.Get(th.srv.URL + "/hub")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	var body wire.Error
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Kind != chaterr.KindAuthentication {
		t.Errorf("kind = %q, want authentication", body.Kind)
	}

	d := &client.WebsocketDialer{URL: th.wsURL}
	_, err = d.Dial(context.Background(), "forged")
	var authErr *chaterr.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Errorf("Dial() error = %v, want AuthenticationError", err)
	}
	if th.registry.IsOnline(alice) {
		t.Error("rejected handshake must not register a connection")
	}
}

func TestQueryTokenOnlyOnHandshake(t *testing.T) {
	th := newTestHub(t, nil)
	token := th.token(t, alice)

	d := &client.WebsocketDialer{URL: th.wsURL, QueryToken: true}
	tr, err := d.Dial(context.Background(), token)
	if err != nil {
		t.Fatalf("Dial() with query token error = %v", err)
	}
	defer tr.Close()

	resp, err := http.Get(th.srv.URL + "/api/messages/" + bob + "?access_token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("REST with query token status = %d, want 401", resp.StatusCode)
	}
}

func TestSendMessageFansOutToEveryRecipientConnection(t *testing.T) {
	th := newTestHub(t, nil)
	a1 := th.dial(t, alice)
	a2 := th.dial(t, alice)
	b := th.dial(t, bob)

	var res wire.SendMessageResult
	err := invoke(t, b, wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: alice, Content: "hi", ClientKey: "k-1"}, &res)
	if err != nil {
		t.Fatalf("SendMessage error = %v", err)
	}
	if res.MessageID == 0 || res.ClientKey != "k-1" || res.Delivery != string(delivery.FannedOut) || res.Pushed != 2 {
		t.Errorf("result = %+v", res)
	}

	for _, tr := range []client.Transport{a1, a2} {
		var got wire.ReceiveMessage
		nextEvent(t, tr, wire.EventReceiveMessage, &got)
		if got.SenderID != bob || got.Content != "hi" || got.MessageID != res.MessageID || got.ClientKey != "k-1" {
			t.Errorf("push = %+v", got)
		}
	}
	noEvent(t, b, wire.EventReceiveMessage)
}

func TestOfflineRecipientSeesMessageInHistory(t *testing.T) {
	th := newTestHub(t, nil)
	b := th.dial(t, bob)

	var res wire.SendMessageResult
	if err := invoke(t, b, wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: alice, Content: "hi"}, &res); err != nil {
		t.Fatal(err)
	}
	if res.Delivery != string(delivery.Unreachable) || res.Pushed != 0 {
		t.Errorf("result = %+v, want unreachable", res)
	}

	th.dial(t, alice)
	history := &client.HTTPHistory{
		BaseURL: th.srv.URL,
		Token:   func(context.Context) (string, error) { return th.token(t, alice), nil },
	}
	msgs, err := history.Conversation(context.Background(), bob)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" || msgs[0].Read {
		t.Errorf("history = %+v, want the unread message", msgs)
	}
}

func TestPresenceIsBroadcastToOthers(t *testing.T) {
	th := newTestHub(t, nil)
	b := th.dial(t, bob)
	a := th.dial(t, alice)

	var change wire.UserStatusChanged
	nextEvent(t, b, wire.EventUserStatusChanged, &change)
	if change.UserID != alice || change.Status != "online" {
		t.Errorf("change = %+v, want alice online", change)
	}

	if err := invoke(t, a, wire.InvokeUpdateStatus, wire.UpdateStatusArgs{Status: "away"}, nil); err != nil {
		t.Fatal(err)
	}
	nextEvent(t, b, wire.EventUserStatusChanged, &change)
	if change.UserID != alice || change.Status != "away" {
		t.Errorf("change = %+v, want alice away", change)
	}

	_ = a.Close()
	nextEvent(t, b, wire.EventUserStatusChanged, &change)
	if change.UserID != alice || change.Status != "offline" {
		t.Errorf("change = %+v, want alice offline", change)
	}
}

func TestMarkAsReadNotifiesSenderOnlyOnChange(t *testing.T) {
	th := newTestHub(t, nil)
	a := th.dial(t, alice)
	b := th.dial(t, bob)

	if err := invoke(t, b, wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: alice, Content: "read me"}, nil); err != nil {
		t.Fatal(err)
	}

	var res wire.MarkMessagesAsReadResult
	if err := invoke(t, a, wire.InvokeMarkMessagesAsRead, wire.MarkMessagesAsReadArgs{SenderID: bob}, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Updated {
		t.Error("first mark read should update")
	}
	var read wire.MessagesRead
	nextEvent(t, b, wire.EventMessagesRead, &read)
	if read.ReaderID != alice {
		t.Errorf("reader = %q, want alice", read.ReaderID)
	}

	if err := invoke(t, a, wire.InvokeMarkMessagesAsRead, wire.MarkMessagesAsReadArgs{SenderID: bob}, &res); err != nil {
		t.Fatal(err)
	}
	if res.Updated {
		t.Error("second mark read should not update")
	}
	noEvent(t, b, wire.EventMessagesRead)
}

func TestInvocationErrorsReachCaller(t *testing.T) {
	th := newTestHub(t, nil)
	a := th.dial(t, alice)

	tests := []struct {
		name   string
		target string
		args   any
	}{
		{"blank content", wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: bob, Content: "   "}},
		{"malformed receiver", wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: "bob", Content: "hi"}},
		{"self send", wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: alice, Content: "hi"}},
		{"bad status", wire.InvokeUpdateStatus, wire.UpdateStatusArgs{Status: "busy"}},
		{"unknown method", "Shout", map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := invoke(t, a, tt.target, tt.args, nil)
			if chaterr.KindOf(err) != chaterr.KindValidation {
				t.Errorf("error = %v, want validation", err)
			}
		})
	}
}

type panicStore struct{ delivery.Store }

func (panicStore) SaveMessage(context.Context, string, string, string, string) (*store.Message, error) {
	panic("store exploded")
}

func TestHandlerPanicIsContained(t *testing.T) {
	th := newTestHub(t, panicStore{})
	a := th.dial(t, alice)

	err := invoke(t, a, wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: bob, Content: "boom"}, nil)
	if chaterr.KindOf(err) != chaterr.KindInternal {
		t.Errorf("error = %v, want internal", err)
	}
	if err := invoke(t, a, wire.InvokeUpdateStatus, wire.UpdateStatusArgs{Status: "away"}, nil); err != nil {
		t.Errorf("connection unusable after panic: %v", err)
	}
	if !th.registry.IsOnline(alice) {
		t.Error("registry lost the connection after a handler panic")
	}
}

// slowStore holds every save until the caller gives up.
type slowStore struct{ delivery.Store }

func (slowStore) SaveMessage(ctx context.Context, _, _, _, _ string) (*store.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandlerTimeoutStillReplies(t *testing.T) {
	th := newTestHubWith(t, slowStore{}, Options{AllowQueryToken: true, HandlerTimeout: 50 * time.Millisecond})
	a := th.dial(t, alice)

	err := invoke(t, a, wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: bob, Content: "slow"}, nil)
	if chaterr.KindOf(err) != chaterr.KindPersistence {
		t.Errorf("error = %v, want persistence", err)
	}
	if !th.registry.IsOnline(alice) {
		t.Error("registry lost the connection after a handler timeout")
	}
}

func restSend(t *testing.T, th *testHub, sender, contactID, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, th.srv.URL+"/api/messages/send/"+contactID, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+th.token(t, sender))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

func TestRESTSendReachesRecipientSocket(t *testing.T) {
	th := newTestHub(t, nil)
	a := th.dial(t, alice)

	resp, raw := restSend(t, th, bob, alice, `{"content":"over rest","clientKey":"r1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, raw)
	}
	var res wire.SendMessageResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if res.MessageID == 0 || res.ClientKey != "r1" || res.Pushed != 1 {
		t.Errorf("result = %+v", res)
	}

	var got wire.ReceiveMessage
	nextEvent(t, a, wire.EventReceiveMessage, &got)
	if got.SenderID != bob || got.Content != "over rest" || got.MessageID != res.MessageID {
		t.Errorf("pushed = %+v", got)
	}
}

func TestRESTSendErrors(t *testing.T) {
	th := newTestHub(t, nil)

	tests := []struct {
		name    string
		contact string
		body    string
		status  int
	}{
		{"blank content", alice, `{"content":"  "}`, http.StatusBadRequest},
		{"malformed contact", "alice", `{"content":"hi"}`, http.StatusBadRequest},
		{"malformed body", alice, `{"content":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := restSend(t, th, bob, tt.contact, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.status, raw)
			}
		})
	}

	req, _ := http.NewRequest(http.MethodPost, th.srv.URL+"/api/messages/send/"+alice, strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	th := newTestHub(t, nil)
	th.dial(t, alice)

	resp, err := http.Get(th.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Users != 1 || body.Connections != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestClientConversationEndToEnd(t *testing.T) {
	th := newTestHub(t, nil)
	b := th.dial(t, bob)

	tokens := func(context.Context) (string, error) { return th.token(t, alice), nil }
	s, err := client.NewSession(client.Options{
		Dialer: &client.WebsocketDialer{URL: th.wsURL},
		Token:  tokens,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	conv, err := client.OpenConversation(client.ConversationOptions{
		Session: s,
		History: &client.HTTPHistory{BaseURL: th.srv.URL, Token: tokens},
		SelfID:  alice,
		PeerID:  bob,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conv.Close()

	lm, err := conv.Send(context.Background(), "hello bob")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if lm.State != client.Sent || lm.ID == 0 {
		t.Errorf("sent = %+v", lm)
	}

	var got wire.ReceiveMessage
	nextEvent(t, b, wire.EventReceiveMessage, &got)
	if got.MessageID != lm.ID || got.ClientKey != lm.ClientKey {
		t.Errorf("push = %+v, want id %d key %s", got, lm.ID, lm.ClientKey)
	}

	if err := invoke(t, b, wire.InvokeSendMessage, wire.SendMessageArgs{ReceiverID: alice, Content: "hi alice"}, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reply rendered", func() bool { return len(conv.Messages()) == 2 })

	if err := conv.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := conv.Messages()
	if len(msgs) != 2 || msgs[0].TempID != lm.TempID {
		t.Errorf("after resync = %+v, want 2 messages with the optimistic temp id kept", msgs)
	}
}

func TestShutdownClosesLiveConnections(t *testing.T) {
	th := newTestHub(t, nil)
	a1 := th.dial(t, alice)
	a2 := th.dial(t, alice)
	th.dial(t, bob)

	if got := th.hub.Shutdown(); got != 3 {
		t.Errorf("Shutdown() closed %d connections, want 3", got)
	}
	for _, tr := range []client.Transport{a1, a2} {
		select {
		case <-tr.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("transport still open after Shutdown")
		}
	}
	waitFor(t, "registry drain", func() bool { return th.registry.Stats().Connections == 0 })
}
