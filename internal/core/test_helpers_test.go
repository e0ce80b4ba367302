package core

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingchat/ping-server/internal/proto"
	"github.com/pingchat/ping-server/internal/store"
	"github.com/pingchat/ping-server/internal/store/sqlite"
)

const eventWait = 2 * time.Second

func newTestGateway(t *testing.T) (*Gateway, store.Store) {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	g, err := NewGateway(st, &logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go g.Run(ctx)

	return g, st
}

func createUser(t *testing.T, st store.Store, nickname string) *store.User {
	t.Helper()

	u, err := st.CreateUser(context.Background(), nickname+"@example.com", nickname, nickname, "hash")
	if err != nil {
		t.Fatalf("create user %s: %v", nickname, err)
	}
	return u
}

// connect registers a session for the user and waits for the presence
// snapshot that every new connection receives.
func connect(t *testing.T, g *Gateway, u *store.User) *Session {
	t.Helper()

	s := NewSession(fmt.Sprintf("%s-%d", u.Nickname, time.Now().UnixNano()), u.ID, u.Nickname)
	g.RegisterSession(s)
	mustEvent(t, s, proto.OutUserList)
	return s
}

func inbound(ns, event string, data json.RawMessage) proto.Inbound {
	return proto.Inbound{Namespace: ns, Event: event, Data: data}
}

func submit(t *testing.T, g *Gateway, s *Session, ns, event string, payload any) {
	t.Helper()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	g.Submit(&Command{Session: s, Inbound: inbound(ns, event, raw)})
}

// mustEvent waits for the named event, discarding others that arrive first.
func mustEvent(t *testing.T, s *Session, name string) *Event {
	t.Helper()

	deadline := time.After(eventWait)
	for {
		select {
		case ev := <-s.Events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

// mustNoEvent asserts the named event does not arrive within a short window.
func mustNoEvent(t *testing.T, s *Session, name string) {
	t.Helper()

	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case ev := <-s.Events:
			if ev.Name == name {
				t.Fatalf("unexpected event %q", name)
			}
		case <-deadline:
			return
		}
	}
}
