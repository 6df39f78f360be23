package drawlinesdk_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"drawline/internal/config"
	"drawline/internal/db"
	"drawline/internal/engine"
	"drawline/internal/migrate"
	"drawline/internal/server"
	drawlinesdk "drawline/sdk/go"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine: engine.New(conn, config.Default()),
		Auth:   server.AuthConfig{JWTSecret: "sdk-secret", EnableDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, base, id string) *drawlinesdk.Client {
	t.Helper()
	c := drawlinesdk.New(base)
	ctx := context.Background()
	if _, err := c.CreateParticipant(ctx, drawlinesdk.Participant{ID: id, Name: id}); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if err := c.DevLogin(ctx, id, false); err != nil {
		t.Fatalf("login %s: %v", id, err)
	}
	return c
}

func TestClientRegistrationRoundTrip(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	org := login(t, srv.URL, "org")
	ann := login(t, srv.URL, "ann")
	bob := login(t, srv.URL, "bob")

	capacity, target := 1, 1
	ev, err := org.CreateEvent(ctx, drawlinesdk.EventInput{Name: "Climbing", MaxRegistration: &capacity, SelectNum: &target})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if _, err := ann.Join(ctx, ev.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := bob.Join(ctx, ev.ID); !drawlinesdk.IsRejected(err, "capacity_full") {
		t.Fatalf("expected capacity_full, got %v", err)
	}
	if _, err := ann.RunLottery(ctx, ev.ID, nil, ""); err == nil {
		t.Fatalf("expected entrant lottery to be refused")
	}
	res, err := org.RunLottery(ctx, ev.ID, nil, "you are in")
	if err != nil {
		t.Fatalf("lottery: %v", err)
	}
	if len(res.Invited) != 1 || res.Invited[0].ID != "ann" {
		t.Fatalf("expected ann invited, got %+v", res.Invited)
	}
	page, err := ann.Notifications(ctx, ev.ID, "", 10)
	if err != nil || len(page.Items) != 1 || page.Items[0].Message != "you are in" {
		t.Fatalf("expected invitation, got %+v %v", page, err)
	}
	got, err := ann.Accept(ctx, ev.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(got.Enrolled) != 1 || len(got.Invited) != 0 {
		t.Fatalf("expected ann enrolled, got %+v", got)
	}
	if n, err := org.Notify(ctx, ev.ID, "enrolled", "bring shoes"); err != nil || n != 1 {
		t.Fatalf("notify: %d %v", n, err)
	}
	if _, err := bob.Decline(ctx, ev.ID); !drawlinesdk.IsRejected(err, "not_in_pool") {
		t.Fatalf("expected not_in_pool, got %v", err)
	}
}
