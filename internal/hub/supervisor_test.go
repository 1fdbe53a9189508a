package hub

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHealthPassReconnectsDroppedSession(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")

	env.waweb.Drop("acme-main")
	env.hub.RunHealthPass(context.Background())

	sess, err := env.hub.SessionStatus("acme-main")
	if err != nil {
		t.Fatalf("session status failed: %v", err)
	}
	if sess.Status != SessionConnected && sess.Status != SessionConnecting {
		t.Fatalf("expected the session back up, got %s", sess.Status)
	}
	if !env.hub.Registry().Contains("acme-main", KindWAWeb) {
		t.Fatalf("expected registry membership restored")
	}
}

func TestHealthPassDemotesBeforeReconnect(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")

	env.waweb.Drop("acme-main")
	env.waweb.FailOpen("acme-main", errors.New("credentials revoked"))
	env.hub.RunHealthPass(context.Background())

	sess, _ := env.hub.SessionStatus("acme-main")
	if sess.Status != SessionError {
		t.Fatalf("failed reopen should leave the session errored, got %s", sess.Status)
	}
	if env.hub.Registry().Contains("acme-main", KindWAWeb) {
		t.Fatalf("a failed reconnect must not hold registry membership")
	}
}

func TestHealthPassSkipsErroredSession(t *testing.T) {
	env := newTestEnv(t)
	env.waweb.FailOpen("acme-err", errors.New("bad credentials"))
	if _, err := env.hub.CreateSession(context.Background(), CreateSessionRequest{
		TenantID: "acme", Key: "acme-err", Channel: ChannelWhatsApp, Preference: KindWAWeb,
	}); err == nil {
		t.Fatalf("expected the open rejection surfaced")
	}

	env.hub.RunHealthPass(context.Background())
	sess, _ := env.hub.SessionStatus("acme-err")
	if sess.Status != SessionError {
		t.Fatalf("the sweep must not retry an errored session, got %s", sess.Status)
	}
}

func TestHealthPassLeavesHealthySessionAlone(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")
	env.hub.RunHealthPass(context.Background())

	sess, _ := env.hub.SessionStatus("acme-main")
	if sess.Status != SessionConnected {
		t.Fatalf("expected connected, got %s", sess.Status)
	}
	if n := env.hub.Registry().ActiveCount(KindWAWeb); n != 1 {
		t.Fatalf("expected exactly one membership, got %d", n)
	}
}

func TestHealthPassIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-a")
	env.connect(t, "acme-b")

	env.waweb.Drop("acme-a")
	env.waweb.FailOpen("acme-a", errors.New("still down"))
	env.waweb.Drop("acme-b")
	env.hub.RunHealthPass(context.Background())

	b, _ := env.hub.SessionStatus("acme-b")
	if b.Status != SessionConnected {
		t.Fatalf("one failing session must not block the rest, got %s", b.Status)
	}
}

func TestScheduleHealthCheckCollapsesDuplicates(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")
	for i := 0; i < 5; i++ {
		env.hub.ScheduleHealthCheck("acme-main")
	}
	// Close waits for the scheduled checks; this must not deadlock.
	env.hub.Close()
}

func TestStartupBurstRevivesDroppedSession(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "acme-main")
	env.waweb.Drop("acme-main")

	// The first pass runs immediately; the deadline cuts the burst off
	// before the spaced follow-up passes.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	env.hub.StartupBurst(ctx)

	sess, err := env.hub.SessionStatus("acme-main")
	if err != nil {
		t.Fatalf("session status failed: %v", err)
	}
	if sess.Status != SessionConnected && sess.Status != SessionConnecting {
		t.Fatalf("expected the session revived by the burst, got %s", sess.Status)
	}
	if !env.hub.Registry().Contains("acme-main", KindWAWeb) {
		t.Fatalf("expected registry membership after the burst")
	}
}
