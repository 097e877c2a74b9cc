package notify_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazz-dev/svcwatch/internal/checker"
	"github.com/hazz-dev/svcwatch/internal/notify"
)

// mockTransport records sent mail.
type mockTransport struct {
	mu   sync.Mutex
	sent []notify.Mail
	err  error
}

func (m *mockTransport) Send(_ context.Context, mail notify.Mail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, mail)
	return m.err
}

func makeEvent(kind notify.Kind) notify.Event {
	return notify.Event{
		Kind:        kind,
		Service:     "disk",
		Command:     []string{"/opt/checks/disk.sh", "--mount", "/var lib"},
		OutageID:    "0b7d2f1c-9a4e-4c55-8f3e-2f6c1d0a9b11",
		Attempts:    3,
		MaxAttempts: 3,
		Result: checker.Result{
			Outcome:  checker.OutcomeExited,
			ExitCode: 2,
			Stdout:   []byte("usage 97%\n"),
			Stderr:   []byte("threshold exceeded\n"),
		},
		At:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Sender:     "svcwatch@example.com",
		Recipients: []string{"ops@example.com", "dev@example.com"},
	}
}

func TestCompose_Failure(t *testing.T) {
	m := notify.Compose(makeEvent(notify.KindFailure))

	if m.Subject != "disk service check fail" {
		t.Errorf("unexpected subject %q", m.Subject)
	}
	if m.From != "svcwatch@example.com" {
		t.Errorf("unexpected sender %q", m.From)
	}
	if len(m.To) != 2 || m.To[0] != "ops@example.com" {
		t.Errorf("unexpected recipients %v", m.To)
	}
	for _, want := range []string{
		"max tries (3) are reached",
		"exit code 2",
		"usage 97%",
		"threshold exceeded",
		"0b7d2f1c-9a4e-4c55-8f3e-2f6c1d0a9b11",
		"'/var lib'",
	} {
		if !strings.Contains(m.Body, want) {
			t.Errorf("expected body to contain %q, got:\n%s", want, m.Body)
		}
	}
}

func TestCompose_Recovery(t *testing.T) {
	evt := makeEvent(notify.KindRecovery)
	evt.Result = checker.Result{Outcome: checker.OutcomeExited, Stdout: []byte("usage 40%")}
	m := notify.Compose(evt)

	if m.Subject != "disk service check OK" {
		t.Errorf("unexpected subject %q", m.Subject)
	}
	if !strings.Contains(m.Body, "service is recovered") {
		t.Errorf("expected recovery headline, got:\n%s", m.Body)
	}
	if !strings.Contains(m.Body, "usage 40%") {
		t.Errorf("expected stdout in body, got:\n%s", m.Body)
	}
}

func TestCompose_TimeoutIsDistinct(t *testing.T) {
	evt := makeEvent(notify.KindFailure)
	evt.Result = checker.Result{Outcome: checker.OutcomeTimedOut, Duration: 10 * time.Second}
	m := notify.Compose(evt)
	if !strings.Contains(m.Body, "timed out after 10s") {
		t.Errorf("expected timeout description, got:\n%s", m.Body)
	}
}

func TestCompose_DoesNotAliasRecipients(t *testing.T) {
	evt := makeEvent(notify.KindFailure)
	m := notify.Compose(evt)
	m.To[0] = "changed@example.com"
	if evt.Recipients[0] != "ops@example.com" {
		t.Error("Compose must copy the recipient list")
	}
}

func TestNotifier_Sends(t *testing.T) {
	tr := &mockTransport{}
	n := notify.New(tr, nil)

	if err := n.Notify(context.Background(), makeEvent(notify.KindFailure)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected 1 mail, got %d", len(tr.sent))
	}
	if tr.sent[0].Subject != "disk service check fail" {
		t.Errorf("unexpected subject %q", tr.sent[0].Subject)
	}
}

func TestNotifier_TransportErrorIsReturnedNotRetried(t *testing.T) {
	tr := &mockTransport{err: errors.New("connection refused")}
	n := notify.New(tr, nil)

	err := n.Notify(context.Background(), makeEvent(notify.KindRecovery))
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected wrapped transport error, got %v", err)
	}
	if len(tr.sent) != 1 {
		t.Errorf("expected exactly one delivery attempt, got %d", len(tr.sent))
	}
}
