package controller

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/teleclaw/internal/instances"
)

func TestOnTransitionCrashNotifiesAllTargets(t *testing.T) {
	h := newHarness(t)
	inst := h.mgr.add("abc123def456", "crashed", "/tmp/a")
	h.rt.SetCurrent(100, 0, inst.ID)
	h.rt.BindTopic(200, 7, inst.ID)

	h.c.OnTransition(instances.Transition{
		Instance: *inst,
		From:     instances.StateRunning,
		To:       instances.StateCrashed,
		Reason:   "exit status 2",
	})

	h.tg.mu.Lock()
	sent := append([]sentMsg(nil), h.tg.sent...)
	h.tg.mu.Unlock()
	if len(sent) != 2 {
		t.Fatalf("sent %d notifications, want 2", len(sent))
	}
	targets := map[[2]int64]bool{}
	for _, m := range sent {
		if !strings.Contains(m.text, "crashed") || !strings.Contains(m.text, "exit status 2") {
			t.Errorf("text = %q, want crash reason", m.text)
		}
		if !strings.Contains(m.text, "automatic restart") {
			t.Errorf("text = %q, want restart notice while budget remains", m.text)
		}
		targets[[2]int64{m.chatID, int64(m.topicID)}] = true
	}
	if !targets[[2]int64{100, 0}] || !targets[[2]int64{200, 7}] {
		t.Errorf("notified targets = %v, want both bindings", targets)
	}
}

func TestOnTransitionCrashBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	inst := h.mgr.add("abc123def456", "crashed", "/tmp/a")
	inst.RestartCount = instances.MaxAutoRestarts
	h.rt.SetCurrent(100, 0, inst.ID)

	h.c.OnTransition(instances.Transition{
		Instance: *inst,
		From:     instances.StateRunning,
		To:       instances.StateCrashed,
		Reason:   "exit status 1",
	})

	msg := h.tg.lastSent(t)
	if !strings.Contains(msg.text, "/restart") {
		t.Errorf("text = %q, want manual /restart hint once the budget is spent", msg.text)
	}
}

func TestOnTransitionRecoveryNotice(t *testing.T) {
	h := newHarness(t)
	inst := h.mgr.add("abc123def456", "running", "/tmp/a")
	inst.RestartCount = 1
	h.rt.SetCurrent(100, 0, inst.ID)

	h.c.OnTransition(instances.Transition{
		Instance: *inst,
		From:     instances.StateStarting,
		To:       instances.StateRunning,
	})

	if msg := h.tg.lastSent(t); !strings.Contains(msg.text, "back up") {
		t.Errorf("text = %q, want recovery notice", msg.text)
	}
}

func TestOnTransitionQuietCases(t *testing.T) {
	h := newHarness(t)
	inst := h.mgr.add("abc123def456", "running", "/tmp/a")
	h.rt.SetCurrent(100, 0, inst.ID)

	// A clean stop and a first boot are not worth a message.
	h.c.OnTransition(instances.Transition{Instance: *inst, From: instances.StateRunning, To: instances.StateStopped})
	h.c.OnTransition(instances.Transition{Instance: *inst, From: instances.StateStarting, To: instances.StateRunning})

	if texts := h.tg.sentTexts(); len(texts) != 0 {
		t.Errorf("sent = %v, want silence", texts)
	}
}

func TestOnTransitionNoTargets(t *testing.T) {
	h := newHarness(t)
	inst := h.mgr.add("abc123def456", "crashed", "/tmp/a")

	h.c.OnTransition(instances.Transition{
		Instance: *inst,
		From:     instances.StateRunning,
		To:       instances.StateCrashed,
		Reason:   "oom",
	})

	if texts := h.tg.sentTexts(); len(texts) != 0 {
		t.Errorf("sent = %v, want none without bindings", texts)
	}
}
