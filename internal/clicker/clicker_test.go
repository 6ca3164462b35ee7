package clicker

import (
	"context"
	"testing"
	"time"

	"github.com/rotor-ads/rotor/internal/model"
	"github.com/rotor-ads/rotor/internal/proxysel"
	"github.com/rotor-ads/rotor/internal/testutil"
	"github.com/rotor-ads/rotor/internal/tracker"
)

// ── schedule ──

func TestScheduleSumAndOrder(t *testing.T) {
	start := time.Date(2026, 8, 25, 9, 30, 0, 0, time.Local)
	for _, n := range []int{1, 7, 50, 333} {
		got := Schedule(n, start)
		if len(got) != n {
			t.Fatalf("n=%d: len = %d", n, len(got))
		}
		dayEnd := time.Date(2026, 8, 25, 23, 59, 59, int(999*time.Millisecond), time.Local)
		for i, at := range got {
			if at.Before(start) || at.After(dayEnd) {
				t.Errorf("n=%d: slot %d at %v outside [start, day end]", n, i, at)
			}
			if i > 0 && at.Before(got[i-1]) {
				t.Errorf("n=%d: not sorted at %d", n, i)
			}
		}
	}
}

func TestSchedulePastDayEndUsesNextMinute(t *testing.T) {
	start := time.Date(2026, 8, 25, 23, 59, 59, int(999*time.Millisecond), time.Local)
	got := Schedule(10, start)
	if len(got) != 10 {
		t.Fatalf("len = %d", len(got))
	}
	for i, at := range got {
		if at.Before(start) || at.After(start.Add(60*time.Second)) {
			t.Errorf("slot %d at %v outside the next 60s", i, at)
		}
	}
}

func TestScheduleEveningSkewsLate(t *testing.T) {
	// From 06:00, the evening peak (18-20h) should hold clearly more clicks
	// than the early morning hours.
	start := time.Date(2026, 8, 25, 6, 0, 0, 0, time.Local)
	got := Schedule(1000, start)

	early, peak := 0, 0
	for _, at := range got {
		switch h := at.Hour(); {
		case h >= 6 && h < 8:
			early++
		case h >= 18 && h < 21:
			peak++
		}
	}
	if peak <= early {
		t.Errorf("peak hours %d <= early hours %d; diurnal weighting not applied", peak, early)
	}
}

func TestScheduleZero(t *testing.T) {
	if got := Schedule(0, time.Now()); got != nil {
		t.Errorf("Schedule(0) = %v", got)
	}
}

// ── identity libraries ──

func TestIdentityLibraries(t *testing.T) {
	if len(userAgents) < 20 {
		t.Errorf("user agent library has %d entries", len(userAgents))
	}
	if len(referrers) < 10 {
		t.Errorf("referrer library has %d entries", len(referrers))
	}
	hasEmpty := false
	for _, r := range referrers {
		if r == "" {
			hasEmpty = true
		}
	}
	if !hasEmpty {
		t.Error("referrer library must include the direct-visit empty entry")
	}
}

// ── task lifecycle ──

func TestCreateTaskPersistsSchedule(t *testing.T) {
	st := testutil.OpenStore(t)
	svc := NewService(st, proxysel.NewSelector(st, &testutil.StubOutboundBuilder{}), tracker.New())

	task, err := svc.CreateTask("u1", "c1", "https://shop.example.com/p?gclid=x", 5)
	if err != nil {
		t.Fatal(err)
	}
	got, err := st.ClickTasks.GetTask(task.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.TaskRunning || got.TargetClicks != 5 {
		t.Errorf("task = %+v", got)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	st := testutil.OpenStore(t)
	svc := NewService(st, proxysel.NewSelector(st, &testutil.StubOutboundBuilder{}), tracker.New())

	if _, err := svc.CreateTask("u1", "c1", "", 5); err == nil {
		t.Error("empty url accepted")
	}
	if _, err := svc.CreateTask("u1", "c1", "https://x.test", 0); err == nil {
		t.Error("zero clicks accepted")
	}
}

func TestTickFailsItemsWithoutProxiesAndFinalizes(t *testing.T) {
	st := testutil.OpenStore(t)
	svc := NewService(st, proxysel.NewSelector(st, &testutil.StubOutboundBuilder{}), tracker.New())
	svc.sleep = func(time.Duration) {}

	task := &model.ClickTask{
		UserID: "u1", CampaignID: "c1", TargetURL: "https://shop.example.com/p",
		TargetClicks: 2, Status: model.TaskRunning,
	}
	past := time.Now().Add(-time.Minute).UnixNano()
	items := []*model.ClickTaskItem{
		{ScheduledAtNs: past, Status: model.ItemPending},
		{ScheduledAtNs: past + 1, Status: model.ItemPending},
	}
	if err := st.ClickTasks.InsertTask(task, items); err != nil {
		t.Fatal(err)
	}

	if err := svc.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := st.ClickTasks.GetTask(task.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	// No providers exist, so both clicks fail and the drained task fails.
	if got.Status != model.TaskFailed {
		t.Errorf("task status = %s, want failed", got.Status)
	}
	if got.FailedClicks != 2 || got.CompletedClicks != 0 {
		t.Errorf("counters = %d ok / %d failed", got.CompletedClicks, got.FailedClicks)
	}
}

func TestCancelFlipsPendingItems(t *testing.T) {
	st := testutil.OpenStore(t)
	svc := NewService(st, proxysel.NewSelector(st, &testutil.StubOutboundBuilder{}), tracker.New())

	task, err := svc.CreateTask("u1", "c1", "https://shop.example.com/p", 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Cancel(task.ID, "u1"); err != nil {
		t.Fatal(err)
	}

	got, _ := st.ClickTasks.GetTask(task.ID, "u1")
	if got.Status != model.TaskCancelled {
		t.Errorf("status = %s", got.Status)
	}
	open, err := st.ClickTasks.OpenItemCount(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if open != 0 {
		t.Errorf("open items = %d, want 0 after cancel", open)
	}

	// Cancelling again is a not-found (task no longer running).
	if err := svc.Cancel(task.ID, "u1"); err == nil {
		t.Error("second cancel succeeded")
	}
}
