package jobs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteRecordsHistory(t *testing.T) {
	r := NewRegistry(false)
	calls := 0
	if err := r.Register("ok_job", time.Minute, func(context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	run, err := r.Execute(context.Background(), "ok_job")
	if err != nil {
		t.Fatal(err)
	}
	if run.Error != "" || run.Trigger != TriggerManual {
		t.Errorf("run = %+v", run)
	}
	if calls != 1 {
		t.Errorf("calls = %d", calls)
	}

	hist, err := r.History("ok_job")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Errorf("history = %d entries", len(hist))
	}
}

func TestExecuteRecordsFailure(t *testing.T) {
	r := NewRegistry(false)
	boom := errors.New("boom")
	if err := r.Register("bad_job", time.Minute, func(context.Context) error { return boom }); err != nil {
		t.Fatal(err)
	}

	run, err := r.Execute(context.Background(), "bad_job")
	if err != nil {
		t.Fatal(err)
	}
	if run.Error != "boom" {
		t.Errorf("run error = %q", run.Error)
	}

	infos := r.List()
	if len(infos) != 1 || infos[0].LastError != "boom" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestExecuteUnknownJob(t *testing.T) {
	r := NewRegistry(false)
	if _, err := r.Execute(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v", err)
	}
}

func TestExecuteRefusesOverlap(t *testing.T) {
	r := NewRegistry(false)
	release := make(chan struct{})
	started := make(chan struct{})
	if err := r.Register("slow_job", time.Minute, func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.Execute(context.Background(), "slow_job"); err != nil {
			t.Errorf("first execute: %v", err)
		}
	}()

	<-started
	if _, err := r.Execute(context.Background(), "slow_job"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("overlap err = %v", err)
	}
	close(release)
	<-done
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(false)
	fn := func(context.Context) error { return nil }
	if err := r.Register("dup", time.Minute, fn); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("dup", time.Minute, fn); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestHistoryRingBounded(t *testing.T) {
	r := NewRegistry(false)
	if err := r.Register("chatty", time.Minute, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < historyLimit+20; i++ {
		if _, err := r.Execute(context.Background(), "chatty"); err != nil {
			t.Fatal(err)
		}
	}
	hist, err := r.History("chatty")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != historyLimit {
		t.Errorf("history = %d entries, want %d", len(hist), historyLimit)
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry(false)
	fn := func(context.Context) error { return nil }
	for _, name := range []string{"c_job", "a_job", "b_job"} {
		if err := r.Register(name, time.Minute, fn); err != nil {
			t.Fatal(err)
		}
	}
	infos := r.List()
	if len(infos) != 3 || infos[0].Name != "c_job" || infos[1].Name != "a_job" || infos[2].Name != "b_job" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestTickerFiresJob(t *testing.T) {
	r := NewRegistry(true)
	fired := make(chan struct{}, 4)
	if err := r.Register("tick_job", time.Second, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("ticker never fired")
	}
}
