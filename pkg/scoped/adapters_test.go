package scoped_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"extpool/pkg/scoped"
)

func TestOnceEventResolves(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	o := scoped.OnceEvent(em, "open")

	em.Emit("open", "hello")

	v, err := o.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if v != "hello" {
		t.Errorf("expected %q, got %v", "hello", v)
	}
	if em.ListenerCount("open") != 0 {
		t.Error("expected listener removed after emission")
	}
}

func TestOnceEventFirstEmissionWins(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	o := scoped.OnceEvent(em, "open")

	em.Emit("open", 1)
	em.Emit("open", 2)

	v, err := o.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if v != 1 {
		t.Errorf("expected first emission, got %v", v)
	}
}

func TestOnceErrorRejects(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	o := scoped.OnceError(em, "error")

	cause := errors.New("socket broke")
	em.Emit("error", cause)

	_, err := o.Wait(context.Background())
	if !errors.Is(err, cause) {
		t.Errorf("expected emission surfaced as error, got %v", err)
	}
}

func TestOnceReleaseRemovesListener(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	o := scoped.OnceEvent(em, "open")

	o.Release()
	o.Release()

	if em.ListenerCount("open") != 0 {
		t.Error("expected listener removed on release")
	}

	// Emission after release never arrives.
	em.Emit("open", "late")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := o.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline, got %v", err)
	}
}

func TestOnceRaceSuccessAndError(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	open := scoped.OnceEvent(em, "open")
	fail := scoped.OnceError(em, "error")
	defer open.Release()
	defer fail.Release()

	em.Emit("open", struct{}{})

	select {
	case <-open.Ch():
	case v := <-fail.Ch():
		t.Fatalf("unexpected error emission: %v", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for open")
	}
}

func TestStreamDeliversInOrder(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	s := scoped.StreamEvents(em, "msg", 10)
	defer s.Release()

	for i := 0; i < 3; i++ {
		em.Emit("msg", i)
	}

	for want := 0; want < 3; want++ {
		v, ok, err := s.Next(context.Background())
		if err != nil || !ok {
			t.Fatalf("next: ok=%v err=%v", ok, err)
		}
		if v != want {
			t.Errorf("expected %d, got %v", want, v)
		}
	}
}

func TestStreamOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	s := scoped.StreamEvents(em, "msg", 3)
	defer s.Release()

	for i := 0; i < 5; i++ {
		em.Emit("msg", i)
	}

	if s.Len() != 3 {
		t.Fatalf("expected 3 buffered, got %d", s.Len())
	}
	for _, want := range []int{2, 3, 4} {
		v, ok, err := s.Next(context.Background())
		if err != nil || !ok {
			t.Fatalf("next: ok=%v err=%v", ok, err)
		}
		if v != want {
			t.Errorf("expected %d, got %v", want, v)
		}
	}
}

func TestStreamMissesEmissionsBeforeSubscribe(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	em.Emit("msg", "early")

	s := scoped.StreamEvents(em, "msg", 10)
	defer s.Release()

	if s.Len() != 0 {
		t.Errorf("expected no buffered values, got %d", s.Len())
	}
}

func TestStreamReleaseWakesNext(t *testing.T) {
	t.Parallel()

	em := scoped.NewEmitter()
	s := scoped.StreamEvents(em, "msg", 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok, err := s.Next(context.Background())
		if ok || err != nil {
			t.Errorf("expected clean end, got ok=%v err=%v", ok, err)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	s.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next did not return after release")
	}

	if em.ListenerCount("msg") != 0 {
		t.Error("expected listener removed on release")
	}
}
