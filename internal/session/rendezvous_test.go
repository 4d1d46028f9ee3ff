package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
)

func TestQRWaiter_ResolveWakesAllWaiters(t *testing.T) {
	w := newQRWaiter("a1", time.Second, nil)
	payload := &QRPayload{ContentType: "image/png", Base64: "aGk="}
	at := time.Now()

	type result struct {
		qr  *QRPayload
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			qr, _, err := w.wait(context.Background())
			results <- result{qr, err}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	w.resolve(payload, at)

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Errorf("waiter %d failed: %v", i, r.err)
		}
		if r.qr != payload {
			t.Errorf("waiter %d got wrong payload: %+v", i, r.qr)
		}
	}
}

func TestQRWaiter_ExpiryIsSessionNotReady(t *testing.T) {
	var expired atomic.Int32
	w := newQRWaiter("a1", 20*time.Millisecond, func(*qrWaiter) {
		expired.Add(1)
	})

	_, _, err := w.wait(context.Background())
	if !apierrors.IsCode(err, apierrors.CodeSessionNotReady) {
		t.Errorf("expected SESSION_NOT_READY on expiry, got %v", err)
	}

	// Detach runs before the rejection settles, so it must be visible here.
	if expired.Load() != 1 {
		t.Errorf("expected exactly one expiry callback, got %d", expired.Load())
	}
}

func TestQRWaiter_ResolveStopsExpiry(t *testing.T) {
	var expired atomic.Int32
	w := newQRWaiter("a1", 30*time.Millisecond, func(*qrWaiter) {
		expired.Add(1)
	})

	w.resolve(&QRPayload{ContentType: "image/png"}, time.Now())

	time.Sleep(80 * time.Millisecond)
	if expired.Load() != 0 {
		t.Error("expiry callback fired after the waiter resolved")
	}

	qr, _, err := w.wait(context.Background())
	if err != nil || qr == nil {
		t.Errorf("expected resolved payload, got qr=%v err=%v", qr, err)
	}
}

func TestQRWaiter_ResolutionIsExactlyOnce(t *testing.T) {
	w := newQRWaiter("a1", time.Second, nil)
	rejection := apierrors.SessionNotReady("a1")

	w.reject(rejection)
	w.resolve(&QRPayload{ContentType: "image/png"}, time.Now())

	qr, _, err := w.wait(context.Background())
	if err == nil || !apierrors.IsCode(err, apierrors.CodeSessionNotReady) {
		t.Errorf("expected the first resolution (rejection) to win, got qr=%v err=%v", qr, err)
	}
}

func TestQRWaiter_ContextCancelAbandonsOneCaller(t *testing.T) {
	w := newQRWaiter("a1", time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, _, err := w.wait(ctx)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancellation")
	}

	// The rendezvous itself stays live for other callers.
	payload := &QRPayload{ContentType: "image/png"}
	w.resolve(payload, time.Now())
	qr, _, err := w.wait(context.Background())
	if err != nil || qr != payload {
		t.Errorf("rendezvous should survive one caller leaving, got qr=%v err=%v", qr, err)
	}
}
