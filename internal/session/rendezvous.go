package session

import (
	"context"
	"sync"
	"time"

	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
)

// qrWaitTimeout is how long generate_qr holds the request open for the
// engine to produce a code.
const qrWaitTimeout = 60 * time.Second

// qrWaiter is the rendezvous between HTTP callers polling for a QR code
// and the engine event that produces one. A session carries at most one;
// concurrent callers share it and late joiners wait only for the remainder
// of the window. Settlement is exactly-once: the first of resolve, reject
// or expiry wins.
type qrWaiter struct {
	agentID string
	done    chan struct{}
	once    sync.Once
	timer   *time.Timer

	qr  *QRPayload
	at  time.Time
	err error
}

// newQRWaiter arms the expiry clock immediately. On expiry the waiter is
// detached through onExpire first and then rejected with SESSION_NOT_READY,
// so a caller retrying right after the rejection lands on a fresh window.
func newQRWaiter(agentID string, timeout time.Duration, onExpire func(*qrWaiter)) *qrWaiter {
	w := &qrWaiter{agentID: agentID, done: make(chan struct{})}
	w.timer = time.NewTimer(timeout)
	go func() {
		select {
		case <-w.timer.C:
			if onExpire != nil {
				onExpire(w)
			}
			w.reject(apierrors.SessionNotReady(agentID))
		case <-w.done:
		}
	}()
	return w
}

func (w *qrWaiter) resolve(qr *QRPayload, at time.Time) {
	w.once.Do(func() {
		w.timer.Stop()
		w.qr = qr
		w.at = at
		close(w.done)
	})
}

func (w *qrWaiter) reject(err error) {
	w.once.Do(func() {
		w.timer.Stop()
		w.err = err
		close(w.done)
	})
}

// wait blocks until the waiter settles or ctx is cancelled. One caller
// giving up does not disturb the rendezvous for the others.
func (w *qrWaiter) wait(ctx context.Context) (*QRPayload, time.Time, error) {
	select {
	case <-w.done:
		return w.qr, w.at, w.err
	case <-ctx.Done():
		return nil, time.Time{}, ctx.Err()
	}
}
