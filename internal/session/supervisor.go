// Package session owns the per-agent WhatsApp session lifecycle: client
// construction, the status state machine, reconnect backoff, QR delivery
// and teardown. All operations are safe to call from concurrent handlers;
// state per agent is linearised under the supervisor's lock.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/jid"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
	"github.com/nusatech/whatsapp-agent-gateway/internal/metrics"
	"github.com/nusatech/whatsapp-agent-gateway/internal/scheduler"
	"github.com/nusatech/whatsapp-agent-gateway/internal/storage/pg"
	"github.com/nusatech/whatsapp-agent-gateway/internal/waclient"
)

const (
	// recordTTL bounds how stale a cached AgentRecord may get before the
	// dispatcher sees a refreshed copy.
	recordTTL = 60 * time.Second

	reconnectBaseDelay = 5 * time.Second
	reconnectFirstCap  = 30 * time.Second
	reconnectMaxDelay  = 60 * time.Second

	qrImageSize = 256

	persistTimeout = 10 * time.Second
)

// AgentStore is the persistence surface the supervisor needs.
type AgentStore interface {
	UpsertAgent(ctx context.Context, arg pg.UpsertAgentParams) (*pg.AgentRecord, error)
	GetAgent(ctx context.Context, agentID string) (*pg.AgentRecord, error)
	SetAgentStatus(ctx context.Context, agentID, status string, extras pg.SetStatusParams) error
	ListBootstrappable(ctx context.Context) ([]pg.AgentRecord, error)
	DeleteAgent(ctx context.Context, agentID string) (bool, error)
	LatestActiveAPIKey(ctx context.Context, userID int64) (string, error)
}

// MessageSink consumes inbound messages. Implemented by the dispatch
// pipeline; the supervisor hands over a fresh record snapshot and the live
// client so the sink can reply without reaching back in.
type MessageSink interface {
	HandleMessage(agent *pg.AgentRecord, client waclient.Client, msg *waclient.Message)
}

// EventSink receives session lifecycle events for streaming to observers.
type EventSink interface {
	Publish(agentID string, evt StatusEvent)
}

// StatusEvent is one lifecycle transition as published to subscribers.
type StatusEvent struct {
	AgentID   string    `json:"agentId"`
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// liveSession is the in-memory state for one agent. Fields are guarded by
// the supervisor's mutex.
type liveSession struct {
	agentID string

	rec          *pg.AgentRecord
	recFetchedAt time.Time

	client         waclient.Client
	isReady        bool
	status         string
	shuttingDown   bool
	metricsCounted bool

	qr          *QRPayload
	qrUpdatedAt time.Time
	waiter      *qrWaiter
}

// Deps wires the supervisor's collaborators.
type Deps struct {
	Store    AgentStore
	Factory  waclient.Factory
	Limiter  *scheduler.Limiter
	Metrics  *metrics.Metrics
	Messages MessageSink
	Events   EventSink // optional
	AuthDir  string
	RunBase  string // AI backend base, e.g. https://ai.example.com/agents
	Logger   *logger.Logger
}

// Supervisor runs the session state machine for every agent in the process.
type Supervisor struct {
	store   AgentStore
	factory waclient.Factory
	limiter *scheduler.Limiter
	metrics *metrics.Metrics
	sink    MessageSink
	events  EventSink
	authDir string
	runBase string
	log     *logger.Logger

	restartBase     time.Duration
	restartFirstCap time.Duration
	restartMax      time.Duration
	qrTimeout       time.Duration

	mu       sync.Mutex
	sessions map[string]*liveSession
	timers   map[string]*time.Timer
	closed   bool

	// persistMu serialises status writes so they reach the store in
	// transition order even when one of them stalls.
	persistMu sync.Mutex
}

func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{
		store:           deps.Store,
		factory:         deps.Factory,
		limiter:         deps.Limiter,
		metrics:         deps.Metrics,
		sink:            deps.Messages,
		events:          deps.Events,
		authDir:         deps.AuthDir,
		runBase:         strings.TrimRight(deps.RunBase, "/"),
		log:             deps.Logger.WithComponent("session"),
		restartBase:     reconnectBaseDelay,
		restartFirstCap: reconnectFirstCap,
		restartMax:      reconnectMaxDelay,
		qrTimeout:       qrWaitTimeout,
		sessions:        make(map[string]*liveSession),
		timers:          make(map[string]*time.Timer),
	}
}

// CreateParams carries the create_or_resume inputs.
type CreateParams struct {
	UserID    int64
	AgentID   string
	AgentName string
	APIKey    string // optional; the user's latest active key wins
}

// CreateOrResume registers or refreshes an agent and makes sure a live
// session exists for it. The effective API key is the user's latest active
// key, falling back to the caller-supplied one.
func (s *Supervisor) CreateOrResume(ctx context.Context, params CreateParams) (*StatusView, error) {
	key, err := s.store.LatestActiveAPIKey(ctx, params.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve api key for user %d: %w", params.UserID, err)
	}
	if key == "" {
		key = params.APIKey
	}
	if key == "" {
		return nil, apierrors.InvalidPayload("no API key available: supply apikey or register one for the user")
	}

	rec, err := s.store.UpsertAgent(ctx, pg.UpsertAgentParams{
		UserID:         params.UserID,
		AgentID:        params.AgentID,
		AgentName:      params.AgentName,
		APIKey:         key,
		EndpointURLRun: s.defaultRunEndpoint(params.AgentID),
	})
	if err != nil {
		return nil, fmt.Errorf("upsert agent %s: %w", params.AgentID, err)
	}

	if _, err := s.ensureClient(ctx, rec); err != nil {
		return nil, err
	}

	view := s.statusView(rec)
	return &view, nil
}

// GetStatus returns the session view for an agent.
func (s *Supervisor) GetStatus(ctx context.Context, agentID string) (*StatusView, error) {
	rec, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if rec == nil {
		return nil, apierrors.SessionNotFound(agentID)
	}
	view := s.statusView(rec)
	return &view, nil
}

// Reconnect drops the live session, wipes the on-disk credentials and
// builds a fresh client, forcing a new QR pairing.
func (s *Supervisor) Reconnect(ctx context.Context, agentID string) (*StatusView, error) {
	rec, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if rec == nil {
		return nil, apierrors.SessionNotFound(agentID)
	}

	s.teardown(agentID, true, true)

	if _, err := s.ensureClient(ctx, rec); err != nil {
		return nil, err
	}
	view := s.statusView(rec)
	return &view, nil
}

// Delete tears the session down and removes both the credentials and the
// database row. Safe to repeat; the second call reports alreadyRemoved.
func (s *Supervisor) Delete(ctx context.Context, agentID string) (*DeleteResult, error) {
	rec, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}

	s.teardown(agentID, true, true)

	if rec == nil {
		return &DeleteResult{Deleted: false, AlreadyRemoved: true}, nil
	}

	deleted, err := s.store.DeleteAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	s.log.Info("agent deleted", "agent_id", agentID)
	return &DeleteResult{Deleted: deleted}, nil
}

// GenerateQR returns the current login QR, waiting up to a minute for the
// engine to produce one. A connected session yields a null QR.
func (s *Supervisor) GenerateQR(ctx context.Context, agentID string) (*QRView, error) {
	rec, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if rec == nil {
		return nil, apierrors.SessionNotFound(agentID)
	}

	ls, err := s.ensureClient(ctx, rec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if ls.shuttingDown {
		s.mu.Unlock()
		return nil, apierrors.SessionNotReady(agentID)
	}
	if ls.isReady {
		s.mu.Unlock()
		return &QRView{AgentID: agentID, QR: nil}, nil
	}
	if ls.qr != nil {
		view := &QRView{AgentID: agentID, QR: ls.qr, QRUpdatedAt: timePtr(ls.qrUpdatedAt)}
		s.mu.Unlock()
		return view, nil
	}
	waiter := ls.waiter
	if waiter == nil {
		waiter = newQRWaiter(agentID, s.qrTimeout, func(w *qrWaiter) {
			s.detachWaiter(agentID, w)
		})
		ls.waiter = waiter
	}
	s.mu.Unlock()

	qr, at, err := waiter.wait(ctx)
	if err != nil {
		return nil, err
	}
	return &QRView{AgentID: agentID, QR: qr, QRUpdatedAt: timePtr(at)}, nil
}

// detachWaiter drops an expired rendezvous so the next generate_qr call
// opens a fresh window. No-op if the session moved on already.
func (s *Supervisor) detachWaiter(agentID string, w *qrWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.sessions[agentID]; ok && ls.waiter == w {
		ls.waiter = nil
	}
}

// SendText delivers a text message through the agent's queue. Implements
// the reply-sender contract used by the AI run handler.
func (s *Supervisor) SendText(ctx context.Context, agentID, to, message, quotedID string) error {
	client, err := s.readyClient(agentID)
	if err != nil {
		return err
	}

	target, err := jid.Normalize(to)
	if err != nil {
		return apierrors.InvalidPayload(err.Error())
	}

	err = s.limiter.Submit(ctx, agentID, func(jobCtx context.Context) error {
		_, sendErr := client.SendText(jobCtx, target, message, quotedID)
		return sendErr
	})
	if err != nil {
		return sendError(err)
	}

	s.metrics.MessagesSent.WithLabelValues(agentID).Inc()
	return nil
}

// SendMedia delivers an attachment through the agent's queue.
func (s *Supervisor) SendMedia(ctx context.Context, agentID, to string, payload waclient.MediaPayload) error {
	client, err := s.readyClient(agentID)
	if err != nil {
		return err
	}

	target, err := jid.Normalize(to)
	if err != nil {
		return apierrors.InvalidPayload(err.Error())
	}

	err = s.limiter.Submit(ctx, agentID, func(jobCtx context.Context) error {
		_, sendErr := client.SendMedia(jobCtx, target, payload)
		return sendErr
	})
	if err != nil {
		return sendError(err)
	}

	s.metrics.MessagesSent.WithLabelValues(agentID).Inc()
	return nil
}

// Bootstrap revives sessions for every agent that was live before the last
// shutdown. Failures are logged per agent and never block the others.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	recs, err := s.store.ListBootstrappable(ctx)
	if err != nil {
		return fmt.Errorf("list agents for bootstrap: %w", err)
	}

	revived := 0
	for i := range recs {
		rec := recs[i]
		if _, err := s.ensureClient(ctx, &rec); err != nil {
			s.log.Warn("failed to revive session", "agent_id", rec.AgentID, "error", err)
			continue
		}
		revived++
	}
	s.log.Info("session bootstrap finished", "revived", revived, "total", len(recs))
	return nil
}

// Close cancels all reconnect timers and tears every session down, keeping
// credentials and database rows so the next process can resume.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	for agentID, t := range s.timers {
		t.Stop()
		delete(s.timers, agentID)
	}
	agentIDs := make([]string, 0, len(s.sessions))
	for agentID := range s.sessions {
		agentIDs = append(agentIDs, agentID)
	}
	s.mu.Unlock()

	for _, agentID := range agentIDs {
		s.teardown(agentID, true, false)
	}
	s.log.Info("session supervisor closed", "sessions", len(agentIDs))
}

// ensureClient returns the agent's live session, constructing the client
// on first need. Idempotent: an existing session is returned as-is.
func (s *Supervisor) ensureClient(ctx context.Context, rec *pg.AgentRecord) (*liveSession, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor is shut down")
	}
	if ls, ok := s.sessions[rec.AgentID]; ok {
		ls.rec = rec
		ls.recFetchedAt = time.Now()
		s.mu.Unlock()
		return ls, nil
	}

	ls := &liveSession{
		agentID:      rec.AgentID,
		rec:          rec,
		recFetchedAt: time.Now(),
		status:       rec.Status,
	}
	ls.client = s.factory.New(rec.AgentID, func(evt waclient.Event) {
		s.handleClientEvent(ls, evt)
	})
	s.sessions[rec.AgentID] = ls
	s.mu.Unlock()

	s.log.Info("initialising session", "agent_id", rec.AgentID)
	if err := ls.client.Initialize(ctx); err != nil {
		s.mu.Lock()
		if s.sessions[rec.AgentID] == ls {
			delete(s.sessions, rec.AgentID)
		}
		s.mu.Unlock()
		if destroyErr := ls.client.Destroy(); destroyErr != nil {
			s.log.Warn("failed to destroy client after init error", "agent_id", rec.AgentID, "error", destroyErr)
		}
		return nil, fmt.Errorf("initialise session for %s: %w", rec.AgentID, err)
	}
	return ls, nil
}

// handleClientEvent runs the state machine. Events from a client that is
// no longer the agent's current session are dropped.
func (s *Supervisor) handleClientEvent(ls *liveSession, evt waclient.Event) {
	s.mu.Lock()
	if s.sessions[ls.agentID] != ls || ls.shuttingDown {
		s.mu.Unlock()
		return
	}

	switch evt.Type {
	case waclient.EventQR:
		s.handleQRLocked(ls, evt.QRCode)
	case waclient.EventReady:
		s.handleReadyLocked(ls)
	case waclient.EventAuthFailure:
		s.handleAuthFailureLocked(ls, evt.Reason)
	case waclient.EventDisconnected:
		s.handleDisconnectedLocked(ls, evt.Reason)
	case waclient.EventMessage:
		s.handleMessageLocked(ls, evt.Message)
	default:
		s.mu.Unlock()
	}
}

// handleQRLocked caches the freshly encoded QR and resolves the pending
// waiter. Called with the supervisor lock held; releases it.
func (s *Supervisor) handleQRLocked(ls *liveSession, code string) {
	agentID := ls.agentID

	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("failed to encode QR code", "agent_id", agentID, "error", err)
		return
	}

	payload := &QRPayload{
		ContentType: "image/png",
		Base64:      base64.StdEncoding.EncodeToString(png),
	}
	now := time.Now()

	ls.qr = payload
	ls.qrUpdatedAt = now
	ls.isReady = false
	ls.status = pg.StatusAwaitingQR
	waiter := ls.waiter
	ls.waiter = nil
	s.mu.Unlock()

	if waiter != nil {
		waiter.resolve(payload, now)
	}
	s.persistStatus(agentID, pg.StatusAwaitingQR, pg.SetStatusParams{})
	s.publish(agentID, StatusEvent{Type: "qr", Status: pg.StatusAwaitingQR})
	s.log.Info("QR code ready", "agent_id", agentID)
}

func (s *Supervisor) handleReadyLocked(ls *liveSession) {
	agentID := ls.agentID

	ls.isReady = true
	ls.status = pg.StatusConnected
	ls.qr = nil
	countUp := !ls.metricsCounted
	ls.metricsCounted = true
	s.mu.Unlock()

	if countUp {
		s.metrics.SessionsActive.Inc()
	}
	s.persistStatus(agentID, pg.StatusConnected, pg.SetStatusParams{MarkConnected: true})
	s.publish(agentID, StatusEvent{Type: "ready", Status: pg.StatusConnected})
	s.log.Info("session connected", "agent_id", agentID)
}

func (s *Supervisor) handleAuthFailureLocked(ls *liveSession, reason string) {
	agentID := ls.agentID

	ls.isReady = false
	ls.status = pg.StatusAuthFailed
	countDown := ls.metricsCounted
	ls.metricsCounted = false
	delay := s.scheduleRestartLocked(agentID, ls, true, 1, 0)
	s.mu.Unlock()

	if countDown {
		s.metrics.SessionsActive.Dec()
	}
	s.persistStatus(agentID, pg.StatusAuthFailed, pg.SetStatusParams{MarkDisconnected: true})
	s.publish(agentID, StatusEvent{Type: "auth_failure", Status: pg.StatusAuthFailed, Reason: reason})
	s.log.Warn("session auth failure", "agent_id", agentID, "reason", reason)
	if delay > 0 {
		s.log.Info("restart scheduled", "agent_id", agentID, "delay", delay, "attempt", 1, "clear_auth", true)
	}
}

func (s *Supervisor) handleDisconnectedLocked(ls *liveSession, reason string) {
	agentID := ls.agentID

	ls.isReady = false
	ls.status = pg.StatusDisconnected
	countDown := ls.metricsCounted
	ls.metricsCounted = false
	// A logout invalidates the stored credentials; wipe them so the next
	// client starts from a fresh QR pairing.
	clearAuth := mentionsLogout(reason)
	delay := s.scheduleRestartLocked(agentID, ls, clearAuth, 1, 0)
	s.mu.Unlock()

	if countDown {
		s.metrics.SessionsActive.Dec()
	}
	s.persistStatus(agentID, pg.StatusDisconnected, pg.SetStatusParams{MarkDisconnected: true})
	s.publish(agentID, StatusEvent{Type: "disconnected", Status: pg.StatusDisconnected, Reason: reason})
	s.log.Warn("session disconnected", "agent_id", agentID, "reason", reason)
	if delay > 0 {
		s.log.Info("restart scheduled", "agent_id", agentID, "delay", delay, "attempt", 1, "clear_auth", clearAuth)
	}
}

// handleMessageLocked refreshes the record snapshot when stale and hands
// the message to the dispatch pipeline.
func (s *Supervisor) handleMessageLocked(ls *liveSession, msg *waclient.Message) {
	agentID := ls.agentID
	client := ls.client
	rec := ls.rec
	stale := time.Since(ls.recFetchedAt) > recordTTL
	s.mu.Unlock()

	if msg == nil || client == nil {
		return
	}

	if stale {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		fresh, err := s.store.GetAgent(ctx, agentID)
		cancel()
		switch {
		case err != nil:
			s.log.Warn("failed to refresh agent record", "agent_id", agentID, "error", err)
		case fresh == nil:
			s.log.Warn("agent record vanished, dropping message", "agent_id", agentID)
			return
		default:
			rec = fresh
			s.mu.Lock()
			if s.sessions[agentID] == ls {
				ls.rec = fresh
				ls.recFetchedAt = time.Now()
			}
			s.mu.Unlock()
		}
	}

	if s.sink != nil {
		s.sink.HandleMessage(rec, client, msg)
	}
}

// scheduleRestartLocked arms the reconnect timer for an agent. The caller
// holds s.mu. expect is the live session the restart is meant to replace,
// nil when a failed rebuild left the agent without one; arming is refused
// once the agent's entry no longer matches, so a timer cannot outlive the
// failure it was armed for. First attempts back off linearly capped at
// 30s; repeated failures double the previous delay up to 60s. At most one
// timer per agent. Returns the armed delay, zero when arming was refused.
func (s *Supervisor) scheduleRestartLocked(agentID string, expect *liveSession, clearAuth bool, attempt int, prevDelay time.Duration) time.Duration {
	if s.closed || s.sessions[agentID] != expect {
		return 0
	}
	if expect != nil && expect.shuttingDown {
		return 0
	}
	if _, exists := s.timers[agentID]; exists {
		return 0
	}

	var delay time.Duration
	if prevDelay > 0 {
		delay = min(prevDelay*2, s.restartMax)
	} else {
		delay = min(s.restartFirstCap, time.Duration(attempt)*s.restartBase)
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.restart(agentID, expect, t, clearAuth, attempt, delay)
	})
	s.timers[agentID] = t
	return delay
}

func (s *Supervisor) scheduleRestart(agentID string, expect *liveSession, clearAuth bool, attempt int, prevDelay time.Duration) {
	s.mu.Lock()
	delay := s.scheduleRestartLocked(agentID, expect, clearAuth, attempt, prevDelay)
	s.mu.Unlock()
	if delay > 0 {
		s.log.Info("restart scheduled", "agent_id", agentID, "delay", delay, "attempt", attempt, "clear_auth", clearAuth)
	}
}

// restart is the timer body: reload the record, tear the old session down
// and build a new client. It proceeds only while the session it was armed
// for is still the agent's current one and still failed; a reconnect, a
// delete or a recovered connection supersedes the pending restart. Errors
// reschedule with a doubled delay.
func (s *Supervisor) restart(agentID string, expect *liveSession, armed *time.Timer, clearAuth bool, attempt int, prevDelay time.Duration) {
	s.mu.Lock()
	if s.timers[agentID] == armed {
		delete(s.timers, agentID)
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx := context.Background()
	rec, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		s.log.Warn("restart aborted, record unreadable", "agent_id", agentID, "error", err)
		s.scheduleRestart(agentID, expect, clearAuth, attempt+1, prevDelay)
		return
	}
	if rec == nil {
		s.log.Info("restart abandoned, agent removed", "agent_id", agentID)
		return
	}

	s.mu.Lock()
	cur := s.sessions[agentID]
	superseded := cur != expect ||
		(cur != nil && (cur.shuttingDown || (cur.status != pg.StatusDisconnected && cur.status != pg.StatusAuthFailed)))
	s.mu.Unlock()
	if superseded {
		s.log.Info("restart superseded, session replaced or recovered", "agent_id", agentID)
		return
	}

	s.teardown(agentID, true, clearAuth)

	if _, err := s.ensureClient(ctx, rec); err != nil {
		s.log.Warn("restart failed", "agent_id", agentID, "attempt", attempt, "error", err)
		s.scheduleRestart(agentID, nil, clearAuth, attempt+1, prevDelay)
		return
	}
	s.log.Info("session restarted", "agent_id", agentID, "attempt", attempt)
}

// teardown dismantles an agent's live session: timer, client, gauge,
// waiter, then optionally the database status and on-disk credentials.
func (s *Supervisor) teardown(agentID string, preserveDB, clearAuth bool) {
	s.mu.Lock()
	if t, ok := s.timers[agentID]; ok {
		t.Stop()
		delete(s.timers, agentID)
	}

	ls := s.sessions[agentID]
	var client waclient.Client
	var counted bool
	var waiter *qrWaiter
	if ls != nil {
		ls.shuttingDown = true
		client = ls.client
		counted = ls.metricsCounted
		ls.metricsCounted = false
		waiter = ls.waiter
		ls.waiter = nil
		delete(s.sessions, agentID)
	}
	s.mu.Unlock()

	if client != nil {
		if err := client.Destroy(); err != nil {
			s.log.Warn("client destroy failed", "agent_id", agentID, "error", err)
		}
	}
	if counted {
		s.metrics.SessionsActive.Dec()
	}
	if waiter != nil {
		waiter.reject(apierrors.SessionNotReady(agentID))
	}
	if !preserveDB {
		s.persistStatus(agentID, pg.StatusDisconnected, pg.SetStatusParams{MarkDisconnected: true})
	}
	if clearAuth {
		dir := waclient.SessionDir(s.authDir, agentID)
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn("failed to remove auth store", "agent_id", agentID, "dir", dir, "error", err)
		}
	}
}

// readyClient returns the agent's client if the session is connected.
func (s *Supervisor) readyClient(agentID string) (waclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls := s.sessions[agentID]
	if ls == nil || !ls.isReady || ls.client == nil {
		return nil, apierrors.SessionNotReady(agentID)
	}
	return ls.client, nil
}

// statusView merges the persisted record with live in-memory state.
func (s *Supervisor) statusView(rec *pg.AgentRecord) StatusView {
	view := statusViewFromRecord(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.sessions[rec.AgentID]; ok {
		view.Status = ls.status
		live := &LiveState{IsReady: ls.isReady, HasQR: ls.qr != nil}
		if ls.qr != nil {
			live.QRUpdatedAt = timePtr(ls.qrUpdatedAt)
		}
		view.Live = live
	}
	return view
}

// persistStatus writes a status transition, logging failures instead of
// surfacing them: the in-memory state machine is the source of truth for
// live behaviour. Writes serialise on persistMu, and a write the live
// session has already moved past is dropped rather than landing over a
// newer transition.
func (s *Supervisor) persistStatus(agentID, status string, extras pg.SetStatusParams) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	stale := false
	if ls, ok := s.sessions[agentID]; ok && ls.status != status {
		stale = true
	}
	s.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SetAgentStatus(ctx, agentID, status, extras); err != nil {
		s.log.Error("failed to persist session status", "agent_id", agentID, "status", status, "error", err)
	}
}

func (s *Supervisor) publish(agentID string, evt StatusEvent) {
	if s.events == nil {
		return
	}
	evt.AgentID = agentID
	evt.Timestamp = time.Now()
	s.events.Publish(agentID, evt)
}

// defaultRunEndpoint is the conventional run URL stamped on new agents.
// Existing per-agent overrides in the database win over it.
func (s *Supervisor) defaultRunEndpoint(agentID string) string {
	if s.runBase == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/execute", s.runBase, agentID)
}

// sendError maps scheduler and engine failures onto the API taxonomy.
// Already-coded errors (rate limiting, mostly) pass through.
func sendError(err error) error {
	var apiErr *apierrors.APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return apierrors.BadGateway("failed to deliver message", err)
}

func mentionsLogout(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(lower, "logout") || strings.Contains(lower, "logged out")
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
