// Package draft debounces persistence of in-progress campaign edits.
// Bursts of edits collapse into one write; an explicit save or session
// teardown flushes immediately so no edit is silently lost.
package draft

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"SendHive/internal/metrics"
	"SendHive/internal/models"
)

// Store persists at most one live draft snapshot per user.
type Store interface {
	UpsertDraft(ctx context.Context, snap models.DraftSnapshot) error
	DeleteDraft(ctx context.Context, userID uuid.UUID) error
}

// Notifier receives the outcome of each persist attempt. A non-nil
// error is a user-visible warning, never fatal: the pending payload is
// kept in memory so editing can continue and the save can retry.
type Notifier func(userID uuid.UUID, err error)

// Scheduler is the timed-task abstraction behind the debounce: one
// pending task at a time, replaced on reschedule, cancellable on
// flush. The default is a time.AfterFunc wrapper; tests inject their
// own to run without waiting.
type Scheduler interface {
	// Schedule runs fn after d. The returned stop reports whether the
	// task was cancelled before firing.
	Schedule(d time.Duration, fn func()) (stop func() bool)
}

type timerScheduler struct{}

func (timerScheduler) Schedule(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

type session struct {
	campaignID uuid.UUID
	lastSaved  []byte
	pending    []byte
	stop       func() bool
}

type Controller struct {
	store    Store
	log      *zap.Logger
	interval time.Duration
	notify   Notifier
	sched    Scheduler

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

type Option func(*Controller)

func WithScheduler(s Scheduler) Option {
	return func(c *Controller) { c.sched = s }
}

func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notify = n }
}

func NewController(store Store, interval time.Duration, log *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		log:      log,
		interval: interval,
		sched:    timerScheduler{},
		sessions: make(map[uuid.UUID]*session),
	}
	if c.interval <= 0 {
		c.interval = 3 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notify == nil {
		c.notify = func(userID uuid.UUID, err error) {
			if err != nil {
				log.Warn("draft autosave failed", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}
	}
	return c
}

// OnEdit records an edit. A payload content-equal to the last
// persisted one is a no-op, so effectively identical re-renders do not
// rewrite the row. A changed payload replaces any pending one and
// restarts the single debounce timer; intermediate edits within the
// window coalesce into one eventual write.
func (c *Controller) OnEdit(userID, campaignID uuid.UUID, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[userID]
	if !ok {
		sess = &session{}
		c.sessions[userID] = sess
	}
	sess.campaignID = campaignID

	// content already persisted: nothing to schedule, and a pending
	// flush of an intermediate edit is obsolete
	if bytes.Equal(payload, sess.lastSaved) {
		if sess.stop != nil {
			sess.stop()
			sess.stop = nil
		}
		sess.pending = nil
		return
	}

	sess.pending = append([]byte(nil), payload...)
	if sess.stop != nil {
		sess.stop()
	}
	sess.stop = c.sched.Schedule(c.interval, func() { c.flush(userID) })
}

// SaveNow persists immediately, bypassing the no-op check, and cancels
// any pending debounce so no late duplicate write fires afterwards.
func (c *Controller) SaveNow(ctx context.Context, userID, campaignID uuid.UUID, payload []byte) error {
	c.mu.Lock()
	sess, ok := c.sessions[userID]
	if !ok {
		sess = &session{}
		c.sessions[userID] = sess
	}
	sess.campaignID = campaignID
	if sess.stop != nil {
		sess.stop()
		sess.stop = nil
	}
	c.mu.Unlock()

	err := c.persist(ctx, userID, campaignID, payload)

	c.mu.Lock()
	if err != nil {
		sess.pending = append([]byte(nil), payload...)
	} else {
		sess.lastSaved = append([]byte(nil), payload...)
		sess.pending = nil
	}
	c.mu.Unlock()

	c.notify(userID, err)
	return err
}

// Teardown ends a user's editing session: the pending timer is
// cancelled and an unsaved change, if any, is flushed synchronously.
func (c *Controller) Teardown(ctx context.Context, userID uuid.UUID) error {
	c.mu.Lock()
	sess, ok := c.sessions[userID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if sess.stop != nil {
		sess.stop()
		sess.stop = nil
	}
	pending := sess.pending
	campaignID := sess.campaignID
	delete(c.sessions, userID)
	c.mu.Unlock()

	if pending == nil {
		return nil
	}

	err := c.persist(ctx, userID, campaignID, pending)
	c.notify(userID, err)
	return err
}

// TeardownAll flushes every active session; used on shutdown.
func (c *Controller) TeardownAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.Teardown(ctx, id); err != nil {
			c.log.Warn("draft flush on shutdown failed", zap.String("user_id", id.String()), zap.Error(err))
		}
	}
}

// flush is the debounce expiry path: persist the latest pending
// payload, keeping it in memory if the write fails.
func (c *Controller) flush(userID uuid.UUID) {
	c.mu.Lock()
	sess, ok := c.sessions[userID]
	if !ok || sess.pending == nil {
		c.mu.Unlock()
		return
	}
	payload := sess.pending
	campaignID := sess.campaignID
	sess.stop = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.persist(ctx, userID, campaignID, payload)

	c.mu.Lock()
	if err == nil {
		sess.lastSaved = payload
		// a newer edit may have landed while persisting
		if bytes.Equal(sess.pending, payload) {
			sess.pending = nil
		}
	}
	c.mu.Unlock()

	c.notify(userID, err)
}

func (c *Controller) persist(ctx context.Context, userID, campaignID uuid.UUID, payload []byte) error {
	err := c.store.UpsertDraft(ctx, models.DraftSnapshot{
		UserID:      userID,
		CampaignID:  campaignID,
		Payload:     payload,
		LastSavedAt: time.Now().UTC(),
	})
	if err != nil {
		metrics.DraftSaveFailures.Inc()
		return err
	}
	metrics.DraftsSaved.Inc()
	return nil
}
