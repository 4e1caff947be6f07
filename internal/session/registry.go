// Package session keeps one messaging client per signed-in user, each with a reconciler
// running against the change feed, and drops sessions that stay idle.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"property-messaging/internal/changefeed"
	"property-messaging/internal/messaging"
	"property-messaging/internal/models"
	"property-messaging/internal/observability"
	"property-messaging/internal/reconciler"
	"property-messaging/internal/repositories"
	"property-messaging/internal/storage"
)

var ErrClosed = errors.New("session registry closed")

// SnapshotFunc receives every snapshot change of a user's session.
type SnapshotFunc func(userID string, snap messaging.Snapshot)

type session struct {
	client   *messaging.Client
	cancel   context.CancelFunc
	done     chan struct{}
	lastSeen time.Time
}

type Registry struct {
	store      repositories.Store
	uploader   storage.Uploader
	feed       changefeed.Feed
	onSnapshot SnapshotFunc
	opts       []messaging.Option
	now        func() time.Time
	newBackOff func() backoff.BackOff
	inUse      func(userID string) bool

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewRegistry(store repositories.Store, uploader storage.Uploader, feed changefeed.Feed, onSnapshot SnapshotFunc, opts ...messaging.Option) *Registry {
	return &Registry{
		store:      store,
		uploader:   uploader,
		feed:       feed,
		onSnapshot: onSnapshot,
		opts:       opts,
		now:        time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		sessions: make(map[string]*session),
	}
}

// Get returns the user's client, starting a session on first use.
func (r *Registry) Get(identity models.Identity) (*messaging.Client, error) {
	if !identity.Present() {
		return nil, repositories.ErrNotAuthorized
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[identity.ID]; ok {
		s.lastSeen = r.now()
		return s.client, nil
	}

	userID := identity.ID
	opts := append([]messaging.Option{}, r.opts...)
	if r.onSnapshot != nil {
		opts = append(opts, messaging.WithChangeHook(func(snap messaging.Snapshot) {
			r.onSnapshot(userID, snap)
		}))
	}
	client := messaging.NewClient(identity, r.store, r.uploader, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{client: client, cancel: cancel, done: make(chan struct{}), lastSeen: r.now()}
	r.sessions[userID] = s
	observability.SetActiveSessions(len(r.sessions))
	log.Printf("session started user_id=%s", userID)

	go r.reconcile(ctx, s, userID)
	return client, nil
}

// Touch marks the user's session as in use, e.g. while a websocket is attached.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		s.lastSeen = r.now()
	}
}

// KeepWhile exempts a user's session from eviction while inUse reports true, e.g. while the
// user has a websocket attached. inUse is called with the registry locked and must not call
// back into it. Set it before the registry is shared.
func (r *Registry) KeepWhile(inUse func(userID string) bool) {
	r.inUse = inUse
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// EvictIdle stops sessions not seen within ttl and reports how many were stopped. Sessions
// held by KeepWhile count as seen now.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)
	var stale []*session

	r.mu.Lock()
	for userID, s := range r.sessions {
		if !s.lastSeen.Before(cutoff) {
			continue
		}
		if r.inUse != nil && r.inUse(userID) {
			s.lastSeen = r.now()
			continue
		}
		stale = append(stale, s)
		delete(r.sessions, userID)
		log.Printf("session evicted user_id=%s idle_since=%s", userID, s.lastSeen.Format(time.RFC3339))
	}
	observability.SetActiveSessions(len(r.sessions))
	r.mu.Unlock()

	stop(stale)
	return len(stale)
}

// ScheduleEviction runs EvictIdle every minute on c.
func (r *Registry) ScheduleEviction(c *cron.Cron, ttl time.Duration) (cron.EntryID, error) {
	return c.AddFunc("@every 1m", func() {
		if n := r.EvictIdle(ttl); n > 0 {
			log.Printf("session eviction stopped %d idle session(s)", n)
		}
	})
}

// Close stops every session. Get fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := make([]*session, 0, len(r.sessions))
	for userID, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, userID)
	}
	observability.SetActiveSessions(0)
	r.mu.Unlock()

	stop(all)
}

func stop(sessions []*session) {
	for _, s := range sessions {
		s.cancel()
	}
	for _, s := range sessions {
		<-s.done
	}
}

// reconcile keeps a reconciler running for the session, restarting it with backoff when the
// subscription fails.
func (r *Registry) reconcile(ctx context.Context, s *session, userID string) {
	defer close(s.done)
	b := r.newBackOff()
	for {
		started := r.now()
		err := reconciler.New(r.feed, userID, s.client).Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if r.now().Sub(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.Printf("session reconciler gave up user_id=%s: %v", userID, err)
			return
		}
		log.Printf("session reconciler stopped user_id=%s, restarting in %s: %v", userID, wait, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
