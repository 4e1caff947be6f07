// Package reconciler keeps a user's conversation snapshot eventually consistent with the store.
//
// Every relevant change notification triggers a full re-fetch; notifications carry no ordering
// or payload guarantee, so nothing is ever patched field by field. Re-fetches that overlap join
// the one already in flight. After the subscription reconnects one re-fetch runs unconditionally
// before further notifications are consumed.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"property-messaging/internal/changefeed"
	"property-messaging/internal/models"
	"property-messaging/internal/observability"
)

// Refresher re-reads the user's conversations from the repositories.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Reconciler struct {
	feed   changefeed.Feed
	userID string
	target Refresher
	group  singleflight.Group
}

func New(feed changefeed.Feed, userID string, target Refresher) *Reconciler {
	return &Reconciler{feed: feed, userID: userID, target: target}
}

const refetchKey = "conversations"

// Run consumes notifications until ctx is done or the subscription ends. It returns nil only
// when ctx was cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	notes, err := r.feed.Subscribe(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.userID, err)
	}

	r.refetchNow(ctx, "initial")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("subscription for %s closed", r.userID)
			}
			r.handle(ctx, n)
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, n models.Notification) {
	switch {
	case n.Kind == models.NotificationReconnected:
		// results of a fetch started before the drop may predate missed events
		r.group.Forget(refetchKey)
		r.refetchNow(ctx, "reconnect")
	case n.RelevantTo(r.userID):
		r.refetch(ctx, "change")
	}
}

// refetch starts a re-fetch or joins the in-flight one without waiting for it.
func (r *Reconciler) refetch(ctx context.Context, trigger string) <-chan singleflight.Result {
	return r.group.DoChan(refetchKey, func() (interface{}, error) {
		started := time.Now()
		err := r.target.Refresh(ctx)
		observability.ObserveRefetch(trigger, started, err)
		if err != nil && ctx.Err() == nil {
			log.Printf("reconciler refetch failed user_id=%s trigger=%s: %v", r.userID, trigger, err)
		}
		return nil, err
	})
}

func (r *Reconciler) refetchNow(ctx context.Context, trigger string) {
	select {
	case <-r.refetch(ctx, trigger):
	case <-ctx.Done():
	}
}
