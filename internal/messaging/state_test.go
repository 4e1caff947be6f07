package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"property-messaging/internal/models"
)

func TestStaleListResultIsDiscarded(t *testing.T) {
	s := newState(nil)
	older := s.beginList()
	newer := s.beginList()

	assert.True(t, s.applyList(newer, []models.Conversation{conversation("fresh", 0)}))
	assert.False(t, s.applyList(older, []models.Conversation{conversation("stale", 0)}))
	assert.Equal(t, "fresh", s.Snapshot().Conversations[0].ID)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newState(nil)
	tk := s.selectConversation("c1")
	readAt := t0
	s.applyMessages(tk, conversation("c1", 0), []models.Message{{ID: "m1", Attachments: pq.StringArray{"a"}, ReadAt: &readAt}})

	snap := s.Snapshot()
	snap.Messages[0].Attachments[0] = "mutated"
	*snap.Messages[0].ReadAt = t0.Add(time.Hour)
	*snap.Current.Subject = "mutated"

	again := s.Snapshot()
	assert.Equal(t, "a", again.Messages[0].Attachments[0])
	assert.True(t, again.Messages[0].ReadAt.Equal(t0))
	assert.Equal(t, "Inquiry", *again.Current.Subject)
}

func TestAbandonRestoresSelection(t *testing.T) {
	s := newState(nil)
	first := s.selectConversation("c1")
	require.True(t, s.applyMessages(first, conversation("c1", 0), nil))

	failed := s.selectConversation("c2")
	s.abandon(failed)

	refresh, ok := s.currentTicket()
	require.True(t, ok)
	assert.Equal(t, "c1", refresh.conversationID)
	assert.False(t, s.active(failed))
}

func TestOlderMessageFetchForSameSelectionIsDiscarded(t *testing.T) {
	s := newState(nil)
	open := s.selectConversation("c1")
	require.True(t, s.applyMessages(open, conversation("c1", 0), nil))

	older, _ := s.currentTicket()
	newer, _ := s.currentTicket()
	assert.True(t, s.applyMessages(newer, conversation("c1", 0), []models.Message{{ID: "m2"}}))
	assert.False(t, s.applyMessages(older, conversation("c1", 0), []models.Message{{ID: "m1"}}))
	assert.Equal(t, "m2", s.Snapshot().Messages[0].ID)
}

func TestKeyedLockReleasesEntries(t *testing.T) {
	k := newKeyedLock()
	unlock, err := k.lock(context.Background(), "a")
	require.NoError(t, err)

	other, err := k.lock(context.Background(), "b")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Equal(t, 0, k.size())
}
