package messaging

import (
	"sync"

	"property-messaging/internal/models"
)

// Snapshot is what a session shows: the conversation list, the open conversation and its
// messages. Version increases with every applied update.
type Snapshot struct {
	Conversations []models.Conversation `json:"conversations"`
	Current       *models.Conversation  `json:"current,omitempty"`
	Messages      []models.Message      `json:"messages"`
	Version       uint64                `json:"version"`
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Conversations: make([]models.Conversation, len(s.Conversations)),
		Messages:      make([]models.Message, len(s.Messages)),
		Version:       s.Version,
	}
	for i, c := range s.Conversations {
		out.Conversations[i] = cloneConversation(c)
	}
	for i, m := range s.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	if s.Current != nil {
		c := cloneConversation(*s.Current)
		out.Current = &c
	}
	return out
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.PropertyID = cloneString(c.PropertyID)
	c.Subject = cloneString(c.Subject)
	return c
}

func cloneMessage(m models.Message) models.Message {
	if m.Attachments != nil {
		m.Attachments = append(m.Attachments[:0:0], m.Attachments...)
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	return m
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ticket identifies one message fetch for a selection. Its result is applied only while the
// selection is still active and no newer fetch has been applied.
type ticket struct {
	conversationID string
	selection      uint64
	seq            uint64
}

// State owns the snapshot. All writes go through update; fetch bookkeeping lives next to it so
// stale results can be recognised under the same lock.
type State struct {
	mu   sync.Mutex
	snap Snapshot

	listSeq     uint64
	listApplied uint64

	selectedID  string
	selection   uint64
	msgSeq      uint64
	msgApplied  uint64
	onChange    func(Snapshot)
}

func newState(onChange func(Snapshot)) *State {
	return &State{
		snap:     Snapshot{Conversations: []models.Conversation{}, Messages: []models.Message{}},
		onChange: onChange,
	}
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// update is the single write path and must be called with mu held. The change hook runs under the lock so observers see
// versions in order; it must not block or call back into the client.
func (s *State) update(fn func(*Snapshot)) {
	s.snap.Version++
	fn(&s.snap)
	if s.onChange != nil {
		s.onChange(s.snap.clone())
	}
}

func (s *State) beginList() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listSeq++
	return s.listSeq
}

// applyList installs a list result unless a newer one already landed.
func (s *State) applyList(seq uint64, list []models.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.listApplied {
		return false
	}
	s.listApplied = seq
	s.update(func(snap *Snapshot) {
		snap.Conversations = list
		if snap.Current == nil {
			return
		}
		for _, c := range list {
			if c.ID == snap.Current.ID {
				current := c
				snap.Current = &current
				return
			}
		}
	})
	return true
}

// selectConversation makes conversationID the active selection and returns the ticket for its
// first fetch. Any fetch still running for an earlier selection becomes stale.
func (s *State) selectConversation(conversationID string) ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = conversationID
	s.selection++
	s.msgSeq++
	return ticket{conversationID: conversationID, selection: s.selection, seq: s.msgSeq}
}

// currentTicket starts a re-fetch of the open conversation, if any.
func (s *State) currentTicket() (ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Current == nil || s.selectedID != s.snap.Current.ID {
		return ticket{}, false
	}
	s.msgSeq++
	return ticket{conversationID: s.selectedID, selection: s.selection, seq: s.msgSeq}, true
}

func (s *State) activeLocked(t ticket) bool {
	return s.selectedID == t.conversationID && s.selection == t.selection && t.seq > s.msgApplied
}

func (s *State) active(t ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(t)
}

// applyMessages shows conv and msgs as the open conversation if t is still current.
func (s *State) applyMessages(t ticket, conv models.Conversation, msgs []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(t) {
		return false
	}
	s.msgApplied = t.seq
	s.update(func(snap *Snapshot) {
		snap.Current = &conv
		snap.Messages = msgs
		for i := range snap.Conversations {
			if snap.Conversations[i].ID == conv.ID {
				snap.Conversations[i] = conv
			}
		}
	})
	return true
}

// abandon rolls the selection back to whatever is on screen after a failed open.
func (s *State) abandon(t ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedID != t.conversationID || s.selection != t.selection {
		return
	}
	s.selection++
	s.selectedID = ""
	if s.snap.Current != nil {
		s.selectedID = s.snap.Current.ID
	}
}

// forget drops a conversation from the view and clears the selection if it was open.
func (s *State) forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedID == conversationID {
		s.selectedID = ""
		s.selection++
	}
	s.update(func(snap *Snapshot) {
		if snap.Current != nil && snap.Current.ID == conversationID {
			snap.Current = nil
			snap.Messages = []models.Message{}
		}
		kept := snap.Conversations[:0:0]
		for _, c := range snap.Conversations {
			if c.ID != conversationID {
				kept = append(kept, c)
			}
		}
		snap.Conversations = kept
	})
}
