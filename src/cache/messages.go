package cache

import (
	"slices"
	"sort"
	"sync"

	"personal/discordie_go/src/models"
)

const (
	DefaultMessageLimit = 1000
	DefaultEditsLimit   = 50
)

// MessageStore keeps a bounded, ordered window of messages per channel.
// Deleted messages stay in the window as tombstones until trimmed or purged.
type MessageStore struct {
	mu         sync.RWMutex
	byID       map[models.Snowflake]*models.Message
	channels   map[models.Snowflake]*channelWindow
	limit      int
	editsLimit int
}

type channelWindow struct {
	// oldest first
	ids []models.Snowflake
	// 0 means the store-wide limit applies
	limit     int
	allLoaded bool
}

func NewMessageStore(limit, editsLimit int) *MessageStore {
	return &MessageStore{
		byID:       make(map[models.Snowflake]*models.Message),
		channels:   make(map[models.Snowflake]*channelWindow),
		limit:      limit,
		editsLimit: editsLimit,
	}
}

// Get resolves a message by id, tombstones included.
func (s *MessageStore) Get(id models.Snowflake) *models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone()
}

// ForChannel returns the live messages of a channel, oldest first.
func (s *MessageStore) ForChannel(channelID models.Snowflake) []*models.Message {
	return s.collect(channelID, func(m *models.Message) bool { return !m.Deleted })
}

// ForChannelAll is ForChannel including tombstones.
func (s *MessageStore) ForChannelAll(channelID models.Snowflake) []*models.Message {
	return s.collect(channelID, func(*models.Message) bool { return true })
}

// ForChannelPinned returns the cached pinned messages of a channel.
func (s *MessageStore) ForChannelPinned(channelID models.Snowflake) []*models.Message {
	return s.collect(channelID, func(m *models.Message) bool { return !m.Deleted && m.Pinned })
}

func (s *MessageStore) collect(channelID models.Snowflake, keep func(*models.Message) bool) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w := s.channels[channelID]
	if w == nil {
		return nil
	}
	out := make([]*models.Message, 0, len(w.ids))
	for _, id := range w.ids {
		if m := s.byID[id]; m != nil && keep(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Put stores a message seen for the first time, or replaces an existing one
// without touching its edit history. The store takes ownership of m.
func (s *MessageStore) Put(m *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byID[m.ID]; ok {
		m.Edits = prev.Edits
		s.byID[m.ID] = m
		return
	}

	s.byID[m.ID] = m
	w := s.window(m.ChannelID)
	i := sort.Search(len(w.ids), func(i int) bool { return !w.ids[i].Less(m.ID) })
	w.ids = slices.Insert(w.ids, i, m.ID)
	s.trimLocked(w)
}

// Update replaces a cached message and pushes the previous version onto its
// edit history. It reports false when the message is not cached.
func (s *MessageStore) Update(m *models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[m.ID]
	if !ok {
		return false
	}

	snapshot := prev.Clone()
	snapshot.Edits = nil
	edits := append([]*models.Message{snapshot}, prev.Edits...)
	if len(edits) > s.editsLimit {
		edits = edits[:s.editsLimit]
	}
	m.Edits = edits
	s.byID[m.ID] = m
	return true
}

// MarkDeleted tombstones a cached message and returns the tombstone.
func (s *MessageStore) MarkDeleted(id models.Snowflake) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[id]
	if !ok {
		return nil
	}
	next := prev.Clone()
	next.Deleted = true
	s.byID[id] = next
	return next.Clone()
}

func (s *MessageStore) window(channelID models.Snowflake) *channelWindow {
	w, ok := s.channels[channelID]
	if !ok {
		w = &channelWindow{}
		s.channels[channelID] = w
	}
	return w
}

func (s *MessageStore) effectiveLimit(w *channelWindow) int {
	if w.limit > 0 {
		return w.limit
	}
	return s.limit
}

// trimLocked evicts the oldest messages beyond the window's limit.
func (s *MessageStore) trimLocked(w *channelWindow) {
	limit := s.effectiveLimit(w)
	if limit <= 0 || len(w.ids) <= limit {
		return
	}
	drop := len(w.ids) - limit
	for _, id := range w.ids[:drop] {
		delete(s.byID, id)
	}
	w.ids = slices.Clone(w.ids[drop:])
	w.allLoaded = false
}

// MessageLimit is the store-wide per-channel limit.
func (s *MessageStore) MessageLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limit
}

// SetMessageLimit changes the store-wide limit. Channels with their own
// limit are not affected; the rest are trimmed right away.
func (s *MessageStore) SetMessageLimit(limit int) bool {
	if limit <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	for _, w := range s.channels {
		if w.limit == 0 {
			s.trimLocked(w)
		}
	}
	return true
}

func (s *MessageStore) ChannelMessageLimit(channelID models.Snowflake) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.channels[channelID]; ok {
		return s.effectiveLimit(w)
	}
	return s.limit
}

// SetChannelMessageLimit gives one channel its own limit.
func (s *MessageStore) SetChannelMessageLimit(channelID models.Snowflake, limit int) bool {
	if limit <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.window(channelID)
	w.limit = limit
	s.trimLocked(w)
	return true
}

func (s *MessageStore) EditsLimit() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.editsLimit
}

// SetEditsLimit changes the history cap and trims existing histories.
func (s *MessageStore) SetEditsLimit(limit int) bool {
	if limit < 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editsLimit = limit
	for id, m := range s.byID {
		if len(m.Edits) <= limit {
			continue
		}
		next := m.Clone()
		next.Edits = next.Edits[:limit]
		s.byID[id] = next
	}
	return true
}

func (s *MessageStore) AllMessagesLoaded(channelID models.Snowflake) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.channels[channelID]
	return ok && w.allLoaded
}

func (s *MessageStore) SetAllMessagesLoaded(channelID models.Snowflake, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window(channelID).allLoaded = loaded
}

// PurgeChannel drops a channel's messages. A custom limit survives.
func (s *MessageStore) PurgeChannel(channelID models.Snowflake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.channels[channelID]
	if !ok {
		return
	}
	for _, id := range w.ids {
		delete(s.byID, id)
	}
	w.ids = nil
	w.allLoaded = false
}

// PurgeChannelPinned drops the pinned messages of a channel and leaves the
// rest of its window in place.
func (s *MessageStore) PurgeChannelPinned(channelID models.Snowflake) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.channels[channelID]; ok {
		s.purgePinnedLocked(w)
	}
}

// PurgePinned drops the pinned messages of every channel.
func (s *MessageStore) PurgePinned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.channels {
		s.purgePinnedLocked(w)
	}
}

func (s *MessageStore) purgePinnedLocked(w *channelWindow) {
	kept := w.ids[:0]
	for _, id := range w.ids {
		if m := s.byID[id]; m != nil && m.Pinned {
			delete(s.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	if len(kept) < len(w.ids) {
		// the window has gaps now
		w.allLoaded = false
	}
	w.ids = kept
}

// PurgeEdits drops every edit history.
func (s *MessageStore) PurgeEdits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.byID {
		if len(m.Edits) == 0 {
			continue
		}
		next := m.Clone()
		next.Edits = nil
		s.byID[id] = next
	}
}

// PurgeAll drops every message. Limits are kept.
func (s *MessageStore) PurgeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[models.Snowflake]*models.Message)
	for _, w := range s.channels {
		w.ids = nil
		w.allLoaded = false
	}
}
