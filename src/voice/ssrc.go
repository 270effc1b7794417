package voice

import (
	"sync"

	"personal/discordie_go/src/models"
)

// SSRCMap maps RTP stream ids to users and back. Both directions are kept
// one to one.
type SSRCMap struct {
	mu    sync.RWMutex
	users map[uint32]models.Snowflake
	ssrcs map[models.Snowflake]uint32
}

func NewSSRCMap() *SSRCMap {
	return &SSRCMap{
		users: make(map[uint32]models.Snowflake),
		ssrcs: make(map[models.Snowflake]uint32),
	}
}

func (m *SSRCMap) Set(ssrc uint32, userID models.Snowflake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.ssrcs[userID]; ok {
		delete(m.users, old)
	}
	if old, ok := m.users[ssrc]; ok {
		delete(m.ssrcs, old)
	}
	m.users[ssrc] = userID
	m.ssrcs[userID] = ssrc
}

func (m *SSRCMap) User(ssrc uint32) (models.Snowflake, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.users[ssrc]
	return id, ok
}

func (m *SSRCMap) SSRC(userID models.Snowflake) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ssrc, ok := m.ssrcs[userID]
	return ssrc, ok
}

func (m *SSRCMap) RemoveUser(userID models.Snowflake) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ssrc, ok := m.ssrcs[userID]; ok {
		delete(m.users, ssrc)
		delete(m.ssrcs, userID)
	}
}

func (m *SSRCMap) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.users)
	clear(m.ssrcs)
}

func (m *SSRCMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}
