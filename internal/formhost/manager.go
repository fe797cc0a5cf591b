package formhost

import (
	"sync"

	"draftdesk/internal/domain"
	"draftdesk/internal/draft"
	"draftdesk/internal/registry"
	"draftdesk/internal/remote"
)

// Manager caches one host per open instance so state that must span
// requests, like the in-flight submit guard, has a single home.
type Manager struct {
	mu     sync.Mutex
	hosts  map[string]*Host
	drafts draft.Store
	reg    *registry.Registry
	save   remote.Saver
}

func NewManager(drafts draft.Store, reg *registry.Registry, save remote.Saver) *Manager {
	return &Manager{
		hosts:  map[string]*Host{},
		drafts: drafts,
		reg:    reg,
		save:   save,
	}
}

// Host returns the host for an instance, mounting one on first use.
func (m *Manager) Host(inst domain.ModalInstance) *Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hosts[inst.ID]; ok {
		return h
	}
	h := Mount(inst, m.drafts, m.reg, m.save)
	m.hosts[inst.ID] = h
	return h
}

// Drop forgets a host after its instance reached a terminal state.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, id)
}
