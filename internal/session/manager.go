package session

import (
	"log/slog"
	"sync"

	"github.com/ashureev/medinterp/internal/domain"
)

// Factory builds a controller for a conversation.
type Factory func(conversationID string) *Controller

// Manager tracks live controllers by conversation ID.
type Manager struct {
	mu      sync.RWMutex
	active  map[string]*Controller
	factory Factory
	logger  *slog.Logger
}

// NewManager creates a manager that builds controllers with factory.
func NewManager(factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		active:  make(map[string]*Controller),
		factory: factory,
		logger:  logger,
	}
}

// Get returns the live controller for a conversation, or nil.
func (m *Manager) Get(conversationID string) *Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[conversationID]
}

// GetOrCreate returns the live controller for a conversation, creating and
// registering one if needed.
func (m *Manager) GetOrCreate(conversationID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.active[conversationID]; ok {
		return c
	}
	c := m.factory(conversationID)
	m.active[conversationID] = c
	m.logger.Info("Interpreter session registered", "conversation_id", conversationID)
	return c
}

// Close disconnects and unregisters the controller for a conversation.
func (m *Manager) Close(conversationID string) {
	m.mu.Lock()
	c, ok := m.active[conversationID]
	delete(m.active, conversationID)
	m.mu.Unlock()

	if !ok {
		return
	}
	c.Close()
	m.logger.Info("Interpreter session closed", "conversation_id", conversationID)
}

// CloseAll closes every live controller.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	controllers := m.active
	m.active = make(map[string]*Controller)
	m.mu.Unlock()

	for id, c := range controllers {
		c.Close()
		m.logger.Info("Interpreter session closed", "conversation_id", id)
	}
}

// Len returns the number of live controllers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// NotifyAction routes an action change to its conversation's subscribers.
func (m *Manager) NotifyAction(a *domain.Action) {
	if c := m.Get(a.ConversationID); c != nil {
		c.PublishAction(a)
	}
}
