package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/conduit-ai/conduit/internal/compact"
	"github.com/conduit-ai/conduit/internal/event"
	"github.com/conduit-ai/conduit/internal/hook"
	"github.com/conduit-ai/conduit/internal/logging"
	"github.com/conduit-ai/conduit/internal/provider"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/internal/tool"
	"github.com/conduit-ai/conduit/pkg/types"
)

// Manager creates, resumes, and forks session engines, wiring each to
// the shared collaborators and the provider resolved for its model.
type Manager struct {
	resolver  *provider.Resolver
	tools     *tool.Registry
	hooks     *hook.Manager
	compactor *compact.Compactor
	store     storage.SessionStore
	bus       *event.Bus
	log       zerolog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
}

// ManagerOptions configures a Manager. Resolver and Store are required.
type ManagerOptions struct {
	Resolver  *provider.Resolver
	Tools     *tool.Registry
	Hooks     *hook.Manager
	Compactor *compact.Compactor
	Store     storage.SessionStore
	Bus       *event.Bus
}

// NewManager creates a session manager.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		resolver:  opts.Resolver,
		tools:     opts.Tools,
		hooks:     opts.Hooks,
		compactor: opts.Compactor,
		store:     opts.Store,
		bus:       opts.Bus,
		log:       logging.Component("session.manager"),
		engines:   make(map[string]*Engine),
	}
}

// NewSessionID generates a sortable session id.
func NewSessionID() string {
	return "ses_" + ulid.Make().String()
}

func (m *Manager) engine(session *types.Session) (*Engine, error) {
	prov, err := m.resolver.Resolve(session.Config.Model)
	if err != nil {
		return nil, err
	}
	eng := NewEngine(session, Deps{
		Provider:  prov,
		Tools:     m.tools,
		Hooks:     m.hooks,
		Compactor: m.compactor,
		Store:     m.store,
		Bus:       m.bus,
	})
	m.mu.Lock()
	m.engines[session.ID] = eng
	m.mu.Unlock()
	return eng, nil
}

// Create starts a new session with the given config.
func (m *Manager) Create(ctx context.Context, cfg types.SessionConfig) (*Engine, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("session: config has no model")
	}

	now := time.Now().UnixMilli()
	session := &types.Session{
		ID:        NewSessionID(),
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	eng, err := m.engine(session)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.Save(ctx, session); err != nil {
			return nil, err
		}
	}
	if m.bus != nil {
		m.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionData{Info: session}})
	}
	m.log.Info().Str("session", session.ID).Str("model", cfg.Model).Msg("session created")
	return eng, nil
}

// Get returns the live engine for a session id, if any.
func (m *Manager) Get(id string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[id]
	return eng, ok
}

// Resume loads a stored session and wraps it in an engine. A live
// engine for the id is returned as-is.
func (m *Manager) Resume(ctx context.Context, id string) (*Engine, error) {
	if eng, ok := m.Get(id); ok {
		return eng, nil
	}
	session, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.engine(session)
}

// Fork copies a session's history into a new session carrying
// ParentID. A non-negative upTo truncates the copied history to the
// first upTo messages.
func (m *Manager) Fork(ctx context.Context, id string, upTo int) (*Engine, error) {
	parent, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	messages := parent.Messages
	if upTo >= 0 && upTo < len(messages) {
		messages = messages[:upTo]
	}

	now := time.Now().UnixMilli()
	session := &types.Session{
		ID:        NewSessionID(),
		ParentID:  parent.ID,
		Config:    parent.Config,
		Messages:  append([]types.Message(nil), messages...),
		Usage:     parent.Usage,
		CreatedAt: now,
		UpdatedAt: now,
	}

	eng, err := m.engine(session)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.Save(ctx, session); err != nil {
			return nil, err
		}
	}
	if m.bus != nil {
		m.bus.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionData{Info: session}})
	}
	m.log.Info().Str("session", session.ID).Str("parent", parent.ID).Msg("session forked")
	return eng, nil
}

// Delete removes a session from the store and drops its engine.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	eng := m.engines[id]
	delete(m.engines, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			return err
		}
	}
	if m.bus != nil && eng != nil {
		m.bus.Publish(event.Event{Type: event.SessionDeleted, Data: event.SessionData{Info: eng.Session()}})
	}
	return nil
}

// List returns all stored session ids.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}
