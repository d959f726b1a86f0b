package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// InMemoryStore is a Store kept in process memory. Values are copied through
// JSON on the way in and out so callers observe the same shapes a SQL backend
// returns.
type InMemoryStore struct {
	mu          sync.RWMutex
	flows       map[string][]byte
	sessions    map[string][]byte
	automations map[string][]byte
	startKeys   map[string]string // start key -> session id
	tags        map[string]map[string]bool
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:       make(map[string][]byte),
		sessions:    make(map[string][]byte),
		automations: make(map[string][]byte),
		startKeys:   make(map[string]string),
		tags:        make(map[string]map[string]bool),
	}
}

func (s *InMemoryStore) SaveFlow(def models.FlowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode flow %s: %w", def.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[def.ID] = data
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	data, ok := s.flows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var def models.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode flow %s: %w", id, err)
	}
	return &def, nil
}

func (s *InMemoryStore) CreateSession(session models.SessionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	if _, taken := s.startKeys[session.StartKey]; taken && session.StartKey != "" {
		return fmt.Errorf("session with start key %s already exists", session.StartKey)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}
	s.sessions[session.ID] = data
	if session.StartKey != "" {
		s.startKeys[session.StartKey] = session.ID
	}
	return nil
}

func (s *InMemoryStore) SaveSession(session models.SessionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; !exists {
		return fmt.Errorf("%w: %s", models.ErrSessionNotFound, session.ID)
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}
	s.sessions[session.ID] = data
	return nil
}

func (s *InMemoryStore) GetSession(id string) (*models.SessionContext, error) {
	s.mu.RLock()
	data, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeSession(data)
}

func (s *InMemoryStore) GetActiveSessionByPhone(phone string) (*models.SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.SessionContext
	for _, data := range s.sessions {
		session, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		if session.Phone != phone || session.Ended() {
			continue
		}
		if latest == nil || session.UpdatedAt.After(latest.UpdatedAt) {
			latest = session
		}
	}
	return latest, nil
}

func (s *InMemoryStore) GetSessionByStartKey(key string) (*models.SessionContext, error) {
	s.mu.RLock()
	id, ok := s.startKeys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetSession(id)
}

func decodeSession(data []byte) (*models.SessionContext, error) {
	var session models.SessionContext
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if session.Answers == nil {
		session.Answers = make(map[string]any)
	}
	return &session, nil
}

func (s *InMemoryStore) SaveAutomation(a models.Automation) error {
	a.Normalize()
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode automation %s: %w", a.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.automations[a.ID] = data
	slog.Debug("InMemoryStore.SaveAutomation", "automationID", a.ID, "steps", len(a.Steps))
	return nil
}

func (s *InMemoryStore) GetAutomation(id string) (*models.Automation, error) {
	s.mu.RLock()
	data, ok := s.automations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var a models.Automation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode automation %s: %w", id, err)
	}
	sort.SliceStable(a.Steps, func(i, j int) bool { return a.Steps[i].Position < a.Steps[j].Position })
	return &a, nil
}

func (s *InMemoryStore) GetAutomationStep(automationID, stepID string) (*models.AutomationStep, error) {
	a, err := s.GetAutomation(automationID)
	if err != nil || a == nil {
		return nil, err
	}
	for i := range a.Steps {
		if a.Steps[i].ID == stepID {
			return &a.Steps[i], nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) DeleteAutomationStep(automationID, stepID string) error {
	a, err := s.GetAutomation(automationID)
	if err != nil || a == nil {
		return err
	}
	kept := a.Steps[:0]
	for _, step := range a.Steps {
		if step.ID != stepID {
			kept = append(kept, step)
		}
	}
	a.Steps = kept
	return s.SaveAutomation(*a)
}

func (s *InMemoryStore) AddContactTag(phone, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags[phone] == nil {
		s.tags[phone] = make(map[string]bool)
	}
	s.tags[phone][tag] = true
	return nil
}

func (s *InMemoryStore) GetContactTags(phone string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.tags[phone]))
	for tag := range s.tags[phone] {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
