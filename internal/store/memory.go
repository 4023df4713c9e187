package store

import (
	"sort"
	"sync"

	"github.com/ChatLabHQ/ChatLab/internal/models"
)

// InMemoryStore keeps all records in process memory. Used by tests and by
// deployments that accept losing data on restart.
type InMemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	messages    map[string][]models.Message
	experiments map[string]*models.Experiment
	conditions  map[string]*models.Condition
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:    make(map[string]*models.Session),
		messages:    make(map[string][]models.Message),
		experiments: make(map[string]*models.Experiment),
		conditions:  make(map[string]*models.Condition),
	}
}

func (s *InMemoryStore) SaveSession(sess *models.Session) error {
	if sess == nil || sess.SessionID == "" {
		return models.ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = sess.Clone()
	return nil
}

func (s *InMemoryStore) GetSession(sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) ListSessions() ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, id := range sortedSessionIDs(s.sessions) {
		out = append(out, s.sessions[id].Clone())
	}
	return out, nil
}

func (s *InMemoryStore) ListSessionsByExperiment(experimentID string) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, id := range sortedSessionIDs(s.sessions) {
		if s.sessions[id].ExperimentID == experimentID {
			out = append(out, s.sessions[id].Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) AddMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

func (s *InMemoryStore) GetMessages(sessionID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) DeleteMessages(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, sessionID)
	return nil
}

func (s *InMemoryStore) SaveExperiment(exp *models.Experiment) error {
	if exp == nil || exp.ExperimentID == "" {
		return models.ErrEmptyExperimentID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exp
	s.experiments[exp.ExperimentID] = &cp
	return nil
}

func (s *InMemoryStore) GetExperiment(experimentID string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.experiments[experimentID]
	if !ok {
		return nil, nil
	}
	cp := *exp
	return &cp, nil
}

func (s *InMemoryStore) ListExperiments() ([]*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.experiments))
	for id := range s.experiments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*models.Experiment, 0, len(ids))
	for _, id := range ids {
		cp := *s.experiments[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteExperiment(experimentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.experiments, experimentID)
	return nil
}

func (s *InMemoryStore) SaveCondition(cond *models.Condition) error {
	if cond == nil || cond.ConditionID == "" {
		return models.ErrEmptyConditionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cond
	s.conditions[cond.ConditionID] = &cp
	return nil
}

func (s *InMemoryStore) GetCondition(conditionID string) (*models.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cond, ok := s.conditions[conditionID]
	if !ok {
		return nil, nil
	}
	cp := *cond
	return &cp, nil
}

func (s *InMemoryStore) ListConditions() ([]*models.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conditions))
	for id := range s.conditions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*models.Condition, 0, len(ids))
	for _, id := range ids {
		cp := *s.conditions[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) DeleteCondition(conditionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conditions, conditionID)
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// sortedSessionIDs orders sessions by creation time, then ID, matching the
// ORDER BY the SQL backends use.
func sortedSessionIDs(sessions map[string]*models.Session) []string {
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := sessions[ids[i]], sessions[ids[j]]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.SessionID < b.SessionID
	})
	return ids
}
