package saga

import "sync"

// InMemoryStore is a StateStore backed by a mutex-guarded map, grounded in
// the checkpoint store's same shape (es.InMemoryCheckpointStore).
type InMemoryStore struct {
	mu     sync.Mutex
	states map[string]*State
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: map[string]*State{}}
}

func stateKey(sagaType, sagaID string) string {
	return sagaType + "\x00" + sagaID
}

func (s *InMemoryStore) Load(sagaType, sagaID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(sagaType, sagaID)]
	if !ok {
		return nil, ErrSagaNotFound
	}
	cp := *st
	cp.CompletedSteps = append([]string(nil), st.CompletedSteps...)
	return &cp, nil
}

func (s *InMemoryStore) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.CompletedSteps = append([]string(nil), state.CompletedSteps...)
	s.states[stateKey(state.Type, state.SagaID)] = &cp
	return nil
}

func (s *InMemoryStore) Delete(sagaType, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, stateKey(sagaType, sagaID))
	return nil
}

var _ StateStore = (*InMemoryStore)(nil)
