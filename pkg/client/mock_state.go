package client

import (
	"sync"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	// In-memory storage
	config map[string]string
	unseen map[string]int
	dir    string

	// Error injection
	getConfigErr  error
	setConfigErr  error
	saveUnseenErr error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config: make(map[string]string),
		unseen: make(map[string]int),
		dir:    "/tmp/mock-state",
	}
}

// GetConfig retrieves a configuration value
func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.getConfigErr != nil {
		return "", s.getConfigErr
	}
	return s.config[key], nil
}

// SetConfig stores a configuration value
func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setConfigErr != nil {
		return s.setConfigErr
	}
	s.config[key] = value
	return nil
}

// GetLastUserID returns the scope of the last signed-in session
func (s *MockState) GetLastUserID() string {
	userID, _ := s.GetConfig("last_user_id")
	return userID
}

// SetLastUserID stores the scope of the signed-in session
func (s *MockState) SetLastUserID(userID string) error {
	return s.SetConfig("last_user_id", userID)
}

// GetUnseenCount returns the cached unseen count for a scope
func (s *MockState) GetUnseenCount(scopeID string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count, ok := s.unseen[scopeID]
	return count, ok, nil
}

// SaveUnseenCount caches the unseen count for a scope
func (s *MockState) SaveUnseenCount(scopeID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveUnseenErr != nil {
		return s.saveUnseenErr
	}
	s.unseen[scopeID] = count
	return nil
}

// GetStateDir returns the directory where state is stored
func (s *MockState) GetStateDir() string {
	return s.dir
}

// Close closes the mock state (no-op for in-memory)
func (s *MockState) Close() error {
	return nil
}

// Test helpers

// SetGetConfigError sets an error to return from GetConfig()
func (s *MockState) SetGetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getConfigErr = err
}

// SetSetConfigError sets an error to return from SetConfig()
func (s *MockState) SetSetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfigErr = err
}

// SetSaveUnseenError sets an error to return from SaveUnseenCount()
func (s *MockState) SetSaveUnseenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveUnseenErr = err
}

// Verify that MockState implements StateInterface
var _ StateInterface = (*MockState)(nil)
var _ StateInterface = (*State)(nil)
