// Package kv provides the small key/value store used to persist alarm state
// and the last paired device across restarts.
package kv

import (
	"errors"
	"sync"
)

// Keys written by the daemon.
const (
	KeyLastDevice     = "lumi_bluetooth_device"
	KeyAlarmState     = "lumi_alarm_state"
	KeyAlarmLastReset = "lumi_alarm_last_reset"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is a string key/value store. Values are replaced as a whole.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Memory is an in-process Store. The zero value is ready to use.
type Memory struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

func (s *Memory) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Memory) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value
	return nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

// Compile-time check that Memory implements Store.
var _ Store = (*Memory)(nil)
