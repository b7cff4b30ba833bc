package claimrelay

import (
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)
type DispatchQueueFactory func(dsn string, capacity int) (DispatchQueue, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	backends  map[string]BackendFactory
	dispatchs map[string]DispatchQueueFactory
}{
	backends:  map[string]BackendFactory{},
	dispatchs: map[string]DispatchQueueFactory{},
}

// RegisterBackendFactory lets callers plug a storage scheme in without
// touching BuildBackendFromDSN. Registered schemes win over built-in ones.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.backends[scheme] = factory
}

func RegisterDispatchQueueFactory(scheme string, factory DispatchQueueFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.dispatchs[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.backends[scheme]
	return factory, ok
}

func lookupDispatchQueueFactory(scheme string) (DispatchQueueFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.dispatchs[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
