package relaydoc

import (
	"strings"
	"sync"
)

type PersistenceFactory func(dsn string) (PersistenceBackend, error)
type SinkQueueFactory func(dsn string, capacity int) (SinkQueue, error)

var backendFactoryRegistry = struct {
	mu                   sync.RWMutex
	persistenceFactories map[string]PersistenceFactory
	queueFactories       map[string]SinkQueueFactory
}{
	persistenceFactories: map[string]PersistenceFactory{},
	queueFactories:       map[string]SinkQueueFactory{},
}

// RegisterPersistenceFactory makes BuildPersistenceFromDSN hand DSNs with
// the given scheme to factory. Registered schemes take precedence over the
// built-in ones. A nil factory removes the registration.
func RegisterPersistenceFactory(scheme string, factory PersistenceFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	if factory == nil {
		delete(backendFactoryRegistry.persistenceFactories, scheme)
		return
	}
	backendFactoryRegistry.persistenceFactories[scheme] = factory
}

func RegisterSinkQueueFactory(scheme string, factory SinkQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	if factory == nil {
		delete(backendFactoryRegistry.queueFactories, scheme)
		return
	}
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupPersistenceFactory(scheme string) (PersistenceFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.persistenceFactories[scheme]
	return factory, ok
}

func lookupSinkQueueFactory(scheme string) (SinkQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
