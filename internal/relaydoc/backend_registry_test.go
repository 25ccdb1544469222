package relaydoc

import (
	"testing"
)

func TestRegisterPersistenceFactory(t *testing.T) {
	scheme := "persisttestcustom"
	RegisterPersistenceFactory(scheme, func(dsn string) (PersistenceBackend, error) {
		return NewInMemoryPersistence(), nil
	})
	backend, err := BuildPersistenceFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build persistence via registered factory failed: %v", err)
	}
	if _, ok := backend.(*InMemoryPersistence); !ok {
		t.Fatalf("expected registered factory to build the backend, got %T", backend)
	}
}

func TestRegisteredFactoryOverridesBuiltinScheme(t *testing.T) {
	RegisterPersistenceFactory(" MEM ", func(dsn string) (PersistenceBackend, error) {
		return NewJSONFilePersistence(t.TempDir()), nil
	})
	t.Cleanup(func() {
		RegisterPersistenceFactory("mem", nil)
	})
	backend, err := BuildPersistenceFromDSN("mem://")
	if err != nil {
		t.Fatalf("build persistence failed: %v", err)
	}
	if _, ok := backend.(*JSONFilePersistence); !ok {
		t.Fatalf("expected override to win over builtin scheme, got %T", backend)
	}
}

func TestRegisterSinkQueueFactory(t *testing.T) {
	scheme := "sinkqtestcustom"
	RegisterSinkQueueFactory(scheme, func(dsn string, capacity int) (SinkQueue, error) {
		return NewInMemorySinkQueue(capacity), nil
	})
	queue, err := BuildSinkQueueFromDSN(scheme+"://example", 19)
	if err != nil {
		t.Fatalf("build sink queue via registered factory failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil queue from registered sink queue factory")
	}
	if queue.Capacity() != 19 {
		t.Fatalf("expected queue capacity 19, got %d", queue.Capacity())
	}
}
