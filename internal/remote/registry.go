package remote

import (
	"fmt"
	"sync"
)

// ClientConstructor creates a Client for a remote.
// Implementations register themselves with the registry using Register().
type ClientConstructor func(r Remote) (Client, error)

// registry maps remote types to their constructors
var (
	registry      = make(map[Type]ClientConstructor)
	registryMutex sync.RWMutex
)

// Register registers a client constructor for a remote type.
// This is called from init() functions in implementation packages (pve, pbs).
//
// Example:
//
//	func init() {
//	    remote.Register(remote.TypePVE, New)
//	}
func Register(t Type, constructor ClientConstructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("remote: Register constructor is nil for type %s", t))
	}

	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("remote: Register called twice for type %s", t))
	}

	registry[t] = constructor
}

func getConstructor(t Type) ClientConstructor {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	return registry[t]
}

// IsRegistered returns true if a constructor is registered for the given type.
func IsRegistered(t Type) bool {
	return getConstructor(t) != nil
}

// RegisteredTypes returns all registered remote types.
func RegisteredTypes() []Type {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}

// UnregisterAll clears all registered constructors.
// This is primarily useful for testing.
func UnregisterAll() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry = make(map[Type]ClientConstructor)
}

// NewClient creates a client for r using the constructor registered for its
// type.
func NewClient(r Remote) (Client, error) {
	constructor := getConstructor(r.Type)
	if constructor == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, r.Type)
	}
	return constructor(r)
}
