package engine

import (
	"sync"

	"github.com/arbtrie-go/arbtrie/pkg/errors"
)

// registryCapacity bounds the number of concurrently open database
// instances in this process (spec.md §6: "a bounded registry, source: 64
// slots"). It keys thread-local session bookkeeping by a small integer
// rather than a pointer, matching the spec's "small lock-protected
// bitfield" design note.
const registryCapacity = 64

var (
	registryMu    sync.Mutex
	registrySlots [registryCapacity]bool
)

// registerInstance claims the lowest free registry slot, failing if every
// slot is already in use.
func registerInstance() (int, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i := 0; i < registryCapacity; i++ {
		if !registrySlots[i] {
			registrySlots[i] = true
			return i, nil
		}
	}
	return -1, errors.NewConfigurationValidationError("registry",
		"no free instance slot: at most 64 concurrent database instances are supported per process")
}

// unregisterInstance releases slot back to the pool.
func unregisterInstance(slot int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if slot >= 0 && slot < registryCapacity {
		registrySlots[slot] = false
	}
}
