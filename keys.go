package evfiber

import "fmt"

// maxKeys bounds fiber-local storage (spec.md §4.6: "bounded key table,
// ≤ 64 keys").
const maxKeys = 64

// Key identifies a fiber-local storage slot, shared across all fibers but
// addressing a distinct value per fiber (pthread_key_t semantics).
type Key int

// KeyCreate allocates the lowest free key index.
func (rt *Runtime) KeyCreate() (Key, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i := 0; i < maxKeys; i++ {
		bit := uint64(1) << uint(i)
		if rt.keyFreeMask&bit == 0 {
			rt.keyFreeMask |= bit
			return Key(i), nil
		}
	}
	return 0, invalidf("KeyCreate", "all %d fiber-local keys are in use", maxKeys)
}

// KeyDelete releases a key index for reuse.
func (rt *Runtime) KeyDelete(k Key) error {
	if !rt.keyAllocated(k) {
		return noKeyf("KeyDelete", k)
	}
	rt.mu.Lock()
	rt.keyFreeMask &^= uint64(1) << uint(k)
	rt.mu.Unlock()
	return nil
}

func (rt *Runtime) keyAllocated(k Key) bool {
	if k < 0 || int(k) >= maxKeys {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.keyFreeMask&(uint64(1)<<uint(k)) != 0
}

// KeySet stores v under k in f's local storage.
func (f *Fiber) KeySet(k Key, v any) error {
	if !f.rt.keyAllocated(k) {
		return noKeyf("KeySet", k)
	}
	f.keyValues[k] = v
	return nil
}

// KeyGet retrieves the value stored under k in f's local storage.
func (f *Fiber) KeyGet(k Key) (any, error) {
	if !f.rt.keyAllocated(k) {
		return nil, noKeyf("KeyGet", k)
	}
	return f.keyValues[k], nil
}

func noKeyf(op string, k Key) *Error {
	return newError(NoKey, op, fmt.Sprintf("key %d not allocated", int(k)), nil)
}
