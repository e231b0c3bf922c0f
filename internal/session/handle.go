package session

import "sync"

// handle is the current-driver cell. Every install bumps the generation so
// events raised by a replaced driver can be recognized and dropped.
type handle struct {
	mu     sync.RWMutex
	driver Driver
	gen    uint64
}

func (h *handle) current() (Driver, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.driver, h.gen
}

func (h *handle) isCurrent(gen uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gen == gen
}

// advance empties the cell, starts a new generation and returns the driver
// that was installed, if any.
func (h *handle) advance() (Driver, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.driver
	h.driver = nil
	h.gen++
	return old, h.gen
}

// install sets d as current if gen is still the latest generation.
func (h *handle) install(gen uint64, d Driver) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		return false
	}
	h.driver = d
	return true
}

// release empties the cell if it still holds generation gen.
func (h *handle) release(gen uint64) Driver {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		return nil
	}
	d := h.driver
	h.driver = nil
	return d
}

// take empties the cell unconditionally.
func (h *handle) take() Driver {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.driver
	h.driver = nil
	h.gen++
	return d
}
