package bus

import (
	"fmt"
	"sync"

	"skybus/pkg/errcode"
)

// resourceLocks maps physical resources (serial ports, USB addresses) to the
// device holding them. Devices sharing a resource contend on the same entry.
type resourceLocks struct {
	mu   sync.Mutex
	held map[string]*Device
}

func (l *resourceLocks) tryLock(resource string, d *Device) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == nil {
		l.held = make(map[string]*Device)
	}
	if owner, ok := l.held[resource]; ok && owner != d {
		return errcode.New(errcode.LockError, "lock "+resource, fmt.Sprintf("held by %s", owner.name))
	}
	l.held[resource] = d
	return nil
}

func (l *resourceLocks) release(d *Device) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for resource, owner := range l.held {
		if owner == d {
			delete(l.held, resource)
		}
	}
}

func (l *resourceLocks) holder(resource string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, ok := l.held[resource]; ok {
		return owner.name
	}
	return ""
}
