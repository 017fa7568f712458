// Package bustest provides a recording client for tests of devices and
// transports attached to a bus.
package bustest

import (
	"strings"
	"sync"

	"skybus/pkg/bus"
	"skybus/pkg/property"
)

// Recorder is a bus.Client that keeps every delivered call.
type Recorder struct {
	Name string

	mu       sync.Mutex
	events   []string
	last     map[string]*property.Property
	messages []string
	detached bool
}

func NewRecorder(name string) *Recorder {
	return &Recorder{Name: name, last: make(map[string]*property.Property)}
}

func (r *Recorder) Info() bus.ClientInfo {
	return bus.ClientInfo{Name: r.Name, Version: property.VersionCurrent}
}
func (r *Recorder) Attach(b *bus.Bus) error { return nil }
func (r *Recorder) Detach() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = true
	return nil
}

// Detached reports whether the bus has run Detach.
func (r *Recorder) Detached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

func (r *Recorder) DefineProperty(d *bus.Device, p *property.Property, message string) error {
	return r.record("define", p, message)
}

func (r *Recorder) UpdateProperty(d *bus.Device, p *property.Property, message string) error {
	return r.record("update", p, message)
}

func (r *Recorder) DeleteProperty(d *bus.Device, p *property.Property, message string) error {
	return r.record("delete", p, message)
}

func (r *Recorder) SendMessage(d *bus.Device, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, d.Name()+": "+message)
	return nil
}

func (r *Recorder) record(kind string, p *property.Property, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := kind + " " + p.String()
	if kind == "update" {
		ev += " " + p.State.String()
	}
	r.events = append(r.events, ev)
	if message != "" {
		r.messages = append(r.messages, p.String()+": "+message)
	}
	if kind == "delete" {
		delete(r.last, p.String())
	} else {
		r.last[p.String()] = p
	}
	return nil
}

// Events returns "define D.P", "update D.P State" and "delete D.P" entries in
// delivery order.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Matching returns the events with the given prefix.
func (r *Recorder) Matching(prefix string) []string {
	var out []string
	for _, ev := range r.Events() {
		if strings.HasPrefix(ev, prefix) {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the most recent define or update of "device.name", or nil if
// the property is not currently visible.
func (r *Recorder) Last(key string) *property.Property {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[key]
}

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.messages = nil
}
