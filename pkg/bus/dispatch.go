package bus

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"skybus/pkg/property"
)

type eventKind int

const (
	evDefine eventKind = iota
	evUpdate
	evDelete
	evMessage
	evBarrier
)

func (k eventKind) String() string {
	switch k {
	case evDefine:
		return "define"
	case evUpdate:
		return "update"
	case evDelete:
		return "delete"
	case evMessage:
		return "message"
	}
	return "barrier"
}

type event struct {
	kind    eventKind
	device  *Device
	prop    *property.Property
	message string
	done    chan struct{}
}

type propKey struct {
	device string
	name   string
}

type visibleProp struct {
	device *Device
	typ    property.Type
}

type blobRecord struct {
	device string
	name   string
	mode   property.BlobMode
}

// clientRecord holds the subscription state of one client and the queue of
// events waiting to be delivered to it. A dedicated goroutine drains the
// queue so that emitting devices never run client code.
type clientRecord struct {
	client Client
	info   ClientInfo
	filter DeviceFilter
	logger log.Ext1FieldLogger
	bus    *Bus

	mu      sync.Mutex
	wake    *sync.Cond
	visible map[propKey]visibleProp
	modes   []blobRecord
	queue   []event
	closed  bool
	done    chan struct{}
}

func newClientRecord(b *Bus, c Client) *clientRecord {
	info := c.Info()
	r := &clientRecord{
		client:  c,
		info:    info,
		logger:  b.logger.WithField("client", info.Name),
		bus:     b,
		visible: make(map[propKey]visibleProp),
		done:    make(chan struct{}),
	}
	r.filter, _ = c.(DeviceFilter)
	r.wake = sync.NewCond(&r.mu)
	return r
}

// post applies the subscription rules to ev and queues what survives.
func (r *clientRecord) post(ev event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if ev.device != nil {
		if !ev.device.live() {
			return
		}
		if r.filter != nil && !r.filter.AcceptDevice(ev.device.name) {
			return
		}
	}

	switch ev.kind {
	case evMessage:
		r.enqueue(ev)

	case evDefine:
		p := ev.prop
		if p.Hidden {
			return
		}
		key := propKey{p.Device, p.Name}
		if _, ok := r.visible[key]; ok {
			ev.kind = evUpdate
			if r.suppressed(p) {
				return
			}
		} else {
			r.visible[key] = visibleProp{device: ev.device, typ: p.Type}
		}
		ev.prop = r.shape(p)
		r.enqueue(ev)

	case evUpdate:
		p := ev.prop
		if _, ok := r.visible[propKey{p.Device, p.Name}]; !ok || r.suppressed(p) {
			return
		}
		ev.prop = r.shape(p)
		r.enqueue(ev)

	case evDelete:
		p := ev.prop
		if p.Name != "" {
			key := propKey{p.Device, p.Name}
			if _, ok := r.visible[key]; ok {
				delete(r.visible, key)
				r.enqueue(ev)
			}
			return
		}
		for key, v := range r.visible {
			if key.device != p.Device {
				continue
			}
			delete(r.visible, key)
			r.enqueue(event{
				kind:    evDelete,
				device:  v.device,
				prop:    &property.Property{Device: key.device, Name: key.name, Type: v.typ},
				message: ev.message,
			})
		}
	}
}

// enqueue must be called with r.mu held.
func (r *clientRecord) enqueue(ev event) {
	if ev.device != nil && !ev.device.acquire() {
		return
	}
	r.queue = append(r.queue, ev)
	r.wake.Signal()
}

// suppressed reports whether an update of p is withheld by the BLOB mode.
func (r *clientRecord) suppressed(p *property.Property) bool {
	return p.Type == property.Blob && r.blobMode(p.Device, p.Name) == property.BlobNever
}

// shape returns the view of p this client receives according to its BLOB mode.
func (r *clientRecord) shape(p *property.Property) *property.Property {
	if p.Type != property.Blob {
		return p
	}
	mode := r.blobMode(p.Device, p.Name)
	if mode == property.BlobAlso {
		return p
	}
	resolve := r.bus.blobURLResolver()
	if mode == property.BlobURL && resolve == nil {
		return p
	}
	c := p.Clone()
	for i := range c.Items {
		b := c.Items[i].Blob()
		if b == nil {
			continue
		}
		hadContent := len(b.Content) > 0
		b.Content = nil
		if mode == property.BlobURL && hadContent && b.URL == "" {
			b.URL = resolve(p.Device, p.Name, c.Items[i].Name)
		}
	}
	return c
}

// blobMode must be called with r.mu held. The most specific record wins.
func (r *clientRecord) blobMode(device, name string) property.BlobMode {
	best, score := property.BlobAlso, -1
	for _, rec := range r.modes {
		if rec.device != "" && rec.device != device {
			continue
		}
		if rec.name != "" && rec.name != name {
			continue
		}
		s := 0
		if rec.device != "" {
			s++
		}
		if rec.name != "" {
			s += 2
		}
		if s >= score {
			best, score = rec.mode, s
		}
	}
	return best
}

func (r *clientRecord) setBlobMode(filter *property.Property, mode property.BlobMode) {
	rec := blobRecord{mode: mode}
	if filter != nil {
		rec.device, rec.name = filter.Device, filter.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.modes {
		if r.modes[i].device == rec.device && r.modes[i].name == rec.name {
			r.modes[i].mode = mode
			return
		}
	}
	r.modes = append(r.modes, rec)
}

func (r *clientRecord) currentBlobMode(device, name string) property.BlobMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blobMode(device, name)
}

// barrier queues a marker and returns a channel closed once every event
// queued before it has been delivered.
func (r *clientRecord) barrier() <-chan struct{} {
	done := make(chan struct{})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(done)
		return done
	}
	r.queue = append(r.queue, event{kind: evBarrier, done: done})
	r.wake.Signal()
	return done
}

// close synthesizes a delete for every visible property, stops accepting
// events and lets the delivery goroutine exit once the queue is empty.
func (r *clientRecord) close(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for key, v := range r.visible {
		delete(r.visible, key)
		r.enqueue(event{
			kind:    evDelete,
			device:  v.device,
			prop:    &property.Property{Device: key.device, Name: key.name, Type: v.typ},
			message: message,
		})
	}
	r.closed = true
	r.wake.Signal()
}

func (r *clientRecord) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.wake.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		ev := r.queue[0]
		r.queue[0] = event{}
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.deliver(ev)
	}
}

func (r *clientRecord) deliver(ev event) {
	if ev.kind == evBarrier {
		close(ev.done)
		return
	}
	if ev.device != nil {
		defer ev.device.release()
	}

	if err := r.call(ev); err != nil {
		r.logger.Errorf("Client %s callback failed: %v", ev.kind, err)
	}
}

func (r *clientRecord) call(ev event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	if ev.prop != nil {
		r.logger.Tracef("%s %s", ev.kind, ev.prop)
	}
	switch ev.kind {
	case evDefine:
		return r.client.DefineProperty(ev.device, ev.prop, ev.message)
	case evUpdate:
		return r.client.UpdateProperty(ev.device, ev.prop, ev.message)
	case evDelete:
		return r.client.DeleteProperty(ev.device, ev.prop, ev.message)
	case evMessage:
		return r.client.SendMessage(ev.device, ev.message)
	}
	return nil
}
