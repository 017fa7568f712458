package remote

import (
	"strconv"
	"sync"

	"skybus/pkg/bus"
	"skybus/pkg/driver"
	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/wire"
)

// proxy is the local driver of a device living on a remote bus. It caches
// the properties the server defined and forwards change requests.
type proxy struct {
	conn   *connection
	name   string
	device *bus.Device

	mu    sync.Mutex
	props map[string]*property.Property
	order []string
}

func newProxy(c *connection, name string) *proxy {
	return &proxy{
		conn:  c,
		name:  name,
		props: make(map[string]*property.Property),
	}
}

func (p *proxy) Attach(d *bus.Device) error {
	p.device = d
	return nil
}

func (p *proxy) EnumerateProperties(c bus.Client, filter *property.Property) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range p.order {
		if prop := p.props[name]; prop.Match(filter) {
			p.device.DefinePropertyFor(c, prop, "")
		}
	}
	return nil
}

func (p *proxy) ChangeProperty(c bus.Client, req *property.Property) error {
	p.mu.Lock()
	_, ok := p.props[req.Name]
	p.mu.Unlock()
	if !ok {
		return errcode.New(errcode.NotFound, "change property", p.name+"."+req.Name)
	}
	return p.conn.send(&wire.Msg{Kind: wire.New, Property: req})
}

// EnableBlob is a no-op: the server link always carries BLOB content and
// local clients get their own mode applied by the bus.
func (p *proxy) EnableBlob(c bus.Client, filter *property.Property, mode property.BlobMode) error {
	return nil
}

func (p *proxy) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.order) - 1; i >= 0; i-- {
		p.device.DeleteProperty(p.props[p.order[i]], "")
	}
	p.props = make(map[string]*property.Property)
	p.order = nil
	return nil
}

func (p *proxy) define(prop *property.Property, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.props[prop.Name]; !ok {
		p.order = append(p.order, prop.Name)
	}
	p.props[prop.Name] = prop
	p.track(prop)
	p.device.DefineProperty(prop, message)
}

func (p *proxy) update(src *property.Property, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.props[src.Name]
	if !ok {
		return
	}
	merge(prop, src)
	p.track(prop)
	p.device.UpdateProperty(prop, message)
}

func (p *proxy) remove(name, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.props[name]
	if !ok {
		return
	}
	delete(p.props, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.device.DeleteProperty(prop, message)
}

// track mirrors the remote connection state and interfaces onto the local
// device record.
func (p *proxy) track(prop *property.Property) {
	switch prop.Name {
	case driver.ConnectionProperty:
		p.device.SetConnected(prop.IsOn(driver.ConnectedItem))
	case driver.InfoProperty:
		if item := prop.Item(driver.InfoDeviceInterface); item != nil && item.Text() != nil {
			if v, err := strconv.ParseUint(item.Text().Value, 10, 32); err == nil {
				p.device.SetInterfaces(bus.Interface(v))
			}
		}
	}
}

// merge applies the values of a remote update to the cached definition. The
// server is authoritative, so switches are copied as they are.
func merge(dst, src *property.Property) {
	dst.State = src.State
	for i := range src.Items {
		item := dst.Item(src.Items[i].Name)
		if item == nil {
			continue
		}
		switch v := src.Items[i].Value.(type) {
		case *property.TextValue:
			if t := item.Text(); t != nil {
				t.Value = v.Value
			}
		case *property.NumberValue:
			if n := item.Number(); n != nil {
				n.Value, n.Target = v.Value, v.Target
			}
		case *property.SwitchValue:
			if s := item.Switch(); s != nil {
				s.On = v.On
			}
		case *property.LightValue:
			if l := item.Light(); l != nil {
				l.State = v.State
			}
		case *property.BlobValue:
			if b := item.Blob(); b != nil {
				*b = *v
			}
		}
	}
}
