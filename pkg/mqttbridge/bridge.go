// Package mqttbridge mirrors the property space of the bus onto MQTT. Every
// visible property is published as a retained JSON document under
// <root>/<device>/<property>; documents published to .../set become change
// requests.
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"skybus/pkg/bus"
	"skybus/pkg/property"
)

// State is the JSON document published for a property.
type State struct {
	Device  string         `json:"device"`
	Name    string         `json:"name"`
	Type    string         `json:"type"`
	State   string         `json:"state"`
	Message string         `json:"message,omitempty"`
	Items   map[string]any `json:"items"`
}

type blobInfo struct {
	Size   int    `json:"size"`
	Format string `json:"format,omitempty"`
	URL    string `json:"url,omitempty"`
}

type propKey struct {
	device string
	name   string
}

// Bridge is a bus client publishing to MQTT.
type Bridge struct {
	pub    Publisher
	root   string
	qos    byte
	id     string
	logger log.Ext1FieldLogger

	mu     sync.Mutex
	bus    *bus.Bus
	props  map[propKey]*property.Property
	topics map[string]propKey
}

func New(pub Publisher, root string, qos byte, logger log.Ext1FieldLogger) *Bridge {
	if logger == nil {
		logger = log.WithField("component", "mqtt")
	}
	return &Bridge{
		pub:    pub,
		root:   strings.TrimSuffix(root, "/"),
		qos:    qos,
		id:     uuid.NewString(),
		logger: logger,
		props:  make(map[propKey]*property.Property),
		topics: make(map[string]propKey),
	}
}

func statusTopic(root string) string {
	return strings.TrimSuffix(root, "/") + "/status"
}

// topicSegment makes a name safe for use as one topic level.
func topicSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, s)
}

func (b *Bridge) topic(device, name string) string {
	return b.root + "/" + topicSegment(device) + "/" + topicSegment(name)
}

func (b *Bridge) Info() bus.ClientInfo {
	return bus.ClientInfo{Name: "mqtt-" + b.id[:8], Version: property.VersionCurrent}
}

// Attach subscribes to change requests and enumerates the bus.
func (b *Bridge) Attach(bs *bus.Bus) error {
	b.mu.Lock()
	b.bus = bs
	b.mu.Unlock()

	if err := b.pub.Subscribe(b.root+"/+/+/set", b.qos, b.handleSet); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := b.pub.Publish(statusTopic(b.root), b.qos, true, []byte("online")); err != nil {
		b.logger.Errorf("Error publishing status: %v", err)
	}
	return bs.EnumerateProperties(b, nil)
}

func (b *Bridge) Detach() error {
	if err := b.pub.Publish(statusTopic(b.root), b.qos, true, []byte("offline")); err != nil {
		b.logger.Errorf("Error publishing status: %v", err)
	}
	b.pub.Close()
	return nil
}

func (b *Bridge) DefineProperty(d *bus.Device, p *property.Property, message string) error {
	return b.publish(p, message)
}

func (b *Bridge) UpdateProperty(d *bus.Device, p *property.Property, message string) error {
	return b.publish(p, message)
}

// DeleteProperty clears the retained document.
func (b *Bridge) DeleteProperty(d *bus.Device, p *property.Property, message string) error {
	topic := b.topic(p.Device, p.Name)
	b.mu.Lock()
	delete(b.props, propKey{p.Device, p.Name})
	delete(b.topics, topic)
	b.mu.Unlock()
	return b.pub.Publish(topic, b.qos, true, nil)
}

func (b *Bridge) SendMessage(d *bus.Device, message string) error {
	return b.pub.Publish(b.root+"/"+topicSegment(d.Name())+"/message", b.qos, false, []byte(message))
}

func (b *Bridge) publish(p *property.Property, message string) error {
	topic := b.topic(p.Device, p.Name)
	b.mu.Lock()
	b.props[propKey{p.Device, p.Name}] = p
	b.topics[topic] = propKey{p.Device, p.Name}
	b.mu.Unlock()

	payload, err := json.Marshal(stateOf(p, message))
	if err != nil {
		return err
	}
	return b.pub.Publish(topic, b.qos, true, payload)
}

func stateOf(p *property.Property, message string) State {
	s := State{
		Device:  p.Device,
		Name:    p.Name,
		Type:    p.Type.String(),
		State:   p.State.String(),
		Message: message,
		Items:   make(map[string]any, len(p.Items)),
	}
	for i := range p.Items {
		it := &p.Items[i]
		switch v := it.Value.(type) {
		case *property.TextValue:
			s.Items[it.Name] = v.Value
		case *property.NumberValue:
			s.Items[it.Name] = v.Value
		case *property.SwitchValue:
			s.Items[it.Name] = v.On
		case *property.LightValue:
			s.Items[it.Name] = v.State.String()
		case *property.BlobValue:
			s.Items[it.Name] = blobInfo{Size: v.Size, Format: v.Format, URL: v.URL}
		}
	}
	return s
}

// handleSet turns a {"ITEM": value} document into a change request.
func (b *Bridge) handleSet(topic string, payload []byte) {
	key, ok := b.lookup(strings.TrimSuffix(topic, "/set"))
	if !ok {
		b.logger.Debugf("Ignoring request for unknown topic %s", topic)
		return
	}

	req, err := b.request(key, payload)
	if err != nil {
		b.logger.Warnf("Invalid request on %s: %v", topic, err)
		return
	}

	b.mu.Lock()
	bs := b.bus
	b.mu.Unlock()
	if err := bs.ChangeProperty(b, req); err != nil {
		b.logger.Warnf("Request for %s.%s failed: %v", key.device, key.name, err)
	}
}

func (b *Bridge) lookup(topic string) (propKey, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.topics[topic]
	return key, ok
}

func (b *Bridge) request(key propKey, payload []byte) (*property.Property, error) {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, err
	}

	b.mu.Lock()
	p, ok := b.props[key]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s.%s is gone", key.device, key.name)
	}

	req, err := property.NewRequest(key.device, key.name, p.Type, 0)
	if err != nil {
		return nil, err
	}
	for name, raw := range values {
		if p.Item(name) == nil {
			return nil, fmt.Errorf("no item %s", name)
		}
		var item property.Item
		switch p.Type {
		case property.Text:
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("item %s: %w", name, err)
			}
			item.InitText(name, "", v)
		case property.Number:
			var v float64
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("item %s: %w", name, err)
			}
			item.InitNumber(name, "", 0, 0, 0, v)
		case property.Switch:
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("item %s: %w", name, err)
			}
			item.InitSwitch(name, "", v)
		default:
			return nil, fmt.Errorf("%s properties cannot be changed over MQTT", p.Type)
		}
		req.Items = append(req.Items, item)
	}
	return req, nil
}
