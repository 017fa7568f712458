// Package property implements the typed property model shared by devices,
// clients and the wire protocol.
package property

import (
	"errors"
	"fmt"
	"sort"

	"skybus/pkg/errcode"
)

// MaxItems is the largest number of items a single property may hold.
const MaxItems = 256

var (
	ErrTooManyElements = errcode.TooManyElements
	ErrEmptyBlob       = errcode.EmptyBlob
	ErrTypeMismatch    = errors.New("property type mismatch")
)

// Property is a named, typed, ordered collection of items belonging to one device.
type Property struct {
	Device  string
	Name    string
	Group   string
	Label   string
	Hints   string
	State   State
	Type    Type
	Perm    Perm
	Rule    Rule
	Version Version
	Hidden  bool
	Items   []Item
}

func newProperty(t Type, device, name, group, label string, state State, perm Perm, count int) (*Property, error) {
	if count < 0 || count > MaxItems {
		return nil, fmt.Errorf("property %s.%s: %w: %d items", device, name, ErrTooManyElements, count)
	}
	p := &Property{
		Device:  device,
		Name:    name,
		Group:   group,
		Label:   label,
		State:   state,
		Type:    t,
		Perm:    perm,
		Version: VersionCurrent,
		Items:   make([]Item, count),
	}
	for i := range p.Items {
		p.Items[i].Value = newValue(t)
	}
	return p, nil
}

func NewText(device, name, group, label string, state State, perm Perm, count int) (*Property, error) {
	return newProperty(Text, device, name, group, label, state, perm, count)
}

func NewNumber(device, name, group, label string, state State, perm Perm, count int) (*Property, error) {
	return newProperty(Number, device, name, group, label, state, perm, count)
}

func NewSwitch(device, name, group, label string, state State, perm Perm, rule Rule, count int) (*Property, error) {
	p, err := newProperty(Switch, device, name, group, label, state, perm, count)
	if err != nil {
		return nil, err
	}
	p.Rule = rule
	return p, nil
}

// NewLight creates a light property. Lights are always read only.
func NewLight(device, name, group, label string, state State, count int) (*Property, error) {
	return newProperty(Light, device, name, group, label, state, ReadOnly, count)
}

// NewBlob creates a BLOB property. BLOBs are always read only.
func NewBlob(device, name, group, label string, state State, count int) (*Property, error) {
	return newProperty(Blob, device, name, group, label, state, ReadOnly, count)
}

// NewRequest creates a bare property of type t addressed to device/name,
// as used for change requests and filters.
func NewRequest(device, name string, t Type, count int) (*Property, error) {
	p, err := newProperty(t, device, name, "", "", Idle, ReadWrite, count)
	if err != nil {
		return nil, err
	}
	if t == AnyType {
		p.Items = nil
	}
	return p, nil
}

// Must panics if err is non-nil. It is meant for properties with constant
// item counts built while a driver attaches.
func Must(p *Property, err error) *Property {
	if err != nil {
		panic(err)
	}
	return p
}

// Resize changes the number of items. Values of retained items are kept,
// new items are zero initialized and dropped BLOB items release their content.
func (p *Property) Resize(count int) error {
	if count < 0 || count > MaxItems {
		return fmt.Errorf("property %s.%s: %w: %d items", p.Device, p.Name, ErrTooManyElements, count)
	}
	if count <= len(p.Items) {
		for i := count; i < len(p.Items); i++ {
			if b := p.Items[i].Blob(); b != nil {
				b.Content = nil
			}
			p.Items[i] = Item{}
		}
		p.Items = p.Items[:count]
		return nil
	}
	items := make([]Item, count)
	n := copy(items, p.Items)
	for i := n; i < count; i++ {
		items[i].Value = newValue(p.Type)
	}
	p.Items = items
	return nil
}

// Release drops any BLOB content held by the property.
func (p *Property) Release() {
	for i := range p.Items {
		if b := p.Items[i].Blob(); b != nil {
			b.Content = nil
			b.Size = 0
		}
	}
}

// Match reports whether the request or filter other addresses p. Empty device
// or name fields and AnyType act as wildcards; a nil filter matches everything.
func (p *Property) Match(other *Property) bool {
	if other == nil {
		return true
	}
	if other.Type != AnyType && other.Type != p.Type {
		return false
	}
	if other.Device != "" && other.Device != p.Device {
		return false
	}
	return other.Name == "" || other.Name == p.Name
}

// Item returns the item called name, or nil.
func (p *Property) Item(name string) *Item {
	for i := range p.Items {
		if p.Items[i].Name == name {
			return &p.Items[i]
		}
	}
	return nil
}

// IsOn reports whether the switch item called name is selected.
func (p *Property) IsOn(name string) bool {
	if item := p.Item(name); item != nil {
		if sw := item.Switch(); sw != nil {
			return sw.On
		}
	}
	return false
}

// SelectedSwitch returns the first selected switch item, or nil.
func (p *Property) SelectedSwitch() *Item {
	for i := range p.Items {
		if sw := p.Items[i].Switch(); sw != nil && sw.On {
			return &p.Items[i]
		}
	}
	return nil
}

// SetSwitch selects or deselects item honoring the property rule. Deselecting
// the only selected item of a OneOfMany property is ignored.
func (p *Property) SetSwitch(item *Item, on bool) {
	sw := item.Switch()
	if sw == nil {
		return
	}
	if !on {
		if p.Rule == OneOfMany {
			return
		}
		sw.On = false
		return
	}
	if p.Rule != AnyOfMany {
		for i := range p.Items {
			if other := p.Items[i].Switch(); other != nil {
				other.On = false
			}
		}
	}
	sw.On = true
}

// SetSwitchByName is SetSwitch addressed by item name.
func (p *Property) SetSwitchByName(name string, on bool) bool {
	item := p.Item(name)
	if item == nil {
		return false
	}
	p.SetSwitch(item, on)
	return true
}

// SetBlob replaces the content of a BLOB item.
func (p *Property) SetBlob(item *Item, content []byte, format string) error {
	b := item.Blob()
	if b == nil {
		return fmt.Errorf("item %s of %s.%s is not a BLOB", item.Name, p.Device, p.Name)
	}
	if len(content) == 0 {
		return fmt.Errorf("item %s of %s.%s: %w", item.Name, p.Device, p.Name, ErrEmptyBlob)
	}
	b.Content = content
	b.Size = len(content)
	b.Format = format
	return nil
}

// CopyValues merges the item values of src into p by item name. State is
// copied only if withState is set. Switch items are applied through SetSwitch
// so the rule of p always holds afterwards. A src of another type, other than
// AnyType, is rejected with ErrTypeMismatch.
func (p *Property) CopyValues(src *Property, withState bool) error {
	return p.copyFrom(src, withState, false)
}

// CopyTargets is CopyValues except that number values of src become the
// targets of p, leaving current values untouched.
func (p *Property) CopyTargets(src *Property, withState bool) error {
	return p.copyFrom(src, withState, true)
}

func (p *Property) copyFrom(src *Property, withState, targets bool) error {
	if src.Type != AnyType && src.Type != p.Type {
		return fmt.Errorf("%s.%s is %s, got %s: %w", p.Device, p.Name, p.Type, src.Type, ErrTypeMismatch)
	}
	if p.Type == Blob {
		for i := range src.Items {
			if b := src.Items[i].Blob(); b != nil && len(b.Content) == 0 && b.URL == "" {
				return fmt.Errorf("item %s of %s.%s: %w", src.Items[i].Name, p.Device, p.Name, ErrEmptyBlob)
			}
		}
	}
	if withState {
		p.State = src.State
	}
	if p.Type == Switch {
		p.copySwitches(src)
		return nil
	}
	for i := range src.Items {
		dst := p.Item(src.Items[i].Name)
		if dst == nil {
			continue
		}
		switch v := src.Items[i].Value.(type) {
		case *TextValue:
			if t := dst.Text(); t != nil {
				t.Value = v.Value
			}
		case *NumberValue:
			if n := dst.Number(); n != nil {
				if targets {
					n.Target = v.Value
				} else {
					n.Value = v.Value
					n.Target = v.Value
				}
			}
		case *LightValue:
			if l := dst.Light(); l != nil {
				l.State = v.State
			}
		case *BlobValue:
			if b := dst.Blob(); b != nil {
				b.Content = v.Content
				b.Size = v.Size
				if b.Size == 0 {
					b.Size = len(v.Content)
				}
				b.Format = v.Format
				b.URL = v.URL
			}
		}
	}
	return nil
}

func (p *Property) copySwitches(src *Property) {
	if p.Rule == AnyOfMany {
		for i := range src.Items {
			if dst := p.Item(src.Items[i].Name); dst != nil {
				if sw, in := dst.Switch(), src.Items[i].Switch(); sw != nil && in != nil {
					sw.On = in.On
				}
			}
		}
		return
	}
	// Selections first so that an accompanying deselection of the previous
	// choice never leaves a OneOfMany property empty.
	for i := range src.Items {
		if in := src.Items[i].Switch(); in != nil && in.On {
			if dst := p.Item(src.Items[i].Name); dst != nil {
				p.SetSwitch(dst, true)
			}
		}
	}
	for i := range src.Items {
		if in := src.Items[i].Switch(); in != nil && !in.On {
			if dst := p.Item(src.Items[i].Name); dst != nil {
				p.SetSwitch(dst, false)
			}
		}
	}
}

// Clone returns a deep copy of p. BLOB content is shared, not copied.
func (p *Property) Clone() *Property {
	c := *p
	c.Items = make([]Item, len(p.Items))
	for i, item := range p.Items {
		c.Items[i] = item
		if item.Value != nil {
			c.Items[i].Value = item.Value.clone()
		}
	}
	return &c
}

// SortItems orders items by label.
func (p *Property) SortItems() {
	sort.SliceStable(p.Items, func(i, j int) bool {
		return p.Items[i].Label < p.Items[j].Label
	})
}

func (p *Property) String() string {
	return fmt.Sprintf("%s.%s", p.Device, p.Name)
}
