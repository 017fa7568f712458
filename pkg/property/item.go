package property

// Value is the payload of an item. Its concrete type always matches the Type
// of the property that owns the item.
type Value interface {
	Type() Type
	clone() Value
}

type TextValue struct {
	Value string
}

type NumberValue struct {
	Value  float64
	Target float64
	Min    float64
	Max    float64
	Step   float64
	Format string
}

type SwitchValue struct {
	On bool
}

type LightValue struct {
	State State
}

// BlobValue holds a binary payload. Content is owned by the producing device
// and must not be modified after it has been emitted; replace it instead.
type BlobValue struct {
	Content []byte
	Size    int
	Format  string
	URL     string
}

func (*TextValue) Type() Type   { return Text }
func (*NumberValue) Type() Type { return Number }
func (*SwitchValue) Type() Type { return Switch }
func (*LightValue) Type() Type  { return Light }
func (*BlobValue) Type() Type   { return Blob }

func (v *TextValue) clone() Value {
	c := *v
	return &c
}

func (v *NumberValue) clone() Value {
	c := *v
	return &c
}

func (v *SwitchValue) clone() Value {
	c := *v
	return &c
}

func (v *LightValue) clone() Value {
	c := *v
	return &c
}

func (v *BlobValue) clone() Value {
	c := *v
	return &c
}

func newValue(t Type) Value {
	switch t {
	case Text:
		return &TextValue{}
	case Number:
		return &NumberValue{Format: "%g"}
	case Switch:
		return &SwitchValue{}
	case Light:
		return &LightValue{}
	case Blob:
		return &BlobValue{}
	}
	return nil
}

// Item is a single named value within a property.
type Item struct {
	Name  string
	Label string
	Hints string
	Value Value
}

// Text returns the text payload, or nil if the item is not a text item.
func (i *Item) Text() *TextValue {
	v, _ := i.Value.(*TextValue)
	return v
}

// Number returns the number payload, or nil if the item is not a number item.
func (i *Item) Number() *NumberValue {
	v, _ := i.Value.(*NumberValue)
	return v
}

// Switch returns the switch payload, or nil if the item is not a switch item.
func (i *Item) Switch() *SwitchValue {
	v, _ := i.Value.(*SwitchValue)
	return v
}

// Light returns the light payload, or nil if the item is not a light item.
func (i *Item) Light() *LightValue {
	v, _ := i.Value.(*LightValue)
	return v
}

// Blob returns the BLOB payload, or nil if the item is not a BLOB item.
func (i *Item) Blob() *BlobValue {
	v, _ := i.Value.(*BlobValue)
	return v
}

func (i *Item) InitText(name, label, value string) {
	i.Name, i.Label = name, label
	i.Value = &TextValue{Value: value}
}

func (i *Item) InitNumber(name, label string, min, max, step, value float64) {
	i.Name, i.Label = name, label
	i.Value = &NumberValue{Value: value, Target: value, Min: min, Max: max, Step: step, Format: "%g"}
}

func (i *Item) InitSwitch(name, label string, on bool) {
	i.Name, i.Label = name, label
	i.Value = &SwitchValue{On: on}
}

func (i *Item) InitLight(name, label string, state State) {
	i.Name, i.Label = name, label
	i.Value = &LightValue{State: state}
}

func (i *Item) InitBlob(name, label string) {
	i.Name, i.Label = name, label
	i.Value = &BlobValue{}
}
