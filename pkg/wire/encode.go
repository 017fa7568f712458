package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"sync"

	"skybus/pkg/property"
)

// Encoder writes documents to a stream. It is safe for concurrent use; each
// document reaches the writer in a single Write call.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	version property.Version
	buf     bytes.Buffer
}

// NewEncoder creates an encoder for a peer speaking version. Legacy peers
// receive no number target attributes.
func NewEncoder(w io.Writer, version property.Version) *Encoder {
	return &Encoder{w: w, version: version}
}

// SetVersion changes the peer version, typically after its getProperties.
func (e *Encoder) SetVersion(v property.Version) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.version = v
}

func (e *Encoder) Encode(m *Msg) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf.Reset()
	enc := xml.NewEncoder(&e.buf)
	if err := e.encode(enc, m); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	e.buf.WriteByte('\n')
	_, err := e.w.Write(e.buf.Bytes())
	return err
}

// Marshal returns the encoding of m for a peer speaking version.
func Marshal(m *Msg, version property.Version) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf, version).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

// appendAttr adds name=value when value is not empty.
func appendAttr(attrs []xml.Attr, name, value string) []xml.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, attr(name, value))
}

func simple(enc *xml.Encoder, name string, attrs []xml.Attr, body string) error {
	start := xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if body != "" {
		if err := enc.EncodeToken(xml.CharData(body)); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (e *Encoder) encode(enc *xml.Encoder, m *Msg) error {
	switch m.Kind {
	case GetProperties:
		var attrs []xml.Attr
		attrs = appendAttr(attrs, "version", m.Version.String())
		attrs = appendAttr(attrs, "device", m.Device)
		attrs = appendAttr(attrs, "name", m.Name)
		return simple(enc, "getProperties", attrs, "")

	case Delete:
		var attrs []xml.Attr
		attrs = appendAttr(attrs, "device", m.Device)
		attrs = appendAttr(attrs, "name", m.Name)
		attrs = appendAttr(attrs, "message", m.Text)
		return simple(enc, "delProperty", attrs, "")

	case Message:
		var attrs []xml.Attr
		attrs = appendAttr(attrs, "device", m.Device)
		attrs = appendAttr(attrs, "message", m.Text)
		return simple(enc, "message", attrs, "")

	case EnableBlob:
		var attrs []xml.Attr
		attrs = appendAttr(attrs, "device", m.Device)
		attrs = appendAttr(attrs, "name", m.Name)
		return simple(enc, "enableBLOB", attrs, m.Mode.String())

	case Define, Update, New:
		if m.Property == nil {
			return fmt.Errorf("%s without property", m.Kind)
		}
		return e.encodeVector(enc, m)
	}
	return fmt.Errorf("cannot encode %s", m.Kind)
}

func (e *Encoder) encodeVector(enc *xml.Encoder, m *Msg) error {
	p := m.Property
	name, err := vectorElement(m.Kind, p.Type)
	if err != nil {
		return err
	}

	attrs := []xml.Attr{attr("device", p.Device), attr("name", p.Name)}
	if m.Kind != New {
		attrs = append(attrs, attr("state", p.State.String()))
	}
	if m.Kind == Define {
		attrs = appendAttr(attrs, "group", p.Group)
		attrs = appendAttr(attrs, "label", p.Label)
		attrs = appendAttr(attrs, "hints", p.Hints)
		if p.Type != property.Light {
			attrs = append(attrs, attr("perm", p.Perm.String()))
		}
		if p.Type == property.Switch {
			attrs = append(attrs, attr("rule", p.Rule.String()))
		}
	}
	attrs = appendAttr(attrs, "message", m.Text)

	start := xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	itemName := itemElement(m.Kind, p.Type)
	for i := range p.Items {
		if err := e.encodeItem(enc, m.Kind, itemName, &p.Items[i]); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func (e *Encoder) encodeItem(enc *xml.Encoder, k Kind, name string, it *property.Item) error {
	attrs := []xml.Attr{attr("name", it.Name)}
	if k == Define {
		attrs = appendAttr(attrs, "label", it.Label)
		attrs = appendAttr(attrs, "hints", it.Hints)
	}

	var body string
	switch v := it.Value.(type) {
	case *property.TextValue:
		body = v.Value
	case *property.NumberValue:
		if k == Define {
			attrs = append(attrs,
				attr("format", v.Format),
				attr("min", formatFloat(v.Min)),
				attr("max", formatFloat(v.Max)),
				attr("step", formatFloat(v.Step)))
		}
		if k != New && e.version >= property.Version2 {
			attrs = append(attrs, attr("target", formatFloat(v.Target)))
		}
		body = formatFloat(v.Value)
	case *property.SwitchValue:
		body = "Off"
		if v.On {
			body = "On"
		}
	case *property.LightValue:
		body = v.State.String()
	case *property.BlobValue:
		if k == Define {
			break
		}
		size := v.Size
		if size == 0 {
			size = len(v.Content)
		}
		attrs = append(attrs, attr("size", strconv.Itoa(size)))
		attrs = appendAttr(attrs, "format", v.Format)
		attrs = appendAttr(attrs, "url", v.URL)
		if len(v.Content) > 0 {
			body = base64.StdEncoding.EncodeToString(v.Content)
		}
	default:
		return fmt.Errorf("item %s has no value", it.Name)
	}
	return simple(enc, name, attrs, body)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
