package wire

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"skybus/pkg/property"
)

type xmlItem struct {
	XMLName xml.Name
	Name    string `xml:"name,attr"`
	Label   string `xml:"label,attr"`
	Hints   string `xml:"hints,attr"`
	Format  string `xml:"format,attr"`
	Min     string `xml:"min,attr"`
	Max     string `xml:"max,attr"`
	Step    string `xml:"step,attr"`
	Target  string `xml:"target,attr"`
	Size    string `xml:"size,attr"`
	URL     string `xml:"url,attr"`
	Value   string `xml:",chardata"`
}

type xmlElement struct {
	XMLName xml.Name
	Device  string    `xml:"device,attr"`
	Name    string    `xml:"name,attr"`
	Label   string    `xml:"label,attr"`
	Group   string    `xml:"group,attr"`
	Hints   string    `xml:"hints,attr"`
	State   string    `xml:"state,attr"`
	Perm    string    `xml:"perm,attr"`
	Rule    string    `xml:"rule,attr"`
	Message string    `xml:"message,attr"`
	Version string    `xml:"version,attr"`
	Items   []xmlItem `xml:",any"`
	Body    string    `xml:",chardata"`
}

// readAhead is how far past the current document the XML decoder may read.
const readAhead = 4096

// limitReader fails once the total bytes read reach max.
type limitReader struct {
	r   io.Reader
	n   int64
	max int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n >= l.max {
		return 0, ErrMessageTooLarge
	}
	if rest := l.max - l.n; int64(len(p)) > rest {
		p = p[:rest]
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	return n, err
}

// Decoder reads documents from a stream.
type Decoder struct {
	limit   *limitReader
	dec     *xml.Decoder
	maxSize int64
}

func NewDecoder(r io.Reader) *Decoder {
	limit := &limitReader{r: r, max: MaxDocumentSize + readAhead}
	return &Decoder{limit: limit, dec: xml.NewDecoder(limit), maxSize: MaxDocumentSize}
}

// SetMaxDocumentSize changes the largest accepted document, in bytes.
func (d *Decoder) SetMaxDocumentSize(n int64) {
	d.maxSize = n
	d.limit.max = d.dec.InputOffset() + n + readAhead
}

// Decode returns the next document. Unknown top level elements are skipped.
// It returns io.EOF at the end of the stream and ErrMessageTooLarge for a
// document longer than the maximum size.
func (d *Decoder) Decode() (*Msg, error) {
	for {
		begin := d.dec.InputOffset()
		tok, err := d.dec.Token()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		// Reads stop a little past the bound; the offset check below is exact.
		d.limit.max = begin + d.maxSize + readAhead

		var el xmlElement
		if err := d.dec.DecodeElement(&el, &start); err != nil {
			return nil, err
		}
		end := d.dec.InputOffset()
		if end-begin > d.maxSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, end-begin)
		}
		d.limit.max = end + d.maxSize + readAhead

		m, err := convert(&el)
		if errors.Is(err, ErrUnknownElement) {
			continue
		}
		return m, err
	}
}

// Unmarshal decodes a single document.
func Unmarshal(data []byte) (*Msg, error) {
	return NewDecoder(strings.NewReader(string(data))).Decode()
}

func convert(el *xmlElement) (*Msg, error) {
	switch el.XMLName.Local {
	case "getProperties":
		return &Msg{Kind: GetProperties, Device: el.Device, Name: el.Name, Version: property.ParseVersion(el.Version)}, nil
	case "delProperty":
		return &Msg{Kind: Delete, Device: el.Device, Name: el.Name, Text: el.Message}, nil
	case "message":
		text := el.Message
		if text == "" {
			text = strings.TrimSpace(el.Body)
		}
		return &Msg{Kind: Message, Device: el.Device, Text: text}, nil
	case "enableBLOB":
		mode, err := property.ParseBlobMode(strings.TrimSpace(el.Body))
		if err != nil {
			return nil, err
		}
		return &Msg{Kind: EnableBlob, Device: el.Device, Name: el.Name, Mode: mode}, nil
	}

	kind, typ, ok := parseVectorElement(el.XMLName.Local)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, el.XMLName.Local)
	}
	if el.Device == "" || el.Name == "" {
		return nil, fmt.Errorf("%s without device or name", el.XMLName.Local)
	}
	p, err := convertVector(kind, typ, el)
	if err != nil {
		return nil, fmt.Errorf("%s %s.%s: %w", el.XMLName.Local, el.Device, el.Name, err)
	}
	return &Msg{Kind: kind, Property: p, Text: el.Message}, nil
}

func convertVector(kind Kind, typ property.Type, el *xmlElement) (*property.Property, error) {
	p, err := property.NewRequest(el.Device, el.Name, typ, len(el.Items))
	if err != nil {
		return nil, err
	}
	p.Group = el.Group
	p.Label = el.Label
	p.Hints = el.Hints
	if typ == property.Light {
		p.Perm = property.ReadOnly
	} else if el.Perm != "" {
		if p.Perm, err = property.ParsePerm(el.Perm); err != nil {
			return nil, err
		}
	}
	if el.State != "" {
		if p.State, err = property.ParseState(el.State); err != nil {
			return nil, err
		}
	}
	if typ == property.Switch && el.Rule != "" {
		if p.Rule, err = property.ParseRule(el.Rule); err != nil {
			return nil, err
		}
	}

	for i := range el.Items {
		if err := convertItem(&p.Items[i], typ, &el.Items[i]); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func convertItem(it *property.Item, typ property.Type, x *xmlItem) error {
	if x.Name == "" {
		return fmt.Errorf("%s without name", x.XMLName.Local)
	}
	it.Name = x.Name
	it.Label = x.Label
	it.Hints = x.Hints
	body := strings.TrimSpace(x.Value)

	switch typ {
	case property.Text:
		it.Text().Value = x.Value

	case property.Number:
		n := it.Number()
		v, err := property.ParseNumber(body)
		if err != nil {
			return fmt.Errorf("item %s: %w", x.Name, err)
		}
		n.Value, n.Target = v, v
		if x.Target != "" {
			if n.Target, err = property.ParseNumber(x.Target); err != nil {
				return fmt.Errorf("item %s target: %w", x.Name, err)
			}
		}
		if x.Format != "" {
			n.Format = x.Format
		}
		if n.Min, err = parseFloat(x.Min); err != nil {
			return fmt.Errorf("item %s min: %w", x.Name, err)
		}
		if n.Max, err = parseFloat(x.Max); err != nil {
			return fmt.Errorf("item %s max: %w", x.Name, err)
		}
		if n.Step, err = parseFloat(x.Step); err != nil {
			return fmt.Errorf("item %s step: %w", x.Name, err)
		}

	case property.Switch:
		switch body {
		case "On":
			it.Switch().On = true
		case "Off":
			it.Switch().On = false
		default:
			return fmt.Errorf("item %s: invalid switch value %q", x.Name, body)
		}

	case property.Light:
		state, err := property.ParseState(body)
		if err != nil {
			return fmt.Errorf("item %s: %w", x.Name, err)
		}
		it.Light().State = state

	case property.Blob:
		b := it.Blob()
		b.Format = x.Format
		b.URL = x.URL
		if x.Size != "" {
			size, err := strconv.Atoi(x.Size)
			if err != nil {
				return fmt.Errorf("item %s size: %w", x.Name, err)
			}
			b.Size = size
		}
		if body != "" {
			content, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(body), ""))
			if err != nil {
				return fmt.Errorf("item %s: %w", x.Name, err)
			}
			b.Content = content
		}
	}
	return nil
}
