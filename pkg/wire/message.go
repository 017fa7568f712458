// Package wire encodes the property model as a stream of XML documents.
//
// Each document is one top level element:
//
//	<getProperties version="2.0" device="CCD" name="CCD_EXPOSURE"/>
//	<defNumberVector device="CCD" name="CCD_EXPOSURE" ...><defNumber name="EXPOSURE" ...>1</defNumber></defNumberVector>
//	<setNumberVector device="CCD" name="CCD_EXPOSURE" state="Busy"><oneNumber name="EXPOSURE">0.5</oneNumber></setNumberVector>
//	<newNumberVector device="CCD" name="CCD_EXPOSURE"><oneNumber name="EXPOSURE">2</oneNumber></newNumberVector>
//	<delProperty device="CCD" name="CCD_EXPOSURE"/>
//	<message device="CCD" message="Exposure done"/>
//	<enableBLOB device="CCD" name="CCD_IMAGE">URL</enableBLOB>
package wire

import (
	"errors"
	"fmt"

	"skybus/pkg/property"
)

// MaxDocumentSize bounds a single decoded document.
const MaxDocumentSize = 64 << 20

var (
	ErrMessageTooLarge = errors.New("document too large")
	ErrUnknownElement  = errors.New("unknown element")
)

// Kind is the type of a document.
type Kind int

const (
	GetProperties Kind = iota
	Define
	Update
	New
	Delete
	Message
	EnableBlob
)

func (k Kind) String() string {
	switch k {
	case GetProperties:
		return "getProperties"
	case Define:
		return "define"
	case Update:
		return "update"
	case New:
		return "new"
	case Delete:
		return "delete"
	case Message:
		return "message"
	case EnableBlob:
		return "enableBLOB"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Msg is one decoded or to be encoded document.
type Msg struct {
	Kind Kind

	// Device and Name address getProperties, delProperty, message and
	// enableBLOB documents. Either may be empty as a wildcard.
	Device string
	Name   string

	// Version is the protocol version announced by getProperties.
	Version property.Version

	// Property carries the vector of define, update and new documents.
	Property *property.Property

	// Text is the message attribute, or the body of a message document.
	Text string

	// Mode is the BLOB mode of an enableBLOB document.
	Mode property.BlobMode
}

// Filter returns the request a getProperties, delProperty or enableBLOB
// document addresses, or nil for a full wildcard.
func (m *Msg) Filter() *property.Property {
	if m.Device == "" && m.Name == "" {
		return nil
	}
	return &property.Property{Device: m.Device, Name: m.Name}
}

func (m *Msg) String() string {
	switch {
	case m.Property != nil:
		return m.Kind.String() + " " + m.Property.String()
	case m.Device != "" || m.Name != "":
		return m.Kind.String() + " " + m.Device + "." + m.Name
	}
	return m.Kind.String()
}

func vectorElement(k Kind, t property.Type) (string, error) {
	var prefix string
	switch k {
	case Define:
		prefix = "def"
	case Update:
		prefix = "set"
	case New:
		prefix = "new"
	default:
		return "", fmt.Errorf("%s is not a vector document", k)
	}
	switch t {
	case property.Text, property.Number, property.Switch, property.Light:
		return prefix + t.String() + "Vector", nil
	case property.Blob:
		return prefix + "BLOBVector", nil
	}
	return "", fmt.Errorf("cannot encode property of type %s", t)
}

func itemElement(k Kind, t property.Type) string {
	name := t.String()
	if t == property.Blob {
		name = "BLOB"
	}
	if k == Define {
		return "def" + name
	}
	return "one" + name
}

// parseVectorElement splits "defNumberVector" into Define and Number.
func parseVectorElement(name string) (Kind, property.Type, bool) {
	if len(name) < 9 || name[len(name)-6:] != "Vector" {
		return 0, 0, false
	}
	var k Kind
	switch name[:3] {
	case "def":
		k = Define
	case "set":
		k = Update
	case "new":
		k = New
	default:
		return 0, 0, false
	}
	switch name[3 : len(name)-6] {
	case "Text":
		return k, property.Text, true
	case "Number":
		return k, property.Number, true
	case "Switch":
		return k, property.Switch, true
	case "Light":
		return k, property.Light, true
	case "BLOB":
		return k, property.Blob, true
	}
	return 0, 0, false
}
