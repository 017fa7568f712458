package property

import "fmt"

// State is the state of a property as a whole.
type State int

const (
	Idle State = iota
	Ok
	Busy
	Alert
)

var stateNames = [...]string{"Idle", "Ok", "Busy", "Alert"}

func (s State) String() string {
	if s < Idle || s > Alert {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses the wire form of a state.
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}
	return Idle, fmt.Errorf("invalid state %q", s)
}

// Type is the kind of item a property holds. The zero value is a wildcard
// that matches any type in request filters.
type Type int

const (
	AnyType Type = iota
	Text
	Number
	Switch
	Light
	Blob
)

func (t Type) String() string {
	switch t {
	case Text:
		return "Text"
	case Number:
		return "Number"
	case Switch:
		return "Switch"
	case Light:
		return "Light"
	case Blob:
		return "BLOB"
	}
	return "Any"
}

// Perm is the access permission clients have on a property.
type Perm int

const (
	ReadOnly Perm = iota
	ReadWrite
	WriteOnly
)

func (p Perm) String() string {
	switch p {
	case ReadWrite:
		return "rw"
	case WriteOnly:
		return "wo"
	}
	return "ro"
}

// ParsePerm parses the wire form of a permission.
func ParsePerm(s string) (Perm, error) {
	switch s {
	case "ro":
		return ReadOnly, nil
	case "rw":
		return ReadWrite, nil
	case "wo":
		return WriteOnly, nil
	}
	return ReadOnly, fmt.Errorf("invalid perm %q", s)
}

// Rule constrains the selection of items in a switch property.
type Rule int

const (
	OneOfMany Rule = iota
	AtMostOne
	AnyOfMany
)

func (r Rule) String() string {
	switch r {
	case AtMostOne:
		return "AtMostOne"
	case AnyOfMany:
		return "AnyOfMany"
	}
	return "OneOfMany"
}

// ParseRule parses the wire form of a switch rule.
func ParseRule(s string) (Rule, error) {
	switch s {
	case "OneOfMany":
		return OneOfMany, nil
	case "AtMostOne":
		return AtMostOne, nil
	case "AnyOfMany":
		return AnyOfMany, nil
	}
	return OneOfMany, fmt.Errorf("invalid rule %q", s)
}

// Version is a protocol version spoken by a device or client.
type Version int

const (
	VersionNone Version = iota
	VersionLegacy
	Version2
	VersionCurrent = Version2
)

func (v Version) String() string {
	switch v {
	case VersionLegacy:
		return "1.7"
	case Version2:
		return "2.0"
	}
	return ""
}

// ParseVersion parses a version attribute. Unknown values map to VersionLegacy.
func ParseVersion(s string) Version {
	switch s {
	case "":
		return VersionNone
	case "2.0":
		return Version2
	}
	return VersionLegacy
}

// BlobMode selects how BLOB items are delivered to a client.
type BlobMode int

const (
	BlobAlso BlobMode = iota
	BlobNever
	BlobURL
)

func (m BlobMode) String() string {
	switch m {
	case BlobNever:
		return "Never"
	case BlobURL:
		return "URL"
	}
	return "Also"
}

// ParseBlobMode parses the wire form of a BLOB mode.
func ParseBlobMode(s string) (BlobMode, error) {
	switch s {
	case "Also", "Only":
		return BlobAlso, nil
	case "Never":
		return BlobNever, nil
	case "URL", "Url":
		return BlobURL, nil
	}
	return BlobAlso, fmt.Errorf("invalid blob mode %q", s)
}
