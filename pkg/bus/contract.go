package bus

import (
	"strings"

	"skybus/pkg/property"
)

// Driver is the contract every device implementation satisfies. The bus calls
// it from the goroutine of the client request that caused the call; drivers
// must not block past issuing an operation and should complete long running
// work from timer callbacks.
type Driver interface {
	// Attach allocates driver state and builds the initial property set.
	// An error means the device is never registered.
	Attach(d *Device) error
	// EnumerateProperties defines every visible property matching filter to
	// c, or to every client when c is nil.
	EnumerateProperties(c Client, filter *property.Property) error
	// ChangeProperty validates and applies a client request.
	ChangeProperty(c Client, req *property.Property) error
	// EnableBlob is told how c wants BLOBs matching filter delivered.
	EnableBlob(c Client, filter *property.Property, mode property.BlobMode) error
	// Detach disconnects if needed and deletes every property.
	Detach() error
}

// ClientInfo describes an attached client.
type ClientInfo struct {
	Name    string
	Remote  bool
	Version property.Version
}

// Client receives property lifecycle events. Calls for one client are made
// sequentially from a goroutine owned by the bus, so implementations never
// see concurrent callbacks but must not block for long either.
type Client interface {
	Info() ClientInfo
	Attach(b *Bus) error
	DefineProperty(d *Device, p *property.Property, message string) error
	UpdateProperty(d *Device, p *property.Property, message string) error
	DeleteProperty(d *Device, p *property.Property, message string) error
	SendMessage(d *Device, message string) error
	Detach() error
}

// DeviceFilter is implemented by clients that only subscribe to some devices.
type DeviceFilter interface {
	AcceptDevice(name string) bool
}

// Interface is the capability bitmask of a device.
type Interface uint32

const (
	Mount Interface = 1 << iota
	CCD
	Guider
	Focuser
	Wheel
	Dome
	GPS
	Weather
	AO
	Rotator
	Aux
	AuxJoystick
	AuxShutter
	AuxPowerbox
	AuxSQM
	AuxDustcap
	AuxLightbox
)

var interfaceNames = []string{
	"Mount", "CCD", "Guider", "Focuser", "Wheel", "Dome", "GPS", "Weather", "AO",
	"Rotator", "Aux", "Joystick", "Shutter", "Powerbox", "SQM", "Dustcap", "Lightbox",
}

// Has reports whether every bit of o is set in i.
func (i Interface) Has(o Interface) bool {
	return i&o == o
}

func (i Interface) String() string {
	var names []string
	for bit, name := range interfaceNames {
		if i&(1<<bit) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}
