// Package dome defines the property set shared by dome drivers.
package dome

import (
	"math"

	"skybus/pkg/property"
)

const (
	Group = "Dome"

	CoordinatesProperty = "DOME_HORIZONTAL_COORDINATES"
	AzimuthItem         = "AZ"

	AbortProperty = "DOME_ABORT_MOTION"
	AbortItem     = "ABORT_MOTION"

	ParkProperty = "DOME_PARK"
	ParkedItem   = "PARKED"
	UnparkedItem = "UNPARKED"

	ParkPositionProperty = "DOME_PARK_POSITION"

	ShutterProperty = "DOME_SHUTTER"
	OpenedItem      = "OPENED"
	ClosedItem      = "CLOSED"

	HomeProperty = "DOME_HOME"
	HomeItem     = "HOME"

	SlavingProperty = "DOME_SLAVING"
	EnabledItem     = "ENABLED"
	DisabledItem    = "DISABLED"
)

// Properties is the dome role property set.
type Properties struct {
	Coordinates  *property.Property
	Abort        *property.Property
	Park         *property.Property
	ParkPosition *property.Property
	Shutter      *property.Property
	Home         *property.Property
	Slaving      *property.Property
}

// NewProperties builds the dome properties of device. The dome starts parked
// at parkAz with the shutter closed.
func NewProperties(device string, parkAz float64) *Properties {
	p := &Properties{}

	p.Coordinates = property.Must(property.NewNumber(device, CoordinatesProperty, Group, "Horizontal coordinates", property.Ok, property.ReadWrite, 1))
	p.Coordinates.Items[0].InitNumber(AzimuthItem, "Azimuth (0 to 360°)", 0, 360, 0.1, parkAz)
	p.Coordinates.Items[0].Number().Format = "%10.6m"

	p.Abort = property.Must(property.NewSwitch(device, AbortProperty, Group, "Abort motion", property.Ok, property.ReadWrite, property.AtMostOne, 1))
	p.Abort.Items[0].InitSwitch(AbortItem, "Abort motion", false)

	p.Park = property.Must(property.NewSwitch(device, ParkProperty, Group, "Park", property.Ok, property.ReadWrite, property.OneOfMany, 2))
	p.Park.Items[0].InitSwitch(ParkedItem, "Parked", true)
	p.Park.Items[1].InitSwitch(UnparkedItem, "Unparked", false)

	p.ParkPosition = property.Must(property.NewNumber(device, ParkPositionProperty, Group, "Park position", property.Ok, property.ReadWrite, 1))
	p.ParkPosition.Items[0].InitNumber(AzimuthItem, "Azimuth (0 to 360°)", 0, 360, 0.1, parkAz)
	p.ParkPosition.Items[0].Number().Format = "%10.6m"

	p.Shutter = property.Must(property.NewSwitch(device, ShutterProperty, Group, "Shutter", property.Ok, property.ReadWrite, property.OneOfMany, 2))
	p.Shutter.Items[0].InitSwitch(OpenedItem, "Opened", false)
	p.Shutter.Items[1].InitSwitch(ClosedItem, "Closed", true)

	p.Home = property.Must(property.NewSwitch(device, HomeProperty, Group, "Home", property.Ok, property.ReadWrite, property.AtMostOne, 1))
	p.Home.Items[0].InitSwitch(HomeItem, "Find home", false)

	p.Slaving = property.Must(property.NewSwitch(device, SlavingProperty, Group, "Slaving", property.Ok, property.ReadWrite, property.OneOfMany, 2))
	p.Slaving.Items[0].InitSwitch(EnabledItem, "Enabled", false)
	p.Slaving.Items[1].InitSwitch(DisabledItem, "Disabled", true)

	return p
}

// All returns the properties in definition order.
func (p *Properties) All() []*property.Property {
	return []*property.Property{p.Coordinates, p.Abort, p.Park, p.ParkPosition, p.Shutter, p.Home, p.Slaving}
}

func (p *Properties) Azimuth() float64 {
	return p.Coordinates.Items[0].Number().Value
}

// SetAzimuth records the current position, keeping the slew target.
func (p *Properties) SetAzimuth(az float64) {
	p.Coordinates.Items[0].Number().Value = NormalizeAngle(az)
}

// Target returns the requested azimuth.
func (p *Properties) Target() float64 {
	return p.Coordinates.Items[0].Number().Target
}

func (p *Properties) IsParked() bool { return p.Park.IsOn(ParkedItem) }

func (p *Properties) IsOpen() bool { return p.Shutter.IsOn(OpenedItem) }

func (p *Properties) IsSlaved() bool { return p.Slaving.IsOn(EnabledItem) }

// NormalizeAngle returns the equivalent of degrees in [0, 360).
func NormalizeAngle(degrees float64) float64 {
	a := math.Mod(degrees, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// Distance returns the signed shortest rotation from az to target, in
// (-180, 180]. Positive values are clockwise.
func Distance(az, target float64) float64 {
	d := NormalizeAngle(target - az)
	if d > 180 {
		d -= 360
	}
	return d
}
