package dome_simulator

import (
	"errors"
	"math"
	"time"

	"skybus/pkg/bus"
	"skybus/pkg/dome"
	"skybus/pkg/driver"
	"skybus/pkg/property"
	"skybus/pkg/store"
	"skybus/pkg/timer"
)

const (
	driverVersion = "1.0"

	slewTick = 100 * time.Millisecond
)

var ErrParked = errors.New("dome is parked")

type Config struct {
	HomePosition float64       // degrees
	ParkPosition float64       // degrees
	Speed        float64       // degrees per second
	ShutterTime  time.Duration // time to fully open or close the shutter
}

var DefaultConfig = Config{
	HomePosition: 0,
	ParkPosition: 90,
	Speed:        30,
	ShutterTime:  5 * time.Second,
}

// DomeSimulator is a bus driver for a simulated dome. Slews and shutter
// motion run on device timers.
type DomeSimulator struct {
	driver.Base
	config Config
	props  *dome.Properties

	slewTimer    *timer.Timer
	shutterTimer *timer.Timer
	lastTick     time.Time
	parking      bool
	homing       bool
}

func NewDomeSimulator(config Config, st *store.Store) *DomeSimulator {
	if config.Speed <= 0 {
		config.Speed = DefaultConfig.Speed
	}
	if config.ShutterTime < 0 {
		config.ShutterTime = DefaultConfig.ShutterTime
	}
	d := &DomeSimulator{config: config}
	d.Init(driver.Options{Version: driverVersion, Store: st, Connector: d})
	return d
}

func (d *DomeSimulator) Attach(dev *bus.Device) error {
	if err := d.Base.Attach(dev); err != nil {
		return err
	}
	d.props = dome.NewProperties(dev.Name(), d.config.ParkPosition)
	for _, p := range d.props.All() {
		d.AddProperty(p)
	}
	return nil
}

func (d *DomeSimulator) Open(port string) error {
	d.Logger.Infof("Dome simulator connected at azimuth %.1f", d.props.Azimuth())
	return nil
}

func (d *DomeSimulator) Close() error {
	d.slewTimer = nil
	d.shutterTimer = nil
	d.parking = false
	d.homing = false
	for _, p := range d.props.All() {
		if p.State == property.Busy {
			p.State = property.Ok
		}
	}
	return nil
}

func (d *DomeSimulator) ChangeProperty(c bus.Client, req *property.Property) error {
	d.Lock()
	defer d.Unlock()

	p := d.props
	for _, prop := range p.All() {
		if prop.Match(req) && !d.IsConnected() {
			return driver.ErrNotConnected
		}
	}

	switch {
	case p.Coordinates.Match(req):
		if p.IsParked() {
			return d.Fail(p.Coordinates, ErrParked)
		}
		if err := p.Coordinates.CopyTargets(req, false); err != nil {
			return d.Fail(p.Coordinates, err)
		}
		return d.slewTo(p.Target())

	case p.Abort.Match(req):
		if err := d.Apply(p.Abort, req); err != nil {
			return err
		}
		if p.Abort.IsOn(dome.AbortItem) {
			d.abort()
		}
		p.Abort.Items[0].Switch().On = false
		p.Abort.State = property.Ok
		d.Update(p.Abort, "")
		return nil

	case p.Park.Match(req):
		if err := d.Apply(p.Park, req); err != nil {
			return err
		}
		if !p.IsParked() {
			p.Park.State = property.Ok
			d.Update(p.Park, "Unparked")
			return nil
		}
		d.parking = true
		p.Park.State = property.Busy
		d.Update(p.Park, "Parking")
		return d.slewTo(p.ParkPosition.Items[0].Number().Value)

	case p.ParkPosition.Match(req):
		if err := d.Apply(p.ParkPosition, req); err != nil {
			return err
		}
		n := p.ParkPosition.Items[0].Number()
		n.Value = dome.NormalizeAngle(n.Value)
		p.ParkPosition.State = property.Ok
		d.Update(p.ParkPosition, "")
		return nil

	case p.Shutter.Match(req):
		if err := d.Apply(p.Shutter, req); err != nil {
			return err
		}
		return d.moveShutter()

	case p.Home.Match(req):
		if p.IsParked() {
			return d.Fail(p.Home, ErrParked)
		}
		if err := d.Apply(p.Home, req); err != nil {
			return err
		}
		if !p.Home.IsOn(dome.HomeItem) {
			return nil
		}
		d.homing = true
		p.Home.State = property.Busy
		d.Update(p.Home, "")
		return d.slewTo(d.config.HomePosition)

	case p.Slaving.Match(req):
		if err := d.Apply(p.Slaving, req); err != nil {
			return err
		}
		p.Slaving.State = property.Ok
		d.Update(p.Slaving, "")
		return nil
	}
	return d.HandleChange(c, req)
}

func (d *DomeSimulator) slewTo(az float64) error {
	az = dome.NormalizeAngle(az)
	coords := d.props.Coordinates
	coords.Items[0].Number().Target = az
	coords.State = property.Busy
	d.Update(coords, "")

	if d.slewTimer != nil {
		return nil
	}
	t, err := d.Device.Schedule(0, d.onSlewTimer)
	if err != nil {
		return d.Fail(coords, err)
	}
	d.slewTimer = t
	d.lastTick = time.Now()
	d.Logger.Infof("Slewing to azimuth %.1f", az)
	return nil
}

// onSlewTimer advances the azimuth toward the target along the shortest path.
func (d *DomeSimulator) onSlewTimer(t *timer.Timer) {
	d.Lock()
	defer d.Unlock()

	if t.Cancelled() || t != d.slewTimer || !d.IsConnected() {
		return
	}

	now := time.Now()
	step := d.config.Speed * now.Sub(d.lastTick).Seconds()
	d.lastTick = now

	p := d.props
	dist := dome.Distance(p.Azimuth(), p.Target())
	if math.Abs(dist) > step {
		p.SetAzimuth(p.Azimuth() + math.Copysign(step, dist))
		d.Update(p.Coordinates, "")
		t.Reschedule(slewTick)
		return
	}

	p.SetAzimuth(p.Target())
	d.slewTimer = nil
	p.Coordinates.State = property.Ok
	d.Update(p.Coordinates, "")

	if d.parking {
		d.parking = false
		p.Park.State = property.Ok
		d.Update(p.Park, "Parked")
	}
	if d.homing {
		d.homing = false
		p.Home.Items[0].Switch().On = false
		p.Home.State = property.Ok
		d.Update(p.Home, "At home")
	}
	d.Logger.Infof("Slew finished at azimuth %.1f", p.Azimuth())
}

func (d *DomeSimulator) abort() {
	p := d.props
	if d.slewTimer == nil {
		return
	}
	d.slewTimer.Cancel()
	d.slewTimer = nil
	p.Coordinates.Items[0].Number().Target = p.Azimuth()
	p.Coordinates.State = property.Alert
	d.Update(p.Coordinates, "Slew aborted")

	if d.parking {
		d.parking = false
		p.Park.SetSwitchByName(dome.UnparkedItem, true)
		p.Park.State = property.Alert
		d.Update(p.Park, "")
	}
	if d.homing {
		d.homing = false
		p.Home.Items[0].Switch().On = false
		p.Home.State = property.Alert
		d.Update(p.Home, "")
	}
	d.Logger.Info("Slew aborted")
}

func (d *DomeSimulator) moveShutter() error {
	p := d.props
	if d.shutterTimer != nil {
		d.shutterTimer.Cancel()
	}
	p.Shutter.State = property.Busy
	d.Update(p.Shutter, "")

	t, err := d.Device.Schedule(d.config.ShutterTime, func(t *timer.Timer) {
		d.Lock()
		defer d.Unlock()
		if t.Cancelled() || t != d.shutterTimer || !d.IsConnected() {
			return
		}
		d.shutterTimer = nil
		p.Shutter.State = property.Ok
		if p.IsOpen() {
			d.Update(p.Shutter, "Shutter opened")
		} else {
			d.Update(p.Shutter, "Shutter closed")
		}
	})
	if err != nil {
		return d.Fail(p.Shutter, err)
	}
	d.shutterTimer = t
	return nil
}
