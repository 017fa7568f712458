// Package zro drives the ZRO observatory dome controller, which is reached
// through an MQTT broker.
package zro

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"skybus/pkg/bus"
	"skybus/pkg/dome"
	"skybus/pkg/driver"
	"skybus/pkg/property"
	"skybus/pkg/store"
	"skybus/pkg/timer"
)

const (
	driverVersion = "1.0"

	// DefaultPort is the broker URL; the path selects the topic root.
	DefaultPort = "tcp://localhost:1883/zro"

	EnvironmentProperty = "ZRO_ENVIRONMENT"
	TemperatureItem     = "TEMPERATURE"
	HumidityItem        = "HUMIDITY"

	BatteryProperty = "ZRO_BATTERY"
	VoltageItem     = "VOLTAGE"
	CurrentItem     = "CURRENT"

	pollInterval = 500 * time.Millisecond
)

// Config holds the controller parameters.
type Config struct {
	Username string
	Password string
	// TopicRoot is taken from the DEVICE_PORT path when connecting.
	TopicRoot string

	TicksPerTurn   int
	Tolerance      int
	HomePosition   float64 // degrees
	ParkPosition   float64 // degrees
	AzimuthTimeout int
	MaxSpeed       int
	MinSpeed       int
	BrakeSpeed     int
	VelTimeout     int
	ShortDistance  int
	ParkOnShutter  bool
	UseShutter     bool

	// UploadOnConnect sends every parameter to the controller on connect.
	UploadOnConnect bool
}

var DefaultConfig = Config{
	TicksPerTurn:   1470,
	Tolerance:      4,
	HomePosition:   0,
	ParkPosition:   90,
	AzimuthTimeout: 120,
	MaxSpeed:       100,
	MinSpeed:       60,
	BrakeSpeed:     20,
	VelTimeout:     1,
	ShortDistance:  10,
}

// Driver is the bus driver for a ZRO dome.
type Driver struct {
	driver.Base
	config Config

	props       *dome.Properties
	environment *property.Property
	battery     *property.Property

	client     mqtt.Client
	controller *Controller
	poll       *timer.Timer
	parking    bool
	homing     bool
}

// NewDriver creates a driver for the controller reachable at port, a broker
// URL whose path is the topic root. An empty port selects DefaultPort.
func NewDriver(config Config, port string, st *store.Store) *Driver {
	if config.TicksPerTurn <= 0 {
		config.TicksPerTurn = DefaultConfig.TicksPerTurn
	}
	if port == "" {
		port = DefaultPort
	}
	d := &Driver{config: config}
	d.Init(driver.Options{Version: driverVersion, Port: port, Store: st, Connector: d})
	return d
}

func (d *Driver) Attach(dev *bus.Device) error {
	if err := d.Base.Attach(dev); err != nil {
		return err
	}
	name := dev.Name()

	d.props = dome.NewProperties(name, d.config.ParkPosition)

	d.environment = property.Must(property.NewNumber(name, EnvironmentProperty, dome.Group, "Environment", property.Idle, property.ReadOnly, 2))
	d.environment.Items[0].InitNumber(TemperatureItem, "Temperature (°C)", -50, 70, 0.1, 0)
	d.environment.Items[1].InitNumber(HumidityItem, "Humidity (%)", 0, 100, 0.1, 0)

	d.battery = property.Must(property.NewNumber(name, BatteryProperty, dome.Group, "Shutter battery", property.Idle, property.ReadOnly, 2))
	d.battery.Items[0].InitNumber(VoltageItem, "Voltage (V)", 0, 30, 0.01, 0)
	d.battery.Items[1].InitNumber(CurrentItem, "Current (A)", -10, 10, 0.01, 0)

	for _, p := range d.props.All() {
		d.AddProperty(p)
	}
	d.AddProperty(d.environment)
	d.AddProperty(d.battery)
	return nil
}

// parsePort splits a DEVICE_PORT value into broker URL and topic root.
func parsePort(port string) (broker, root string, err error) {
	u, err := url.Parse(port)
	if err != nil {
		return "", "", fmt.Errorf("invalid port %q: %w", port, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("invalid port %q: expected scheme://host:port/topic", port)
	}
	root = strings.Trim(u.Path, "/")
	if root == "" {
		root = "zro"
	}
	u.Path = ""
	return u.String(), root, nil
}

// createMQTTClient connects to broker with the configured credentials.
func createMQTTClient(broker, clientID string, config Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(clientID)
	opts.AddBroker(broker)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// Open implements driver.Connector.
func (d *Driver) Open(port string) error {
	broker, root, err := parsePort(port)
	if err != nil {
		return err
	}
	config := d.config
	config.TopicRoot = root

	client, err := createMQTTClient(broker, "skybus-"+root, config)
	if err != nil {
		return err
	}
	controller := NewController(client, config, d.Logger)
	if err := controller.Start(); err != nil {
		client.Disconnect(100)
		return err
	}

	d.client = client
	d.controller = controller
	d.poll, err = d.Device.Schedule(pollInterval, d.onPoll)
	if err != nil {
		d.Close()
		return err
	}
	d.Logger.Infof("Connected to %s (topic root %s)", broker, root)
	return nil
}

func (d *Driver) Close() error {
	d.poll = nil
	d.parking = false
	d.homing = false
	if d.controller != nil {
		d.controller.Stop()
		d.controller = nil
	}
	if d.client != nil {
		d.client.Disconnect(250)
		d.client = nil
	}
	return nil
}

func (d *Driver) ChangeProperty(c bus.Client, req *property.Property) error {
	d.Lock()
	defer d.Unlock()

	p := d.props
	for _, prop := range append(p.All(), d.environment, d.battery) {
		if prop.Match(req) && !d.IsConnected() {
			return driver.ErrNotConnected
		}
	}

	switch {
	case p.Coordinates.Match(req):
		if p.IsParked() {
			return d.Fail(p.Coordinates, fmt.Errorf("dome is parked"))
		}
		if err := p.Coordinates.CopyTargets(req, false); err != nil {
			return d.Fail(p.Coordinates, err)
		}
		if err := d.controller.SlewToAzimuth(p.Target()); err != nil {
			return d.Fail(p.Coordinates, err)
		}
		p.Coordinates.State = property.Busy
		d.Update(p.Coordinates, "")
		return nil

	case p.Abort.Match(req):
		if err := d.Apply(p.Abort, req); err != nil {
			return err
		}
		var err error
		if p.Abort.IsOn(dome.AbortItem) {
			err = d.controller.AbortSlew()
		}
		p.Abort.Items[0].Switch().On = false
		if err != nil {
			return d.Fail(p.Abort, err)
		}
		d.abortPending()
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
		if err := d.controller.Park(); err != nil {
			p.Park.SetSwitchByName(dome.UnparkedItem, true)
			return d.Fail(p.Park, err)
		}
		d.parking = true
		p.Park.State = property.Busy
		d.Update(p.Park, "Parking")
		return nil

	case p.ParkPosition.Match(req):
		if err := d.Apply(p.ParkPosition, req); err != nil {
			return err
		}
		az := dome.NormalizeAngle(p.ParkPosition.Items[0].Number().Value)
		if err := d.controller.SetParkPosition(az); err != nil {
			return d.Fail(p.ParkPosition, err)
		}
		p.ParkPosition.Items[0].Number().Value = az
		p.ParkPosition.State = property.Ok
		d.Update(p.ParkPosition, "")
		return nil

	case p.Shutter.Match(req):
		if err := d.Apply(p.Shutter, req); err != nil {
			return err
		}
		cmd := ShutterClose
		if p.IsOpen() {
			cmd = ShutterOpen
		}
		if err := d.controller.SetShutter(cmd); err != nil {
			return d.Fail(p.Shutter, err)
		}
		p.Shutter.State = property.Ok
		d.Update(p.Shutter, "")
		return nil

	case p.Home.Match(req):
		if err := d.Apply(p.Home, req); err != nil {
			return err
		}
		if !p.Home.IsOn(dome.HomeItem) {
			return nil
		}
		if err := d.controller.FindHome(); err != nil {
			p.Home.Items[0].Switch().On = false
			return d.Fail(p.Home, err)
		}
		d.homing = true
		p.Home.State = property.Busy
		d.Update(p.Home, "")
		return nil

	case p.Slaving.Match(req):
		if err := d.Apply(p.Slaving, req); err != nil {
			return err
		}
		p.Slaving.State = property.Ok
		d.Update(p.Slaving, "")
		return nil

	case d.environment.Match(req), d.battery.Match(req):
		return driver.ErrReadOnly
	}
	return d.HandleChange(c, req)
}

func (d *Driver) abortPending() {
	p := d.props
	if p.Coordinates.State == property.Busy {
		p.Coordinates.State = property.Alert
		d.Update(p.Coordinates, "Slew aborted")
	}
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
}

// onPoll publishes the controller telemetry.
func (d *Driver) onPoll(t *timer.Timer) {
	d.Lock()
	defer d.Unlock()

	if t.Cancelled() || t != d.poll || !d.IsConnected() || d.controller == nil {
		return
	}
	d.apply(d.controller.Status(), d.controller.Azimuth())
	t.Reschedule(pollInterval)
}

// apply maps a controller status onto the dome properties.
func (d *Driver) apply(st Status, az float64) {
	p := d.props

	if moved := math.Abs(dome.Distance(p.Azimuth(), az)) >= 0.05; moved || (!st.Slewing && p.Coordinates.State == property.Busy) {
		p.SetAzimuth(az)
		if !st.Slewing && p.Coordinates.State == property.Busy {
			p.Coordinates.State = property.Ok
		}
		d.Update(p.Coordinates, "")
	}

	if !st.Slewing {
		if d.parking {
			d.parking = false
			p.Park.State = property.Ok
			d.Update(p.Park, "Parked")
		}
		if d.homing && st.AtHome {
			d.homing = false
			p.Home.Items[0].Switch().On = false
			p.Home.State = property.Ok
			d.Update(p.Home, "At home")
		}
	}

	temp, hum := float64(st.Temperature), float64(st.Humidity)
	env := d.environment
	if env.Items[0].Number().Value != temp || env.Items[1].Number().Value != hum || env.State != property.Ok {
		env.Items[0].Number().Value = temp
		env.Items[1].Number().Value = hum
		env.State = property.Ok
		d.Update(env, "")
	}

	volt, amp := float64(st.BatteryVoltage), float64(st.BatteryCurrent)
	bat := d.battery
	if bat.Items[0].Number().Value != volt || bat.Items[1].Number().Value != amp || bat.State != property.Ok {
		bat.Items[0].Number().Value = volt
		bat.Items[1].Number().Value = amp
		bat.State = property.Ok
		d.Update(bat, "")
	}
}
