// Package driver provides the base property set shared by every device role.
// Role drivers embed Base, register their own properties with AddProperty and
// route requests they do not handle to HandleChange.
package driver

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"skybus/pkg/bus"
	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/store"
)

const (
	MainGroup = "Main"

	ConnectionProperty = "CONNECTION"
	ConnectedItem      = "CONNECTED"
	DisconnectedItem   = "DISCONNECTED"

	InfoProperty         = "INFO"
	InfoDeviceName       = "DEVICE_NAME"
	InfoDeviceVersion    = "DEVICE_VERSION"
	InfoDeviceInterface  = "DEVICE_INTERFACE"
	InfoFrameworkName    = "FRAMEWORK_NAME"
	InfoFrameworkVersion = "FRAMEWORK_VERSION"

	PortProperty = "DEVICE_PORT"
	PortItem     = "PORT"

	ConfigProperty = "CONFIG"
	ConfigLoad     = "LOAD"
	ConfigSave     = "SAVE"
	ConfigDefault  = "DEFAULT"

	FrameworkName    = "skybus"
	FrameworkVersion = "1.0"
)

var (
	ErrNotConnected = errors.New("device not connected")
	ErrReadOnly     = errors.New("property is read only")
)

// Connector opens and closes the physical transport of a device. Both calls
// run under the device transport guard and with the port lock held.
type Connector interface {
	Open(port string) error
	Close() error
}

type Options struct {
	// Version is reported in INFO.
	Version string
	// Port is the default transport address. Devices without one have
	// DEVICE_PORT hidden and take no resource lock.
	Port      string
	Store     *store.Store
	Connector Connector
}

// Base implements the shared part of the device contract.
type Base struct {
	Device *bus.Device
	Logger log.Ext1FieldLogger

	Connection *property.Property
	Info       *property.Property
	Port       *property.Property
	Config     *property.Property

	opts      Options
	mu        sync.Mutex
	connected bool
	props     []*property.Property
	defaults  map[string]*property.Property
}

// Init sets the options used by Attach. It must be called before the device
// is attached.
func (b *Base) Init(opts Options) {
	b.opts = opts
}

// Lock takes the driver mutex guarding property values.
func (b *Base) Lock() { b.mu.Lock() }

// Unlock releases the driver mutex.
func (b *Base) Unlock() { b.mu.Unlock() }

// IsConnected must be called with the driver mutex held.
func (b *Base) IsConnected() bool { return b.connected }

// Attach builds the base property set.
func (b *Base) Attach(d *bus.Device) error {
	b.Device = d
	b.Logger = d.Logger()
	name := d.Name()

	var err error
	if b.Connection, err = property.NewSwitch(name, ConnectionProperty, MainGroup, "Connection status", property.Ok, property.ReadWrite, property.OneOfMany, 2); err != nil {
		return err
	}
	b.Connection.Items[0].InitSwitch(ConnectedItem, "Connected", false)
	b.Connection.Items[1].InitSwitch(DisconnectedItem, "Disconnected", true)

	if b.Info, err = property.NewText(name, InfoProperty, MainGroup, "Info", property.Ok, property.ReadOnly, 5); err != nil {
		return err
	}
	b.Info.Items[0].InitText(InfoDeviceName, "Device name", name)
	b.Info.Items[1].InitText(InfoDeviceVersion, "Device version", b.opts.Version)
	b.Info.Items[2].InitText(InfoDeviceInterface, "Device interface", strconv.FormatUint(uint64(d.Interfaces()), 10))
	b.Info.Items[3].InitText(InfoFrameworkName, "Framework name", FrameworkName)
	b.Info.Items[4].InitText(InfoFrameworkVersion, "Framework version", FrameworkVersion)

	if b.Port, err = property.NewText(name, PortProperty, MainGroup, "Device port", property.Ok, property.ReadWrite, 1); err != nil {
		return err
	}
	b.Port.Items[0].InitText(PortItem, "Device name or URL", b.opts.Port)
	b.Port.Hidden = b.opts.Port == ""

	if b.Config, err = property.NewSwitch(name, ConfigProperty, MainGroup, "Configuration control", property.Ok, property.ReadWrite, property.AtMostOne, 3); err != nil {
		return err
	}
	b.Config.Items[0].InitSwitch(ConfigLoad, "Load", false)
	b.Config.Items[1].InitSwitch(ConfigSave, "Save", false)
	b.Config.Items[2].InitSwitch(ConfigDefault, "Load default", false)
	b.Config.Hidden = b.opts.Store == nil

	b.props = nil
	b.defaults = map[string]*property.Property{PortProperty: b.Port.Clone()}

	if b.opts.Store != nil && !b.Port.Hidden {
		if err := b.opts.Store.LoadProperty(b.Port); err != nil && !errors.Is(err, store.ErrNotFound) {
			b.Logger.Warnf("Failed to load saved port: %v", err)
		}
	}
	return nil
}

// AddProperty registers a role property. It becomes visible when the device
// connects and is deleted when it disconnects.
func (b *Base) AddProperty(p *property.Property) {
	b.props = append(b.props, p)
	b.defaults[p.Name] = p.Clone()
}

// Properties returns the currently visible properties. It must be called
// with the driver mutex held.
func (b *Base) Properties() []*property.Property {
	props := []*property.Property{b.Connection, b.Info, b.Port, b.Config}
	if b.connected {
		props = append(props, b.props...)
	}
	return props
}

func (b *Base) EnumerateProperties(c bus.Client, filter *property.Property) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.Properties() {
		if p.Match(filter) {
			b.Device.DefinePropertyFor(c, p, "")
		}
	}
	return nil
}

func (b *Base) ChangeProperty(c bus.Client, req *property.Property) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.HandleChange(c, req)
}

func (b *Base) EnableBlob(c bus.Client, filter *property.Property, mode property.BlobMode) error {
	return nil
}

// Detach disconnects if needed and deletes every property.
func (b *Base) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.connected {
		err = b.disconnect()
	}
	for _, p := range b.Properties() {
		b.Device.DeleteProperty(p, "")
	}
	for _, p := range b.props {
		p.Release()
	}
	return err
}

// HandleChange applies requests addressed to the base properties. It must be
// called with the driver mutex held.
func (b *Base) HandleChange(c bus.Client, req *property.Property) error {
	switch {
	case b.Connection.Match(req):
		return b.changeConnection(req)
	case b.Port.Match(req):
		return b.changePort(req)
	case b.Config.Match(req):
		return b.changeConfig(req)
	case b.Info.Match(req):
		return b.Fail(b.Info, ErrReadOnly)
	}
	return errcode.New(errcode.NotFound, "change property", req.String())
}

// Apply copies the values of req into p after checking permissions.
// Failures leave p in Alert and are reported to clients.
func (b *Base) Apply(p, req *property.Property) error {
	if p.Perm == property.ReadOnly {
		return b.Fail(p, ErrReadOnly)
	}
	if err := p.CopyValues(req, false); err != nil {
		return b.Fail(p, err)
	}
	return nil
}

// Fail sets p to Alert and publishes err as the update message.
func (b *Base) Fail(p *property.Property, err error) error {
	p.State = property.Alert
	b.Device.UpdateProperty(p, err.Error())
	return err
}

func (b *Base) Update(p *property.Property, message string) {
	b.Device.UpdateProperty(p, message)
}

func (b *Base) changeConnection(req *property.Property) error {
	if err := b.Connection.CopyValues(req, false); err != nil {
		return b.Fail(b.Connection, err)
	}

	wantConnected := b.Connection.IsOn(ConnectedItem)
	switch {
	case wantConnected && !b.connected:
		return b.connect()
	case !wantConnected && b.connected:
		return b.disconnect()
	}
	b.Connection.State = property.Ok
	b.Update(b.Connection, "")
	return nil
}

func (b *Base) connect() error {
	b.Connection.State = property.Busy
	b.Update(b.Connection, "")

	port := ""
	if !b.Port.Hidden {
		port = b.Port.Items[0].Text().Value
		if err := b.Device.TryLock(port); err != nil {
			return b.connectFailed(err)
		}
	}

	if conn := b.opts.Connector; conn != nil {
		if err := b.Device.Guard(func() error { return conn.Open(port) }); err != nil {
			b.Device.Unlock()
			return b.connectFailed(err)
		}
	}

	b.connected = true
	b.Device.SetConnected(true)
	b.Connection.State = property.Ok
	b.Update(b.Connection, "")
	for _, p := range b.props {
		b.Device.DefineProperty(p, "")
	}
	b.Logger.Info("Connected")
	return nil
}

func (b *Base) connectFailed(err error) error {
	b.Logger.Errorf("Failed to connect: %v", err)
	b.Connection.SetSwitchByName(DisconnectedItem, true)
	b.Device.SetConnected(false)
	return b.Fail(b.Connection, fmt.Errorf("failed to connect: %w", err))
}

// disconnect cancels timers, withdraws role properties, closes the transport
// and releases the port lock even if closing fails.
func (b *Base) disconnect() error {
	b.Device.CancelTimers()
	for i := len(b.props) - 1; i >= 0; i-- {
		b.Device.DeleteProperty(b.props[i], "")
	}

	var err error
	if conn := b.opts.Connector; conn != nil {
		err = b.Device.Guard(conn.Close)
	}
	b.Device.Unlock()

	b.connected = false
	b.Device.SetConnected(false)
	b.Connection.SetSwitchByName(DisconnectedItem, true)
	if err != nil {
		b.Logger.Errorf("Failed to disconnect cleanly: %v", err)
		return b.Fail(b.Connection, fmt.Errorf("failed to disconnect: %w", err))
	}
	b.Connection.State = property.Ok
	b.Update(b.Connection, "")
	b.Logger.Info("Disconnected")
	return nil
}

func (b *Base) changePort(req *property.Property) error {
	if b.connected {
		return b.Fail(b.Port, errors.New("cannot change port while connected"))
	}
	if err := b.Apply(b.Port, req); err != nil {
		return err
	}
	b.Port.State = property.Ok
	b.Update(b.Port, "")
	return nil
}

// configurable returns the properties CONFIG saves and restores.
func (b *Base) configurable() []*property.Property {
	var props []*property.Property
	if !b.Port.Hidden {
		props = append(props, b.Port)
	}
	for _, p := range b.props {
		if p.Perm != property.ReadOnly && p.Type != property.Blob && p.Type != property.Light {
			props = append(props, p)
		}
	}
	return props
}

func (b *Base) changeConfig(req *property.Property) error {
	st := b.opts.Store
	if st == nil {
		return b.Fail(b.Config, errors.New("no configuration store"))
	}
	if err := b.Config.CopyValues(req, false); err != nil {
		return b.Fail(b.Config, err)
	}

	var err error
	switch {
	case b.Config.IsOn(ConfigLoad):
		err = b.loadConfig(st)
	case b.Config.IsOn(ConfigSave):
		for _, p := range b.configurable() {
			if err = st.SaveProperty(p); err != nil {
				break
			}
		}
	case b.Config.IsOn(ConfigDefault):
		for _, p := range b.configurable() {
			def, ok := b.defaults[p.Name]
			if !ok {
				continue
			}
			if err = p.CopyValues(def, false); err != nil {
				break
			}
			b.publish(p)
		}
	}

	for i := range b.Config.Items {
		b.Config.Items[i].Switch().On = false
	}
	if err != nil {
		return b.Fail(b.Config, err)
	}
	b.Config.State = property.Ok
	b.Update(b.Config, "")
	return nil
}

func (b *Base) loadConfig(st *store.Store) error {
	for _, p := range b.configurable() {
		err := st.LoadProperty(p)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		b.publish(p)
	}
	return nil
}

// publish sends an update for p if clients can currently see it.
func (b *Base) publish(p *property.Property) {
	if p == b.Port || b.connected {
		b.Update(p, "")
	}
}
