// Package drivers lists the device drivers that can be loaded by name and
// manages the devices loaded from configuration.
package drivers

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skybus/pkg/bus"
	"skybus/pkg/config"
	"skybus/pkg/drivers/ccd_simulator"
	"skybus/pkg/drivers/dome_simulator"
	"skybus/pkg/drivers/zro"
	"skybus/pkg/errcode"
	"skybus/pkg/store"
)

// Factory creates a driver from its device configuration.
type Factory func(cfg config.DeviceConfig, st *store.Store) (bus.Driver, error)

// Entry describes a loadable driver.
type Entry struct {
	Name        string
	Description string
	Interface   bus.Interface
	New         Factory
}

var registry = map[string]Entry{
	"ccd_simulator": {
		Name:        "ccd_simulator",
		Description: "CCD Simulator",
		Interface:   bus.CCD,
		New:         newCCDSimulator,
	},
	"dome_simulator": {
		Name:        "dome_simulator",
		Description: "Dome Simulator",
		Interface:   bus.Dome,
		New:         newDomeSimulator,
	},
	"zro": {
		Name:        "zro",
		Description: "ZRO dome controller (MQTT)",
		Interface:   bus.Dome,
		New:         newZRO,
	},
}

// Lookup returns the entry of the driver called name.
func Lookup(name string) (Entry, bool) {
	e, ok := registry[name]
	return e, ok
}

// Known reports whether a driver called name exists.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Entries returns every driver entry sorted by name.
func Entries() []Entry {
	entries := make([]Entry, 0, len(registry))
	for _, e := range registry {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}

func newCCDSimulator(cfg config.DeviceConfig, st *store.Store) (bus.Driver, error) {
	c := ccd_simulator.DefaultConfig
	var err error
	if c.Width, err = cfg.IntParam("width", c.Width); err != nil {
		return nil, err
	}
	if c.Height, err = cfg.IntParam("height", c.Height); err != nil {
		return nil, err
	}
	if c.PixelSize, err = cfg.FloatParam("pixel_size", c.PixelSize); err != nil {
		return nil, err
	}
	return ccd_simulator.New(c, st), nil
}

func newDomeSimulator(cfg config.DeviceConfig, st *store.Store) (bus.Driver, error) {
	c := dome_simulator.DefaultConfig
	var err error
	if c.HomePosition, err = cfg.FloatParam("home_position", c.HomePosition); err != nil {
		return nil, err
	}
	if c.ParkPosition, err = cfg.FloatParam("park_position", c.ParkPosition); err != nil {
		return nil, err
	}
	if c.Speed, err = cfg.FloatParam("speed", c.Speed); err != nil {
		return nil, err
	}
	shutter, err := cfg.FloatParam("shutter_time", c.ShutterTime.Seconds())
	if err != nil {
		return nil, err
	}
	c.ShutterTime = time.Duration(shutter * float64(time.Second))
	return dome_simulator.NewDomeSimulator(c, st), nil
}

func newZRO(cfg config.DeviceConfig, st *store.Store) (bus.Driver, error) {
	c := zro.DefaultConfig
	c.Username = cfg.Param("username", "")
	c.Password = cfg.Param("password", "")

	var err error
	if c.TicksPerTurn, err = cfg.IntParam("ticks_per_turn", c.TicksPerTurn); err != nil {
		return nil, err
	}
	if c.HomePosition, err = cfg.FloatParam("home_position", c.HomePosition); err != nil {
		return nil, err
	}
	if c.ParkPosition, err = cfg.FloatParam("park_position", c.ParkPosition); err != nil {
		return nil, err
	}
	if c.UseShutter, err = cfg.BoolParam("use_shutter", c.UseShutter); err != nil {
		return nil, err
	}
	if c.ParkOnShutter, err = cfg.BoolParam("park_on_shutter", c.ParkOnShutter); err != nil {
		return nil, err
	}
	if c.UploadOnConnect, err = cfg.BoolParam("upload_config", c.UploadOnConnect); err != nil {
		return nil, err
	}
	return zro.NewDriver(c, cfg.Port, st), nil
}

// Manager loads and unloads configured devices on a bus.
type Manager struct {
	bus    *bus.Bus
	store  *store.Store
	logger log.Ext1FieldLogger

	mu     sync.Mutex
	loaded map[string]string // device name -> driver name
}

func NewManager(b *bus.Bus, st *store.Store, logger log.Ext1FieldLogger) *Manager {
	return &Manager{
		bus:    b,
		store:  st,
		logger: logger,
		loaded: make(map[string]string),
	}
}

// Init creates the driver described by cfg and attaches its device.
func (m *Manager) Init(cfg config.DeviceConfig) error {
	entry, ok := Lookup(cfg.Driver)
	if !ok {
		return errcode.New(errcode.NotFound, "init driver", cfg.Driver)
	}
	name := cfg.Name
	if name == "" {
		name = entry.Description
	}
	cfg.Name = name

	m.mu.Lock()
	if _, ok := m.loaded[name]; ok {
		m.mu.Unlock()
		return errcode.New(errcode.Duplicated, "init driver", name)
	}
	m.loaded[name] = entry.Name
	m.mu.Unlock()

	drv, err := entry.New(cfg, m.store)
	if err == nil {
		err = m.bus.AttachDevice(bus.NewDevice(name, entry.Interface, drv))
	}
	if err != nil {
		m.mu.Lock()
		delete(m.loaded, name)
		m.mu.Unlock()
		return fmt.Errorf("failed to load %s (%s): %w", name, entry.Name, err)
	}

	m.logger.Infof("Loaded %s driver as %q", entry.Name, name)
	return nil
}

// Shutdown detaches the device called name.
func (m *Manager) Shutdown(name string) error {
	m.mu.Lock()
	_, ok := m.loaded[name]
	delete(m.loaded, name)
	m.mu.Unlock()
	if !ok {
		return errcode.New(errcode.NotFound, "shutdown driver", name)
	}

	if err := m.bus.DetachDevice(name); err != nil {
		return fmt.Errorf("failed to unload %s: %w", name, err)
	}
	m.logger.Infof("Unloaded %q", name)
	return nil
}

// ShutdownAll detaches every loaded device.
func (m *Manager) ShutdownAll() {
	for _, name := range m.Loaded() {
		if err := m.Shutdown(name); err != nil {
			m.logger.Errorf("Error unloading %s: %v", name, err)
		}
	}
}

// Loaded returns the names of the loaded devices.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
