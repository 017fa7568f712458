package driver_test

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skybus/pkg/bus"
	"skybus/pkg/bus/bustest"
	"skybus/pkg/driver"
	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/store"
)

type fakeConnector struct {
	mu      sync.Mutex
	opened  []string
	closed  int
	openErr error
}

func (f *fakeConnector) Open(port string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, port)
	return nil
}

func (f *fakeConnector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

type testDevice struct {
	driver.Base
	value *property.Property
}

func newTestDevice(port string, st *store.Store, conn driver.Connector) *testDevice {
	t := &testDevice{}
	t.Init(driver.Options{Version: "0.1", Port: port, Store: st, Connector: conn})
	return t
}

func (t *testDevice) Attach(d *bus.Device) error {
	if err := t.Base.Attach(d); err != nil {
		return err
	}
	t.value = property.Must(property.NewNumber(d.Name(), "VALUE", driver.MainGroup, "Value", property.Ok, property.ReadWrite, 1))
	t.value.Items[0].InitNumber("X", "X", 0, 100, 1, 10)
	t.AddProperty(t.value)
	return nil
}

func (t *testDevice) ChangeProperty(c bus.Client, req *property.Property) error {
	t.Lock()
	defer t.Unlock()

	if t.value.Match(req) {
		if !t.IsConnected() {
			return driver.ErrNotConnected
		}
		if err := t.Apply(t.value, req); err != nil {
			return err
		}
		t.value.State = property.Ok
		t.Update(t.value, "")
		return nil
	}
	return t.HandleChange(c, req)
}

func setup(t *testing.T) (*bus.Bus, *bustest.Recorder) {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	rec := bustest.NewRecorder("rec")
	require.NoError(t, b.AttachClient(rec))
	return b, rec
}

func connection(device string, connected bool) *property.Property {
	req := property.Must(property.NewRequest(device, driver.ConnectionProperty, property.Switch, 1))
	name := driver.DisconnectedItem
	if connected {
		name = driver.ConnectedItem
	}
	req.Items[0].InitSwitch(name, "", true)
	return req
}

func textRequest(device, name, item, value string) *property.Property {
	req := property.Must(property.NewRequest(device, name, property.Text, 1))
	req.Items[0].InitText(item, "", value)
	return req
}

func TestAttachDefinesBaseProperties(t *testing.T) {
	b, rec := setup(t)
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("/dev/ttyS0", nil, nil))))
	b.Flush(rec)

	assert.Equal(t, []string{"define Sim.CONNECTION", "define Sim.INFO", "define Sim.DEVICE_PORT"}, rec.Events())

	info := rec.Last("Sim.INFO")
	require.NotNil(t, info)
	assert.Equal(t, "Sim", info.Item(driver.InfoDeviceName).Text().Value)
	assert.Equal(t, "2", info.Item(driver.InfoDeviceInterface).Text().Value)
	assert.Equal(t, driver.FrameworkName, info.Item(driver.InfoFrameworkName).Text().Value)
}

func TestPortHiddenWithoutDefault(t *testing.T) {
	b, rec := setup(t)
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("", nil, nil))))
	b.Flush(rec)

	assert.Equal(t, []string{"define Sim.CONNECTION", "define Sim.INFO"}, rec.Events())
}

func TestConnectDisconnect(t *testing.T) {
	b, rec := setup(t)
	conn := &fakeConnector{}
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("/dev/ttyS0", nil, conn))))
	b.Flush(rec)
	rec.Reset()

	require.NoError(t, b.ChangeProperty(rec, connection("Sim", true)))
	b.Flush(rec)
	assert.Equal(t, []string{
		"update Sim.CONNECTION Busy",
		"update Sim.CONNECTION Ok",
		"define Sim.VALUE",
	}, rec.Events())
	assert.Equal(t, []string{"/dev/ttyS0"}, conn.opened)
	assert.Equal(t, bus.Connected, b.Device("Sim").State())
	assert.Equal(t, "Sim", b.LockHolder("/dev/ttyS0"))

	rec.Reset()
	require.NoError(t, b.ChangeProperty(rec, connection("Sim", false)))
	b.Flush(rec)
	assert.Equal(t, []string{"delete Sim.VALUE", "update Sim.CONNECTION Ok"}, rec.Events())
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, bus.Disconnected, b.Device("Sim").State())
	assert.Empty(t, b.LockHolder("/dev/ttyS0"))
	assert.True(t, rec.Last("Sim.CONNECTION").IsOn(driver.DisconnectedItem))
}

func TestRolePropertyRequiresConnection(t *testing.T) {
	b, rec := setup(t)
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("", nil, nil))))

	req := property.Must(property.NewRequest("Sim", "VALUE", property.Number, 1))
	req.Items[0].InitNumber("X", "", 0, 0, 0, 42)
	assert.ErrorIs(t, b.ChangeProperty(rec, req), driver.ErrNotConnected)

	require.NoError(t, b.ChangeProperty(rec, connection("Sim", true)))
	require.NoError(t, b.ChangeProperty(rec, req))
	b.Flush(rec)
	assert.Equal(t, 42.0, rec.Last("Sim.VALUE").Items[0].Number().Value)
}

func TestSharedPortLock(t *testing.T) {
	b, rec := setup(t)
	require.NoError(t, b.AttachDevice(bus.NewDevice("Mount", bus.Mount, newTestDevice("/dev/ttyUSB0", nil, &fakeConnector{}))))
	require.NoError(t, b.AttachDevice(bus.NewDevice("Focuser", bus.Focuser, newTestDevice("/dev/ttyUSB0", nil, &fakeConnector{}))))

	require.NoError(t, b.ChangeProperty(rec, connection("Mount", true)))

	err := b.ChangeProperty(rec, connection("Focuser", true))
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.LockError))
	assert.Equal(t, errcode.LockError, b.Device("Focuser").LastResult())

	b.Flush(rec)
	conn := rec.Last("Focuser.CONNECTION")
	require.NotNil(t, conn)
	assert.Equal(t, property.Alert, conn.State)
	assert.True(t, conn.IsOn(driver.DisconnectedItem))
	assert.Nil(t, rec.Last("Focuser.VALUE"))

	// Once the mount lets go the focuser can connect.
	require.NoError(t, b.ChangeProperty(rec, connection("Mount", false)))
	require.NoError(t, b.ChangeProperty(rec, connection("Focuser", true)))
	assert.Equal(t, "Focuser", b.LockHolder("/dev/ttyUSB0"))
}

func TestOpenFailureReleasesLock(t *testing.T) {
	b, rec := setup(t)
	conn := &fakeConnector{openErr: errors.New("no such device")}
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("/dev/ttyS1", nil, conn))))

	err := b.ChangeProperty(rec, connection("Sim", true))
	assert.ErrorContains(t, err, "no such device")
	assert.Empty(t, b.LockHolder("/dev/ttyS1"))

	b.Flush(rec)
	assert.Equal(t, property.Alert, rec.Last("Sim.CONNECTION").State)
}

func TestPortChange(t *testing.T) {
	b, rec := setup(t)
	conn := &fakeConnector{}
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("/dev/ttyS0", nil, conn))))

	require.NoError(t, b.ChangeProperty(rec, textRequest("Sim", driver.PortProperty, driver.PortItem, "/dev/ttyS2")))
	require.NoError(t, b.ChangeProperty(rec, connection("Sim", true)))
	assert.Equal(t, []string{"/dev/ttyS2"}, conn.opened)

	err := b.ChangeProperty(rec, textRequest("Sim", driver.PortProperty, driver.PortItem, "/dev/ttyS3"))
	assert.Error(t, err)
	b.Flush(rec)
	port := rec.Last("Sim.DEVICE_PORT")
	assert.Equal(t, property.Alert, port.State)
	assert.Equal(t, "/dev/ttyS2", port.Items[0].Text().Value)
}

func TestInfoIsReadOnly(t *testing.T) {
	b, rec := setup(t)
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("", nil, nil))))

	err := b.ChangeProperty(rec, textRequest("Sim", driver.InfoProperty, driver.InfoDeviceName, "Other"))
	assert.ErrorIs(t, err, driver.ErrReadOnly)
}

func TestUnknownProperty(t *testing.T) {
	b, rec := setup(t)
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("", nil, nil))))

	err := b.ChangeProperty(rec, textRequest("Sim", "NOPE", "X", "1"))
	assert.True(t, errcode.Is(err, errcode.NotFound))
}

func TestConfigSaveLoadDefault(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	defer st.Close()

	b, rec := setup(t)
	dev := newTestDevice("/dev/ttyS0", st, nil)
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, dev)))
	require.NoError(t, b.ChangeProperty(rec, connection("Sim", true)))

	value := property.Must(property.NewRequest("Sim", "VALUE", property.Number, 1))
	value.Items[0].InitNumber("X", "", 0, 0, 0, 55)
	require.NoError(t, b.ChangeProperty(rec, value))

	config := func(item string) *property.Property {
		req := property.Must(property.NewRequest("Sim", driver.ConfigProperty, property.Switch, 1))
		req.Items[0].InitSwitch(item, "", true)
		return req
	}

	require.NoError(t, b.ChangeProperty(rec, config(driver.ConfigSave)))

	require.NoError(t, b.ChangeProperty(rec, config(driver.ConfigDefault)))
	b.Flush(rec)
	assert.Equal(t, 10.0, rec.Last("Sim.VALUE").Items[0].Number().Value)

	require.NoError(t, b.ChangeProperty(rec, config(driver.ConfigLoad)))
	b.Flush(rec)
	assert.Equal(t, 55.0, rec.Last("Sim.VALUE").Items[0].Number().Value)

	cfg := rec.Last("Sim.CONFIG")
	assert.Equal(t, property.Ok, cfg.State)
	assert.Nil(t, cfg.SelectedSwitch())
}

func TestDetachDisconnects(t *testing.T) {
	b, rec := setup(t)
	conn := &fakeConnector{}
	require.NoError(t, b.AttachDevice(bus.NewDevice("Sim", bus.CCD, newTestDevice("/dev/ttyS0", nil, conn))))
	require.NoError(t, b.ChangeProperty(rec, connection("Sim", true)))

	require.NoError(t, b.DetachDevice("Sim"))
	b.Flush(rec)

	assert.Equal(t, 1, conn.closed)
	assert.Empty(t, b.LockHolder("/dev/ttyS0"))
	for _, key := range []string{"Sim.CONNECTION", "Sim.INFO", "Sim.DEVICE_PORT", "Sim.VALUE"} {
		assert.Nil(t, rec.Last(key), key)
	}
}
