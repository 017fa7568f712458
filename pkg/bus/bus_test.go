package bus_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skybus/pkg/bus"
	"skybus/pkg/bus/bustest"
	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/timer"
)

type filteredRecorder struct {
	*bustest.Recorder
	allow string
}

func (f *filteredRecorder) AcceptDevice(name string) bool { return name == f.allow }

// testDriver is a minimal device with a CONNECTION switch, a number and a BLOB.
type testDriver struct {
	attachErr error
	panicking bool
	hidden    bool

	mu     sync.Mutex
	device *bus.Device
	props  []*property.Property
}

func (t *testDriver) Attach(d *bus.Device) error {
	if t.attachErr != nil {
		return t.attachErr
	}
	t.device = d

	conn := property.Must(property.NewSwitch(d.Name(), "CONNECTION", "Main", "Connection", property.Ok, property.ReadWrite, property.OneOfMany, 2))
	conn.Items[0].InitSwitch("CONNECTED", "Connected", false)
	conn.Items[1].InitSwitch("DISCONNECTED", "Disconnected", true)

	value := property.Must(property.NewNumber(d.Name(), "VALUE", "Main", "Value", property.Idle, property.ReadWrite, 1))
	value.Items[0].InitNumber("VALUE", "Value", 0, 100, 1, 0)
	value.Hidden = t.hidden

	image := property.Must(property.NewBlob(d.Name(), "IMAGE", "Main", "Image", property.Idle, 1))
	image.Items[0].InitBlob("IMAGE", "Image")

	t.props = []*property.Property{conn, value, image}
	// Events emitted while attaching are not visible to anyone yet.
	d.DefineProperty(conn, "")
	return nil
}

func (t *testDriver) EnumerateProperties(c bus.Client, filter *property.Property) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.props {
		if p.Match(filter) {
			t.device.DefinePropertyFor(c, p, "")
		}
	}
	return nil
}

func (t *testDriver) ChangeProperty(c bus.Client, req *property.Property) error {
	if t.panicking {
		panic("driver bug")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.props {
		if p.Match(req) {
			if err := p.CopyValues(req, false); err != nil {
				p.State = property.Alert
				t.device.UpdateProperty(p, err.Error())
				return err
			}
			p.State = property.Ok
			t.device.UpdateProperty(p, "")
			return nil
		}
	}
	return errcode.New(errcode.NotFound, "change", req.Name)
}

func (t *testDriver) EnableBlob(c bus.Client, filter *property.Property, mode property.BlobMode) error {
	return nil
}

func (t *testDriver) Detach() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.props {
		t.device.DeleteProperty(p, "")
		p.Release()
	}
	return nil
}

func (t *testDriver) publishImage(content []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	image := t.props[2]
	if err := image.SetBlob(&image.Items[0], content, ".raw"); err == nil {
		image.State = property.Ok
		t.device.UpdateProperty(image, "")
	}
}

func (t *testDriver) setValue(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.props[1].Items[0].Number().Value = v
	t.device.UpdateProperty(t.props[1], "")
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	return b
}

func attach(t *testing.T, b *bus.Bus, name string) *testDriver {
	t.Helper()
	drv := &testDriver{}
	require.NoError(t, b.AttachDevice(bus.NewDevice(name, bus.CCD, drv)))
	return drv
}

func numberRequest(device, name string, value float64) *property.Property {
	req := property.Must(property.NewRequest(device, name, property.Number, 1))
	req.Items[0].Name = name
	req.Items[0].Number().Value = value
	return req
}

func TestAttachAnnouncesToSubscribedClients(t *testing.T) {
	b := newTestBus(t)
	rec := bustest.NewRecorder("ui")
	require.NoError(t, b.AttachClient(rec))

	attach(t, b, "CCD")
	b.Flush(rec)

	assert.Equal(t, []string{
		"define CCD.CONNECTION",
		"define CCD.VALUE",
		"define CCD.IMAGE",
	}, rec.Events())
	assert.Equal(t, bus.Attached, b.Device("CCD").State())
}

func TestDefineBeforeUpdate(t *testing.T) {
	b := newTestBus(t)
	drv := attach(t, b, "CCD")

	rec := bustest.NewRecorder("late")
	require.NoError(t, b.AttachClient(rec))

	// Not yet defined to this client, so it is not delivered.
	drv.setValue(5)
	b.Flush(rec)
	assert.Empty(t, rec.Events())

	require.NoError(t, b.EnumerateProperties(rec, &property.Property{Device: "CCD", Name: "VALUE"}))
	drv.setValue(6)
	// A second enumeration refreshes instead of defining twice.
	require.NoError(t, b.EnumerateProperties(rec, &property.Property{Device: "CCD", Name: "VALUE"}))
	b.Flush(rec)

	assert.Equal(t, []string{
		"define CCD.VALUE",
		"update CCD.VALUE Idle",
		"update CCD.VALUE Idle",
	}, rec.Events())
	assert.Equal(t, 6.0, rec.Last("CCD.VALUE").Items[0].Number().Value)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	b := newTestBus(t)
	drv := attach(t, b, "CCD")
	rec := bustest.NewRecorder("ui")
	require.NoError(t, b.AttachClient(rec))
	require.NoError(t, b.EnumerateProperties(rec, nil))

	drv.setValue(1)
	drv.setValue(2)
	b.Flush(rec)

	events := rec.Events()
	require.Len(t, events, 5)
	assert.Equal(t, 2.0, rec.Last("CCD.VALUE").Items[0].Number().Value)
}

func TestAttachFailure(t *testing.T) {
	b := newTestBus(t)
	rec := bustest.NewRecorder("ui")
	require.NoError(t, b.AttachClient(rec))

	err := b.AttachDevice(bus.NewDevice("Broken", bus.Focuser, &testDriver{attachErr: errors.New("no hardware")}))
	require.Error(t, err)
	assert.Nil(t, b.Device("Broken"))

	b.Flush(rec)
	assert.Empty(t, rec.Events())
	assert.Equal(t, errcode.NotFound, errcode.Of(b.EnumerateProperties(rec, &property.Property{Device: "Broken"})))
}

func TestDuplicateDevice(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "CCD")

	err := b.AttachDevice(bus.NewDevice("CCD", bus.CCD, &testDriver{}))
	assert.Equal(t, errcode.Duplicated, errcode.Of(err))
}

func TestChangePropertyRouting(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "CCD")
	rec := bustest.NewRecorder("ui")
	require.NoError(t, b.AttachClient(rec))
	require.NoError(t, b.EnumerateProperties(rec, nil))

	tests := []struct {
		name     string
		req      *property.Property
		expected errcode.Code
	}{
		{name: "nil request", req: nil, expected: errcode.OK},
		{name: "no device is a no-op", req: &property.Property{Name: "VALUE"}, expected: errcode.OK},
		{name: "wildcard rejected", req: &property.Property{Device: "CCD"}, expected: errcode.Failed},
		{name: "unknown device", req: numberRequest("Dome", "VALUE", 1), expected: errcode.NotFound},
		{name: "unknown property", req: numberRequest("CCD", "MISSING", 1), expected: errcode.NotFound},
		{name: "accepted", req: numberRequest("CCD", "VALUE", 42), expected: errcode.OK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, errcode.Of(b.ChangeProperty(rec, tc.req)))
		})
	}

	b.Flush(rec)
	p := rec.Last("CCD.VALUE")
	require.NotNil(t, p)
	assert.Equal(t, 42.0, p.Items[0].Number().Value)
	assert.Equal(t, property.Ok, p.State)
	assert.Equal(t, errcode.OK, b.Device("CCD").LastResult())
}

func TestDriverPanicIsContained(t *testing.T) {
	b := newTestBus(t)
	drv := attach(t, b, "CCD")
	drv.panicking = true

	err := b.ChangeProperty(nil, numberRequest("CCD", "VALUE", 1))
	assert.Equal(t, errcode.Failed, errcode.Of(err))
	assert.Equal(t, errcode.Failed, b.Device("CCD").LastResult())
}

func TestSharedResourceLock(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "Focuser")
	attach(t, b, "Wheel")

	first, second := b.Device("Focuser"), b.Device("Wheel")
	require.NoError(t, first.TryLock("/dev/ttyUSB0"))
	require.NoError(t, first.TryLock("/dev/ttyUSB0"))

	start := time.Now()
	err := second.TryLock("/dev/ttyUSB0")
	assert.Equal(t, errcode.LockError, errcode.Of(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, "Focuser", b.LockHolder("/dev/ttyUSB0"))

	require.NoError(t, b.DetachDevice("Focuser"))
	assert.Equal(t, "", b.LockHolder("/dev/ttyUSB0"))
	assert.NoError(t, second.TryLock("/dev/ttyUSB0"))
}

func TestDetachCancelsTimers(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "CCD")
	d := b.Device("CCD")

	fired := make(chan struct{}, 2)
	_, err := d.Schedule(50*time.Millisecond, func(*timer.Timer) { fired <- struct{}{} })
	require.NoError(t, err)
	_, err = d.Schedule(time.Hour, func(*timer.Timer) { fired <- struct{}{} })
	require.NoError(t, err)
	assert.Equal(t, 2, b.Scheduler().Pending("CCD"))

	require.NoError(t, b.DetachDevice("CCD"))
	assert.Equal(t, 0, b.Scheduler().Pending("CCD"))

	select {
	case <-fired:
		t.Fatal("timer fired after detach")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDetachStopsSelfSchedulingTimers(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "CCD")
	d := b.Device("CCD")

	var ticks atomic.Int32
	var tick timer.Func
	tick = func(*timer.Timer) {
		ticks.Add(1)
		time.Sleep(20 * time.Millisecond)
		_, _ = d.Schedule(0, tick)
	}
	_, err := d.Schedule(0, tick)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ticks.Load() > 1 }, time.Second, time.Millisecond)

	detached := make(chan error, 1)
	go func() { detached <- b.DetachDevice("CCD") }()
	select {
	case err := <-detached:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("DetachDevice blocked by a timer scheduling its successor")
	}

	n := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, ticks.Load())

	// The name is usable again once the device is gone.
	attach(t, b, "CCD")
	_, err = b.Device("CCD").Schedule(time.Hour, tick)
	assert.NoError(t, err)
}

func TestDeliveriesAreTraced(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(log.TraceLevel)
	b := bus.New(bus.WithLogger(logger))
	t.Cleanup(func() { b.Close() })

	attach(t, b, "CCD")
	rec := bustest.NewRecorder("ui")
	require.NoError(t, b.AttachClient(rec))
	require.NoError(t, b.EnumerateProperties(rec, &property.Property{Device: "CCD", Name: "VALUE"}))
	b.Flush(rec)

	var traced []string
	for _, e := range hook.AllEntries() {
		if e.Level == log.TraceLevel {
			traced = append(traced, e.Message)
		}
	}
	assert.Contains(t, traced, "define CCD.VALUE")
}

func TestDetachDeletesEverything(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "CCD")
	rec := bustest.NewRecorder("ui")
	require.NoError(t, b.AttachClient(rec))
	require.NoError(t, b.EnumerateProperties(rec, nil))

	require.NoError(t, b.DetachDevice("CCD"))
	events := rec.Events()
	assert.ElementsMatch(t, []string{
		"define CCD.CONNECTION", "define CCD.VALUE", "define CCD.IMAGE",
		"delete CCD.CONNECTION", "delete CCD.VALUE", "delete CCD.IMAGE",
	}, events)
	assert.Nil(t, b.Device("CCD"))
	assert.Equal(t, errcode.NotFound, errcode.Of(b.DetachDevice("CCD")))
	assert.Equal(t, errcode.NotFound, errcode.Of(b.ChangeProperty(nil, numberRequest("CCD", "VALUE", 1))))
}

func TestDetachClientSynthesizesDeletes(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "CCD")
	rec := bustest.NewRecorder("remote")
	require.NoError(t, b.AttachClient(rec))
	require.NoError(t, b.EnumerateProperties(rec, &property.Property{Device: "CCD"}))

	require.NoError(t, b.DetachClient(rec))
	assert.True(t, rec.Detached())
	assert.Len(t, rec.Matching("delete "), 3)
	assert.Equal(t, errcode.NotFound, errcode.Of(b.DetachClient(rec)))
}

func TestHiddenPropertiesAreNotDefined(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.AttachDevice(bus.NewDevice("CCD", bus.CCD, &testDriver{hidden: true})))
	rec := bustest.NewRecorder("ui")
	require.NoError(t, b.AttachClient(rec))
	require.NoError(t, b.EnumerateProperties(rec, nil))
	b.Flush(rec)

	assert.NotContains(t, rec.Events(), "define CCD.VALUE")
}

func TestDeviceFilter(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "CCD")
	attach(t, b, "Dome")
	rec := &filteredRecorder{Recorder: bustest.NewRecorder("dome-only"), allow: "Dome"}
	require.NoError(t, b.AttachClient(rec))
	require.NoError(t, b.EnumerateProperties(rec, nil))
	b.Flush(rec)

	for _, ev := range rec.Events() {
		assert.Contains(t, ev, "Dome.")
	}
	assert.Len(t, rec.Events(), 3)
}

func TestBlobModes(t *testing.T) {
	b := newTestBus(t)
	drv := attach(t, b, "CCD")
	b.SetBlobURLResolver(func(device, prop, item string) string {
		return fmt.Sprintf("http://localhost/blob/%s/%s/%s", device, prop, item)
	})

	also, never, url := bustest.NewRecorder("also"), bustest.NewRecorder("never"), bustest.NewRecorder("url")
	for _, rec := range []*bustest.Recorder{also, never, url} {
		require.NoError(t, b.AttachClient(rec))
		require.NoError(t, b.EnumerateProperties(rec, nil))
	}
	require.NoError(t, b.EnableBlob(never, &property.Property{Device: "CCD", Name: "IMAGE"}, property.BlobNever))
	require.NoError(t, b.EnableBlob(url, &property.Property{Device: "CCD"}, property.BlobURL))
	assert.Equal(t, property.BlobURL, b.BlobMode(url, "CCD", "IMAGE"))
	assert.Equal(t, property.BlobAlso, b.BlobMode(also, "CCD", "IMAGE"))

	drv.publishImage([]byte{1, 2, 3, 4})
	for _, rec := range []*bustest.Recorder{also, never, url} {
		b.Flush(rec)
	}

	assert.Equal(t, []byte{1, 2, 3, 4}, also.Last("CCD.IMAGE").Items[0].Blob().Content)
	assert.Empty(t, never.Matching("update CCD.IMAGE"))

	got := url.Last("CCD.IMAGE").Items[0].Blob()
	assert.Nil(t, got.Content)
	assert.Equal(t, 4, got.Size)
	assert.Equal(t, "http://localhost/blob/CCD/IMAGE/IMAGE", got.URL)

	cached, ok := b.Blob("CCD", "IMAGE", "IMAGE")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, cached.Content)

	require.NoError(t, b.DetachDevice("CCD"))
	_, ok = b.Blob("CCD", "IMAGE", "IMAGE")
	assert.False(t, ok)
}

func TestDeviceMessages(t *testing.T) {
	b := newTestBus(t)
	attach(t, b, "CCD")
	rec := bustest.NewRecorder("ui")
	require.NoError(t, b.AttachClient(rec))

	b.Device("CCD").SendMessage("hello")
	b.Flush(rec)
	assert.Equal(t, []string{"CCD: hello"}, rec.Messages())
}

func TestInterfaceString(t *testing.T) {
	assert.Equal(t, "CCD|Guider", (bus.CCD | bus.Guider).String())
	assert.Equal(t, "None", bus.Interface(0).String())
	assert.True(t, (bus.Aux | bus.AuxShutter).Has(bus.AuxShutter))
	assert.False(t, bus.Dome.Has(bus.Mount))
}
