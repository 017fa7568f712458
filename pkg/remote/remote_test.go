package remote

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skybus/pkg/bus"
	"skybus/pkg/bus/bustest"
	"skybus/pkg/driver"
	"skybus/pkg/drivers/ccd_simulator"
	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/server"
)

const ccdName = "CCD Simulator"

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

// remoteBus runs a server exposing a CCD simulator and returns its port and
// a function stopping it.
func remoteBus(t *testing.T) (int, func()) {
	t.Helper()
	b := bus.New()
	cfg := ccd_simulator.Config{Width: 8, Height: 4, PixelSize: 5}
	require.NoError(t, b.AttachDevice(bus.NewDevice(ccdName, bus.CCD, ccd_simulator.New(cfg, nil))))

	srv, err := server.New(b, server.Options{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		<-done
		b.Close()
	}
	t.Cleanup(stop)
	return srv.Port(), stop
}

func localBus(t *testing.T) (*bus.Bus, *bustest.Recorder, *Manager) {
	t.Helper()
	b := bus.New()
	rec := bustest.NewRecorder("local")
	require.NoError(t, b.AttachClient(rec))

	m := NewManager(b, nil)
	m.MinRetryDelay = 20 * time.Millisecond
	m.MaxRetryDelay = 100 * time.Millisecond
	t.Cleanup(func() {
		m.Close()
		b.Close()
	})
	return b, rec, m
}

func connectRequest() *property.Property {
	req := property.Must(property.NewRequest(ccdName, driver.ConnectionProperty, property.Switch, 1))
	req.Items[0].InitSwitch(driver.ConnectedItem, "", true)
	return req
}

func TestMirrorAndDisconnect(t *testing.T) {
	port, _ := remoteBus(t)
	b, rec, m := localBus(t)

	require.NoError(t, m.ConnectServer("observatory", "127.0.0.1", port))
	assert.Eventually(t, func() bool {
		return rec.Last(ccdName+"."+driver.ConnectionProperty) != nil
	}, waitFor, tick)

	d := b.Device(ccdName)
	require.NotNil(t, d)
	assert.True(t, d.IsRemote())

	// A local request travels to the server, which connects the camera and
	// defines its properties.
	require.NoError(t, b.ChangeProperty(rec, connectRequest()))
	assert.Eventually(t, func() bool {
		return rec.Last(ccdName+"."+ccd_simulator.ExposureProperty) != nil
	}, waitFor, tick)
	conn := rec.Last(ccdName + "." + driver.ConnectionProperty)
	assert.True(t, conn.IsOn(driver.ConnectedItem))
	assert.Equal(t, property.Ok, conn.State)
	assert.Equal(t, bus.Connected, d.State())
	assert.True(t, d.Interfaces().Has(bus.CCD))

	entries := m.Servers()
	require.Len(t, entries, 1)
	assert.Equal(t, "observatory", entries[0].Name)
	assert.True(t, entries[0].Connected)

	require.NoError(t, m.DisconnectServer("127.0.0.1", port))
	b.Flush(rec)
	assert.Nil(t, b.Device(ccdName))
	for _, name := range []string{driver.ConnectionProperty, driver.InfoProperty, ccd_simulator.ExposureProperty, ccd_simulator.ImageProperty} {
		assert.Nil(t, rec.Last(ccdName+"."+name), name)
		assert.Contains(t, rec.Events(), "delete "+ccdName+"."+name)
	}
	assert.Empty(t, m.Servers())
}

func TestLinkLossWithdrawsDevices(t *testing.T) {
	port, stop := remoteBus(t)
	b, rec, m := localBus(t)

	require.NoError(t, m.ConnectServer("", "127.0.0.1", port))
	assert.Eventually(t, func() bool {
		return rec.Last(ccdName+"."+driver.InfoProperty) != nil
	}, waitFor, tick)

	stop()
	assert.Eventually(t, func() bool {
		return b.Device(ccdName) == nil
	}, waitFor, tick)
	b.Flush(rec)
	assert.Nil(t, rec.Last(ccdName+"."+driver.InfoProperty))

	assert.Eventually(t, func() bool {
		entries := m.Servers()
		return len(entries) == 1 && !entries[0].Connected && entries[0].LastError != ""
	}, waitFor, tick)
}

func TestReconnect(t *testing.T) {
	// Reserve a port, then start the server on it after the manager has
	// failed at least once.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	b, rec, m := localBus(t)
	require.NoError(t, m.ConnectServer("late", "127.0.0.1", port))
	assert.Eventually(t, func() bool {
		entries := m.Servers()
		return len(entries) == 1 && entries[0].LastError != ""
	}, waitFor, tick)

	rb := bus.New()
	defer rb.Close()
	cfg := ccd_simulator.Config{Width: 8, Height: 4, PixelSize: 5}
	require.NoError(t, rb.AttachDevice(bus.NewDevice(ccdName, bus.CCD, ccd_simulator.New(cfg, nil))))
	srv, err := server.New(rb, server.Options{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	assert.Eventually(t, func() bool {
		return rec.Last(ccdName+"."+driver.ConnectionProperty) != nil
	}, waitFor, tick)
	assert.NotNil(t, b.Device(ccdName))
}

func TestConnectServerDuplicated(t *testing.T) {
	_, _, m := localBus(t)
	m.MinRetryDelay = time.Hour

	require.NoError(t, m.ConnectServer("a", "127.0.0.1", 1))
	err := m.ConnectServer("b", "127.0.0.1", 1)
	assert.True(t, errcode.Is(err, errcode.Duplicated), err)

	err = m.DisconnectServer("127.0.0.1", 2)
	assert.True(t, errcode.Is(err, errcode.NotFound), err)
}

func TestMerge(t *testing.T) {
	dst := property.Must(property.NewNumber("D", "P", "G", "L", property.Idle, property.ReadWrite, 1))
	dst.Items[0].InitNumber("N", "Number", 0, 10, 1, 1)
	dst.Items[0].Number().Format = "%5.2f"

	src := property.Must(property.NewRequest("D", "P", property.Number, 1))
	src.Items[0].InitNumber("N", "", 0, 0, 0, 4)
	src.Items[0].Number().Target = 7
	src.State = property.Busy

	merge(dst, src)
	n := dst.Items[0].Number()
	assert.Equal(t, property.Busy, dst.State)
	assert.Equal(t, 4.0, n.Value)
	assert.Equal(t, 7.0, n.Target)
	assert.Equal(t, "%5.2f", n.Format)
	assert.Equal(t, 10.0, n.Max)
}
