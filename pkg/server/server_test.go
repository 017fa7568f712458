package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skybus/pkg/bus"
	"skybus/pkg/driver"
	"skybus/pkg/drivers/ccd_simulator"
	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/wire"
)

const ccdName = "CCD Simulator"

func startServer(t *testing.T) (*bus.Bus, *Server) {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { b.Close() })

	cfg := ccd_simulator.Config{Width: 8, Height: 4, PixelSize: 5}
	require.NoError(t, b.AttachDevice(bus.NewDevice(ccdName, bus.CCD, ccd_simulator.New(cfg, nil))))

	srv, err := New(b, Options{Name: "test", Host: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return b, srv
}

type peer struct {
	t    *testing.T
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
}

func dial(t *testing.T, srv *Server) *peer {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{
		t:    t,
		conn: conn,
		enc:  wire.NewEncoder(conn, property.VersionCurrent),
		dec:  wire.NewDecoder(conn),
	}
}

func (p *peer) send(m *wire.Msg) {
	p.t.Helper()
	require.NoError(p.t, p.enc.Encode(m))
}

// next returns the next document, skipping those keep returns false for.
func (p *peer) next(keep func(*wire.Msg) bool) *wire.Msg {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		m, err := p.dec.Decode()
		require.NoError(p.t, err)
		if keep == nil || keep(m) {
			return m
		}
	}
}

func describe(m *wire.Msg) string {
	switch {
	case m.Property != nil && m.Kind == wire.Update:
		return m.Kind.String() + " " + m.Property.Name + " " + m.Property.State.String()
	case m.Property != nil:
		return m.Kind.String() + " " + m.Property.Name
	}
	return m.Kind.String() + " " + m.Name
}

func connectRequest(on bool) *property.Property {
	req := property.Must(property.NewRequest(ccdName, driver.ConnectionProperty, property.Switch, 1))
	item := driver.ConnectedItem
	if !on {
		item = driver.DisconnectedItem
	}
	req.Items[0].InitSwitch(item, "", true)
	return req
}

func TestSessionConnectScenario(t *testing.T) {
	b, srv := startServer(t)
	p := dial(t, srv)

	p.send(&wire.Msg{Kind: wire.GetProperties, Version: property.Version2})
	assert.Equal(t, "define CONNECTION", describe(p.next(nil)))
	assert.Equal(t, "define INFO", describe(p.next(nil)))

	p.send(&wire.Msg{Kind: wire.New, Property: connectRequest(true)})
	assert.Equal(t, "update CONNECTION Busy", describe(p.next(nil)))
	m := p.next(nil)
	assert.Equal(t, "update CONNECTION Ok", describe(m))
	assert.True(t, m.Property.IsOn(driver.ConnectedItem))

	var defined []string
	for range 5 {
		m := p.next(nil)
		require.Equal(t, wire.Define, m.Kind)
		defined = append(defined, m.Property.Name)
	}
	assert.ElementsMatch(t, []string{
		ccd_simulator.InfoProperty,
		ccd_simulator.ExposureProperty,
		ccd_simulator.AbortProperty,
		ccd_simulator.FrameTypeProperty,
		ccd_simulator.ImageProperty,
	}, defined)

	require.Len(t, b.Clients(), 1)
	p.conn.Close()
	assert.Eventually(t, func() bool {
		return len(b.Clients()) == 0 && len(srv.Sessions()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStalledPeerIsDisconnected(t *testing.T) {
	b := bus.New()
	t.Cleanup(func() { b.Close() })
	cfg := ccd_simulator.Config{Width: 8, Height: 4, PixelSize: 5}
	require.NoError(t, b.AttachDevice(bus.NewDevice(ccdName, bus.CCD, ccd_simulator.New(cfg, nil))))

	srv, err := New(b, Options{Name: "test", WriteTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	served := make(chan struct{})
	go func() {
		srv.serveSession(local, "pipe")
		close(served)
	}()

	// Take the first define, then stop reading.
	require.NoError(t, wire.NewEncoder(remote, property.VersionCurrent).Encode(&wire.Msg{Kind: wire.GetProperties, Version: property.Version2}))
	m, err := wire.NewDecoder(remote).Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.Define, m.Kind)

	detached := make(chan error, 1)
	go func() { detached <- b.DetachDevice(ccdName) }()
	select {
	case err := <-detached:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("DetachDevice blocked by a peer that stopped reading")
	}

	select {
	case <-served:
	case <-time.After(3 * time.Second):
		t.Fatal("session was not closed")
	}
	assert.Empty(t, b.Clients())
	assert.Empty(t, srv.Sessions())
}

func TestSessionUnknownDevice(t *testing.T) {
	_, srv := startServer(t)
	p := dial(t, srv)

	req := property.Must(property.NewRequest("Nothing", "CONNECTION", property.Switch, 1))
	req.Items[0].InitSwitch("CONNECTED", "", true)
	p.send(&wire.Msg{Kind: wire.New, Property: req})

	m := p.next(nil)
	assert.Equal(t, wire.Message, m.Kind)
	assert.Equal(t, "Nothing", m.Device)
	assert.Contains(t, m.Text, string(errcode.NotFound))
}

func TestSessionVersionNegotiation(t *testing.T) {
	_, srv := startServer(t)
	p := dial(t, srv)

	_, err := io.WriteString(p.conn, `<getProperties version="1.7"/>`+"\n")
	require.NoError(t, err)
	assert.Equal(t, "define CONNECTION", describe(p.next(nil)))

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "1.7", sessions[0].Version)
	assert.Equal(t, int64(1), sessions[0].Received)
}

func TestBlobURLDelivery(t *testing.T) {
	b, srv := startServer(t)
	p := dial(t, srv)

	p.send(&wire.Msg{Kind: wire.GetProperties, Version: property.Version2})
	p.send(&wire.Msg{Kind: wire.EnableBlob, Device: ccdName, Mode: property.BlobURL})
	p.send(&wire.Msg{Kind: wire.New, Property: connectRequest(true)})
	p.next(func(m *wire.Msg) bool {
		return m.Kind == wire.Define && m.Property.Name == ccd_simulator.ImageProperty
	})

	req := property.Must(property.NewRequest(ccdName, ccd_simulator.ExposureProperty, property.Number, 1))
	req.Items[0].InitNumber(ccd_simulator.ExposureItem, "", 0, 0, 0, 0.01)
	p.send(&wire.Msg{Kind: wire.New, Property: req})

	m := p.next(func(m *wire.Msg) bool {
		return m.Kind == wire.Update && m.Property.Name == ccd_simulator.ImageProperty && m.Property.State == property.Ok
	})
	blob := m.Property.Items[0].Blob()
	require.NotNil(t, blob)
	assert.Empty(t, blob.Content)
	require.NotEmpty(t, blob.URL)
	assert.True(t, strings.HasPrefix(blob.URL, "http://127.0.0.1:"), blob.URL)

	resp, err := http.Get(blob.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	cached, ok := b.Blob(ccdName, ccd_simulator.ImageProperty, m.Property.Items[0].Name)
	require.True(t, ok)
	assert.Equal(t, cached.Content, body)
}

func TestHTTPOnSamePort(t *testing.T) {
	_, srv := startServer(t)
	base := "http://" + srv.Addr().String()

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), ccdName)

	resp, err = http.Get(base + "/api/status")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `"name":"test"`)

	resp, err = http.Get(base + "/blob/x/y/z")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketSession(t *testing.T) {
	_, srv := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`<getProperties version="2.0"/>`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	m, err := wire.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, wire.Define, m.Kind)
	assert.Equal(t, driver.ConnectionProperty, m.Property.Name)
}

func TestListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	b := bus.New()
	defer b.Close()
	srv, err := New(b, Options{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port})
	require.NoError(t, err)
	err = srv.Listen()
	assert.True(t, errcode.Is(err, errcode.CantStartServer), err)
}

func TestIsHTTP(t *testing.T) {
	tests := []struct {
		prefix string
		want   bool
	}{
		{"GET ", true},
		{"POST", true},
		{"<get", false},
		{"\n<ge", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isHTTP([]byte(tt.prefix)), tt.prefix)
	}
}
