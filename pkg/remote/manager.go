// Package remote attaches the property space of remote buses to the local
// bus. Every device of a connected server appears locally as a proxy device;
// requests to it are forwarded over the wire and its properties are withdrawn
// when the link goes down.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"skybus/pkg/bus"
	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/wire"
)

const (
	dialTimeout   = 5 * time.Second
	minRetryDelay = 1 * time.Second
	maxRetryDelay = 60 * time.Second
)

var ErrNotConnected = errors.New("server not connected")

// ServerEntry describes a configured remote server.
type ServerEntry struct {
	Name      string
	Host      string
	Port      int
	Connected bool
	LastError string
}

func (e ServerEntry) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Manager keeps one connection per remote server.
type Manager struct {
	bus    *bus.Bus
	logger log.Ext1FieldLogger

	// Retry delays, exposed for tests.
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration

	mu      sync.Mutex
	servers map[string]*connection
}

func NewManager(b *bus.Bus, logger log.Ext1FieldLogger) *Manager {
	if logger == nil {
		logger = log.WithField("component", "remote")
	}
	return &Manager{
		bus:           b,
		logger:        logger,
		MinRetryDelay: minRetryDelay,
		MaxRetryDelay: maxRetryDelay,
		servers:       make(map[string]*connection),
	}
}

// ConnectServer starts mirroring the bus served at host:port. The link is
// kept up in the background, reconnecting with exponential backoff, until
// DisconnectServer is called. An empty name defaults to the address.
func (m *Manager) ConnectServer(name, host string, port int) error {
	entry := ServerEntry{Name: name, Host: host, Port: port}
	if entry.Name == "" {
		entry.Name = entry.Address()
	}
	addr := entry.Address()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[addr]; ok {
		return errcode.New(errcode.Duplicated, "connect server", addr)
	}

	c := newConnection(m, entry)
	m.servers[addr] = c
	go c.run()
	m.logger.Infof("Server %s (%s) added", entry.Name, addr)
	return nil
}

// DisconnectServer closes the link to host:port and withdraws every device
// mirrored from it.
func (m *Manager) DisconnectServer(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	m.mu.Lock()
	c, ok := m.servers[addr]
	delete(m.servers, addr)
	m.mu.Unlock()
	if !ok {
		return errcode.New(errcode.NotFound, "disconnect server", addr)
	}

	c.stop()
	m.logger.Infof("Server %s (%s) removed", c.entry().Name, addr)
	return nil
}

// Servers returns the configured servers ordered by name.
func (m *Manager) Servers() []ServerEntry {
	m.mu.Lock()
	entries := make([]ServerEntry, 0, len(m.servers))
	for _, c := range m.servers {
		entries = append(entries, c.entry())
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// Close disconnects every server.
func (m *Manager) Close() {
	for _, e := range m.Servers() {
		if err := m.DisconnectServer(e.Host, e.Port); err != nil {
			m.logger.Debug(err)
		}
	}
}

// connection is the link to one server.
type connection struct {
	m      *Manager
	logger log.Ext1FieldLogger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	info    ServerEntry
	conn    net.Conn
	enc     *wire.Encoder
	devices map[string]*proxy
}

func newConnection(m *Manager, entry ServerEntry) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		m:       m,
		logger:  m.logger.WithField("server", entry.Name),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		info:    entry,
		devices: make(map[string]*proxy),
	}
}

func (c *connection) entry() ServerEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *connection) stop() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

func (c *connection) run() {
	defer close(c.done)

	delay := c.m.MinRetryDelay
	for {
		start := time.Now()
		err := c.session()
		c.withdraw()

		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.info.Connected = false
		if err != nil {
			c.info.LastError = err.Error()
		}
		c.mu.Unlock()

		// A link that stayed up for a while starts over with short delays.
		if time.Since(start) > c.m.MaxRetryDelay {
			delay = c.m.MinRetryDelay
		}
		c.logger.Warnf("Link down (%v), retrying in %s", err, delay)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, c.m.MaxRetryDelay)
	}
}

// session runs one connection until it fails.
func (c *connection) session() error {
	entry := c.entry()
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", entry.Address())
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", entry.Address(), err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return c.ctx.Err()
	}
	c.conn = conn
	c.enc = wire.NewEncoder(conn, property.VersionCurrent)
	c.info.Connected = true
	c.info.LastError = ""
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn, c.enc = nil, nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Infof("Connected to %s", entry.Address())
	if err := c.send(&wire.Msg{Kind: wire.GetProperties, Version: property.VersionCurrent}); err != nil {
		return err
	}

	dec := wire.NewDecoder(conn)
	for {
		m, err := dec.Decode()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection to %s lost: %w", entry.Address(), err)
		}
		c.logger.Tracef("<- %s", m)
		c.handle(m)
	}
}

func (c *connection) send(m *wire.Msg) error {
	c.mu.Lock()
	enc := c.enc
	c.mu.Unlock()
	if enc == nil {
		return errcode.Wrap(errcode.Failed, "send", ErrNotConnected)
	}
	c.logger.Tracef("-> %s", m)
	return enc.Encode(m)
}

func (c *connection) handle(m *wire.Msg) {
	switch m.Kind {
	case wire.Define:
		p := c.proxy(m.Property.Device, true)
		if p != nil {
			p.define(m.Property, m.Text)
		}

	case wire.Update:
		if p := c.proxy(m.Property.Device, false); p != nil {
			p.update(m.Property, m.Text)
		}

	case wire.Delete:
		if m.Name == "" {
			c.detach(m.Device)
			return
		}
		if p := c.proxy(m.Device, false); p != nil {
			p.remove(m.Name, m.Text)
		}

	case wire.Message:
		if p := c.proxy(m.Device, false); p != nil {
			p.device.SendMessage(m.Text)
		} else if m.Text != "" {
			c.logger.Info(m.Text)
		}
	}
}

// proxy returns the local stand-in of a remote device, attaching a new one
// to the bus when create is set.
func (c *connection) proxy(name string, create bool) *proxy {
	c.mu.Lock()
	p, ok := c.devices[name]
	c.mu.Unlock()
	if ok || !create || name == "" {
		return p
	}

	p = newProxy(c, name)
	d := bus.NewRemoteDevice(name, c.entry().Address(), p)
	if err := c.m.bus.AttachDevice(d); err != nil {
		c.logger.Errorf("Cannot mirror %s: %v", name, err)
		return nil
	}
	c.mu.Lock()
	c.devices[name] = p
	c.mu.Unlock()
	return p
}

func (c *connection) detach(name string) {
	c.mu.Lock()
	_, ok := c.devices[name]
	delete(c.devices, name)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.m.bus.DetachDevice(name); err != nil {
		c.logger.Errorf("Error detaching %s: %v", name, err)
	}
}

// withdraw detaches every mirrored device so that local clients see a delete
// for each property the server had defined.
func (c *connection) withdraw() {
	c.mu.Lock()
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.detach(name)
	}
}
