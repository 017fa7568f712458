package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"skybus/pkg/bus"
	"skybus/pkg/errcode"
	"skybus/pkg/property"
	"skybus/pkg/wire"
)

var ErrSessionClosed = errors.New("session closed")

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Session serves one connected peer. It is a bus client: property events are
// encoded to the peer, and documents from the peer become bus requests.
type Session struct {
	id     string
	remote string
	conn   io.ReadWriteCloser
	enc    *wire.Encoder
	dec    *wire.Decoder
	logger log.Ext1FieldLogger

	// writeTimeout bounds every document write. A peer that does not read
	// for that long is disconnected.
	writeTimeout time.Duration

	bus     *bus.Bus
	version atomic.Int32
	sent    atomic.Int64
	recv    atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
}

// SessionInfo describes a connected peer.
type SessionInfo struct {
	ID       string
	Remote   string
	Version  string
	Sent     int64
	Received int64
}

func newSession(conn io.ReadWriteCloser, remote string, writeTimeout time.Duration, logger log.Ext1FieldLogger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:           id,
		remote:       remote,
		conn:         conn,
		enc:          wire.NewEncoder(conn, property.VersionCurrent),
		dec:          wire.NewDecoder(conn),
		logger:       logger.WithFields(log.Fields{"session": id[:8], "remote": remote}),
		writeTimeout: writeTimeout,
	}
	s.version.Store(int32(property.VersionCurrent))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Info() bus.ClientInfo {
	return bus.ClientInfo{
		Name:    fmt.Sprintf("%s@%s", s.id[:8], s.remote),
		Remote:  true,
		Version: property.Version(s.version.Load()),
	}
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:       s.id,
		Remote:   s.remote,
		Version:  property.Version(s.version.Load()).String(),
		Sent:     s.sent.Load(),
		Received: s.recv.Load(),
	}
}

func (s *Session) Attach(b *bus.Bus) error {
	s.bus = b
	return nil
}

// send writes m to the peer. A failed write closes the session, which ends
// run and lets the server detach the client.
func (s *Session) send(m *wire.Msg) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.logger.Tracef("-> %s", m)
	if dw, ok := s.conn.(writeDeadliner); ok && s.writeTimeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.enc.Encode(m); err != nil {
		if !s.closed.Load() {
			s.logger.Errorf("Closing session, failed to send %s: %v", m.Kind, err)
			_ = s.close()
		}
		return fmt.Errorf("failed to send %s: %w", m.Kind, err)
	}
	s.sent.Add(1)
	return nil
}

func (s *Session) DefineProperty(d *bus.Device, p *property.Property, message string) error {
	return s.send(&wire.Msg{Kind: wire.Define, Property: p, Text: message})
}

func (s *Session) UpdateProperty(d *bus.Device, p *property.Property, message string) error {
	return s.send(&wire.Msg{Kind: wire.Update, Property: p, Text: message})
}

func (s *Session) DeleteProperty(d *bus.Device, p *property.Property, message string) error {
	return s.send(&wire.Msg{Kind: wire.Delete, Device: p.Device, Name: p.Name, Text: message})
}

func (s *Session) SendMessage(d *bus.Device, message string) error {
	return s.send(&wire.Msg{Kind: wire.Message, Device: d.Name(), Text: message})
}

func (s *Session) Detach() error {
	return s.close()
}

func (s *Session) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

// run reads documents until the peer goes away.
func (s *Session) run() {
	for {
		m, err := s.dec.Decode()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.logger.Debug("Peer disconnected")
			case errors.Is(err, wire.ErrMessageTooLarge):
				s.logger.Errorf("Closing session: %v", err)
			default:
				s.logger.Debugf("Session ended: %v", err)
			}
			return
		}
		s.recv.Add(1)
		s.logger.Tracef("<- %s", m)
		s.handle(m)
	}
}

func (s *Session) handle(m *wire.Msg) {
	var err error
	switch m.Kind {
	case wire.GetProperties:
		if m.Version != property.VersionNone {
			s.version.Store(int32(m.Version))
			s.enc.SetVersion(m.Version)
		}
		err = s.bus.EnumerateProperties(s, m.Filter())

	case wire.New:
		err = s.bus.ChangeProperty(s, m.Property)

	case wire.EnableBlob:
		err = s.bus.EnableBlob(s, m.Filter(), m.Mode)

	default:
		s.logger.Debugf("Ignoring %s from peer", m.Kind)
		return
	}

	if err == nil {
		return
	}
	s.logger.Debugf("%s failed: %v", m, err)
	if errcode.Is(err, errcode.NotFound) {
		device := m.Device
		if m.Property != nil {
			device = m.Property.Device
		}
		if sendErr := s.send(&wire.Msg{Kind: wire.Message, Device: device, Text: err.Error()}); sendErr != nil {
			s.logger.Debug(sendErr)
		}
	}
}
