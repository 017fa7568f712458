package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultResponderPort is the UDP port broadcast probes are sent to.
	DefaultResponderPort = 7625

	probeMessage = "skybusdiscovery1"
)

// Reply is what the responder sends back to a probe.
type Reply struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// Responder answers UDP discovery probes with the bus name and port.
type Responder struct {
	addr   string
	port   int
	reply  []byte
	logger log.Ext1FieldLogger

	conn *net.UDPConn
}

// NewResponder creates a responder bound to addr:port once Listen is called.
func NewResponder(addr string, port int, reply Reply, logger log.Ext1FieldLogger) (*Responder, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.WithField("component", "discovery")
	}
	return &Responder{
		addr:   addr,
		port:   port,
		reply:  data,
		logger: logger,
	}, nil
}

// Listen binds the receive socket.
func (r *Responder) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(r.addr, strconv.Itoa(r.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve responder address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %w", err)
	}
	r.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (r *Responder) Addr() net.Addr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Run answers probes until ctx is done.
func (r *Responder) Run(ctx context.Context) error {
	if r.conn == nil {
		if err := r.Listen(); err != nil {
			return err
		}
	}
	defer r.conn.Close()

	r.logger.Debugf("Discovery responder started on %s", r.conn.LocalAddr())
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Wake up periodically to notice cancellation.
		_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		r.logger.Tracef("Received %q from %s", data, from)
		if !strings.Contains(data, probeMessage) {
			continue
		}
		if _, err := r.conn.WriteToUDP(r.reply, from); err != nil {
			r.logger.Errorf("Error writing to socket: %v", err)
		}
	}
}

// Probe sends one probe to addr (usually a broadcast address) and collects
// the replies received within timeout.
func Probe(ctx context.Context, addr string, timeout time.Duration) ([]Service, error) {
	target, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte(probeMessage), target); err != nil {
		return nil, fmt.Errorf("cannot send probe: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var services []Service
	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return services, nil
			}
			return services, err
		}
		var reply Reply
		if err := json.Unmarshal(buf[:n], &reply); err != nil {
			continue
		}
		services = append(services, Service{
			Name:      reply.Name,
			Host:      from.IP.String(),
			Port:      reply.Port,
			Addresses: []string{from.IP.String()},
		})
	}
}
