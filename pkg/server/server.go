// Package server exposes the devices of a local bus to remote peers. One TCP
// port carries both the property document stream and HTTP, which serves BLOB
// URLs, a status page and a websocket transport for the same documents.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"skybus/pkg/bus"
	"skybus/pkg/errcode"
	"skybus/templates"
)

const (
	// DefaultPort is the documented port of the property protocol.
	DefaultPort = 7624

	DefaultWriteTimeout = 10 * time.Second
)

const sniffTimeout = 5 * time.Second

type Options struct {
	// Name is shown on the status page and advertised by discovery.
	Name string
	Host string
	Port int
	// PublicHost is used in BLOB URLs. It defaults to Host, or localhost
	// when listening on every interface.
	PublicHost string
	// WriteTimeout bounds each write to a peer. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration
	Logger       log.Ext1FieldLogger
}

// Server accepts peers and gives each one a Session attached to the bus.
type Server struct {
	bus    *bus.Bus
	opts   Options
	logger log.Ext1FieldLogger
	tmpl   *template.Template
	start  time.Time

	listener net.Listener
	httpLn   *connListener
	http     *http.Server

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// New creates a server for b. Call Listen and then Serve.
func New(b *bus.Bus, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "server")
	}
	if opts.Name == "" {
		opts.Name = "skybus"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("error loading templates: %w", err)
	}
	return &Server{
		bus:      b,
		opts:     opts,
		logger:   opts.Logger,
		tmpl:     tmpl,
		sessions: make(map[string]*Session),
	}, nil
}

// Listen binds the server port. Port 0 picks a free port.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errcode.Wrap(errcode.CantStartServer, "listen "+addr, err)
	}
	s.listener = ln
	s.httpLn = newConnListener(ln.Addr())
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.bus.SetBlobURLResolver(s.BlobURL)
	s.logger.Infof("Listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound port.
func (s *Server) Port() int {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return s.opts.Port
}

// Serve accepts connections until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errcode.New(errcode.CantStartServer, "serve", "not listening")
	}
	s.start = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server failed: %v", err)
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			s.logger.Errorf("Error shutting down: %v", err)
		}
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Errorf("Accept failed: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(conn)
		}()
	}
}

// dispatch routes a new connection to HTTP or to a property session.
func (s *Server) dispatch(conn net.Conn) {
	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	prefix, err := r.Peek(4)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil && len(prefix) == 0 {
		s.logger.Debugf("Dropping %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	pc := &peekedConn{Conn: conn, r: r}
	if isHTTP(prefix) {
		if !s.httpLn.push(pc) {
			conn.Close()
		}
		return
	}
	s.serveSession(pc, conn.RemoteAddr().String())
}

func (s *Server) serveSession(conn io.ReadWriteCloser, remote string) {
	sess := newSession(conn, remote, s.opts.WriteTimeout, s.logger)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	if err := s.bus.AttachClient(sess); err != nil {
		s.logger.Errorf("Error attaching session from %s: %v", remote, err)
		sess.close()
		return
	}
	s.logger.Infof("Peer %s connected", remote)

	sess.run()

	if err := s.bus.DetachClient(sess); err != nil {
		s.logger.Debugf("Error detaching session: %v", err)
	}
	s.logger.Infof("Peer %s disconnected", remote)
}

// Shutdown stops accepting peers and closes every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		s.listener.Close()
		// Shutdown closes httpLn as well.
		err = s.http.Shutdown(ctx)
	}
	for _, sess := range sessions {
		sess.close()
	}
	s.bus.SetBlobURLResolver(nil)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Sessions returns the connected peers ordered by address.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Remote < infos[j].Remote
	})
	return infos
}

func (s *Server) publicHost() string {
	switch {
	case s.opts.PublicHost != "":
		return s.opts.PublicHost
	case s.opts.Host != "" && s.opts.Host != "0.0.0.0" && s.opts.Host != "::":
		return s.opts.Host
	}
	return "localhost"
}

// BlobURL returns the URL under which the latest content of a BLOB item is
// served.
func (s *Server) BlobURL(device, prop, item string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(s.publicHost(), strconv.Itoa(s.Port())),
		Path:   fmt.Sprintf("/blob/%s/%s/%s", device, prop, item),
	}
	return u.String()
}
