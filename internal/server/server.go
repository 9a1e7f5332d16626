package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/rtc2/internal/discovery"
	"github.com/muurk/rtc2/internal/logging"
	"github.com/muurk/rtc2/internal/transport"
	"github.com/muurk/rtc2/internal/version"
)

// SignalPath is the WebSocket endpoint peers register on.
const SignalPath = "/peerjs"

// maxIDLength bounds requested peer ids.
const maxIDLength = 64

// idPattern matches ids a peer may request: alphanumeric words joined by
// single spaces, dashes or underscores.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9]+(?:[ _-][A-Za-z0-9]+)*$`)

// Config holds the relay configuration
type Config struct {
	Listen    string // host:port to listen on
	RedisAddr string // Redis address for multi-instance mode (empty = single instance)
	MDNS      bool   // Advertise the relay over mDNS
	Instance  string // mDNS instance name (empty = rtc2-signal-<hostname>)
}

// Server is the rtc2 signaling relay
type Server struct {
	config   *Config
	hub      *Hub
	broker   Broker
	http     *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	advert   *zeroconf.Server

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
}

// New creates a relay. With a Redis address it connects to Redis first and
// fails if Redis is unreachable.
func New(config *Config) (*Server, error) {
	var broker Broker
	if config.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b, err := NewRedisBroker(ctx, config.RedisAddr, uuid.NewString())
		if err != nil {
			return nil, err
		}
		broker = b
	}
	return NewWithBroker(config, broker), nil
}

// NewWithBroker creates a relay that shares its id space through broker.
// A nil broker runs a single instance.
func NewWithBroker(config *Config, broker Broker) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		hub:    newHub(broker),
		broker: broker,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are browser tabs and CLIs served from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	go s.hub.run(ctx)
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logging.GetLogger().Named("http")),
	}
	return s
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(SignalPath, s.serveWS).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	return router
}

// Start listens on the configured address and blocks until a shutdown
// signal or a serve error.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}

	logging.Info("Starting rtc2 signaling relay",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("redis", s.broker != nil),
		zap.Bool("mdns", s.config.MDNS),
		zap.String("version", version.Version),
	)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve(listener)
	}()

	select {
	case <-sigChan:
		logging.Info("Shutdown signal received, stopping relay...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

// Serve accepts connections on listener until Shutdown. It advertises the
// relay over mDNS when configured.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.MDNS {
		if err := s.advertise(listener.Addr()); err != nil {
			logging.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}

	logging.Info("Relay listening for connections", zap.String("addr", listener.Addr().String()))
	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay stopped: %w", err)
	}
	return nil
}

func (s *Server) advertise(addr net.Addr) error {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("cannot advertise non-TCP address %s", addr)
	}

	instance := s.config.Instance
	if instance == "" {
		host, _ := os.Hostname()
		instance = "rtc2-signal-" + host
	}

	advert, err := discovery.Advertise(instance, tcp.Port, []string{
		"path=" + SignalPath,
		"version=" + version.Version,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.advert = advert
	s.mu.Unlock()
	logging.Info("mDNS service registered",
		zap.String("instance", instance),
		zap.String("service", discovery.ServiceType),
		zap.Int("port", tcp.Port),
	)
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	remote := r.RemoteAddr

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		logging.Warn("WebSocket upgrade failed", zap.String("remote_addr", remote), zap.Error(err))
		return
	}
	logging.LogConnection(remote, "websocket_upgraded")

	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	} else if len(id) > maxIDLength || !idPattern.MatchString(id) {
		logging.Info("Rejected invalid id", zap.String("remote_addr", remote), zap.String("id", id))
		reject(conn, transport.SignalMessage{
			Type:    transport.SignalError,
			Payload: &transport.SignalPayload{Message: fmt.Sprintf("Invalid id %q", id)},
		})
		return
	}

	if s.broker != nil {
		ok, err := s.broker.Claim(r.Context(), id)
		if err != nil {
			logging.Error("Id claim failed", zap.String("id", id), zap.Error(err))
			reject(conn, transport.SignalMessage{
				Type:    transport.SignalError,
				Payload: &transport.SignalPayload{Message: "Relay storage unavailable"},
			})
			return
		}
		if !ok {
			s.rejectTaken(conn, remote, id)
			return
		}
	}

	c := newClient(id, remote, conn)
	if !s.hub.Register(c) {
		s.rejectTaken(conn, remote, id)
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump(s.hub, s.broker)
	}()
	logging.Info("Peer connected", zap.String("id", id), zap.String("remote_addr", remote))
}

func (s *Server) rejectTaken(conn *websocket.Conn, remote string, id string) {
	logging.Info("Rejected taken id", zap.String("remote_addr", remote), zap.String("id", id))
	reject(conn, transport.SignalMessage{
		Type:    transport.SignalIDTaken,
		Payload: &transport.SignalPayload{Message: "ID is taken"},
	})
}

// Health is the /healthz response body.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Peers   int    `json:"peers"`
	Redis   bool   `json:"redis"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Health{
		Status:  "ok",
		Version: version.Version,
		Peers:   s.hub.Count(),
		Redis:   s.broker != nil,
	})
}

// Shutdown stops accepting connections, closes every peer socket and waits
// for the pumps to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopped.Do(func() {
		err = s.shutdown(ctx)
	})
	return err
}

func (s *Server) shutdown(ctx context.Context) error {
	logging.Info("Shutting down relay...")

	s.mu.Lock()
	advert := s.advert
	s.mu.Unlock()
	if advert != nil {
		advert.Shutdown()
	}

	// Stop accepting new connections. Hijacked WebSocket connections are
	// not tracked by http.Server and are closed through the hub.
	if err := s.http.Shutdown(ctx); err != nil {
		logging.Error("Error stopping HTTP server", zap.Error(err))
	}

	s.cancel()
	<-s.hub.Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("All connections closed gracefully")
	case <-ctx.Done():
		logging.Warn("Shutdown timeout, forcing close")
	}

	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			logging.Warn("Error closing broker", zap.Error(err))
		}
	}

	logging.Sync()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GetActiveConnections returns the number of registered peers
func (s *Server) GetActiveConnections() int {
	return s.hub.Count()
}
