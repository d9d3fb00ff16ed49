// Package server ties the directory, authenticator, and router together
// behind the text wire protocol, one goroutine per live connection.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keychat-io/keychat/pkg/directory"
	"github.com/keychat-io/keychat/pkg/protocol"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

func init() {
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// Server is the KeyChat server: session tracking, authentication, and
// routing over TCP, SSH, and WebSocket transports.
type Server struct {
	dir      *directory.Directory
	sessions *SessionManager
	auth     *Authenticator
	router   *Router
	config   ServerConfig

	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server

	shutdown  chan struct{}
	wg        sync.WaitGroup
	metrics   *Metrics
	startTime time.Time
}

// NewServer creates a server instance over the user store at dbPath.
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	dbPath, err := expandHome(dbPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dir, err := directory.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open user directory: %w", err)
	}

	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)
	router := NewRouter(dir, sessions)
	router.SetMetrics(metrics)

	server := &Server{
		dir:       dir,
		sessions:  sessions,
		auth:      NewAuthenticator(dir),
		router:    router,
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   metrics,
		startTime: time.Now(),
	}
	return server, nil
}

// EnableDebugLogging routes debug output to stderr.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start brings up the TCP, SSH, WebSocket, and metrics listeners.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// WebSocket transport on the public HTTP port
	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler: mux,
		}
		go func() {
			log.Printf("WebSocket server listening on %s (/ws)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("WebSocket server error: %v", err)
			}
		}()
	}

	// Metrics listener is internal only — never expose publicly
	if s.config.MetricsPort > 0 {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			addr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", addr)
			if err := http.ListenAndServe(addr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the TCP listener address, for tests binding port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.sshListener != nil {
		s.sshListener.Close()
		s.sshListener = nil
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	log.Println("Closing all client sessions...")
	s.sessions.CloseAll()

	s.wg.Wait()

	if err := s.dir.Close(); err != nil {
		log.Printf("Error closing user directory: %v", err)
		return err
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// HealthHandler reports basic liveness info.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok\nuptime: %s\nsessions: %d\nusers: %d\n",
		time.Since(s.startTime).Round(time.Second), s.sessions.Count(), s.dir.Count())
}

// acceptLoop accepts TCP connections until shutdown.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.handleStreamConn(conn, "tcp")
	}
}

// handleStreamConn sets up a session over a byte-stream connection (TCP or
// an SSH channel) and runs its message loop.
func (s *Server) handleStreamConn(conn net.Conn, transport string) {
	safeConn := NewSafeConn(newStreamTransport(conn, s.config.MaxFrameBytes, s.config.SendTimeout))
	sess := s.sessions.CreateSession(safeConn, conn.RemoteAddr().String(), transport)
	s.auth.Open(sess.ID)

	debugLog.Printf("New %s connection from %s (session %d)", transport, sess.RemoteAddr, sess.ID)
	s.messageLoop(sess)
}

// messageLoop reads and dispatches frames for one connection. Runs in the
// connection's own goroutine, which is what gives per-sender FIFO ordering.
func (s *Server) messageLoop(sess *Session) {
	defer s.closeSession(sess)

	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Session %d: client disconnected", sess.ID)
			} else {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		debugLog.Printf("Session %d ← RECV: %s", sess.ID, frame)

		if err := s.handleFrame(sess, frame); err != nil {
			// Errors here mean the response could not be written; the
			// connection is done for
			debugLog.Printf("Session %d: handle error: %v", sess.ID, err)
			return
		}
	}
}

// closeSession tears down all per-connection state: auth state and challenge
// first, then presence, then the session itself, so no state lingers for a
// reused connection ID.
func (s *Server) closeSession(sess *Session) {
	s.auth.Close(sess.ID)
	s.router.Unbind(sess.ID)
	if s.sessions.RemoveSession(sess.ID) != nil {
		debugLog.Printf("Session %d closed", sess.ID)
	}
	sess.Conn.Close()
}

// handleFrame classifies one inbound frame and dispatches it. The command
// set is closed: every variant is handled here, and anything unrecognized is
// a chat record attempt gated on authentication.
func (s *Server) handleFrame(sess *Session, frame string) error {
	cmd := protocol.Parse(frame)
	s.metrics.RecordFrame(cmd.Name())

	switch c := cmd.(type) {
	case protocol.AuthRequest:
		return s.handleAuthRequest(sess)
	case protocol.CheckUsername:
		return s.handleCheckUsername(sess, c)
	case protocol.Register:
		return s.handleRegister(sess, c)
	case protocol.AuthResponse:
		return s.handleAuthResponse(sess, c)
	case protocol.InitChat:
		return s.handleInitChat(sess, c)
	case protocol.RawRecord:
		return s.handleRecord(sess, c)
	case protocol.Malformed:
		return s.handleMalformed(sess, c)
	default:
		// Parse returns a closed set; this is unreachable
		return fmt.Errorf("unhandled command %T", c)
	}
}
