// Package server composes the WebSocket listener, tool registry, sandbox
// and permissions into the tool-exposure server façade. The façade is a
// library: it owns no CLI surface and is driven by an external owner loop
// calling PumpEvents.
package server

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/codefionn/mcpserve/internal/config"
	"github.com/codefionn/mcpserve/internal/logger"
	"github.com/codefionn/mcpserve/internal/sandbox"
	"github.com/codefionn/mcpserve/internal/tools"
	"github.com/codefionn/mcpserve/internal/ws"
)

// Server is the tool-exposure server façade. It exclusively owns the tool
// registry, permissions, sandbox set and listener; endpoints belong to the
// listener and are only referenced here for session bookkeeping.
//
// Listener-affecting mutators (port, prefix, TLS, bind, sandbox roots)
// refuse with a logged error while the server is listening. Tool
// enablement and permission changes may be applied live and take effect on
// the next dispatched call.
type Server struct {
	mu sync.RWMutex

	port       uint16
	pathPrefix string
	bindAll    bool
	useTLS     bool
	certPath   string
	keyPath    string
	listening  bool

	registry *tools.Registry
	perms    *config.Permissions
	sandbox  sandbox.Set

	ws      ws.Server
	clients map[*ws.Endpoint]string

	logCallback func(msg string)
}

// New creates a server listening on port under pathPrefix once started.
func New(port uint16, pathPrefix string) *Server {
	s := &Server{
		port:       port,
		pathPrefix: config.NormalizePathPrefix(pathPrefix),
		perms:      &config.Permissions{},
		clients:    make(map[*ws.Endpoint]string),
	}
	s.registry = tools.NewRegistry(s.Log)
	s.sandbox.Warn = s.Log
	s.ws.WhenAccept = s.onAccept
	s.Log(fmt.Sprintf("McpServer object created. Initial port: %d, path: %s", port, s.pathPrefix))
	return s
}

// Log writes one line through the configured callback, falling back to the
// global file logger.
func (s *Server) Log(message string) {
	s.mu.RLock()
	cb := s.logCallback
	s.mu.RUnlock()
	if cb != nil {
		cb(message)
		return
	}
	logger.Log(message)
}

// SetLogCallback redirects all server log lines into cb.
func (s *Server) SetLogCallback(cb func(msg string)) {
	s.mu.Lock()
	s.logCallback = cb
	s.mu.Unlock()
}

// Registry returns the tool registry.
func (s *Server) Registry() *tools.Registry { return s.registry }

// AddTool registers or replaces a tool definition.
func (s *Server) AddTool(name string, def tools.Definition) {
	s.registry.Register(name, def)
}

// ToolNames returns every registered tool name.
func (s *Server) ToolNames() []string { return s.registry.Names() }

// EnableTool adds a registered tool to the enabled set; applied live.
func (s *Server) EnableTool(name string) { s.registry.Enable(name) }

// DisableTool removes a tool from the enabled set; applied live.
func (s *Server) DisableTool(name string) { s.registry.Disable(name) }

// IsToolEnabled reports whether name is enabled.
func (s *Server) IsToolEnabled(name string) bool { return s.registry.IsEnabled(name) }

// Permissions returns the live permission flags. Changes apply to the next
// dispatched call.
func (s *Server) Permissions() *config.Permissions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perms
}

// SetPermissions replaces the permission flags wholesale; applied live.
func (s *Server) SetPermissions(p config.Permissions) {
	s.mu.Lock()
	s.perms = &p
	s.mu.Unlock()
}

// AddSandboxRoot inserts a normalized sandbox root. Refused while listening.
func (s *Server) AddSandboxRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.logLocked("Err: Sandbox change while running.")
		return
	}
	before := s.sandbox.Len()
	s.sandbox.Add(root)
	if s.sandbox.Len() > before {
		s.logLocked("Sandbox root added: " + sandbox.Normalize(root))
	}
}

// RemoveSandboxRoot deletes a sandbox root. Refused while listening.
func (s *Server) RemoveSandboxRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.logLocked("Err: Sandbox change while running.")
		return
	}
	if s.sandbox.Remove(root) {
		s.logLocked("Sandbox root removed: " + sandbox.Normalize(root))
	}
}

// SandboxRoots returns the current roots in insertion order.
func (s *Server) SandboxRoots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sandbox.Roots()
}

// EnforceSandbox applies the containment predicate to path.
func (s *Server) EnforceSandbox(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sandbox.Enforce(path)
}

// ConfigureBind selects all-interfaces (0.0.0.0) or loopback binding.
// Refused while listening.
func (s *Server) ConfigureBind(allInterfaces bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.logLocked("Err: Bind change while running.")
		return
	}
	s.bindAll = allInterfaces
	s.logLocked(fmt.Sprintf("BindAll: %t", allInterfaces))
}

// SetPort changes the listen port. Port 0 and changes while listening are
// refused.
func (s *Server) SetPort(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.logLocked("Err: Port change while running.")
		return
	}
	if port == 0 {
		s.logLocked("Err: Invalid port 0.")
		return
	}
	s.port = port
	s.logLocked(fmt.Sprintf("Port set: %d", port))
}

// Port returns the configured listen port.
func (s *Server) Port() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// SetPathPrefix changes the upgrade path. Refused while listening.
func (s *Server) SetPathPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.logLocked("Err: Path change while running.")
		return
	}
	s.pathPrefix = config.NormalizePathPrefix(prefix)
	s.logLocked("PathPrefix: " + s.pathPrefix)
}

// PathPrefix returns the configured upgrade path.
func (s *Server) PathPrefix() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathPrefix
}

// SetTLS configures TLS for future listens. Refused while listening.
func (s *Server) SetTLS(useTLS bool, certPath, keyPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.logLocked("Err: TLS change while running.")
		return
	}
	s.useTLS = useTLS
	s.certPath = certPath
	s.keyPath = keyPath
	s.logLocked(fmt.Sprintf("TLS use: %t", useTLS))
}

// ApplyConfig applies a loaded configuration: listener settings (only while
// stopped), permissions, sandbox roots and tool enablement. Tools must be
// registered before the call for their enablement to stick.
func (s *Server) ApplyConfig(cfg config.Config) {
	s.SetPort(cfg.ServerPort)
	s.ConfigureBind(cfg.BindAllInterfaces)
	s.SetPathPrefix(cfg.WSPathPrefix)
	s.SetTLS(cfg.UseTLS, cfg.TLSCertPath, cfg.TLSKeyPath)
	for _, root := range cfg.SandboxRoots {
		s.AddSandboxRoot(root)
	}
	s.ApplyLiveConfig(cfg)
}

// ApplyLiveConfig applies only the live-safe parts of cfg: permissions and
// the enabled tool set. Safe to call while listening.
func (s *Server) ApplyLiveConfig(cfg config.Config) {
	s.SetPermissions(cfg.Permissions)

	wanted := make(map[string]bool, len(cfg.EnabledTools))
	for _, name := range cfg.EnabledTools {
		wanted[name] = true
		s.registry.Enable(name)
	}
	for _, name := range s.registry.Enabled() {
		if !wanted[name] {
			s.registry.Disable(name)
		}
	}
}

// Start binds the listener. Idempotent while already listening.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		s.logLocked("Already running.")
		return nil
	}

	host := "127.0.0.1"
	if s.bindAll {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.port)

	s.logLocked("Starting ws server...")
	if err := s.ws.Listen(addr, s.pathPrefix, s.useTLS, s.certPath, s.keyPath); err != nil {
		s.logLocked("StartServer FAILED: " + err.Error())
		return fmt.Errorf("start server: %w", err)
	}
	s.listening = true
	s.logLocked(fmt.Sprintf("StartServer SUCCEEDED. Listening on %s%s", addr, s.pathPrefix))
	return nil
}

// Stop sends CLOSE(1001) to every live endpoint and closes the listener.
// Idempotent while stopped.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		s.logLocked("Not running.")
		return
	}
	s.logLocked("Stopping ws server...")
	for ep, id := range s.clients {
		if !ep.IsClosed() {
			s.logLocked("Closing client: " + id)
		}
	}
	s.ws.Stop()
	s.clients = make(map[*ws.Endpoint]string)
	s.listening = false
	s.logLocked("Server stopped. Pump should cease.")
}

// IsListening reports whether the listener is bound.
func (s *Server) IsListening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listening
}

// ClientStat describes one live client session for the control panel.
type ClientStat struct {
	ID         string
	RemoteAddr string
	TxBytes    uint64
	RxBytes    uint64
}

// ClientStats returns a snapshot of the live sessions with their transfer
// counters.
func (s *Server) ClientStats() []ClientStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make([]ClientStat, 0, len(s.clients))
	for ep, id := range s.clients {
		stats = append(stats, ClientStat{
			ID:         id,
			RemoteAddr: ep.RemoteAddr(),
			TxBytes:    ep.TxBytes(),
			RxBytes:    ep.RxBytes(),
		})
	}
	return stats
}

// ClientCount returns the number of tracked client sessions.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// PumpEvents drives one round of accept, per-endpoint I/O and dispatch.
// Must be called periodically from the owner loop while listening.
func (s *Server) PumpEvents() {
	if !s.IsListening() {
		return
	}
	s.ws.Pump()
}

// BoundAddr returns the listener address as a string, or "" while stopped.
// With port 0 in tests this is where the effective port shows up.
func (s *Server) BoundAddr() string {
	if addr := s.ws.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// logLocked writes a log line while s.mu is held.
func (s *Server) logLocked(message string) {
	if s.logCallback != nil {
		s.logCallback(message)
		return
	}
	logger.Log(message)
}

// onAccept attaches the session handlers to a freshly upgraded endpoint and
// sends the manifest as its first frame.
func (s *Server) onAccept(ep *ws.Endpoint) {
	clientID := uuid.NewString()[:8]
	s.mu.Lock()
	s.clients[ep] = clientID
	s.mu.Unlock()

	s.Log(fmt.Sprintf("OnWsAccept: New conn %s from %s", clientID, ep.RemoteAddr()))

	ep.WhenText = func(msg string) { s.onText(ep, clientID, msg) }
	ep.WhenBinary = func(data []byte) {
		s.Log(fmt.Sprintf("Binary from %s: %dB.", clientID, len(data)))
	}
	ep.WhenClose = func(code int, reason string) bool {
		s.Log(fmt.Sprintf("Client %s closed. Code:%d, Reason:'%s'", clientID, code, reason))
		s.dropClient(ep)
		return true
	}
	ep.WhenError = func(kind ws.ErrorKind) {
		s.Log(fmt.Sprintf("Client err %s. Kind:%s", clientID, kind))
		s.dropClient(ep)
	}

	s.sendJSON(ep, manifestMessage{Type: "manifest", Tools: s.registry.Manifest()})
	s.Log("Manifest sent to " + clientID)
}

func (s *Server) dropClient(ep *ws.Endpoint) {
	s.mu.Lock()
	delete(s.clients, ep)
	s.mu.Unlock()
}
