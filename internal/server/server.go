// Package server orchestrates all components: COMMS server/client, bridge,
// manifest loading, HTTP status.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/extension-bridge/internal/config"
	"github.com/morezero/extension-bridge/pkg/bridge"
	"github.com/morezero/extension-bridge/pkg/commsutil"
	"github.com/morezero/extension-bridge/pkg/envelope"
	"github.com/morezero/extension-bridge/pkg/lifecycle"
	"github.com/morezero/extension-bridge/pkg/loader"
	"github.com/morezero/extension-bridge/pkg/manifest"
)

const logPrefix = "server:server"

// Server is the extension-bridge orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	ns         *commsserver.Server
	httpServer *http.Server
	brg        *bridge.Bridge
}

// Run starts the bridge, blocks until shutdown signal, then cleans up.
func Run() error {
	var logLevel slog.Level
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting extension-bridge (interface %s)", logPrefix, cfg.HostInterfaceVersion))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Step 1: COMMS server (embedded by default) and connection
	commsURL := cfg.COMMSURL
	if cfg.EmbeddedCOMMS {
		ns, err := commsutil.StartEmbeddedServer(cfg.EmbeddedHost, cfg.EmbeddedPort)
		if err != nil {
			return err
		}
		s.ns = ns
		commsURL = ns.ClientURL()
		slog.Info(fmt.Sprintf("%s - Embedded COMMS server listening at %s", logPrefix, commsURL))
	}

	nc, err := commsutil.Connect(commsURL, cfg.COMMSName)
	if err != nil {
		s.shutdownComms()
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 2: Create the bridge
	brg, err := bridge.New(bridge.Config{
		HostVersion:      cfg.HostInterfaceVersion,
		CompatRange:      cfg.CompatRange,
		ChannelCapacity:  cfg.ChannelCapacity,
		DefaultTimeout:   cfg.RequestTimeout,
		SendTimeout:      cfg.SendTimeout,
		ReapInterval:     cfg.ReapInterval,
		InitTimeout:      cfg.InitTimeout,
		TeardownTimeout:  cfg.TeardownTimeout,
		DrainGrace:       cfg.DrainGrace,
		LivenessInterval: cfg.LivenessInterval,
	}, nc)
	if err != nil {
		nc.Close()
		s.shutdownComms()
		return err
	}
	s.brg = brg

	// Step 3: Load manifest extensions. A failing extension never aborts the
	// host; it is logged and skipped.
	man, err := manifest.Load(cfg.ManifestFile)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - manifest load: %v", logPrefix, err))
		man = manifest.Default()
	}
	for _, entry := range man.Extensions {
		if entry.Disabled {
			slog.Info(fmt.Sprintf("%s - skipping disabled extension %s", logPrefix, entry.Path))
			continue
		}
		opts := loader.Options{ChannelCapacity: entry.ChannelCapacity}
		if entry.InitTimeoutMs > 0 {
			opts.InitTimeout = time.Duration(entry.InitTimeoutMs) * time.Millisecond
		}
		if _, err := brg.Load(ctx, entry.Path, opts); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to load %s: %v", logPrefix, entry.Path, err))
		}
	}

	// Step 4: Subscribe to the invoke subject
	invokeSubject := cfg.InvokeSubject
	if invokeSubject == "" {
		invokeSubject = commsutil.SubjectInvoke
	}
	sub, err := nc.Subscribe(invokeSubject, s.handleInvoke(ctx))
	if err != nil {
		brg.Close(ctx)
		nc.Close()
		s.shutdownComms()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, invokeSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, invokeSubject))

	// Step 5: Start HTTP status server
	httpAddr := cfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes()}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP status server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - Extension-bridge is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown: stop intake, drain extensions, then the transports.
	sub.Unsubscribe()
	s.httpServer.Shutdown(ctx)
	brg.Close(ctx)
	nc.Drain()
	s.shutdownComms()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

func (s *Server) shutdownComms() {
	if s.ns != nil {
		s.ns.Shutdown()
		s.ns.WaitForShutdown()
	}
}

// invokeRequest is the JSON envelope external callers publish on the invoke
// subject.
type invokeRequest struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int             `json:"timeoutMs,omitempty"`
}

// invokeResponse mirrors the bus response envelope for external callers.
type invokeResponse struct {
	ID     string                `json:"id"`
	Ok     bool                  `json:"ok"`
	Result json.RawMessage       `json:"result,omitempty"`
	Error  *envelope.ErrorDetail `json:"error,omitempty"`
}

// handleInvoke bridges COMMS invoke requests into the dispatcher.
func (s *Server) handleInvoke(ctx context.Context) func(msg *comms.Msg) {
	return func(msg *comms.Msg) {
		var req invokeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode invoke request: %v", logPrefix, err))
			respond(msg, &invokeResponse{
				Ok: false,
				Error: &envelope.ErrorDetail{
					Code:    envelope.ErrCodeInvalidRequest,
					Message: "Failed to decode request",
				},
			})
			return
		}

		timeout := s.cfg.RequestTimeout
		if req.TimeoutMs > 0 && time.Duration(req.TimeoutMs)*time.Millisecond < timeout {
			timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}

		result, err := s.brg.Invoke(ctx, req.Method, req.Params, timeout)
		if err != nil {
			respond(msg, &invokeResponse{ID: req.ID, Ok: false, Error: envelope.Detail(err)})
			return
		}
		respond(msg, &invokeResponse{ID: req.ID, Ok: true, Result: result})
	}
}

func respond(msg *comms.Msg, resp *invokeResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	msg.Respond(data)
}

// healthOutput is the JSON body of the /health endpoint.
type healthOutput struct {
	Status     string `json:"status"`
	Extensions int    `json:"extensions"`
	Failed     int    `json:"failed"`
	Timestamp  string `json:"timestamp"`
}

func (s *Server) health() *healthOutput {
	statuses := s.brg.Snapshot()
	failed := 0
	for _, st := range statuses {
		if st.State == "failed" {
			failed++
		}
	}
	status := "healthy"
	if failed > 0 && failed == len(statuses) {
		status = "unhealthy"
	}
	return &healthOutput{
		Status:     status,
		Extensions: len(statuses),
		Failed:     failed,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// routes builds the HTTP status mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := s.health()
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	mux.HandleFunc("/extensions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.brg.Snapshot())
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	return mux
}

// homeData feeds the status page template.
type homeData struct {
	Health     *healthOutput
	Extensions []lifecycle.Status
}

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data := homeData{Health: s.health(), Extensions: s.brg.Snapshot()}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template: %v", logPrefix, err))
		}
	}
}

// homePageTemplate is the HTML for the bridge status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Extension Bridge</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    a { color: #0066cc; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .state-failed { color: #cc0000; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Extension Bridge</h1>
  <p class="meta">Loaded extensions, lifecycle states, and bridge health.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>Extensions: {{.Health.Extensions}} ({{.Health.Failed}} failed)</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Extensions</h2>
    <table>
      <tr><th>Name</th><th>Version</th><th>State</th><th>Methods</th><th>In flight</th><th>Loaded</th></tr>
      {{range .Extensions}}
      <tr>
        <td>{{.Name}}</td>
        <td>{{.Version}}</td>
        <td class="state-{{.State}}">{{.State}}</td>
        <td>{{range .Methods}}{{.}} {{end}}</td>
        <td>{{.Pending}}</td>
        <td>{{.LoadedAt}}</td>
      </tr>
      {{end}}
    </table>
  </section>
</body>
</html>
`
