// Package recorder runs the machine and heart rate sessions side by side
// over one adapter, sharing the capture log, event store, exporter and UI
// hub.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chaz8081/ftms-recorder/internal/ble"
	"github.com/chaz8081/ftms-recorder/internal/capture"
	"github.com/chaz8081/ftms-recorder/internal/config"
	"github.com/chaz8081/ftms-recorder/internal/export"
	"github.com/chaz8081/ftms-recorder/internal/notify"
	"github.com/chaz8081/ftms-recorder/internal/session"
	"github.com/chaz8081/ftms-recorder/internal/store"
)

var (
	// ErrUnknownRole is returned for a role that is not enabled.
	ErrUnknownRole = errors.New("recorder: role not enabled")
	// ErrNothingToExport is returned by Export when the capture log is empty.
	ErrNothingToExport = errors.New("recorder: capture log is empty")
)

// Status is the diagnostic view of a running recorder.
type Status struct {
	SessionID string                 `json:"session_id"`
	Sessions  []session.Snapshot     `json:"sessions"`
	Captured  int                    `json:"captured_packets"`
	BySource  map[capture.Source]int `json:"captured_by_source"`
	UI        UIStatus               `json:"ui"`
}

// UIStatus reports hub fan-out counters.
type UIStatus struct {
	Clients   int    `json:"clients"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

// Recorder owns the sessions and their shared collaborators.
type Recorder struct {
	cfg      *config.Config
	log      *logrus.Logger
	adapter  ble.Adapter
	capture  *capture.Log
	store    *store.Store
	exporter *export.FileExporter
	hub      *notify.Hub
	sessions []*session.Session
}

var _ notify.Commander = (*Recorder)(nil)

// NewAdapter builds the adapter selected by cfg.Adapter.
func NewAdapter(cfg *config.Config) ble.Adapter {
	if cfg.Adapter == "sim" {
		return ble.NewSimAdapter(ble.SimOptions{
			Interval:        cfg.Sim.Interval,
			ConnectFailures: cfg.Sim.ConnectFailures,
			CorruptEvery:    cfg.Sim.CorruptEvery,
			DropAfter:       cfg.Sim.DropAfter,
		})
	}
	return ble.NewTinyGoAdapter()
}

// New opens the store and builds one session per enabled role.
func New(cfg *config.Config, adapter ble.Adapter, log *logrus.Logger) (*Recorder, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	st, err := store.Open(store.Options{
		Path:      cfg.Store.Path,
		MaxEvents: cfg.Store.MaxEvents,
		MaxErrors: cfg.Store.MaxErrors,
	})
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		capture: capture.NewLog(),
		store:   st,
		exporter: export.NewFileExporter(export.FileExporterOptions{
			Dir:       cfg.Export.Dir,
			SessionID: st.SessionID(),
			Logger:    log,
		}),
		hub: notify.NewHub(notify.HubOptions{Logger: log}),
	}

	for _, role := range r.roles() {
		s, err := session.New(sessionOptions(cfg, role), session.Deps{
			Adapter:  adapter,
			Capture:  r.capture,
			Logger:   log,
			Notifier: r.hub,
			Store:    st,
			Exporter: r.exporter,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		r.sessions = append(r.sessions, s)
	}

	log.WithFields(logrus.Fields{
		"session_id": st.SessionID(),
		"roles":      len(r.sessions),
		"store":      cfg.Store.Path,
		"export_dir": cfg.Export.Dir,
	}).Info("[recorder] ready")
	return r, nil
}

func (r *Recorder) roles() []session.Role {
	var roles []session.Role
	if r.cfg.Machine.Enabled {
		roles = append(roles, session.RoleMachine)
	}
	if r.cfg.HeartRate.Enabled {
		roles = append(roles, session.RoleHeartRate)
	}
	return roles
}

func sessionOptions(cfg *config.Config, role session.Role) session.Options {
	opts := session.Options{
		Role:                 role,
		DiscoveryTimeout:     cfg.Session.DiscoveryTimeout,
		LinkTimeout:          cfg.Session.LinkTimeout,
		SubscribeTimeout:     cfg.Session.SubscribeTimeout,
		RetryDelay:           cfg.Session.RetryDelay,
		MaxRetries:           cfg.Session.MaxRetries,
		DecodeErrorThreshold: cfg.Session.DecodeErrorThreshold,
		ErrorLogSize:         cfg.Store.MaxErrors,
	}
	switch role {
	case session.RoleMachine:
		opts.DeviceNamePrefix = cfg.Machine.NamePrefix
		opts.Filter = cfg.Machine.Filter
	case session.RoleHeartRate:
		opts.DeviceNamePrefix = cfg.HeartRate.NamePrefix
	}
	return opts
}

// Run enables the adapter, runs every session and the UI endpoint until ctx
// is done, then waits for the sessions to settle and closes the store.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.store.Close()

	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("recorder: enable adapter: %w", err)
	}

	var srv *http.Server
	if r.cfg.UI.Listen != "" {
		ln, err := net.Listen("tcp", r.cfg.UI.Listen)
		if err != nil {
			return fmt.Errorf("recorder: ui listen: %w", err)
		}
		srv = &http.Server{Handler: r.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.WithError(err).Error("[recorder] ui server stopped")
			}
		}()
		r.log.WithField("addr", ln.Addr().String()).Info("[recorder] ui listening")
	}

	var wg sync.WaitGroup
	for _, s := range r.sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			if err := s.Run(ctx); err != nil {
				r.log.WithError(err).WithField("role", s.Role()).Error("[recorder] session stopped")
			}
		}(s)
	}

	if r.cfg.Session.AutoConnect {
		for _, s := range r.sessions {
			s.Connect()
		}
	}

	<-ctx.Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	wg.Wait()
	r.log.WithField("captured", r.capture.Len()).Info("[recorder] stopped")
	return nil
}

// Handler serves the websocket endpoint at /ws and the status document at
// /status.
func (r *Recorder) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", r.hub.Handler(r))
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Status())
	})
	return mux
}

func (r *Recorder) session(role session.Role) (*session.Session, error) {
	for _, s := range r.sessions {
		if s.Role() == role {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
}

// Session returns the session for role, or nil when it is not enabled.
func (r *Recorder) Session(role session.Role) *session.Session {
	s, _ := r.session(role)
	return s
}

// Connect starts a connect request for role.
func (r *Recorder) Connect(role session.Role) error {
	s, err := r.session(role)
	if err != nil {
		return err
	}
	s.Connect()
	return nil
}

// Disconnect drops role's link and waits until it is Disconnected.
func (r *Recorder) Disconnect(role session.Role) error {
	s, err := r.session(role)
	if err != nil {
		return err
	}
	s.Disconnect()
	return nil
}

// Export writes the current capture log and returns the dump path.
func (r *Recorder) Export(reason string) (string, error) {
	packets := r.capture.Snapshot()
	if len(packets) == 0 {
		return "", ErrNothingToExport
	}
	return r.exporter.ExportCapture(reason, packets)
}

// Hub returns the event fan-out shared by the sessions.
func (r *Recorder) Hub() *notify.Hub { return r.hub }

// Capture returns the shared capture log.
func (r *Recorder) Capture() *capture.Log { return r.capture }

// Status returns session snapshots and shared counters.
func (r *Recorder) Status() Status {
	st := Status{
		SessionID: r.store.SessionID(),
		Captured:  r.capture.Len(),
		BySource:  r.capture.CountBySource(),
		UI: UIStatus{
			Clients:   r.hub.Clients(),
			Published: r.hub.Published(),
			Dropped:   r.hub.Dropped(),
		},
	}
	for _, s := range r.sessions {
		st.Sessions = append(st.Sessions, s.Snapshot())
	}
	return st
}
