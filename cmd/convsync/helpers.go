package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/servicehub/convsync"
)

// session bundles an engine with the resources it borrows.
type session struct {
	cfg    *convsync.Config
	engine *convsync.Engine
	store  *convsync.BoltSnapshotStore
}

func (s *session) Close() {
	_ = s.engine.Close()
	if s.store != nil {
		_ = s.store.Close()
	}
}

// newSession builds an engine from the effective configuration. The stream
// client is only created when live is set; reg may be nil.
func newSession(live bool, reg prometheus.Registerer) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured. Run 'convsync init <token>' or set CONVSYNC_TOKEN")
	}

	logger := convsync.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	clientOpts := []convsync.ClientOption{
		convsync.WithBaseURL(cfg.API.BaseURL),
		convsync.WithToken(cfg.Auth.Token),
		convsync.WithTimeout(cfg.API.Timeout.Std()),
		convsync.WithLogger(logger),
	}
	if reg != nil {
		clientOpts = append(clientOpts, convsync.WithRegisterer(reg))
	}
	client := convsync.NewClient(clientOpts...)

	s := &session{cfg: cfg}
	opts := convsync.Options{
		Side:       cfg.Side(),
		API:        client,
		Logger:     logger,
		Registerer: reg,
		Config:     cfg,
	}
	if cfg.Engine.CachePath != "" {
		s.store, err = convsync.OpenBoltSnapshotStore(cfg.Engine.CachePath)
		if err != nil {
			return nil, err
		}
		opts.Store = s.store
	}
	if live {
		sc := cfg.StreamConfig()
		sc.Logger = logger
		opts.Stream = convsync.NewStreamClient(cfg.StreamBaseURL(), sc)
	}

	s.engine, err = convsync.New(opts)
	if err != nil {
		if s.store != nil {
			_ = s.store.Close()
		}
		return nil, err
	}
	return s, nil
}

// readFile loads a local file as an upload.
func readFile(path string) (*convsync.FileUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	name := filepath.Base(path)
	return &convsync.FileUpload{
		Name:     name,
		MimeType: mime.TypeByExtension(filepath.Ext(name)),
		Data:     data,
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var readTicks = map[convsync.ReadState]string{
	convsync.ReadStatePending: "…",
	convsync.ReadStateSent:    "✓",
	convsync.ReadStateRead:    "✓✓",
}

// formatMessage renders one line: time, sender, body and, for our own
// messages, the delivery ticks.
func formatMessage(m convsync.Message, local convsync.Side, state convsync.ReadState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-6s %s", m.CreatedAt.Local().Format("01-02 15:04"), m.Sender, m.Text)
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " [file: %s]", firstNonEmpty(a.Name, a.URL, a.FileID))
	}
	if m.Sender == local {
		b.WriteString(" ")
		b.WriteString(readTicks[state])
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
