package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	fmchat "github.com/Diarintsoa1402/futureMakers-sub000"
)

// session is everything a command needs to talk to the service.
type session struct {
	cfg    *Config
	client *fmchat.Client
	log    fmchat.Logger
}

func newLogger() fmchat.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return fmchat.NewSlogLogger(slog.New(h))
}

// openSession loads the config with its overrides and builds a client.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyOverrides(cfg, dotEnvPath); err != nil {
		return nil, err
	}
	if cfg.Default.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'fmchat init <token> --user-id <id>' or set %s", envToken)
	}

	log := newLogger()
	opts := []fmchat.ClientOption{fmchat.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, fmchat.WithBaseURL(cfg.Default.BaseURL))
	}
	return &session{cfg: cfg, client: fmchat.NewClient(cfg.Default.Token, opts...), log: log}, nil
}

func (s *session) userID() (string, error) {
	if s.cfg.Auth.UserID == "" {
		return "", fmt.Errorf("no user id configured; run 'fmchat config set auth.user_id <id>' or set %s", envUserID)
	}
	return s.cfg.Auth.UserID, nil
}

// controller starts a synchronization controller for the configured user and
// waits until the channel is connected or timeout elapses.
func (s *session) controller(ctx context.Context, timeout time.Duration, opts ...fmchat.ControllerOption) (*fmchat.Controller, error) {
	userID, err := s.userID()
	if err != nil {
		return nil, err
	}
	rc, err := realtimeConfig(s.cfg, s.log)
	if err != nil {
		return nil, err
	}

	opts = append([]fmchat.ControllerOption{fmchat.WithControllerLogger(s.log)}, opts...)
	ctrl := fmchat.NewController(fmchat.NewBackend(s.client), s.client.Realtime(userID, rc), opts...)

	connected := make(chan struct{}, 1)
	ctrl.On(fmchat.UpdateStatus, func(u fmchat.Update) {
		if u.Status == fmchat.StatusConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	if err := ctrl.Initialize(ctx, userID); err != nil {
		s.log.Warn(ctx, "initial load incomplete", "error", err)
	}

	if ctrl.Status() == fmchat.StatusConnected {
		return ctrl, nil
	}
	select {
	case <-connected:
		return ctrl, nil
	case <-time.After(timeout):
		ctrl.Teardown()
		return nil, fmt.Errorf("could not connect to the chat channel within %s", timeout)
	case <-ctx.Done():
		ctrl.Teardown()
		return nil, ctx.Err()
	}
}

func threadRef(id string, group bool) fmchat.ThreadRef {
	if group {
		return fmchat.GroupRef(id)
	}
	return fmchat.DirectRef(id)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatMessage(m fmchat.Message) string {
	who := m.SenderID
	if m.Sender != nil && (m.Sender.Name != "" || m.Sender.Email != "") {
		who = m.Sender.DisplayName()
	}
	line := fmt.Sprintf("[%s] %s: %s", formatTime(m.CreatedAt), who, m.Text())
	if m.HasAttachment() {
		line += " (file: " + *m.FileURL + ")"
	}
	if m.State == fmchat.StatePending {
		line += " ..."
	} else if m.ReadAt != nil {
		line += " ✓✓"
	}
	return line
}
