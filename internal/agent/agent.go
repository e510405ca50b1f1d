// Package agent ties the process monitor to the sync client: when the game
// exits and its save changed, the save is uploaded.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"savesync/internal/logging"
	"savesync/internal/monitor"
	"savesync/internal/syncclient"
)

// Uploader is the part of the sync client the agent needs.
type Uploader interface {
	UploadWithRetry(ctx context.Context, saveName string, data []byte) (syncclient.UploadResult, error)
}

// Config configures an Agent.
type Config struct {
	SavePath string
	SaveName string
	// StateDir holds the failure marker.
	StateDir string
}

// Agent uploads the save after each game session. It implements
// suture.Service.
type Agent struct {
	cfg    Config
	client Uploader
	events <-chan monitor.Event

	mu      sync.Mutex
	lastMod time.Time
}

// New creates an agent consuming events.
func New(cfg Config, client Uploader, events <-chan monitor.Event) *Agent {
	return &Agent{cfg: cfg, client: client, events: events}
}

// RecordBaseline remembers the current save mtime so an unchanged save is
// not uploaded on the first exit.
func (a *Agent) RecordBaseline() {
	info, err := os.Stat(a.cfg.SavePath)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.lastMod = info.ModTime()
	a.mu.Unlock()
	logging.Client.Debug().Str("path", a.cfg.SavePath).Time("mtime", info.ModTime()).Msg("recorded save baseline")
}

// Serve handles monitor events until ctx is done.
func (a *Agent) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.events:
			if ev.Transition != monitor.StoppedRunning {
				continue
			}
			logging.Client.Info().Str("process", ev.Process).Msg("game closed")
			if _, err := a.SyncIfModified(ctx); err != nil {
				logging.Client.Error().Err(err).Str("save", a.cfg.SaveName).Msg("automatic upload failed")
			}
		}
	}
}

func (a *Agent) String() string {
	return "save-agent"
}

// SyncIfModified uploads the save if its mtime moved since the last
// successful upload. It reports whether an upload happened.
func (a *Agent) SyncIfModified(ctx context.Context) (bool, error) {
	info, err := os.Stat(a.cfg.SavePath)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Client.Warn().Str("path", a.cfg.SavePath).Msg("save file not found, skipping upload")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	unchanged := !a.lastMod.IsZero() && !info.ModTime().After(a.lastMod)
	a.mu.Unlock()
	if unchanged {
		logging.Client.Info().Str("save", a.cfg.SaveName).Msg("save not modified, skipping upload")
		return false, nil
	}

	if _, err := a.upload(ctx, info.ModTime()); err != nil {
		return false, err
	}
	return true, nil
}

// UploadNow uploads the save regardless of its mtime.
func (a *Agent) UploadNow(ctx context.Context) (syncclient.UploadResult, error) {
	info, err := os.Stat(a.cfg.SavePath)
	if err != nil {
		return syncclient.UploadResult{Reason: syncclient.ReasonInvalidInput}, fmt.Errorf("%w: %v", syncclient.ErrInvalidInput, err)
	}
	return a.upload(ctx, info.ModTime())
}

func (a *Agent) upload(ctx context.Context, mtime time.Time) (syncclient.UploadResult, error) {
	data, err := os.ReadFile(a.cfg.SavePath)
	if err != nil {
		return syncclient.UploadResult{Reason: syncclient.ReasonInvalidInput}, fmt.Errorf("%w: %v", syncclient.ErrInvalidInput, err)
	}

	logging.Client.Info().Str("save", a.cfg.SaveName).Int("size", len(data)).Msg("uploading save")
	res, err := a.client.UploadWithRetry(ctx, a.cfg.SaveName, data)
	if err != nil {
		if ferr := recordFailure(a.cfg.StateDir, Failure{
			Time:    time.Now(),
			Save:    a.cfg.SaveName,
			Reason:  string(res.Reason),
			Message: err.Error(),
		}); ferr != nil {
			logging.Client.Error().Err(ferr).Msg("failed to record upload failure")
		}
		return res, err
	}

	a.mu.Lock()
	if mtime.After(a.lastMod) {
		a.lastMod = mtime
	}
	a.mu.Unlock()
	if err := clearFailure(a.cfg.StateDir); err != nil {
		logging.Client.Warn().Err(err).Msg("failed to clear upload failure marker")
	}
	logging.Client.Info().Str("save", a.cfg.SaveName).Str("id", res.ID).Time("stored_at", res.Timestamp).Msg("upload complete")
	return res, nil
}

// Run supervises the monitor and the agent until ctx is done. Callers
// normally call RecordBaseline first.
func Run(ctx context.Context, mon *monitor.Monitor, a *Agent) error {
	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger(logging.Client)}).MustHook()
	sup := suture.New("savesync-client", suture.Spec{
		EventHook:      hook,
		FailureBackoff: 15 * time.Second,
		Timeout:        10 * time.Second,
	})
	sup.Add(mon)
	sup.Add(a)

	err := sup.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
