package saves

import (
	"context"
	"time"

	"savesync/internal/logging"
	"savesync/internal/metrics"
)

// DefaultStagingMaxAge is how long a staged write may sit before it is
// treated as abandoned.
const DefaultStagingMaxAge = time.Hour

// Janitor periodically removes abandoned staging files and applies the
// retention policy. It implements suture.Service.
type Janitor struct {
	svc           *Service
	interval      time.Duration
	stagingMaxAge time.Duration
}

// NewJanitor creates a janitor that sweeps every interval.
func NewJanitor(svc *Service, interval, stagingMaxAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if stagingMaxAge <= 0 {
		stagingMaxAge = DefaultStagingMaxAge
	}
	return &Janitor{svc: svc, interval: interval, stagingMaxAge: stagingMaxAge}
}

// Serve sweeps once at start and then on every tick until ctx is done.
func (j *Janitor) Serve(ctx context.Context) error {
	j.Sweep(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) {
	count, err := j.svc.CleanupStaging(ctx, j.stagingMaxAge)
	if err != nil {
		logging.Storage.Error().Err(err).Msg("staging cleanup failed")
	} else if count > 0 {
		metrics.JanitorRemoved.WithLabelValues("staging").Add(float64(count))
		logging.Storage.Info().Int("count", count).Msg("removed abandoned staging files")
	}

	pruned, err := j.svc.Prune(ctx)
	if err != nil {
		logging.Storage.Error().Err(err).Msg("retention prune failed")
	} else if pruned > 0 {
		metrics.JanitorRemoved.WithLabelValues("version").Add(float64(pruned))
		logging.Storage.Info().Int("count", pruned).Msg("pruned old save versions")
	}
}

func (j *Janitor) String() string {
	return "saves-janitor"
}
