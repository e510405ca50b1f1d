package syncclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"savesync/internal/logging"
)

// RetryConfig bounds UploadWithRetry.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = time.Second
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = 30 * time.Second
	}
	return r
}

// UploadWithRetry uploads with exponential backoff. Network and server
// storage failures are retried up to the configured attempt count;
// unauthorized and invalid uploads fail immediately.
func (c *Client) UploadWithRetry(ctx context.Context, saveName string, data []byte) (UploadResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retry.MaxAttempts-1)), ctx)

	var result UploadResult
	attempt := 0
	op := func() error {
		attempt++
		res, err := c.Upload(ctx, saveName, data)
		result = res
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logging.Client.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Str("save", saveName).Msg("upload failed, retrying")
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err != nil && result.Reason == ReasonNone {
		result.Reason = ReasonOf(err)
	}
	return result, err
}
