package providers

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/cloudworkers/internal/telemetry"
)

// NewHTTPClient returns an http.Client for cloud SDKs. Requests are rate
// limited and retried on connection errors and on cfg.RetryableErrors. Once
// retries are exhausted the last response is handed back so the SDK can
// build its own error from it. timeout applies to each attempt.
func NewHTTPClient(cfg RetryConfig, requestsPerSecond float64, timeout time.Duration) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.InitialDelay
	rc.RetryWaitMax = cfg.MaxDelay
	rc.Logger = leveledLogger{telemetry.Component("http")}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil || ctx.Err() != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		return slices.Contains(cfg.RetryableErrors, resp.StatusCode), nil
	}
	rc.HTTPClient.Timeout = timeout
	if requestsPerSecond > 0 {
		rc.HTTPClient.Transport = &rateLimited{base: rc.HTTPClient.Transport, limiter: NewRateLimiter(requestsPerSecond)}
	}
	return rc.StandardClient()
}

// rateLimited spaces out every attempt, retries included.
type rateLimited struct {
	base    http.RoundTripper
	limiter *RateLimiter
}

func (t *rateLimited) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger. Key/value
// pairs become event fields.
type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Error(msg string, kv ...interface{}) { z.l.Error().Fields(kv).Msg(msg) }
func (z leveledLogger) Info(msg string, kv ...interface{})  { z.l.Info().Fields(kv).Msg(msg) }
func (z leveledLogger) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveledLogger) Warn(msg string, kv ...interface{})  { z.l.Warn().Fields(kv).Msg(msg) }
