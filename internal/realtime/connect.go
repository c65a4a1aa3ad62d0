package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"

	"github.com/avast/retry-go/v4"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultTimeout          = 60 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultPingInterval     = 20 * time.Second
	DefaultMaxFrameBytes    = 10 * 1024 * 1024
	DefaultConnectRetries   = 1
	DefaultRetryDelay       = 250 * time.Millisecond
	DefaultSampleRateHz     = 24000

	realtimePath = "/openai/realtime"
)

// ConnectionConfig is the connection half of a realtime model configuration.
// The field tag names the configuration key reported in errors.
type ConnectionConfig struct {
	Endpoint    string `field:"endpoint" validate:"required"`
	APIVersion  string `field:"api" validate:"required"`
	Deployment  string `field:"deployment" validate:"required"`
	APIKey      string `field:"key" validate:"required_without=BearerToken"`
	BearerToken string `field:"token"`

	// Timeout bounds each wait for the next inbound frame.
	Timeout          time.Duration `field:"timeout" validate:"gte=0"`
	HandshakeTimeout time.Duration `field:"handshake_timeout" validate:"gte=0"`
	PingInterval     time.Duration `field:"ping_interval" validate:"gte=0"`
	MaxFrameBytes    int64         `field:"max_frame_bytes" validate:"gte=0"`
	ConnectRetries   int           `field:"connect_retries" validate:"gte=0,lte=5"`
	RetryDelay       time.Duration `field:"retry_delay" validate:"gte=0"`
	ChunkBytes       int           `field:"chunk_bytes" validate:"gte=0"`
	SampleRateHz     int           `field:"sample_rate_hz" validate:"gte=0"`
}

// NewConnectionConfig returns a config with every optional field defaulted.
func NewConnectionConfig(endpoint, apiVersion, deployment, apiKey string) ConnectionConfig {
	return ConnectionConfig{
		Endpoint:         endpoint,
		APIVersion:       apiVersion,
		Deployment:       deployment,
		APIKey:           apiKey,
		Timeout:          DefaultTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		PingInterval:     DefaultPingInterval,
		MaxFrameBytes:    DefaultMaxFrameBytes,
		ConnectRetries:   DefaultConnectRetries,
		RetryDelay:       DefaultRetryDelay,
		SampleRateHz:     DefaultSampleRateHz,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("field"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate reports the first missing or invalid field. It never touches the network.
func (c ConnectionConfig) Validate() error {
	trimmed := c
	trimmed.Endpoint = strings.TrimSpace(c.Endpoint)
	trimmed.APIVersion = strings.TrimSpace(c.APIVersion)
	trimmed.Deployment = strings.TrimSpace(c.Deployment)
	trimmed.APIKey = strings.TrimSpace(c.APIKey)
	trimmed.BearerToken = strings.TrimSpace(c.BearerToken)

	if err := validate.Struct(trimmed); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return kirokuErrors.Wrap(err, "validate connection config")
		}
		fe := verrs[0]
		switch fe.Tag() {
		case "required", "required_without":
			return kirokuErrors.MissingField(fe.Field())
		default:
			return kirokuErrors.InvalidConfig(fe.Field(), fmt.Sprintf("failed %q constraint", fe.Tag()))
		}
	}
	return nil
}

// SessionURL normalizes the endpoint to a websocket URL and appends the
// realtime path with api-version and deployment query parameters.
func (c ConnectionConfig) SessionURL() (*url.URL, error) {
	raw := strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
	if raw == "" {
		return nil, kirokuErrors.MissingField("endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, kirokuErrors.InvalidConfig("endpoint", "not a valid URL")
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return nil, kirokuErrors.InvalidConfig("endpoint", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return nil, kirokuErrors.InvalidConfig("endpoint", "host is empty")
	}

	u.Path = strings.TrimRight(u.Path, "/") + realtimePath
	u.RawPath = ""
	u.Fragment = ""
	q := url.Values{}
	q.Set("api-version", strings.TrimSpace(c.APIVersion))
	q.Set("deployment", strings.TrimSpace(c.Deployment))
	u.RawQuery = q.Encode()
	return u, nil
}

// Header carries the credential. It is never placed in the URL.
func (c ConnectionConfig) Header() http.Header {
	h := http.Header{}
	if key := strings.TrimSpace(c.APIKey); key != "" {
		h.Set("api-key", key)
	} else if token := strings.TrimSpace(c.BearerToken); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// Connect validates cfg, dials the session URL and retries retryable
// failures up to cfg.ConnectRetries times. It returns the attempt count
// alongside the transport.
func Connect(ctx context.Context, cfg ConnectionConfig, dialer Dialer) (Transport, int, error) {
	if err := cfg.Validate(); err != nil {
		return nil, 0, err
	}
	u, err := cfg.SessionURL()
	if err != nil {
		return nil, 0, err
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}

	mapper := kirokuErrors.NewDefaultErrorMapper()
	req := DialRequest{
		URL:              u.String(),
		Header:           cfg.Header(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		PingInterval:     cfg.PingInterval,
		MaxFrameBytes:    cfg.MaxFrameBytes,
	}

	attempts := 0
	var transport Transport
	err = retry.Do(
		func() error {
			attempts++
			slog.Debug("Dialing realtime endpoint", "host", u.Host, "deployment", cfg.Deployment, "attempt", attempts)
			t, dialErr := dialer.Dial(ctx, req)
			if dialErr != nil {
				return mapper.MapError(dialErr)
			}
			transport = t
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(cfg.ConnectRetries)+1),
		retry.Delay(cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(mapper.IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Realtime connect failed, retrying", "host", u.Host, "attempt", n+1, "category", mapper.Category(err))
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempts, ctxErr
		}
		return nil, attempts, &kirokuErrors.ConnectionError{Host: u.Host, Attempts: attempts, Err: err}
	}

	slog.Info("Realtime session connected", "host", u.Host, "deployment", cfg.Deployment, "attempts", attempts)
	return transport, attempts, nil
}
