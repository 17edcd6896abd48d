package enricher

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	relayerrors "github.com/sweetpotato0/ai-relay/errors"
	"github.com/sweetpotato0/ai-relay/middleware"
)

// EnricherFunc enriches the context
type EnricherFunc func(*middleware.Context) error

// ContextEnricher adds additional data to the middleware context
type ContextEnricher struct {
	enricher EnricherFunc
}

// NewContextEnricher creates a context enriching middleware
func NewContextEnricher(enricher EnricherFunc) *ContextEnricher {
	return &ContextEnricher{enricher: enricher}
}

// Name returns the middleware name
func (m *ContextEnricher) Name() string {
	return "ContextEnricher"
}

// Execute enriches the context
func (m *ContextEnricher) Execute(ctx *middleware.Context, next middleware.Handler) error {
	if m.enricher != nil {
		if err := m.enricher(ctx); err != nil {
			return err
		}
	}
	return next(ctx)
}

// Headers returns an enricher that adds static headers to every call. Headers already
// present in the request settings win.
func Headers(headers map[string]string) *ContextEnricher {
	return NewContextEnricher(func(ctx *middleware.Context) error {
		if len(headers) == 0 {
			return nil
		}
		settings := ctx.Settings.Clone()
		if settings.Headers == nil {
			settings.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			if _, ok := settings.Headers[k]; !ok {
				settings.Headers[k] = v
			}
		}
		ctx.Settings = settings
		return nil
	})
}

// Transport builds a per-request *http.Client from the TLS and timeout settings and hands it
// to the adapter through Settings.HTTPClient. A client supplied by the caller is kept.
func Transport() *ContextEnricher {
	return NewContextEnricher(func(ctx *middleware.Context) error {
		s := ctx.Settings
		if s.HTTPClient != nil || (s.TLS.Empty() && s.Timeout <= 0) {
			return nil
		}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !s.TLS.Empty() {
			cfg, err := TLSConfig(s.TLS.CAFile, s.TLS.CAPEM, s.TLS.Insecure)
			if err != nil {
				return fmt.Errorf("%s: %w: %v", ctx.ProviderName(), relayerrors.ErrMalformedRequest, err)
			}
			transport.TLSClientConfig = cfg
			ctx.Settings.TLSClientConfig = cfg
		}
		// Timeout bounds the wait for response headers only; streams may run longer.
		if s.Timeout > 0 {
			transport.ResponseHeaderTimeout = s.Timeout
		}
		ctx.Settings.HTTPClient = &http.Client{Transport: transport}
		return nil
	})
}

// TLSConfig returns a TLS configuration trusting the system roots plus the given CA bundle.
func TLSConfig(caFile, caPEM string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure}

	if caFile == "" && caPEM == "" {
		return cfg, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
	}
	if caPEM != "" && !pool.AppendCertsFromPEM([]byte(caPEM)) {
		return nil, fmt.Errorf("no certificates found in inline CA")
	}
	cfg.RootCAs = pool
	return cfg, nil
}
