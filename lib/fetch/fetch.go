// Package fetch implements the engine's Fetcher over resty.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"crawlcompose/lib/composer"
	"crawlcompose/lib/restyutil"
	"crawlcompose/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

const report_client_fetch = "client.fetch"

type Config struct {
	// requests per second, 0 disables rate limiting
	RateLimit float64 `json:"rate_limit"`
	// max burst >= 1 just means that no requests will be dropped
	Burst            int    `json:"burst"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	UserAgent        string `json:"user_agent"`
	CloudflareBypass bool   `json:"cloudflare_bypass"`
	// DebugOutputDir receives full request/response dumps when set
	DebugOutputDir string `json:"debug_output_dir"`
	// RedirectDomains restricts redirects to the given hostnames
	RedirectDomains []string `json:"redirect_domains"`
	MaxRedirects    int      `json:"max_redirects"`
}

type Client struct {
	http *resty.Client
	tel  telemetry.API
}

func NewClient(cfg Config, tel telemetry.API) (*Client, error) {
	if tel == nil {
		tel = telemetry.SlogAPI{}
	}
	tel = telemetry.NewScopedAPI("fetch", tel)

	httpClient := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	if cfg.CloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	httpClient.SetHeader("user-agent", userAgent)

	switch {
	case len(cfg.RedirectDomains) > 0:
		httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(cfg.RedirectDomains...))
	case cfg.MaxRedirects > 0:
		httpClient.SetRedirectPolicy(resty.FlexibleRedirectPolicy(cfg.MaxRedirects))
	}

	timeout := time.Second * 30
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Second * time.Duration(cfg.TimeoutSeconds)
	}
	httpClient.SetTimeout(timeout)

	if cfg.RateLimit > 0 {
		burst := max(cfg.Burst, 1)
		rateLimiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return rateLimiter.Wait(req.Context())
		})
	}

	var output restyutil.InstrumentOutput
	if cfg.DebugOutputDir != "" {
		fsOutput, err := restyutil.NewFilesystemOutput(cfg.DebugOutputDir)
		if err != nil {
			return nil, err
		}
		output = fsOutput
	}
	restyutil.InstrumentClient(httpClient, otel.Tracer("lib/fetch/http"), output)

	return &Client{http: httpClient, tel: tel}, nil
}

// Fetch issues req, any HTTP status is returned as a response.
func (c *Client) Fetch(ctx context.Context, req *composer.Request) (*composer.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	r := c.http.R().SetContext(ctx)
	for k, values := range req.Header {
		r.SetHeaderMultiValues(map[string][]string{k: values})
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	res, err := r.Execute(method, req.URL)
	if err != nil {
		if ctx.Err() == nil {
			c.tel.ReportDebug(report_client_fetch, err, method, req.URL)
		}
		return nil, fmt.Errorf("fetch %s %s: %w", method, req.URL, err)
	}

	finalURL := req.URL
	if res.RawResponse != nil && res.RawResponse.Request != nil && res.RawResponse.Request.URL != nil {
		finalURL = res.RawResponse.Request.URL.String()
	}
	return &composer.Response{
		Request: req,
		URL:     finalURL,
		Status:  res.StatusCode(),
		Header:  res.Header(),
		Body:    res.Body(),
	}, nil
}

// Get fetches rawURL and returns its body, non 2xx statuses are errors.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	res, err := c.Fetch(ctx, composer.NewRequest(rawURL))
	if err != nil {
		return nil, err
	}
	if res.Status < 200 || res.Status >= 300 {
		return nil, fmt.Errorf("fetch GET %s: unexpected status %d", rawURL, res.Status)
	}
	return res.Body, nil
}
