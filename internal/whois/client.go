package whois

import (
	"context"
	"time"

	likexian "github.com/likexian/whois"
	"golang.org/x/time/rate"

	"github.com/anstrom/hostsweep/internal/errors"
)

const (
	defaultQueryTimeout = 10 * time.Second
	defaultRatePerSec   = 5
)

// ClientConfig tunes the network client.
type ClientConfig struct {
	// QueryTimeout bounds one socket exchange with a registry server.
	QueryTimeout time.Duration
	// RatePerSecond caps outgoing queries; registries throttle aggressively.
	RatePerSecond int
	// Server forces a specific WHOIS server instead of IANA referral.
	Server string
}

// Client performs WHOIS lookups over the network.
type Client struct {
	limiter *rate.Limiter
	server  string
	query   func(ip string, servers ...string) (string, error)
}

// NewClient creates a rate-limited client backed by likexian/whois.
func NewClient(cfg ClientConfig) *Client {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSec
	}
	raw := likexian.NewClient().SetTimeout(cfg.QueryTimeout)
	return &Client{
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond),
		server:  cfg.Server,
		query:   raw.Whois,
	}
}

// Lookup queries the registry for ip and returns the allow-listed fields.
// The underlying client has no context support, so the query runs in its
// own goroutine and Lookup returns as soon as ctx is done.
func (c *Client) Lookup(ctx context.Context, ip string) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() == context.Canceled {
			return Result{}, errors.WrapScanErrorWithTarget(errors.CodeCanceled, "whois rate limiter", ip, err)
		}
		// Wait also fails up front when the next token is due after the
		// deadline, so the lookup could not have finished in time.
		return Result{}, errors.ErrStageTimeout(ip, "whois")
	}

	type reply struct {
		raw string
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		var servers []string
		if c.server != "" {
			servers = append(servers, c.server)
		}
		raw, err := c.query(ip, servers...)
		ch <- reply{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, errors.ErrStageTimeout(ip, "whois")
	case r := <-ch:
		if r.err != nil {
			return Result{}, errors.WrapScanErrorWithTarget(errors.CodeWhoisFailed, "whois query failed", ip, r.err)
		}
		fields := Parse(r.raw)
		if len(fields) == 0 {
			return Result{}, errors.NewScanErrorWithTarget(errors.CodeWhoisFailed, "whois response had no usable fields", ip)
		}
		return Result{Fields: fields}, nil
	}
}
