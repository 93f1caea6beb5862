package session

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

var ErrEndpointRequired = errors.New("session: endpoint required")

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Dialer opens a link to an endpoint.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialEndpoint connects to a downstream plugin's endpoint, retrying with
// backoff up to cfg.MaxConnectAttempts. Endpoints are "tcp://host:port",
// "unix:///path" or a bare host:port.
func DialEndpoint(ctx context.Context, d Dialer, endpoint string, cfg Config) (net.Conn, error) {
	network, address, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if d == nil {
		d = &net.Dialer{Timeout: cfg.ConnectTimeout}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := d.DialContext(ctx, network, address)
		if err == nil {
			return conn, nil
		}
		if cfg.MaxConnectAttempts > 0 && attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		timer := time.NewTimer(NextBackoffDelay(cfg.Backoff, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// ParseEndpoint splits an endpoint into a net network and address.
func ParseEndpoint(endpoint string) (string, string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", "", ErrEndpointRequired
	}
	if rest, ok := strings.CutPrefix(endpoint, "unix://"); ok {
		return "unix", rest, nil
	}
	if rest, ok := strings.CutPrefix(endpoint, "tcp://"); ok {
		return "tcp", rest, nil
	}
	return "tcp", endpoint, nil
}

// FormatEndpoint renders a listener address as an endpoint string.
func FormatEndpoint(addr net.Addr) string {
	if addr.Network() == "unix" {
		return "unix://" + addr.String()
	}
	return "tcp://" + addr.String()
}
