package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultScheme     = "http"
	DefaultPort       = 8080
	DefaultAPIVersion = "v1"
)

var (
	// ErrNoEndpointAvailable is returned by Pick when the ranked healthy set is empty.
	ErrNoEndpointAvailable = errors.New("no healthy backend endpoint available")
	// ErrNoResponse is returned by Call when every attempt failed. It is an expected outcome, not a fault.
	ErrNoResponse = errors.New("backend did not respond")
	// ErrInvalidEndpoint is returned when a static node string cannot be parsed.
	ErrInvalidEndpoint = errors.New("invalid endpoint address")
)

// Endpoint is one network address of the ledger backend.
type Endpoint struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	Scheme     string        `json:"scheme"`
	APIVersion string        `json:"api_version"`
	Healthy    bool          `json:"healthy"`
	Latency    time.Duration `json:"latency_ns"`
	LastSeen   time.Time     `json:"last_seen,omitempty"`
}

// ID is the host:port key the pool tracks the endpoint under.
func (e Endpoint) ID() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL is the versioned API root, e.g. http://ledger:8080/api/v1.
func (e Endpoint) BaseURL() string {
	version := e.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	return fmt.Sprintf("%s://%s/api/%s", e.Scheme, e.ID(), version)
}

// HealthURL is probed by the health sweep.
func (e Endpoint) HealthURL() string {
	return e.BaseURL() + "/health"
}

// ParseEndpoint accepts "host", "host:port" or "scheme://host:port".
func ParseEndpoint(raw, apiVersion string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	scheme := DefaultScheme
	if i := strings.Index(s, "://"); i >= 0 {
		scheme = strings.ToLower(s[:i])
		s = s[i+3:]
	}
	s = strings.TrimSuffix(s, "/")
	if scheme != "http" && scheme != "https" {
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, scheme)
	}

	host, port := s, DefaultPort
	if h, p, err := net.SplitHostPort(s); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return Endpoint{}, fmt.Errorf("%w: bad port in %q", ErrInvalidEndpoint, raw)
		}
		host, port = h, n
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return Endpoint{}, fmt.Errorf("%w: bad host in %q", ErrInvalidEndpoint, raw)
	}
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}

	return Endpoint{Host: host, Port: port, Scheme: scheme, APIVersion: apiVersion}, nil
}
