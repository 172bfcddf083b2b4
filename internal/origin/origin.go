// Package origin derives the routing key of a hosted application. Every
// comparison between a frame, its application record and the service
// directory goes through FromURL.
package origin

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// Origin is a "hostname:port" pair.
type Origin string

// ErrNoHost is returned when a URL has no hostname.
var ErrNoHost = errors.New("origin: url has no host")

var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

// FromURL derives the origin of raw. The hostname is lower-cased and a
// missing port is filled in from the scheme, so http://a and http://a:80 are
// the same origin. A bare "host:port" without a scheme is accepted. Path,
// query and userinfo never take part.
func FromURL(raw string) (Origin, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		host, port, err := net.SplitHostPort(raw)
		if err != nil {
			return "", err
		}
		if host == "" {
			return "", ErrNoHost
		}
		return join(host, port), nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Hostname()
	if host == "" {
		return "", ErrNoHost
	}
	port := u.Port()
	if port == "" {
		port = defaultPorts[strings.ToLower(u.Scheme)]
	}
	return join(host, port), nil
}

// Must is like FromURL but panics if raw has no origin.
func Must(raw string) Origin {
	o, err := FromURL(raw)
	if err != nil {
		panic(err)
	}
	return o
}

func join(host, port string) Origin {
	return Origin(net.JoinHostPort(strings.ToLower(host), port))
}

func (o Origin) String() string { return string(o) }
