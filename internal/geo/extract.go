package geo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoIP is returned when no address can be derived from a resource URI.
var ErrNoIP = errors.New("no ip address found")

var ipv4Pattern = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)

// Schemes whose payload is a base64 envelope rather than a plain authority.
var envelopeSchemes = map[string]bool{
	"vmess": true,
	"ss":    true,
	"ssr":   true,
}

// Endpoint is the server a resource URI points at. Credentials are filled in
// when the URI carries them in a form that can be read without a full
// protocol parser.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	Method   string
}

// ExtractHost returns the best host guess for uri: a literal IPv4 anywhere in
// the text wins, then the decoded envelope, then the plain authority. An
// empty string means nothing usable was found.
func ExtractHost(uri string) string {
	if ip := ipv4Pattern.FindString(uri); ip != "" {
		return ip
	}
	if ep, err := ParseEndpoint(uri); err == nil {
		return ep.Host
	}
	_, payload, ok := strings.Cut(uri, "://")
	if !ok {
		payload = uri
	}
	return authorityHost(payload)
}

// ParseEndpoint extracts the server host and port from a resource URI.
func ParseEndpoint(uri string) (Endpoint, error) {
	scheme, payload, ok := strings.Cut(strings.TrimSpace(uri), "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("parse endpoint: %q has no scheme", uri)
	}
	scheme = strings.ToLower(scheme)
	if envelopeSchemes[scheme] {
		if ep, ok := parseEnvelope(scheme, payload); ok {
			return ep, nil
		}
	}
	u, err := url.Parse(scheme + "://" + payload)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("parse endpoint: %q has no host", uri)
	}
	ep := Endpoint{Host: u.Hostname()}
	ep.Port, _ = strconv.Atoi(u.Port())
	if u.User != nil {
		ep.User = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	// SIP002 ss://base64(method:password)@host:port
	if scheme == "ss" && ep.User != "" && ep.Password == "" {
		if decoded, ok := decodeBase64(ep.User); ok {
			if method, password, ok := strings.Cut(decoded, ":"); ok {
				ep.Method, ep.Password, ep.User = method, password, ""
			}
		}
	}
	return ep, nil
}

func parseEnvelope(scheme, payload string) (Endpoint, bool) {
	decoded, ok := decodeBase64(stripTags(payload))
	if !ok {
		return Endpoint{}, false
	}
	decoded = strings.TrimSpace(decoded)
	if strings.HasPrefix(decoded, "{") && strings.HasSuffix(decoded, "}") {
		return endpointFromJSON(decoded)
	}
	if !strings.Contains(decoded, ":") {
		return Endpoint{}, false
	}
	if scheme == "ssr" {
		// server:port:protocol:method:obfs:password_base64/?params
		parts := strings.Split(decoded, ":")
		if len(parts) < 2 || parts[0] == "" {
			return Endpoint{}, false
		}
		port, _ := strconv.Atoi(parts[1])
		ep := Endpoint{Host: parts[0], Port: port}
		if len(parts) >= 4 {
			ep.Method = parts[3]
		}
		return ep, true
	}
	// method:password@server:port
	creds, hostPort, ok := cutLast(decoded, "@")
	if !ok {
		return Endpoint{}, false
	}
	host, port := splitHostPort(hostPort)
	if host == "" {
		return Endpoint{}, false
	}
	ep := Endpoint{Host: host, Port: port}
	ep.Method, ep.Password, _ = strings.Cut(creds, ":")
	return ep, true
}

func endpointFromJSON(doc string) (Endpoint, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return Endpoint{}, false
	}
	var ep Endpoint
	for _, key := range []string{"add", "host", "addr"} {
		if s, ok := fields[key].(string); ok && strings.TrimSpace(s) != "" {
			ep.Host = strings.TrimSpace(s)
			break
		}
	}
	if ep.Host == "" {
		return Endpoint{}, false
	}
	switch port := fields["port"].(type) {
	case string:
		ep.Port, _ = strconv.Atoi(port)
	case float64:
		ep.Port = int(port)
	}
	if id, ok := fields["id"].(string); ok {
		ep.User = id
	}
	return ep, true
}

// stripTags drops the fragment and the trailing junk some feeds glue onto
// envelopes (a second scheme name, a pipe-separated remark).
func stripTags(payload string) string {
	payload, _, _ = strings.Cut(payload, "#")
	for _, sep := range []string{"vmess", "trojan", "|"} {
		payload, _, _ = strings.Cut(payload, sep)
	}
	return strings.TrimSpace(payload)
}

func decodeBase64(s string) (string, bool) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return "", false
	}
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			return string(raw), true
		}
	}
	return "", false
}

// authorityHost trims s to its authority and drops credentials and port.
func authorityHost(s string) string {
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if _, after, ok := cutLast(s, "@"); ok {
		s = after
	}
	host, _ := splitHostPort(s)
	return host
}

func splitHostPort(s string) (string, int) {
	if host, port, err := net.SplitHostPort(s); err == nil {
		p, _ := strconv.Atoi(port)
		return host, p
	}
	return strings.Trim(s, "[]"), 0
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// HostResolver looks up the addresses of a host name. *net.Resolver
// satisfies it.
type HostResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Extractor turns resource URIs into IP addresses.
type Extractor struct {
	resolver HostResolver
	timeout  time.Duration
}

// NewExtractor builds an Extractor. A nil resolver uses net.DefaultResolver.
func NewExtractor(resolver HostResolver, timeout time.Duration) *Extractor {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Extractor{resolver: resolver, timeout: timeout}
}

// IP returns the address uri points at. Host names are resolved, preferring
// IPv4. Any failure yields ErrNoIP.
func (e *Extractor) IP(ctx context.Context, uri string) (string, error) {
	host := ExtractHost(uri)
	if host == "" {
		return "", ErrNoIP
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	addrs, err := e.resolver.LookupIPAddr(lctx, host)
	if err != nil || len(addrs) == 0 {
		return "", ErrNoIP
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}
