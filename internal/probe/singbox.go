package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/catalog"
	"github.com/JakeFAU/resource-catalog/internal/geo"
)

// ErrSubscription is returned by BuildConfig for subscription links, which
// carry no single outbound.
var ErrSubscription = errors.New("subscription links have no outbound")

// Runner executes an external command and returns its captured output.
type Runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs the command with exec.CommandContext.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// SingBoxConfig controls SingBoxChecker.
type SingBoxConfig struct {
	// EnginePath is the sing-box binary; a bare name is looked up in PATH.
	EnginePath string
	Timeout    time.Duration
	// TempDir holds the transient configs. Empty uses os.TempDir.
	TempDir string
}

// SingBoxChecker validates proxy URIs offline with `sing-box check`.
type SingBoxChecker struct {
	cfg    SingBoxConfig
	run    Runner
	logger *zap.Logger
}

var _ catalog.Prober = (*SingBoxChecker)(nil)

// NewSingBoxChecker builds a checker. A nil runner uses ExecRunner.
func NewSingBoxChecker(cfg SingBoxConfig, run Runner, logger *zap.Logger) *SingBoxChecker {
	if cfg.EnginePath == "" {
		cfg.EnginePath = "sing-box"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SingBoxChecker{cfg: cfg, run: run, logger: logger}
}

// OutboundType maps a catalog protocol to the sing-box outbound type.
func OutboundType(p catalog.Protocol) string {
	switch p {
	case catalog.ProtocolSS, catalog.ProtocolSSR:
		return "shadowsocks"
	case catalog.ProtocolHysteria2, "hy2":
		return "hysteria2"
	default:
		return string(p)
	}
}

// BuildConfig materializes a minimal engine configuration routing all
// traffic through the single outbound described by uri.
func BuildConfig(uri string, protocol catalog.Protocol) (map[string]any, error) {
	if protocol.IsSubscription() {
		return nil, ErrSubscription
	}
	ep, err := geo.ParseEndpoint(uri)
	if err != nil {
		return nil, fmt.Errorf("parse %s endpoint: %w", protocol, err)
	}

	outbound := map[string]any{
		"type":        OutboundType(protocol),
		"tag":         "proxy-out",
		"server":      ep.Host,
		"server_port": ep.Port,
	}
	switch outbound["type"] {
	case "shadowsocks":
		outbound["method"] = ep.Method
		outbound["password"] = ep.Password
	case "vmess", "vless":
		outbound["uuid"] = ep.User
	case "trojan", "hysteria2":
		outbound["password"] = firstNonEmpty(ep.Password, ep.User)
	case "tuic":
		outbound["uuid"] = ep.User
		outbound["password"] = ep.Password
	case "hysteria":
		outbound["auth_str"] = firstNonEmpty(ep.Password, ep.User)
	case "ssh":
		outbound["user"] = ep.User
		if ep.Password != "" {
			outbound["password"] = ep.Password
		}
	}

	return map[string]any{
		"log": map[string]any{"level": "warn"},
		"inbounds": []any{
			map[string]any{
				"type":        "socks",
				"tag":         "socks-in",
				"listen":      "127.0.0.1",
				"listen_port": 0,
			},
		},
		"outbounds": []any{
			outbound,
			map[string]any{"type": "direct", "tag": "direct-out"},
		},
		"route": map[string]any{"final": "proxy-out"},
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Probe writes the configuration for res to a transient file and asks the
// engine to check it. Exit code 0 means the URI is structurally valid.
func (c *SingBoxChecker) Probe(ctx context.Context, res catalog.Resource) catalog.ProbeResult {
	start := time.Now()
	var out catalog.ProbeResult

	doc, err := BuildConfig(res.URL, res.Protocol)
	if err != nil {
		out.Error = fmt.Sprintf("build config: %v", err)
		out.Elapsed = time.Since(start)
		return out
	}
	path, err := c.writeConfig(doc)
	if err != nil {
		out.Error = err.Error()
		out.Elapsed = time.Since(start)
		return out
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn("remove probe config", zap.String("path", path), zap.Error(rmErr))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	_, stderr, err := c.run(ctx, c.cfg.EnginePath, "check", "--config", path)
	out.Elapsed = time.Since(start)
	switch {
	case ctx.Err() != nil && err != nil:
		out.Error = fmt.Sprintf("engine check timed out after %s", c.cfg.Timeout)
	case err != nil:
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		out.Error = "engine check failed: " + msg
	default:
		out.Success = true
	}
	return out
}

func (c *SingBoxChecker) writeConfig(doc map[string]any) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	f, err := os.CreateTemp(c.cfg.TempDir, "singbox-*.json")
	if err != nil {
		return "", fmt.Errorf("create config file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write config file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close config file: %w", err)
	}
	return f.Name(), nil
}
