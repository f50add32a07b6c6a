// Command dnssd browses for, announces and tracks DNS-SD services.
//
//	dnssd browse   -type http -proto tcp -timeout 10s
//	dnssd register -name "My Site" -type http -port 8080 -txt path=/,v=2
//	dnssd peers    -port 5000 -data ~/.config/dnssd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/eleven-am/dnssd"
	"github.com/eleven-am/dnssd/internal/adapters/observability"
)

const usage = `usage: dnssd <command> [flags]

commands:
  browse     print every instance of a service type as it resolves
  register   announce one instance until interrupted
  peers      announce this device and list peers running the same service

run "dnssd <command> -h" for the flags of a command`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "browse":
		err = runBrowse(ctx, os.Args[2:], os.Stdout)
	case "register":
		err = runRegister(ctx, os.Args[2:], os.Stdout)
	case "peers":
		err = runPeers(ctx, os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}

	if code := exitCode(err); code != 0 {
		fmt.Fprintln(os.Stderr, "dnssd:", err)
		os.Exit(code)
	}
}

// exitCode is 2 for usage and configuration mistakes, 1 for anything else.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case dnssd.IsInvalidConfig(err):
		return 2
	default:
		return 1
	}
}

// commonFlags are shared by every command.
type commonFlags struct {
	configPath string
	backend    string
	serviceTyp string
	protocol   string
	domain     string
	ifaces     string
	ipv4Only   bool
	debug      bool
	jsonOut    bool
	metrics    string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "JSON config file")
	fs.StringVar(&c.backend, "backend", "", "zeroconf, mdns or static")
	fs.StringVar(&c.serviceTyp, "type", "", "service type without the leading underscore")
	fs.StringVar(&c.protocol, "proto", "", "tcp or udp")
	fs.StringVar(&c.domain, "domain", "", "browse domain")
	fs.StringVar(&c.ifaces, "iface", "", "comma separated interfaces to use")
	fs.BoolVar(&c.ipv4Only, "ipv4", false, "IPv4 only")
	fs.BoolVar(&c.debug, "debug", false, "debug logging")
	fs.BoolVar(&c.jsonOut, "json", false, "print JSON lines")
	fs.StringVar(&c.metrics, "metrics-addr", "", "serve /metrics, /health and /ready on this address")
}

func (c *commonFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// config loads the file named by -config, if any, and applies the flags
// that were set on top of it.
func (c *commonFlags) config() (*dnssd.Config, error) {
	cfg := dnssd.DefaultConfig()
	if c.configPath != "" {
		loaded, err := dnssd.LoadConfigFile(c.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.backend != "" {
		cfg.Backend = dnssd.BackendType(c.backend)
	}
	if c.serviceTyp != "" {
		cfg.Service.Type = strings.TrimPrefix(c.serviceTyp, "_")
	}
	if c.protocol != "" {
		cfg.Service.Protocol = strings.TrimPrefix(c.protocol, "_")
	}
	if c.domain != "" {
		cfg.Service.Domain = c.domain
	}
	if c.ifaces != "" {
		names := splitList(c.ifaces)
		cfg.Zeroconf.Interfaces = names
		if len(names) > 0 {
			cfg.MDNS.Interface = names[0]
		}
	}
	if c.ipv4Only {
		cfg.Zeroconf.IPv4Only = true
		cfg.MDNS.DisableIPv6 = true
	}
	if c.metrics != "" {
		cfg.Metrics.Enabled = true
	}
	cfg.Logger = c.logger()
	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// serveStatus runs the observability server in the background when
// -metrics-addr is set. candidates may be nil.
func (c *commonFlags) serveStatus(ctx context.Context, cfg *dnssd.Config, status observability.StatusProvider, candidates observability.CandidateCounter) {
	if c.metrics == "" {
		return
	}
	obsCfg := observability.DefaultConfig()
	obsCfg.Addr = c.metrics
	server := observability.NewServer(obsCfg, status, nil, cfg.Logger)
	if candidates != nil {
		server.WithCandidates(candidates)
	}
	go func() {
		if err := server.Serve(ctx); err != nil {
			cfg.Logger.Error("observability server failed", "error", err)
		}
	}()
}

// parseTXT reads "k=v,k2=v2". A bare key maps to "".
func parseTXT(s string) (map[string]string, error) {
	txt := make(map[string]string)
	for _, pair := range splitList(s) {
		key, value, _ := strings.Cut(pair, "=")
		if key == "" {
			return nil, fmt.Errorf("txt entry %q has no key", pair)
		}
		txt[key] = value
	}
	return txt, nil
}

// waitFor blocks until ctx ends or, with a positive timeout, the timeout
// passes.
func waitFor(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func printRecord(w io.Writer, r dnssd.ServiceRecord) {
	fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\n",
		r.Name, r.Host, r.Port, strings.Join(r.Addresses, ","), formatTXT(r.TXT))
}

func formatTXT(txt map[string]string) string {
	parts := make([]string, 0, len(txt))
	for k, v := range txt {
		parts = append(parts, k+"="+v)
	}
	slices.Sort(parts)
	return strings.Join(parts, ",")
}
