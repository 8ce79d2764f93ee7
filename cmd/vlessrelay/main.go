// vlessrelay: CLI entry point.
//
// The relay accepts VLESS-over-WebSocket connections and opens the requested
// TCP or UDP destination on the client's behalf. TLS is expected to be
// terminated in front of it.
//
// Settings come from built-in defaults, an optional TOML file (-config), the
// UUID and PROXYIP environment variables, and finally the flags below, each
// layer overriding the previous one.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/vlessrelay/internal/config"
	"github.com/1ureka/vlessrelay/internal/doh"
	"github.com/1ureka/vlessrelay/internal/relay"
	"github.com/1ureka/vlessrelay/internal/server"
	"github.com/1ureka/vlessrelay/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a TOML config file")
	identifier := flag.String("uuid", "", "Client identifier (UUID)")
	fallback := flag.String("proxyip", "", "Fallback host for destinations that close without data")
	listen := flag.String("listen", "", "Listen address (default "+config.DefaultListen+")")
	path := flag.String("path", "", "WebSocket path (default "+config.DefaultPath+")")
	dohURL := flag.String("doh", "", "DNS-over-HTTPS resolver URL (default "+config.DefaultDoHURL+")")
	proxyProtocol := flag.Bool("proxy-protocol", false, "Accept PROXY protocol headers from the TLS terminator")
	logFile := flag.String("log-file", "", "Also write logs to this rotating file")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	pterm.Info.Println(fmt.Sprintf("vlessrelay v%s", version))
	pterm.Println()

	cfg := config.Default()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	// Only flags given on the command line override earlier layers.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "uuid":
			cfg.IdentifierText = *identifier
		case "proxyip":
			cfg.FallbackAddress = *fallback
		case "listen":
			cfg.Listen = *listen
		case "path":
			cfg.Path = *path
		case "doh":
			cfg.DoHURL = *dohURL
		case "proxy-protocol":
			cfg.AcceptProxyProtocol = *proxyProtocol
		case "log-file":
			cfg.LogFile.Path = *logFile
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}

	warnings, err := cfg.Resolve()
	if err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		util.LogWarning("%s", w)
	}

	if cfg.LogFile.Path != "" {
		closer := util.EnableLogFile(util.LogFileOptions{
			Path:       cfg.LogFile.Path,
			MaxSizeMB:  cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAgeDays: cfg.LogFile.MaxAgeDays,
		})
		defer closer.Close()
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogSummary()
	util.LogInfo("relay stopped")
}

// run wires the relay and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	resolver, err := doh.NewClient(cfg.DoHURL, cfg.DialTimeout)
	if err != nil {
		return err
	}
	r := relay.New(cfg, resolver, &net.Dialer{})
	srv := server.New(cfg, r, nil)

	ln, err := srv.Listen()
	if err != nil {
		return err
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("listening on %s%s (VoIP ports %d-%d, DoH %s)",
		ln.Addr(), cfg.Path, cfg.VoIPPorts.Start, cfg.VoIPPorts.End, cfg.DoHURL)
	if cfg.FallbackAddress != "" {
		util.LogInfo("fallback address: %s", cfg.FallbackAddress)
	}

	return srv.Serve(ctx, ln)
}
