package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NodePath81/fbping/internal/client"
	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/control"
	"github.com/NodePath81/fbping/internal/metrics"
	"github.com/NodePath81/fbping/internal/netinfo"
	"github.com/NodePath81/fbping/internal/util"
	"github.com/NodePath81/fbping/internal/version"
)

type clientFlags struct {
	configPath string
	host       string
	port       int
	intervalMs int
	timeoutMs  int
	output     string
}

func newFlagSet(name string) (*flag.FlagSet, *clientFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := &clientFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.host, "server", "", "Server ip address")
	fs.StringVar(&f.host, "s", "", "Server ip address (shorthand)")
	fs.IntVar(&f.port, "port", 0, "Server port")
	fs.IntVar(&f.port, "p", 0, "Server port (shorthand)")
	fs.IntVar(&f.intervalMs, "interval", 0, "Ping interval in milliseconds (default 1000)")
	fs.IntVar(&f.intervalMs, "i", 0, "Ping interval in milliseconds (shorthand)")
	fs.IntVar(&f.timeoutMs, "timeout", 0, "Ping timeout in milliseconds (default 10000)")
	fs.IntVar(&f.timeoutMs, "t", 0, "Ping timeout in milliseconds (shorthand)")
	fs.StringVar(&f.output, "output", "", "Stat rolling output file")
	fs.StringVar(&f.output, "o", "", "Stat rolling output file (shorthand)")
	return fs, f
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			fs, f := newFlagSet("run")
			_ = fs.Parse(os.Args[2:])
			runClient(f)
			return
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	fs, f := newFlagSet("fbping")
	_ = fs.Parse(os.Args[1:])
	runClient(f)
}

func loadConfig(f *clientFlags) (config.ClientConfig, error) {
	interval := time.Duration(f.intervalMs) * time.Millisecond
	timeout := time.Duration(f.timeoutMs) * time.Millisecond
	if f.configPath == "" {
		return config.ClientFromFlags(f.host, f.port, interval, timeout, f.output)
	}
	cfg, err := config.LoadClientConfig(f.configPath)
	if err != nil {
		return config.ClientConfig{}, err
	}
	if err := cfg.ApplyFlags(f.host, f.port, interval, timeout, f.output); err != nil {
		return config.ClientConfig{}, err
	}
	return cfg, nil
}

func runClient(f *clientFlags) {
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	level, err := util.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	logger := util.NewLogger(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown requested")
		cancel()
	}()

	logRoute(logger, cfg.Server.Host)

	clientMetrics := metrics.NewClientMetrics()
	var store *control.StatusStore
	if cfg.Control.IsEnabled() {
		hub := control.NewStatusHub(ctx.Done())
		store = control.NewStatusStore(control.RoleClient, hub)
		ctrl := control.NewControlServer(cfg.Control, store, clientMetrics, logger)
		if err := ctrl.Start(ctx); err != nil {
			logger.Error("startup failed", "error", err)
			os.Exit(1)
		}
	}

	sup := client.NewSupervisor(cfg, clientMetrics, store, logger)
	if err := sup.Run(ctx); err != nil {
		logger.Error("client failed", "error", err)
		os.Exit(1)
	}
}

// logRoute reports which interface and gateway the kernel picks for
// the probe target, which is the first thing to check when loss shows
// up on one path of a multi-homed box.
func logRoute(logger util.Logger, host string) {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return
		}
		ip = addrs[0]
	}
	route, err := netinfo.RouteTo(ip)
	if err != nil {
		logger.Debug("route lookup unavailable", "target", ip.String(), "error", err)
		return
	}
	attrs := []any{"target", ip.String(), "interface", route.Interface}
	if route.Gateway != nil {
		attrs = append(attrs, "gateway", route.Gateway.String())
	}
	if route.Source != nil {
		attrs = append(attrs, "source", route.Source.String())
	}
	logger.Info("route to server", attrs...)
}

func checkConfig(path string) {
	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: probing %s every %s\n",
		util.NetJoin(cfg.Server.Host, cfg.Server.Port), cfg.Probe.Interval.Duration())
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`fbping - TCP/UDP link quality prober

Usage:
  fbping -s <host> -p <port> [-i <ms>] [-t <ms>] [-o <file>]
  fbping run --config <path>    Start the prober from a config file
  fbping check --config <path>  Validate config file
  fbping help                   Show this help
  fbping version                Print version
`)
}
