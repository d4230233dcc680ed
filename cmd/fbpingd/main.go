package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/control"
	"github.com/NodePath81/fbping/internal/geo"
	"github.com/NodePath81/fbping/internal/metrics"
	"github.com/NodePath81/fbping/internal/server"
	"github.com/NodePath81/fbping/internal/util"
	"github.com/NodePath81/fbping/internal/version"
)

type serverFlags struct {
	configPath string
	listenAddr string
	port       int
}

func newFlagSet(name string) (*flag.FlagSet, *serverFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := &serverFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to config file")
	fs.StringVar(&f.listenAddr, "listen", "", "Listen ip address (default 0.0.0.0)")
	fs.StringVar(&f.listenAddr, "l", "", "Listen ip address (shorthand)")
	fs.IntVar(&f.port, "port", 0, "Listen port, shared by TCP and UDP")
	fs.IntVar(&f.port, "p", 0, "Listen port, shared by TCP and UDP (shorthand)")
	return fs, f
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			fs, f := newFlagSet("run")
			_ = fs.Parse(os.Args[2:])
			runServer(f)
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

	fs, f := newFlagSet("fbpingd")
	_ = fs.Parse(os.Args[1:])
	runServer(f)
}

func loadConfig(f *serverFlags) (config.ServerConfig, error) {
	if f.configPath == "" {
		return config.ServerFromFlags(f.listenAddr, f.port)
	}
	cfg, err := config.LoadServerConfig(f.configPath)
	if err != nil {
		return config.ServerConfig{}, err
	}
	if err := cfg.ApplyFlags(f.listenAddr, f.port); err != nil {
		return config.ServerConfig{}, err
	}
	return cfg, nil
}

func runServer(f *serverFlags) {
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

	var resolver *geo.Resolver
	if cfg.Geo.MMDBPath != "" {
		r, gerr := geo.Open(cfg.Geo.MMDBPath)
		if gerr != nil {
			logger.Warn("geoip database unavailable", "path", cfg.Geo.MMDBPath, "error", gerr)
		} else {
			resolver = r
			defer resolver.Close()
		}
	}

	serverMetrics := metrics.NewServerMetrics()
	var store *control.StatusStore
	if cfg.Control.IsEnabled() {
		hub := control.NewStatusHub(ctx.Done())
		store = control.NewStatusStore(control.RoleServer, hub)
		ctrl := control.NewControlServer(cfg.Control, store, serverMetrics, logger)
		if err := ctrl.Start(ctx); err != nil {
			logger.Error("startup failed", "error", err)
			os.Exit(1)
		}
	}

	srv := server.New(cfg, serverMetrics, store, resolver, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func checkConfig(path string) {
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("config valid: listening on %s\n", util.NetJoin(cfg.Listen.Addr, cfg.Listen.Port))
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`fbpingd - TCP/UDP link quality ping responder

Usage:
  fbpingd -l <addr> -p <port>
  fbpingd run --config <path>    Start the responder from a config file
  fbpingd check --config <path>  Validate config file
  fbpingd help                   Show this help
  fbpingd version                Print version
`)
}
