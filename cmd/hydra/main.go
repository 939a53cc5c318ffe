package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hydra/internal/app"
	logx "hydra/pkg/logx"
)

const banner = `
  _               _
 | |__  _   _  __| |_ __ __ _
 | '_ \| | | |/ _' | '__/ _' |
 | | | | |_| | (_| | | | (_| |
 |_| |_|\__, |\__,_|_|  \__,_|
        |___/   tcp fan-out proxy
`

func main() {
	var (
		cfgPath string
		port    int
	)
	flag.StringVar(&cfgPath, "config", "config.json", "path to config file (json or yaml)")
	flag.IntVar(&port, "port", -1, "override listen_port from the config (0 picks a free port)")
	flag.Parse()
	// The config path may also be given positionally.
	if flag.NArg() > 0 {
		cfgPath = flag.Arg(0)
	}

	fmt.Print(banner)
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	var opts []app.Option
	if port >= 0 {
		if port > 65535 {
			boot.Error("invalid -port", logx.Int("port", port), logx.String("want", "0..65535"))
			os.Exit(2)
		}
		opts = append(opts, app.WithListenPort(uint16(port)))
	}

	a, err := app.New(cfgPath, opts...)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(context.Background()); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	stopErr := a.Stop(ctx, reason)

	if err := a.Err(); err != nil && reason == app.StopFatalError {
		boot.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
	if stopErr != nil {
		boot.Error("shutdown incomplete", logx.Err(stopErr))
		os.Exit(1)
	}
}
