package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshircd/ircd/internal/config"
	"github.com/meshircd/ircd/internal/helperchannel"
	"github.com/meshircd/ircd/internal/listener"
	"github.com/meshircd/ircd/internal/logging"
	"github.com/meshircd/ircd/internal/rlimit"
	"github.com/meshircd/ircd/internal/runtime"
)

var help = `
  Usage: ircd [options]

  Options:

    --config, path to the block-structured configuration file (default
    "ircd.conf").

    --helper, path to the ircd-helper binary used for TLS and
    compression offload (default "ircd-helper" on PATH).

    --workers, number of helper worker processes to spawn (default 2).

    --loglevel, one of panic/fatal/error/warning/info/debug/trace
    (default "info").
`

func sigIntHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-sig:
		case <-ctx.Done():
		}
		signal.Stop(sig)
		cancel()
		return
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := flag.String("config", "ircd.conf", "")
	helperPath := flag.String("helper", "ircd-helper", "")
	workers := flag.Int("workers", 2, "")
	logLevel := flag.String("loglevel", "info", "")
	flag.Usage = func() {
		fmt.Print(help)
		os.Exit(1)
	}
	flag.Parse()

	log := logging.New("ircd", logging.ParseLevel(*logLevel))

	watcher, cfg, err := config.NewWatcher(*configPath, log)
	if err != nil {
		log.Fatalf("loading %s: %v", *configPath, err)
	}
	defer watcher.Close()

	needsTLS := false
	for _, l := range cfg.Listen {
		if l.TLS {
			needsTLS = true
		}
	}

	var pool *helperchannel.Pool
	if needsTLS {
		pool = helperchannel.NewPool(*workers, *helperPath, os.Environ(), log)
		if err := pool.Start(); err != nil {
			log.Fatalf("starting helper pool: %v", err)
		}
		defer pool.Stop()
	}

	rt := runtime.New(cfg, pool, log)

	var fdBudget listener.FDBudget
	budget, err := rlimit.NewBudget()
	if err != nil {
		log.WLogf("could not read descriptor limit, admission will not fail closed: %v", err)
	} else {
		fdBudget = budget
	}
	bans := config.NewBanList(cfg)

	for _, lc := range cfg.Listen {
		addr := fmt.Sprintf("%s:%d", lc.Address, lc.Port)
		l := listener.New(addr, lc.TLS, listener.DefaultLimits(), bans, fdBudget, pool, log)
		rt.AddListener(l)
	}

	go sigIntHandler(ctx, cancel)
	go func() {
		<-ctx.Done()
		rt.Stop()
	}()

	if err := rt.Run(); err != nil {
		log.Fatalf("runtime exited: %v", err)
	}
	log.ILogf("ircd shut down")
}
