// The sidekiq command runs a standalone engine node: scheduled-set poller,
// janitor, admin API, and optionally a processor pool. Worker code lives in
// embedding binaries, so a node like this usually runs with concurrency 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/theabhaychauhan/sidekiq"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := sidekiq.LoadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			fatal(err)
		}
		fmt.Print(out)
		return
	}

	srv, err := sidekiq.NewServer(cfg, sidekiq.Options{})
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGTSTP quiets the process: running jobs finish, nothing new is fetched.
	tstp := make(chan os.Signal, 1)
	signal.Notify(tstp, syscall.SIGTSTP)
	go func() {
		for range tstp {
			srv.Quiet()
		}
	}()

	if err := srv.Run(ctx); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "sidekiq:", err)
	os.Exit(1)
}
