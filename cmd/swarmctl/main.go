// Command swarmctl starts a session, adds whatever torrents/magnets
// are named on the command line, and prints colored progress lines
// until interrupted. There is no daemon/RPC split here (the engine
// carries no RPC server, unlike rain) — swarmctl links the engine
// directly, the way a single-binary client would.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/brkwd/swarmd"
	"github.com/brkwd/swarmd/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("swarmctl: %v", err))
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "~/.config/swarmd/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := swarmd.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.SetJSON(cfg.LogJSON)
	if lvl, lerr := logrus.ParseLevel(cfg.LogLevel); lerr == nil {
		logger.SetLevel(lvl)
	}

	s, err := swarmd.New(*cfg)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer s.Close()

	for _, uri := range flag.Args() {
		t, err := addOne(s, uri)
		if err != nil {
			fmt.Fprintln(os.Stderr, color.YellowString("skip %s: %v", uri, err))
			continue
		}
		fmt.Println(color.CyanString("added %s (%s)", t.Name(), t.ID()))
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigC:
			return nil
		case <-ticker.C:
			printStatus(s)
		}
	}
}

func addOne(s *swarmd.Session, uri string) (*swarmd.Torrent, error) {
	if f, err := os.Open(uri); err == nil {
		defer f.Close()
		return s.AddTorrent(f)
	}
	return s.AddURI(uri)
}

func printStatus(s *swarmd.Session) {
	for _, t := range s.ListTorrents() {
		status := color.YellowString("downloading")
		if t.Complete() {
			status = color.GreenString("complete")
		}
		fmt.Printf("%-20s %-10s %s\n", t.Name(), status, t.InfoHash())
	}
}
