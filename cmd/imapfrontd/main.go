// Command imapfrontd runs the IMAP frontend server against a JMAP-shaped
// backend. The CLI stays thin: it loads configuration, opens the uid
// index and the listeners, and runs the server until a shutdown signal.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"crawshaw.io/iox"

	"imapfront/imap/backend/memclient"
	"imapfront/imap/config"
	"imapfront/imap/housekeeping"
	"imapfront/imap/imapserver"
	"imapfront/imap/jmapbridge"
	"imapfront/imap/mboxcache"
	"imapfront/imap/uidindex"
)

var version = "unknown" // filled in by -ldflags=-X main.version=<val>

func main() {
	app := &cli.App{
		Name:  "imapfrontd",
		Usage: "IMAP4rev1/IMAP4rev2 frontend for a JMAP-shaped backend",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("imapfrontd: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("imapfrontd: invalid configuration: %w", err)
	}

	logf := func(format string, v ...interface{}) { log.Printf(format, v...) }
	logf("imapfrontd %s starting", version)

	idx, err := uidindex.Open(cfg.CacheDir+"/uidindex.db", cfg.WorkerPoolSize, logf)
	if err != nil {
		return fmt.Errorf("imapfrontd: open uid index: %w", err)
	}
	defer idx.Close()

	filer := iox.NewFiler(0)

	// The real JMAP-shaped backend is reached over HTTP and lives in its
	// own service. memclient stands in as the concrete Client this binary
	// can construct without that backend; swap it for a real HTTP
	// implementation when one exists.
	client := memclient.New()
	ds := jmapbridge.New(client, cfg.JMAPURL, filer, idx,
		mboxcache.Options{NameShared: cfg.NameShared, NameAll: cfg.NameAll}, logf)

	var tlsConfig *tls.Config
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return fmt.Errorf("imapfrontd: load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	server := &imapserver.Server{
		MaxConns:  1024,
		TLSConfig: tlsConfig,
		DataStore: ds,
		Filer:     filer,
		Logf:      logf,
		Version:   version,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	purgeSched, err := housekeeping.ParseSchedule(cfg.CachePurgeEvery)
	if err != nil {
		return fmt.Errorf("imapfrontd: cache-purge-every: %w", err)
	}
	go housekeeping.Run(ctx, housekeeping.UIDIndexPurger{Purger: idx},
		purgeSched, cfg.CacheRemovedIDTTL, logf)

	// Two-port model: BindPort accepts plain connections that
	// upgrade via STARTTLS, BindPortTLS is TLS from the first byte.
	// cfg.Validate already requires at least one of the two to be set.
	var ln, lnTLS net.Listener
	if cfg.BindPort > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort)
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("imapfrontd: listen %s: %w", addr, err)
		}
		logf("imap: listening on %s", addr)
	}
	if tlsConfig != nil && cfg.BindPortTLS > 0 {
		addrTLS := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPortTLS)
		lnTLS, err = net.Listen("tcp", addrTLS)
		if err != nil {
			return fmt.Errorf("imapfrontd: listen %s: %w", addrTLS, err)
		}
		logf("imap: listening on %s (TLS)", addrTLS)
	}

	go func() {
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		for {
			select {
			case <-shutdown:
				cancel()
				return
			case <-reload:
				// Configuration is immutable once the listeners are
				// up; a reload only revalidates the file so operators
				// learn about errors before the next restart.
				if newCfg, err := config.Load(c.String("config")); err != nil {
					logf("imapfrontd: SIGHUP reload failed: %v", err)
				} else if err := newCfg.Validate(); err != nil {
					logf("imapfrontd: SIGHUP reload invalid: %v", err)
				} else {
					logf("imapfrontd: SIGHUP: configuration reloaded; restart to apply")
				}
			}
		}
	}()

	serveErr := make(chan error, 2)
	if ln != nil {
		go func() { serveErr <- server.Serve(ln) }()
	}
	if lnTLS != nil {
		go func() { serveErr <- server.ServeTLS(lnTLS) }()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}
