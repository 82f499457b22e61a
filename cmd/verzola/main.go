// verzola is an SMTP relay proxy sitting between a local MTA and the public
// mail network: an inbound listener hands external mail off to a local
// upstream, and an outbound listener resolves and relays local mail to the
// recipient domain's MX.
package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/log"

	"github.com/zcalifornia-ph/verzola/internal/config"
	"github.com/zcalifornia-ph/verzola/internal/inboundsrv"
	"github.com/zcalifornia-ph/verzola/internal/mxresolve"
	"github.com/zcalifornia-ph/verzola/internal/outboundsrv"
	"github.com/zcalifornia-ph/verzola/internal/relaylog"
	"github.com/zcalifornia-ph/verzola/internal/tlspolicy"
)

const usage = `verzola: an SMTP relay proxy.

Usage:
  verzola [--config=<path>] [--mode=<mode>]
  verzola -h | --help
  verzola --version

Options:
  --config=<path>  Path to the YAML configuration file [default: /etc/verzola/verzola.yaml]
  --mode=<mode>    Which listeners to run: both, inbound, or outbound [default: both]
  -h --help        Show this screen.
  --version        Show version and exit.
`

// version is overridden at build time using -ldflags="-X main.version=...".
var version = "undefined"

const dialTimeout = 30 * time.Second

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log.Init()
	log.Infof("verzola starting (version %s)", version)

	configPath, err := opts.String("--config")
	if err != nil {
		log.Fatalf("Error reading --config: %v", err)
	}
	mode, err := opts.String("--mode")
	if err != nil {
		log.Fatalf("Error reading --mode: %v", err)
	}
	runInbound, runOutbound, err := parseMode(mode)
	if err != nil {
		log.Fatalf("Error parsing --mode: %v", err)
	}

	conf, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error loading config %q: %v", configPath, err)
	}

	initRelayLog(conf.RelayLogPath)

	go signalHandler()

	var wg sync.WaitGroup

	if runInbound {
		inSrv, err := buildInbound(conf)
		if err != nil {
			log.Fatalf("Error building inbound listener: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("inbound listening on %s", conf.Inbound.BindAddress)
			if err := inSrv.ListenAndServe(); err != nil {
				log.Fatalf("Inbound listener failed: %v", err)
			}
		}()
	}

	if runOutbound {
		outSrv, err := buildOutbound(conf)
		if err != nil {
			log.Fatalf("Error building outbound listener: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("outbound listening on %s", conf.Outbound.BindAddress)
			if err := outSrv.ListenAndServe(); err != nil {
				log.Fatalf("Outbound listener failed: %v", err)
			}
		}()
	}

	wg.Wait()
}

// parseMode interprets the --mode flag: "both" (the default) runs both
// listeners, "inbound"/"outbound" runs only one, useful for splitting the
// two roles across separate processes or systemd units.
func parseMode(mode string) (runInbound, runOutbound bool, err error) {
	switch mode {
	case "", "both":
		return true, true, nil
	case "inbound":
		return true, false, nil
	case "outbound":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("invalid mode %q (want both, inbound, or outbound)", mode)
	}
}

func buildInbound(conf *config.Config) (*inboundsrv.Server, error) {
	cfg := &inboundsrv.ListenerConfig{
		BindAddress:       conf.Inbound.BindAddress,
		BannerHost:        conf.Inbound.BannerHost,
		AdvertiseStarttls: conf.Inbound.AdvertiseStarttls,
		Policy:            conf.Inbound.Policy(),
		MaxLineLen:        conf.Inbound.MaxLineLen,
		UpstreamAddress:   conf.Inbound.UpstreamAddress,
		DialTimeout:       dialTimeout,
	}

	if conf.Inbound.AdvertiseStarttls {
		upgrader, err := buildServerUpgrader(conf.Inbound.CertFile, conf.Inbound.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Upgrader = upgrader
	}

	return inboundsrv.NewServer(cfg)
}

func buildOutbound(conf *config.Config) (*outboundsrv.Server, error) {
	cfg := &outboundsrv.ListenerConfig{
		BindAddress: conf.Outbound.BindAddress,
		BannerHost:  conf.Outbound.BannerHost,
		Policy:      conf.Outbound.Policy(),
		DomainRules: conf.Outbound.Rules(),
		MaxLineLen:  conf.Outbound.MaxLineLen,
		Resolver:    mxresolve.NewDNSResolver(conf.Outbound.DNSServers),
		DialTimeout: dialTimeout,
	}
	return outboundsrv.NewServer(cfg)
}

// buildServerUpgrader loads the certificate chain configured for the
// inbound listener's STARTTLS upgrade.
//
// This is the thinnest possible wiring of crypto/tls into the Upgrader
// capability (§6): the handshake mechanics themselves are out of scope.
func buildServerUpgrader(certFile, keyFile string) (*tlspolicy.ServerUpgrader, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading cert/key (%s, %s): %w", certFile, keyFile, err)
	}
	return &tlspolicy.ServerUpgrader{
		Config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			// Disable session tickets, same workaround chasquid carries for
			// a Microsoft STARTTLS reconnect bug; doesn't affect us
			// directly but costs nothing to keep.
			SessionTicketsDisabled: true,
		},
	}, nil
}

func initRelayLog(path string) {
	var err error

	switch path {
	case "":
		return // Default (discard) is already set.
	case "<syslog>":
		relaylog.Default, err = relaylog.NewSyslog()
	case "<stdout>":
		relaylog.Default = relaylog.New(os.Stdout)
	case "<stderr>":
		relaylog.Default = relaylog.New(os.Stderr)
	default:
		f, ferr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
		if ferr != nil {
			log.Fatalf("Error opening relay log %q: %v", path, ferr)
		}
		relaylog.Default = relaylog.New(f)
	}

	if err != nil {
		log.Fatalf("Error opening relay log: %v", err)
	}
}

func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("Error reopening log: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}
