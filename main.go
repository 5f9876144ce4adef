package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/mon-mesh/pkg/config"
	"github.com/mon-mesh/pkg/directory"
	"github.com/mon-mesh/pkg/feature"
	"github.com/mon-mesh/pkg/listener"
	"github.com/mon-mesh/pkg/logging"
	"github.com/mon-mesh/pkg/metrics"
	"github.com/mon-mesh/pkg/pki"
)

var (
	configFile = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()

	daemonCmd           = kingpin.Command("daemon", "Run the cluster node.").Default()
	daemonListenAddress = daemonCmd.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").String()
	daemonTelemetryPath = daemonCmd.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
	daemonBindAddr      = daemonCmd.Flag("bind-addr", "Address to bind the cluster listener.").String()

	featureCmd          = kingpin.Command("feature", "Manage on-disk feature toggles.")
	featureEnableCmd    = featureCmd.Command("enable", "Enable the named features.")
	featureEnableNames  = featureEnableCmd.Arg("features", "Feature names to enable.").Strings()
	featureDisableCmd   = featureCmd.Command("disable", "Disable the named features.")
	featureDisableNames = featureDisableCmd.Arg("features", "Feature names to disable.").Strings()
	featureAvailableDir = featureCmd.Flag("available-dir", "Directory of available feature files.").Default("features-available").String()
	featureEnabledDir   = featureCmd.Flag("enabled-dir", "Directory of enabled feature links.").Default("features-enabled").String()

	pkiCmd      = kingpin.Command("pki", "Certificate authority operations.")
	pkiNewCACmd = pkiCmd.Command("newca", "Generate a new cluster CA.")
	pkiNewCACN  = pkiNewCACmd.Flag("cn", "Common name for the CA certificate.").Default("Cluster CA").String()

	pkiTicketCmd = pkiCmd.Command("ticket", "Compute the enrollment ticket for an identity.")
	pkiTicketCN  = pkiTicketCmd.Flag("cn", "Identity to compute the ticket for.").Required().String()

	pkiRequestCmd    = pkiCmd.Command("request", "Request a certificate from a cluster node.")
	pkiRequestAddr   = pkiRequestCmd.Flag("address", "host:port of the node to enroll with.").Required().String()
	pkiRequestCN     = pkiRequestCmd.Flag("cn", "Identity to enroll as.").Required().String()
	pkiRequestTicket = pkiRequestCmd.Flag("ticket", "Enrollment ticket for the identity.").Required().String()
)

func main() {
	command := kingpin.Parse()

	cfg := loadConfig()
	logging.SetLevel(cfg.Log.Level)

	switch command {
	case daemonCmd.FullCommand():
		if err := runDaemon(cfg); err != nil {
			logging.Fatalf("Daemon error: %v", err)
		}
	case featureEnableCmd.FullCommand():
		if err := feature.Enable(*featureAvailableDir, *featureEnabledDir, *featureEnableNames); err != nil {
			logging.Warnf("%v", err)
			logging.Flush()
			os.Exit(1)
		}
	case featureDisableCmd.FullCommand():
		if err := feature.Disable(*featureEnabledDir, *featureDisableNames); err != nil {
			logging.Warnf("%v", err)
			logging.Flush()
			os.Exit(1)
		}
	case pkiNewCACmd.FullCommand():
		if err := pki.NewCA(cfg.Node.PKIDir, *pkiNewCACN); err != nil {
			logging.Fatalf("Cannot create CA: %v", err)
		}
	case pkiTicketCmd.FullCommand():
		if cfg.Node.TicketSalt == "" {
			logging.Fatalf("Ticket salt is not configured.")
		}
		fmt.Println(pki.ComputeTicket(*pkiTicketCN, cfg.Node.TicketSalt))
	case pkiRequestCmd.FullCommand():
		certPEM, keyPEM, caPEM, err := pki.Request(*pkiRequestAddr, *pkiRequestCN, *pkiRequestTicket)
		if err != nil {
			logging.Fatalf("Certificate request failed: %v", err)
		}
		if err := pki.WriteNodeFiles(cfg.Node.PKIDir, *pkiRequestCN, certPEM, keyPEM, caPEM); err != nil {
			logging.Fatalf("Cannot write certificate files: %v", err)
		}
		logging.Infof("Wrote certificate, key and CA certificate to %s", cfg.Node.PKIDir)
	}
	logging.Flush()
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		// Missing config file is fine for the CLI commands; the daemon
		// validates topology before starting.
		logging.Infof("Cannot load config file: %v, using defaults", err)
		cfg = &config.Config{}
		cfg.SetDefaults()
		cfg.ApplyEnvOverrides()
	}
	return cfg
}

func runDaemon(cfg *config.Config) error {
	if *daemonBindAddr != "" {
		cfg.Node.BindAddr = *daemonBindAddr
	}
	if *daemonListenAddress != "" {
		cfg.Node.ListenAddress = *daemonListenAddress
	}
	if *daemonTelemetryPath != "" {
		cfg.Node.TelemetryPath = *daemonTelemetryPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	dir, err := buildDirectory(cfg)
	if err != nil {
		return err
	}
	defer dir.Close()

	collector := metrics.NewCollector(nil, nil)

	l, err := listener.New(cfg, dir, collector)
	if err != nil {
		return err
	}
	if err := l.Start(); err != nil {
		return err
	}

	go func() {
		if err := metrics.Serve(collector, cfg.Node.ListenAddress, cfg.Node.TelemetryPath); err != nil {
			logging.Fatalf("Metrics server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logging.Infof("Received shutdown signal, shutting down gracefully...")
	l.Close()
	return nil
}

// buildDirectory loads the configured cluster topology and the durable
// log positions into a fresh directory.
func buildDirectory(cfg *config.Config) (*directory.Directory, error) {
	dir, err := directory.Open(filepath.Join(cfg.Node.DataDir, "directory.db"))
	if err != nil {
		return nil, err
	}
	for _, z := range cfg.Zones {
		dir.AddZone(z.Name)
		for _, epName := range z.Endpoints {
			if _, err := dir.AddEndpoint(epName, z.Name, cfg.EndpointAddress(epName)); err != nil {
				dir.Close()
				return nil, err
			}
		}
	}
	if err := dir.SetLocalZone(cfg.Node.Zone); err != nil {
		dir.Close()
		return nil, err
	}
	return dir, nil
}
