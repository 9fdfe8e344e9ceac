// Command cda-core is the client device authentication core's CLI entry
// point: serve runs the core, and the ca, cert, and policy subcommands
// cover offline inspection and debugging.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/cda/pkg/config"
	"github.com/cuemby/cda/pkg/core"
	"github.com/cuemby/cda/pkg/log"
	"github.com/cuemby/cda/pkg/metrics"
	"github.com/cuemby/cda/pkg/rotation"
	"github.com/cuemby/cda/pkg/security"
	"github.com/cuemby/cda/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cda-core",
	Short: "cda-core - client device authentication core for edge gateways",
	Long: `cda-core issues and rotates client/server certificates for an edge
gateway device, verifies connecting client device identities, and authorizes
their actions against a configured device-group policy tree.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cda-core version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "/var/lib/cda-core", "Directory for persisted CA/identity/session state")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML configuration file (defaults applied for anything unset)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(policyCmd)

	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caStatusCmd)

	certCmd.AddCommand(certIssueCmd)
	certIssueCmd.Flags().String("subject", "", "Certificate subject (common name)")
	certIssueCmd.Flags().String("role", "client", "Subscription role: client, server, or client-and-server")
	certIssueCmd.MarkFlagRequired("subject")

	policyCmd.AddCommand(policyValidateCmd)

	serveCmd.Flags().String("metrics-addr", ":9090", "Address to serve Prometheus metrics on")
	serveCmd.Flags().String("thing-name", "", "IoT thing name this device presents to the cloud shadow service")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newCore(cmd *cobra.Command) (*core.Core, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	opts, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return core.New(core.Config{DataDir: dataDir, Options: opts})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication core, serving metrics until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		thingName, _ := cmd.Flags().GetString("thing-name")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		opts, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		metrics.SetVersion(Version)

		c, err := core.New(core.Config{DataDir: dataDir, Options: opts, ThingName: thingName})
		if err != nil {
			return fmt.Errorf("failed to construct core: %w", err)
		}
		if err := c.Bootstrap(); err != nil {
			return fmt.Errorf("failed to bootstrap core: %w", err)
		}

		if !opts.Metrics.DisableMetrics {
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/live", metrics.LivenessHandler())
			go func() {
				log.WithComponent("serve").Info().Str("addr", metricsAddr).Msg("serving metrics")
				if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
					log.WithComponent("serve").Error().Err(err).Msg("metrics server stopped")
				}
			}()
		}

		fmt.Println("cda-core running, press Ctrl+C to stop")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("shutting down...")
		return c.Shutdown()
	},
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the certificate authority (managed or custom, per configuration)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore(cmd)
		if err != nil {
			return err
		}
		ca := c.CAStore().Current()
		if ca == nil {
			return fmt.Errorf("certificate authority failed to initialize")
		}
		fmt.Printf("✓ Certificate authority initialized (kind=%s algorithm=%s)\n", ca.Kind, ca.KeyAlgorithm)
		printCertSummary(ca.Leaf())
		return nil
	},
}

var caStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the currently loaded certificate authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore(cmd)
		if err != nil {
			return err
		}
		ca := c.CAStore().Current()
		if ca == nil {
			fmt.Println("no certificate authority loaded")
			return nil
		}
		fmt.Printf("kind:      %s\n", ca.Kind)
		fmt.Printf("algorithm: %s\n", ca.KeyAlgorithm)
		fmt.Printf("chain len: %d\n", len(ca.Chain))
		printCertSummary(ca.Leaf())
		return nil
	},
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Issue and inspect device certificates",
}

var certIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a leaf certificate directly against the local CA",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		role, _ := cmd.Flags().GetString("role")

		c, err := newCore(cmd)
		if err != nil {
			return err
		}

		subRole := types.SubscriptionRole(role)
		var issued *rotation.CertificateUpdateEvent
		_, err = c.Service.SubscribeToCertificateUpdates(subject, subRole, func(ev rotation.CertificateUpdateEvent) {
			issued = &ev
		})
		if err != nil {
			return fmt.Errorf("failed to issue certificate: %w", err)
		}
		if issued == nil || issued.Leaf == nil {
			return fmt.Errorf("issuance completed without delivering a certificate")
		}
		if err := security.ValidateCertChain(issued.Leaf, c.CAStore().Current().Leaf()); err != nil {
			return fmt.Errorf("issued certificate failed chain validation: %w", err)
		}

		fmt.Printf("✓ Issued certificate for %q (role=%s)\n", subject, role)
		printCertSummary(issued.Leaf)
		fmt.Print(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: issued.Leaf.Raw})))
		fmt.Print(string(issued.KeyPEM))
		return nil
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate the device-group policy tree",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configured deviceGroups policy tree and report its shape",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		groups := opts.GroupDefinitions()
		if len(groups) == 0 {
			fmt.Println("no device groups configured")
			return nil
		}

		total := 0
		for _, g := range groups {
			fmt.Printf("group %q (selectionRule=%q): %d polic%s\n", g.Name, g.SelectionRule, len(g.Policies), plural(len(g.Policies)))
			for name, p := range g.Policies {
				permCount := len(p.Principals) * len(p.Operations) * len(p.Resources)
				if len(p.Principals) == 0 {
					permCount = len(p.Operations) * len(p.Resources)
				}
				total += permCount
				fmt.Printf("  policy %q: %d operation(s) x %d resource(s) -> %d permission(s)\n", name, len(p.Operations), len(p.Resources), permCount)
			}
		}
		fmt.Printf("✓ %d device group(s), %d compiled permission(s)\n", len(groups), total)
		return nil
	},
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func printCertSummary(cert *x509.Certificate) {
	if cert == nil {
		return
	}
	info := security.GetCertInfo(cert)
	for _, key := range []string{"subject", "issuer", "serial_number", "not_before", "not_after"} {
		fmt.Printf("%-14s %v\n", key+":", info[key])
	}
	fmt.Printf("%-14s %s\n", "expires in:", security.GetCertTimeRemaining(cert).Round(time.Minute))
}
