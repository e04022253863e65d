// Package main provides the CLI entry point for the iway proxy server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/iwayproxy/iway/internal/agent"
	"github.com/iwayproxy/iway/internal/certutil"
	"github.com/iwayproxy/iway/internal/config"
	"github.com/iwayproxy/iway/internal/logging"
)

const (
	defaultConfigPath = "config.yaml"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iway [config]",
		Short: "iway - TUIC v5 and Trojan proxy server",
		Long: `iway is a proxy server speaking TUIC v5 over QUIC and, optionally,
Trojan over TLS. It relays TCP connections and UDP sessions for
authenticated clients.

With no arguments the configuration is read from config.yaml.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath(args))
		},
	}

	cmd.AddCommand(checkCmd())
	cmd.AddCommand(gencertCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return defaultConfigPath
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("configuration loaded",
		"path", path,
		"build", version.Info())

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := a.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	stop()

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.StopWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [config]",
		Short: "Validate a configuration file",
		Long:  "Parse and validate a configuration file, then print it with secrets redacted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(args)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return printCheck(cmd.OutOrStdout(), path, cfg)
		},
	}
}

func printCheck(w io.Writer, path string, cfg *config.Config) error {
	fmt.Fprintf(w, "%s: OK\n\n", path)

	if cfg.TUIC.Enabled {
		fmt.Fprintf(w, "tuic:   %s, %d user(s)\n", cfg.TUIC.Listen, len(cfg.TUIC.Users))
		if err := printCert(w, cfg.TUIC.TLS); err != nil {
			return fmt.Errorf("tuic: %w", err)
		}
	}
	if cfg.Trojan.Enabled {
		fallback := cfg.Trojan.Fallback
		if fallback == "" {
			fallback = "none"
		}
		fmt.Fprintf(w, "trojan: %s, %d password(s), fallback %s\n",
			cfg.Trojan.Listen, len(cfg.Trojan.Passwords), fallback)
		if err := printCert(w, cfg.Trojan.TLS); err != nil {
			return fmt.Errorf("trojan: %w", err)
		}
	}
	if cfg.Health.Enabled {
		fmt.Fprintf(w, "health: %s\n", cfg.Health.Address)
	}

	fmt.Fprintf(w, "\n%s", cfg.String())
	return nil
}

func printCert(w io.Writer, t config.TLSConfig) error {
	cert, err := certutil.Load(t.Cert, t.Key)
	if err != nil {
		return err
	}
	info := certutil.GetInfo(cert.Certificate)

	status := "expires " + humanize.Time(info.NotAfter)
	if certutil.IsExpired(cert.Certificate) {
		status = "EXPIRED"
	}
	fmt.Fprintf(w, "        certificate %q (%s)", info.Subject, status)
	if info.SelfSigned {
		fmt.Fprint(w, ", self-signed")
	}
	fmt.Fprintln(w)
	return nil
}

func gencertCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
		hosts      []string
	)

	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed certificate",
		Long:  "Generate a self-signed ECDSA certificate and key for the TUIC or Trojan listener.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if validDays < 1 {
				return fmt.Errorf("--days must be positive")
			}

			opts := certutil.DefaultOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour
			opts.DNSNames = append(opts.DNSNames, hosts...)

			cert, err := certutil.Generate(opts)
			if err != nil {
				return fmt.Errorf("failed to generate certificate: %w", err)
			}

			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			certPath := filepath.Join(outDir, "cert.pem")
			keyPath := filepath.Join(outDir, "key.pem")
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("failed to save certificate: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Certificate: %s\n", certPath)
			fmt.Fprintf(out, "Key:         %s\n", keyPath)
			fmt.Fprintf(out, "Names:       %s\n", strings.Join(cert.Certificate.DNSNames, ", "))
			fmt.Fprintf(out, "Expires:     %s (%s)\n",
				cert.Certificate.NotAfter.Format(time.DateOnly),
				humanize.Time(cert.Certificate.NotAfter))
			fmt.Fprintf(out, "Fingerprint: %s\n", cert.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "localhost", "Certificate common name")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write cert.pem and key.pem")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity in days")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "Additional DNS names")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Print("iway"))
		},
	}
}
