package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guided-traffic/s3-bucket-proxy/internal/config"
	"github.com/guided-traffic/s3-bucket-proxy/internal/logging"
	"github.com/guided-traffic/s3-bucket-proxy/internal/monitoring"
	"github.com/guided-traffic/s3-bucket-proxy/internal/probe"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy/handlers/health"
	"github.com/guided-traffic/s3-bucket-proxy/internal/tracing"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "s3-bucket-proxy",
		Short: "S3 Bucket Proxy serves many virtual buckets behind one host name",
		Long: `S3 Bucket Proxy is a signature-authenticating reverse proxy for S3-compatible storage.

Every virtual bucket is described by a record in a bucket directory holding the upstream
endpoint, region and credentials. Clients sign their requests with the bucket's credentials
for the proxy's host name; the proxy verifies the signature, re-signs the request for the
upstream endpoint and streams the response back unchanged.

Buckets are addressed virtual-hosted style (<bucket>.<hostname>) or path style
(<hostname>/[prefix/]<bucket>/...).

Bucket directories:
- file: a YAML file re-read on every lookup
- static: buckets listed in the proxy configuration
- redis: one JSON record per key
- postgres: one row per bucket

All configuration is done through YAML configuration files and S3BP_* environment
variables. Use --config to specify a configuration file.`,
		Run: runProxy,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			_ = enc.Encode(buildInfo())
		},
	}

	probeOpts probe.Options
	probeCmd  = &cobra.Command{
		Use:   "probe",
		Short: "List (and optionally write to) a bucket through a running proxy",
		Long: `Probe talks to a running proxy with a regular S3 client. A successful probe shows that
the client signature is accepted and that the upstream accepts the re-signed request.`,
		RunE: runProbe,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")

	probeCmd.Flags().StringVar(&probeOpts.Endpoint, "endpoint", "", "proxy URL, e.g. https://s3.example.com")
	probeCmd.Flags().StringVar(&probeOpts.Bucket, "bucket", "", "virtual bucket name")
	probeCmd.Flags().StringVar(&probeOpts.AccessKeyID, "access-key", os.Getenv("AWS_ACCESS_KEY_ID"), "bucket access key id")
	probeCmd.Flags().StringVar(&probeOpts.SecretAccessKey, "secret-key", os.Getenv("AWS_SECRET_ACCESS_KEY"), "bucket secret access key")
	probeCmd.Flags().StringVar(&probeOpts.Region, "region", "auto", "bucket region")
	probeCmd.Flags().BoolVar(&probeOpts.PathStyle, "path-style", false, "address the bucket in the path")
	probeCmd.Flags().StringVar(&probeOpts.Prefix, "prefix", "", "only list keys with this prefix")
	probeCmd.Flags().Int32Var(&probeOpts.MaxKeys, "max-keys", 20, "maximum number of keys to list")
	probeCmd.Flags().StringVar(&probeOpts.UploadKey, "upload-key", "", "write, read back and delete this key")
	probeCmd.Flags().DurationVar(&probeOpts.Timeout, "timeout", 30*time.Second, "overall probe timeout")
	_ = probeCmd.MarkFlagRequired("endpoint")
	_ = probeCmd.MarkFlagRequired("bucket")

	rootCmd.AddCommand(versionCmd, probeCmd)
}

func initConfig() {
	config.InitConfig(cfgFile)
}

func buildInfo() health.BuildInfo {
	return health.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

func runProxy(cmd *cobra.Command, args []string) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logCloser, err := logging.Configure(logrus.StandardLogger(), cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}
	defer logCloser.Close()

	// Display build information at startup
	logrus.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildTime": buildTime,
	}).Info("S3 Bucket Proxy build information")
	monitoring.SetServerInfo(version, commit, buildTime)

	if cfg.Proxy.InsecureSkipVerify {
		logrus.Warn("SECURITY WARNING: upstream TLS certificates are not verified. This should only be used for development/testing.")
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logrus.WithError(err).Warn("Failed to flush traces")
		}
	}()

	// Create and start the proxy server
	proxyServer, err := proxy.NewServer(cfg, proxy.WithBuildInfo(buildInfo()))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create proxy server")
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	serverDone := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"address":   cfg.BindAddress,
			"hostname":  cfg.Proxy.Hostname,
			"directory": cfg.Directory.Type,
		}).Info("Starting S3 bucket proxy server")
		serverDone <- proxyServer.Start(ctx)
	}()

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logrus.Info("Received shutdown signal, gracefully shutting down...")
		cancel()
		if err := <-serverDone; err != nil {
			logrus.WithError(err).Error("Graceful shutdown did not complete")
		}
	case err := <-serverDone:
		if err != nil {
			logrus.WithError(err).Fatal("Proxy server failed")
		}
	}

	logrus.Info("Server stopped")
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger := logrus.WithField("component", "probe")

	result, err := probe.Run(cmd.Context(), probeOpts, logger)
	if err != nil {
		return err
	}

	for _, obj := range result.Objects {
		fmt.Fprintf(cmd.OutOrStdout(), "%12d  %s\n", obj.Size, obj.Key)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d object(s) listed in %s", len(result.Objects), result.Duration.Round(time.Millisecond))
	if result.Uploaded {
		fmt.Fprintf(cmd.OutOrStdout(), ", write round trip ok")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
