package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kbnet/pkg/api"
	"kbnet/pkg/config"
	"kbnet/pkg/logging"
	"kbnet/pkg/model"
	"kbnet/pkg/node"
	"kbnet/pkg/version"
)

type serveFlags struct {
	listen    string
	parent    string
	shareDir  string
	name      string
	joinToken string
}

func (f *serveFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.listen, "listen", "", "listen address (overrides listen_addr)")
	cmd.Flags().StringVar(&f.parent, "parent", "", "parent hub URL (overrides parent_hub_url)")
	cmd.Flags().StringVar(&f.name, "name", "", "node name")
	cmd.Flags().StringVar(&f.joinToken, "join-token", "", "join token presented to the parent hub")
}

func (f *serveFlags) apply(nodeType model.NodeType) func(*config.Config) {
	return func(c *config.Config) {
		if nodeType != "" {
			c.NodeType = string(nodeType)
		}
		if f.listen != "" {
			c.ListenAddr = f.listen
		}
		if f.parent != "" {
			c.ParentHubURL = f.parent
		}
		if f.shareDir != "" {
			c.ShareDir = f.shareDir
		}
		if f.name != "" {
			c.Name = f.name
		}
		if f.joinToken != "" {
			c.JoinToken = f.joinToken
		}
		if verbose {
			c.LogLevel = "debug"
		}
	}
}

func hubCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run a hub node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(f.apply(model.NodeTypeHub))
		},
	}
	f.bind(cmd)
	return cmd
}

func shareCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "share [DIR]",
		Short: "Run a share node serving DIR",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.shareDir = args[0]
			}
			return serve(f.apply(model.NodeTypeShare))
		},
	}
	f.bind(cmd)
	return cmd
}

// runCmd starts whatever node_type the configuration names.
func runCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node described by the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(f.apply(""))
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&f.shareDir, "share-dir", "", "directory to share (overrides share_dir)")
	return cmd
}

func serve(override func(*config.Config)) error {
	cfg, err := config.Load(configFile, override)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("failed to init logging: %w", err)
	}
	defer logging.Sync()
	logger := logging.L()

	tlsCfg, err := api.ServerTLSConfig(api.TLSFiles{
		CertFile: cfg.TLSCert,
		KeyFile:  cfg.TLSKey,
		ClientCA: cfg.TLSClientCA,
	})
	if err != nil {
		return err
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           n.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	localURL, localClient := loopback(ln.Addr(), tlsCfg != nil)

	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("http server failed", zap.Error(err))
		}
	}()

	info := n.Info()
	logger.Info("node started",
		zap.String("version", version.Build),
		zap.String("node_id", info.NodeID),
		zap.String("node_type", string(info.NodeType)),
		zap.String("addr", ln.Addr().String()),
		zap.String("listen_url", info.ListenURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A node that cannot reach its configured parent does not start.
	if err := n.Start(ctx, localURL, localClient); err != nil {
		logging.Fatal("cannot join parent hub", zap.String("parent", cfg.ParentHubURL), zap.Error(err))
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
wait:
	for {
		select {
		case <-hup:
			logger.Info("rescanning share")
			n.Rescan()
		case <-ctx.Done():
			break wait
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loopback returns the address tunneled requests are replayed against. The
// listener's certificate is not issued for the loopback name, so TLS
// verification is skipped for this client only.
func loopback(addr net.Addr, useTLS bool) (string, *http.Client) {
	_, port, _ := net.SplitHostPort(addr.String())
	host := net.JoinHostPort("127.0.0.1", port)
	if !useTLS {
		return "http://" + host, nil
	}
	return "https://" + host, &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
}
