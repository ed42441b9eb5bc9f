package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kbnet/pkg/consul"
	"kbnet/pkg/kbclient"
	"kbnet/pkg/version"
)

func resolveCmd() *cobra.Command {
	var (
		hubURL     string
		shares     []string
		consulAddr string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "resolve LOCATOR",
		Short: "Resolve a sha1:// or kbucket:// locator to a reachable URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				logger, _ = zap.NewDevelopment()
			}
			defer logger.Sync()

			opts := kbclient.Options{
				HubURL: hubURL,
				Shares: shares,
				HTTPClient: &http.Client{
					Timeout:   timeout,
					Transport: userAgent{http.DefaultTransport},
				},
				Logger: logger,
			}
			if consulAddr != "" {
				kv, err := consul.NewLookup(consulAddr, "")
				if err != nil {
					return err
				}
				opts.KV = kv
			}
			client, err := kbclient.New(opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			u, err := client.Resolve(ctx, args[0])
			if err != nil {
				if kbclient.IsNotFound(err) {
					return fmt.Errorf("%s: not found", args[0])
				}
				return err
			}
			fmt.Println(u)
			return nil
		},
	}
	cmd.Flags().StringVar(&hubURL, "hub", os.Getenv("KBNET_HUB_URL"), "hub URL shares are reached through")
	cmd.Flags().StringSliceVar(&shares, "share", nil, "share ids searched for sha1:// locators (repeatable)")
	cmd.Flags().StringVar(&consulAddr, "consul", os.Getenv("KBNET_CONSUL_ADDR"), "consul agent for collection.key share ids")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

type userAgent struct{ next http.RoundTripper }

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", version.UserAgent())
	return u.next.RoundTrip(req)
}
