package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kbnet/pkg/auth"
	"kbnet/pkg/consul"
	"kbnet/pkg/identity"
	"kbnet/pkg/model"
	"kbnet/pkg/prv"
)

func keygenCmd() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create (or read) a node key and print its node id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.LoadOrCreate(keyFile, model.NodeInfo{})
			if err != nil {
				return err
			}
			fmt.Printf("node_id:     %s\n", id.NodeID())
			fmt.Printf("public_key:  %s\n", id.PublicKeyHex())
			fmt.Printf("fingerprint: %s\n", id.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "kbnode.key", "key file path")
	return cmd
}

func prvCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "prv FILE|DIR",
		Short: "Write the .prv (file) or .prvdir (directory) descriptor of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := writeDescriptor(args[0], out)
			if err != nil {
				return err
			}
			fmt.Println(written)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default PATH.prv or PATH.prvdir)")
	return cmd
}

// writeDescriptor computes the descriptor of target and writes it to out, or next
// to target when out is empty. It returns the file written.
func writeDescriptor(target, out string) (string, error) {
	target = strings.TrimRight(target, string(os.PathSeparator))
	info, err := os.Stat(target)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		if out == "" {
			out = target + ".prvdir"
		}
		d, err := prv.ComputeDirectoryDescriptor(target)
		if err != nil {
			return "", err
		}
		return out, prv.WriteDirectoryFile(out, d)
	}
	if out == "" {
		out = target + ".prv"
	}
	p, err := prv.ComputeFileDescriptor(target)
	if err != nil {
		return "", err
	}
	return out, prv.WriteFile(out, p)
}

func tokenCmd() *cobra.Command {
	var (
		secret   string
		nodeID   string
		nodeType string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a join token for a child node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret (or KBNET_JOIN_SECRET) is required")
			}
			if nodeType != "" {
				if _, err := model.ParseNodeType(nodeType); err != nil {
					return err
				}
			}
			tok, err := auth.GenerateJoinToken([]byte(secret), nodeID, nodeType, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("KBNET_JOIN_SECRET"), "hub join secret")
	cmd.Flags().StringVar(&nodeID, "node", "", "restrict the token to this node id (empty admits any)")
	cmd.Flags().StringVar(&nodeType, "type", "", "node type recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func publishCmd() *cobra.Command {
	var (
		consulAddr string
		prefix     string
	)
	cmd := &cobra.Command{
		Use:   "publish COLLECTION.KEY SHARE_ID",
		Short: "Publish a share id under an indirect name in Consul",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, key, ok := strings.Cut(args[0], ".")
			if !ok || collection == "" || key == "" {
				return fmt.Errorf("name must look like collection.key, got %q", args[0])
			}
			kv, err := consul.NewLookup(consulAddr, prefix)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := kv.Put(ctx, collection, key, args[1]); err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&consulAddr, "consul", os.Getenv("KBNET_CONSUL_ADDR"), "consul agent address")
	cmd.Flags().StringVar(&prefix, "prefix", "", "KV prefix for share ids")
	return cmd
}
