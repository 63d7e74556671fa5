// Command bridgeclient is a thin driver over the engine package: it builds
// an Engine from flags/environment and runs exactly the two operations this
// module implements, store and get (SPEC_FULL.md §4.12). Account, key and
// bucket management stay out of scope, same as the rest of this module.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storjlib/bridgeclient/config"
	"github.com/storjlib/bridgeclient/engine"
)

var (
	flagBridgeURL   string
	flagPublicKey   string
	flagPrivateKey  string
	flagEmail       string
	flagPassword    string
	flagBlacklist   string
	flagConcurrency int
)

var rootCmd = &cobra.Command{
	Use:   "bridgeclient",
	Short: "Store and retrieve files against a bridge account",
	Long: `bridgeclient drives the two operations this client implements:
uploading a local file into a bucket, and streaming a bucket file back to
local disk. Authenticate with either --pubkey/--privkey or --email/--password.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagBridgeURL, "bridge-url", "", "bridge base URL (defaults to $STORJ_BRIDGE, then the public bridge)")
	flags.StringVar(&flagPublicKey, "pubkey", "", "Ed25519 public key, hex encoded")
	flags.StringVar(&flagPrivateKey, "privkey", "", "Ed25519 private key, hex encoded")
	flags.StringVar(&flagEmail, "email", "", "bridge account email, for basic auth")
	flags.StringVar(&flagPassword, "password", "", "bridge account password, for basic auth")
	flags.StringVar(&flagBlacklist, "blacklist-dir", "", "directory backing the durable farmer blacklist")
	flags.IntVar(&flagConcurrency, "concurrency", 0, "shard worker pool size")
}

// buildEngine constructs an Engine from the persistent flags, choosing
// keypair or basic auth depending on which pair was supplied.
func buildEngine() (*engine.Engine, error) {
	cfg := config.Config{
		BaseURI:         flagBridgeURL,
		BlacklistFolder: flagBlacklist,
		Concurrency:     flagConcurrency,
	}
	switch {
	case flagPublicKey != "" || flagPrivateKey != "":
		cfg.Keypair = &config.Keypair{PublicKey: flagPublicKey, PrivateKey: flagPrivateKey}
	case flagEmail != "" || flagPassword != "":
		cfg.BasicAuth = &config.BasicAuth{Email: flagEmail, Password: flagPassword}
	default:
		return nil, fmt.Errorf("one of --pubkey/--privkey or --email/--password is required")
	}
	return engine.New(cfg)
}

func main() {
	rootCmd.AddCommand(storeCmd, getCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bridgeclient:", err)
		os.Exit(1)
	}
}
