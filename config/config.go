// Package config holds the Engine's construction-time options (spec.md
// §6) and the Logger capability (Design Note "Duck-typed logger" in
// spec.md §9, ported as an explicit interface validated at construction).
package config

import (
	"io"
	"os"

	nlog "gitlab.com/NebulousLabs/log"
	"gitlab.com/NebulousLabs/errors"

	"github.com/storjlib/bridgeclient/shardmeta"
)

// Logger is the structured log sink every component writes through. It is
// deliberately small so that callers can supply any sink (including a
// no-op one in tests) without pulling in a specific logging framework's
// types.
type Logger interface {
	Debugln(v ...interface{})
	Println(v ...interface{})
	Printf(format string, v ...interface{})
	Critical(v ...interface{})
}

// NewLogger wraps gitlab.com/NebulousLabs/log's rotating file logger,
// matching the teacher's persist-layer logging convention.
func NewLogger(w io.Writer) (Logger, error) {
	l, err := nlog.NewLogger(w)
	if err != nil {
		return nil, errors.AddContext(err, "unable to create logger")
	}
	return l, nil
}

// discardLogger is used when the caller supplies no logger; it never
// panics on a nil Config.Logger field.
type discardLogger struct{}

func (discardLogger) Debugln(v ...interface{})               {}
func (discardLogger) Println(v ...interface{})               {}
func (discardLogger) Printf(format string, v ...interface{}) {}
func (discardLogger) Critical(v ...interface{})              {}

// Keypair is the signing credential pair used for request authentication
// (spec.md §4.1, mutually exclusive with BasicAuth).
type Keypair struct {
	PublicKey  string
	PrivateKey string
}

// BasicAuth is the email/password credential pair used for request
// authentication when no Keypair is configured (spec.md §4.1).
type BasicAuth struct {
	Email    string
	Password string
}

// Config is read once at construction and never consulted for
// environment changes thereafter (Design Note "Global-ish configuration",
// spec.md §9).
type Config struct {
	// BaseURI is the bridge root URL. Defaults to the STORJ_BRIDGE
	// environment variable if set, else "https://api.storj.io".
	BaseURI string

	Logger Logger

	// Concurrency is the shard worker pool size (spec.md §4.3). Default 6.
	Concurrency int

	// ShardConcurrency feeds Demux's OptimalShardSize policy (spec.md
	// §4.4); distinct from Concurrency, the worker-pool size.
	ShardConcurrency int

	// TransferRetries is the per-pointer transfer attempt budget before
	// blacklisting (spec.md §4.7). Default 3.
	TransferRetries int

	// ContractRetries is the contract-acquisition retry budget (spec.md
	// §4.6 step 6). Default 24.
	ContractRetries int

	// AuditChallenges is the number of challenge pre-images the audit
	// generator produces per shard (spec.md §4.5). Default 3.
	AuditChallenges int

	// BlacklistFolder is the directory backing the durable blacklist.
	// Defaults to os.TempDir().
	BlacklistFolder string

	Keypair   *Keypair
	BasicAuth *BasicAuth
}

// Default fill-in values (spec.md §6).
const (
	DefaultConcurrency     = 6
	DefaultTransferRetries = 3
	DefaultContractRetries = 24
	DefaultAuditChallenges = 3
	DefaultBaseURI         = "https://api.storj.io"
	bridgeEnvVar           = "STORJ_BRIDGE"
)

// Normalize fills in defaults and validates mutually exclusive options,
// returning shardmeta.ErrConfig-class errors (composed via errors.Compose
// with a message naming the conflicting or missing option).
func (c *Config) Normalize() error {
	if c.Keypair != nil && c.BasicAuth != nil {
		return errors.Compose(shardmeta.ErrConfig, errors.New("keypair and basicauth are mutually exclusive"))
	}
	if c.Keypair == nil && c.BasicAuth == nil {
		return errors.Compose(shardmeta.ErrConfig, errors.New("one of keypair or basicauth is required"))
	}
	if c.BaseURI == "" {
		if env := os.Getenv(bridgeEnvVar); env != "" {
			c.BaseURI = env
		} else {
			c.BaseURI = DefaultBaseURI
		}
	}
	if c.Logger == nil {
		c.Logger = discardLogger{}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.TransferRetries <= 0 {
		c.TransferRetries = DefaultTransferRetries
	}
	if c.ContractRetries <= 0 {
		c.ContractRetries = DefaultContractRetries
	}
	if c.AuditChallenges <= 0 {
		c.AuditChallenges = DefaultAuditChallenges
	}
	if c.BlacklistFolder == "" {
		c.BlacklistFolder = os.TempDir()
	}
	return nil
}
