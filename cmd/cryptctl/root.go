package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dd0wney/cluso-crypt/pkg/audit"
	"github.com/dd0wney/cluso-crypt/pkg/config"
	"github.com/dd0wney/cluso-crypt/pkg/crypt"
	"github.com/dd0wney/cluso-crypt/pkg/envelope"
	"github.com/dd0wney/cluso-crypt/pkg/keystore"
	"github.com/dd0wney/cluso-crypt/pkg/keysync"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/logging"
	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

// needsKeys marks commands that open the key store before running.
const needsKeys = "needs-keys"

var keyStoreAnnotation = map[string]string{needsKeys: "true"}

// app carries what PersistentPreRunE builds for the subcommands.
type app struct {
	root         *cobra.Command
	v            *viper.Viper
	cfgFile      string
	printMetrics bool

	cfg       *config.Config
	logger    logging.Logger
	zap       *logging.ZapLogger
	metrics   *metrics.Registry
	audit     audit.Logger
	journal   *audit.Journal
	announcer *keysync.Announcer
	keys      *keystore.KeyManager
	sealer    *envelope.Sealer
}

func newApp() *app {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "cryptctl",
		Short: "Versioned AES-128 key management and sealed records",
		Long: `cryptctl manages a versioned store of AES-128 keys wrapped under a master key,
and seals or opens records with the active key using AES-128-GCM.

Settings come from a YAML config file, CRYPT_* environment variables and flags,
in increasing order of precedence.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is cryptctl.yaml in ., $HOME/.config/cryptctl or /etc/cryptctl)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, zap)")
	flags.String("backend", "", "key store backend (file, s3, postgres)")
	flags.String("key-dir", "", "directory for the file backend")
	flags.String("master-key", "", "hex master key (or CRYPT_MASTER_KEY)")
	flags.String("passphrase", "", "derive the master key from a passphrase (or CRYPT_PASSPHRASE)")
	flags.String("salt", "", "hex salt for --passphrase")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-prefix", "", "S3 key prefix")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-endpoint", "", "S3 endpoint URL")
	flags.String("database-url", "", "PostgreSQL connection URL")
	flags.String("audit-journal", "", "append key lifecycle events to this journal")
	flags.String("keysync-address", "", "announce new key versions on this address")
	flags.Bool("compress", false, "snappy-compress plaintext before sealing")
	flags.BoolVar(&a.printMetrics, "print-metrics", false, "print collected metrics to stderr when the command finishes")

	for flag, key := range map[string]string{
		"log-level":       "logging.level",
		"log-format":      "logging.format",
		"backend":         "keystore.backend",
		"key-dir":         "keystore.dir",
		"master-key":      "keystore.master_key",
		"passphrase":      "keystore.passphrase",
		"salt":            "keystore.salt",
		"s3-bucket":       "keystore.s3.bucket",
		"s3-prefix":       "keystore.s3.prefix",
		"s3-region":       "keystore.s3.region",
		"s3-endpoint":     "keystore.s3.endpoint",
		"database-url":    "keystore.postgres.url",
		"audit-journal":   "audit.journal",
		"keysync-address": "keysync.address",
		"compress":        "envelope.compress",
	} {
		a.bindFlagOrPanic(flags.Lookup(flag), key)
	}

	root.AddCommand(
		newKeyCmd(a),
		newSealCmd(a),
		newOpenCmd(a),
		newAuditCmd(),
		newInfoCmd(),
	)
	a.root = root
	return a
}

// execute runs the command line and releases the key store whether or not
// the command succeeded.
func (a *app) execute() error {
	err := a.root.Execute()
	if a.printMetrics && a.metrics != nil {
		if merr := dumpMetrics(a.root.ErrOrStderr(), a.metrics); merr != nil {
			err = errors.Join(err, merr)
		}
	}
	return errors.Join(err, a.teardown())
}

func (a *app) bindFlagOrPanic(flag *pflag.Flag, key string) {
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", key, err))
	}
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[needsKeys] == "" {
		return nil
	}

	path, err := a.configPath()
	if err != nil {
		return err
	}
	cfg, err := config.Read(path)
	if err != nil {
		return err
	}
	a.overlay(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	if err := a.initLogger(cmd); err != nil {
		return err
	}
	a.metrics = metrics.DefaultRegistry()
	crypt.SetMetrics(a.metrics)
	keyversion.SetMetrics(a.metrics)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.openKeyStore(ctx); err != nil {
		// Release whatever was opened before the failure.
		_ = a.teardown()
		return err
	}

	a.sealer = envelope.New(
		envelope.WithCompression(cfg.Envelope.Compress),
		envelope.WithMaxSize(cfg.Envelope.MaxSize),
		envelope.WithLogger(a.logger.With(logging.Component("envelope"))),
		envelope.WithMetrics(a.metrics),
	)
	return nil
}

// configPath returns --config, or the first cryptctl.yaml found in the
// usual places, or "" when there is none.
func (a *app) configPath() (string, error) {
	if a.cfgFile != "" {
		return a.cfgFile, nil
	}

	finder := viper.New()
	finder.SetConfigName("cryptctl")
	finder.SetConfigType("yaml")
	finder.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		finder.AddConfigPath(filepath.Join(home, ".config", "cryptctl"))
	}
	finder.AddConfigPath("/etc/cryptctl")

	if err := finder.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read config: %w", err)
	}
	return finder.ConfigFileUsed(), nil
}

// overlay copies flags the user set onto cfg.
func (a *app) overlay(cfg *config.Config) {
	strs := map[string]*string{
		"logging.level":         &cfg.Logging.Level,
		"logging.format":        &cfg.Logging.Format,
		"keystore.backend":      &cfg.KeyStore.Backend,
		"keystore.dir":          &cfg.KeyStore.Dir,
		"keystore.master_key":   &cfg.KeyStore.MasterKey,
		"keystore.passphrase":   &cfg.KeyStore.Passphrase,
		"keystore.salt":         &cfg.KeyStore.Salt,
		"keystore.s3.bucket":    &cfg.KeyStore.S3.Bucket,
		"keystore.s3.prefix":    &cfg.KeyStore.S3.Prefix,
		"keystore.s3.region":    &cfg.KeyStore.S3.Region,
		"keystore.s3.endpoint":  &cfg.KeyStore.S3.Endpoint,
		"keystore.postgres.url": &cfg.KeyStore.Postgres.URL,
		"audit.journal":         &cfg.Audit.Journal,
		"keysync.address":       &cfg.KeySync.Address,
	}
	for key, dst := range strs {
		if a.v.IsSet(key) {
			*dst = a.v.GetString(key)
		}
	}
	if a.v.IsSet("envelope.compress") {
		cfg.Envelope.Compress = a.v.GetBool("envelope.compress")
	}
	if a.v.IsSet("keysync.address") {
		cfg.KeySync.Enabled = true
	}
	// A master key flag replaces a passphrase from the file or environment,
	// and the other way round.
	if a.v.IsSet("keystore.master_key") && !a.v.IsSet("keystore.passphrase") {
		cfg.KeyStore.Passphrase = ""
	}
	if a.v.IsSet("keystore.passphrase") && !a.v.IsSet("keystore.master_key") {
		cfg.KeyStore.MasterKey = ""
	}
}

func (a *app) initLogger(cmd *cobra.Command) error {
	level := logging.ParseLevel(a.cfg.Logging.Level)
	switch a.cfg.Logging.Format {
	case "zap":
		z, err := logging.NewProductionZapLogger(level)
		if err != nil {
			return err
		}
		a.zap = z
		a.logger = z
	default:
		a.logger = logging.NewJSONLogger(cmd.ErrOrStderr(), level)
	}
	logging.SetDefaultLogger(a.logger)
	crypt.SetLogger(a.logger)
	return nil
}

func (a *app) openKeyStore(ctx context.Context) error {
	cfg := a.cfg

	var sink audit.Logger = audit.NewRing(1000)
	if cfg.Audit.Journal != "" {
		j, err := audit.OpenJournal(cfg.Audit.Journal)
		if err != nil {
			return err
		}
		a.journal = j
		sink = j
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}

	var onActivate func(keyversion.KeyVersion)
	if cfg.KeySync.Enabled {
		onActivate = a.announce
	}

	a.audit = &actorLogger{Logger: sink, actor: currentUser()}

	ksCfg := keystore.Config{
		Backend:    backend,
		Logger:     a.logger.With(logging.Component("keystore")),
		Metrics:    a.metrics,
		Audit:      a.audit,
		OnActivate: onActivate,
	}

	if cfg.KeyStore.Passphrase != "" {
		salt, err := cfg.KeyStore.SaltBytes()
		if err != nil {
			_ = backend.Close()
			return err
		}
		a.keys, err = keystore.NewKeyManagerFromPassphrase(ctx, []byte(cfg.KeyStore.Passphrase), salt, ksCfg)
		if err != nil {
			_ = backend.Close()
			return err
		}
	} else {
		master, err := cfg.KeyStore.MasterKeyBytes()
		if err != nil {
			_ = backend.Close()
			return err
		}
		ksCfg.MasterKey = master
		a.keys, err = keystore.NewKeyManager(ctx, ksCfg)
		wipe(master)
		if err != nil {
			_ = backend.Close()
			return err
		}
	}

	a.keys.Register()
	if cfg.KeySync.Enabled {
		if err := a.openAnnouncer(); err != nil {
			return err
		}
		if v := a.keys.LatestVersion(); v != 0 {
			a.announce(v)
		}
	}
	return nil
}

func (a *app) openAnnouncer() error {
	secret, err := a.keys.SyncSecret()
	if err != nil {
		return err
	}
	defer wipe(secret)

	a.announcer, err = keysync.NewAnnouncer(keysync.Config{
		Address:  a.cfg.KeySync.Address,
		Secret:   secret,
		Interval: a.cfg.KeySync.Interval,
		Logger:   a.logger.With(logging.Component("keysync")),
		Metrics:  a.metrics,
	})
	return err
}

func (a *app) announce(v keyversion.KeyVersion) {
	if a.announcer == nil {
		return
	}
	if err := a.announcer.Announce(v); err != nil {
		a.logger.Warn("failed to announce key version",
			logging.KeyVersion(uint32(v)),
			logging.Error(err),
		)
	}
}

func (a *app) openBackend(ctx context.Context) (keystore.Backend, error) {
	ks := a.cfg.KeyStore
	switch ks.Backend {
	case "file":
		return keystore.NewFileBackend(ks.Dir)
	case "s3":
		return keystore.NewS3BackendFromOptions(ctx, keystore.S3Options{
			Region:          ks.S3.Region,
			Bucket:          ks.S3.Bucket,
			Prefix:          ks.S3.Prefix,
			Endpoint:        ks.S3.Endpoint,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			UsePathStyle:    ks.S3.UsePathStyle,
		})
	case "postgres":
		return keystore.NewPGBackend(ctx, ks.Postgres.URL)
	default:
		return nil, fmt.Errorf("unsupported backend: %s. Supported backends: file, s3, postgres", ks.Backend)
	}
}

func (a *app) teardown() error {
	var errs []error
	if a.keys != nil {
		keyversion.SetDefault(nil)
		errs = append(errs, a.keys.Close())
		a.keys = nil
	}
	if a.announcer != nil {
		errs = append(errs, a.announcer.Close())
		a.announcer = nil
	}
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
		a.journal = nil
	}
	if a.zap != nil {
		// Sync on a terminal stderr reports EINVAL; nothing to act on.
		_ = a.zap.Sync()
		a.zap = nil
	}
	return errors.Join(errs...)
}

// actorLogger stamps events with the user running the command.
type actorLogger struct {
	audit.Logger
	actor string
}

func (l *actorLogger) Log(event *audit.Event) error {
	if event.Actor == "" {
		event.Actor = l.actor
	}
	return l.Logger.Log(event)
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown_user"
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
