package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cfgFile is an explicit config file path set by --config.
var cfgFile string

// rootCmd represents the base command for the inboxsync application
var rootCmd = &cobra.Command{
	Use:   "inboxsync",
	Short: "Incrementally syncs Gmail conversations with tracked contacts",
	Long: `inboxsync keeps a Gmail push subscription per connected user, turns
push notifications into history deltas and stores every message exchanged
with the contacts of a user's active projects, attachments included.

Configuration is read from flags, environment variables, an optional
config.yaml and a .env file, in that order of precedence.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "inboxsync version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./config.yaml if present)")
	pf.String("log-level", "info", "Log level: debug, info, warn or error. Can also use LOG_LEVEL env var.")
	pf.String("log-format", "json", "Log format: json or text. Can also use LOG_FORMAT env var.")
	pf.String("database-url", "", "Postgres connection URL. Without it an in-memory store is used. Can also use DATABASE_URL env var.")
	pf.String("valkey-url", "", "Valkey address for the credential cache (e.g. valkey:6379). Can also use VALKEY_URL env var.")
	pf.String("valkey-password", "", "Valkey password. Can also use VALKEY_PASSWORD env var.")
	pf.Int("valkey-db", 0, "Valkey database number. Can also use VALKEY_DB env var.")
	pf.String("valkey-key-prefix", "inboxsync:", "Prefix for all Valkey keys. Can also use VALKEY_KEY_PREFIX env var.")
	pf.String("encryption-key", "", "AES-256 key for OAuth tokens at rest (32 bytes, base64 encoded). Can also use CREDENTIALS_ENCRYPTION_KEY env var.")
	pf.String("google-client-id", "", "Google OAuth client ID. Can also use GOOGLE_CLIENT_ID env var.")
	pf.String("google-client-secret", "", "Google OAuth client secret. Can also use GOOGLE_CLIENT_SECRET env var.")
	pf.String("gmail-topic", "", "Pub/Sub topic Gmail publishes changes to (projects/<p>/topics/<t>). Can also use GMAIL_TOPIC env var.")
	pf.String("blob-dir", "", "Directory attachments are stored in. Without it attachments are kept in memory. Can also use BLOB_DIR env var.")

	bindFlags(pf, map[string]string{
		"log.level":                  "log-level",
		"log.format":                 "log-format",
		"database.url":               "database-url",
		"valkey.url":                 "valkey-url",
		"valkey.password":            "valkey-password",
		"valkey.db":                  "valkey-db",
		"valkey.key_prefix":          "valkey-key-prefix",
		"credentials.encryption_key": "encryption-key",
		"google.client_id":           "google-client-id",
		"google.client_secret":       "google-client-secret",
		"gmail.topic":                "gmail-topic",
		"blob.dir":                   "blob-dir",
	})

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newResyncCmd())
	rootCmd.AddCommand(newBackfillCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig loads .env, then the config file, then wires environment
// lookups so "google.client_id" reads GOOGLE_CLIENT_ID.
func initConfig() {
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	bindEnvAliases(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
