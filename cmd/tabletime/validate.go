package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/tabletime/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the TableTime configuration file for syntax and semantic errors, including every rate rule.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if validKeys[key] || isRateKey(key) {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)

	return unknown, nil
}

// rateFields are the keys allowed under rates.<game_type>.
var rateFields = map[string]bool{
	"day_upto_min":   true,
	"day_min_amt":    true,
	"day_per_min":    true,
	"night_upto_min": true,
	"night_min_amt":  true,
	"night_per_min":  true,
	"night_start":    true,
	"night_end":      true,
}

func isRateKey(key string) bool {
	parts := strings.Split(key, ".")
	return len(parts) == 3 && parts[0] == "rates" && rateFields[parts[2]]
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	keys := map[string]bool{
		// Billing
		"billing.currency_places":  true,
		"billing.timezone":         true,
		"billing.night_start":      true,
		"billing.night_end":        true,
		"billing.default_tax_rate": true,
		"billing.countdown_target": true,

		// Storage
		"storage.type":                 true,
		"storage.path":                 true,
		"storage.bill_retention":       true,
		"storage.prune_time":           true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,
		"storage.redis.bill_ttl":       true,

		// Logging
		"logging.level":  true,
		"logging.format": true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.bind_address": true,
		"metrics.port":         true,

		// Display
		"display.enabled":       true,
		"display.bind_address":  true,
		"display.port":          true,
		"display.tick_interval": true,
		"display.tables":        true,
		"display.auto_stop":     true,

		// Events
		"events.enabled":  true,
		"events.url":      true,
		"events.exchange": true,

		// Admin
		"admin.enabled":           true,
		"admin.jwt_secret":        true,
		"admin.token_expiration":  true,
		"admin.rate_limit":        true,
		"admin.rate_limit_window": true,
		"admin.allowed_origins":   true,
	}

	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Billing
	_, _ = cyan.Println("\n[billing]")
	dumpField("  currency_places", cfg.Billing.CurrencyPlaces, defaultCfg.Billing.CurrencyPlaces, yellow, green)
	dumpField("  timezone", cfg.Billing.Timezone, defaultCfg.Billing.Timezone, yellow, green)
	dumpField("  night_start", cfg.Billing.NightStart, defaultCfg.Billing.NightStart, yellow, green)
	dumpField("  night_end", cfg.Billing.NightEnd, defaultCfg.Billing.NightEnd, yellow, green)
	dumpField("  default_tax_rate", cfg.Billing.DefaultTaxRate.String(), defaultCfg.Billing.DefaultTaxRate.String(), yellow, green)
	dumpField("  countdown_target", cfg.Billing.CountdownTarget, defaultCfg.Billing.CountdownTarget, yellow, green)

	// Rates have no defaults; every configured game type is shown as set.
	_, _ = cyan.Println("\n[rates]")
	names := make([]string, 0, len(cfg.Rates))
	for name := range cfg.Rates {
		names = append(names, name)
	}
	sort.Strings(names)
	var none config.RateConfig
	for _, name := range names {
		rc := cfg.Rates[name]
		_, _ = cyan.Printf("  [rates.%s]\n", name)
		dumpField("    day_upto_min", deref(rc.DayUptoMin), deref(none.DayUptoMin), yellow, green)
		dumpField("    day_min_amt", deref(rc.DayMinAmt), deref(none.DayMinAmt), yellow, green)
		dumpField("    day_per_min", deref(rc.DayPerMin), deref(none.DayPerMin), yellow, green)
		dumpField("    night_upto_min", deref(rc.NightUptoMin), deref(none.NightUptoMin), yellow, green)
		dumpField("    night_min_amt", deref(rc.NightMinAmt), deref(none.NightMinAmt), yellow, green)
		dumpField("    night_per_min", deref(rc.NightPerMin), deref(none.NightPerMin), yellow, green)
		dumpField("    night_start", rc.NightStart, none.NightStart, yellow, green)
		dumpField("    night_end", rc.NightEnd, none.NightEnd, yellow, green)
	}

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	dumpField("  bill_retention", cfg.Storage.BillRetention, defaultCfg.Storage.BillRetention, yellow, green)
	dumpField("  prune_time", cfg.Storage.PruneTime, defaultCfg.Storage.PruneTime, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    bill_ttl", cfg.Storage.Redis.BillTTL, defaultCfg.Storage.Redis.BillTTL, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Metrics
	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress, yellow, green)
	dumpField("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port, yellow, green)

	// Display
	_, _ = cyan.Println("\n[display]")
	dumpField("  enabled", cfg.Display.Enabled, defaultCfg.Display.Enabled, yellow, green)
	dumpField("  bind_address", cfg.Display.BindAddress, defaultCfg.Display.BindAddress, yellow, green)
	dumpField("  port", cfg.Display.Port, defaultCfg.Display.Port, yellow, green)
	dumpField("  tick_interval", cfg.Display.TickInterval, defaultCfg.Display.TickInterval, yellow, green)
	dumpField("  tables", cfg.Display.Tables, defaultCfg.Display.Tables, yellow, green)
	dumpField("  auto_stop", cfg.Display.AutoStop, defaultCfg.Display.AutoStop, yellow, green)

	// Events
	_, _ = cyan.Println("\n[events]")
	dumpField("  enabled", cfg.Events.Enabled, defaultCfg.Events.Enabled, yellow, green)
	dumpField("  url", redactURL(cfg.Events.URL), redactURL(defaultCfg.Events.URL), yellow, green)
	dumpField("  exchange", cfg.Events.Exchange, defaultCfg.Events.Exchange, yellow, green)

	// Admin
	_, _ = cyan.Println("\n[admin]")
	dumpField("  enabled", cfg.Admin.Enabled, defaultCfg.Admin.Enabled, yellow, green)
	dumpField("  jwt_secret", redactPassword(cfg.Admin.JWTSecret), redactPassword(defaultCfg.Admin.JWTSecret), yellow, green)
	dumpField("  token_expiration", cfg.Admin.TokenExpiration, defaultCfg.Admin.TokenExpiration, yellow, green)
	dumpField("  rate_limit", cfg.Admin.RateLimit, defaultCfg.Admin.RateLimit, yellow, green)
	dumpField("  rate_limit_window", cfg.Admin.RateLimitWindow, defaultCfg.Admin.RateLimitWindow, yellow, green)
	dumpField("  allowed_origins", cfg.Admin.AllowedOrigins, defaultCfg.Admin.AllowedOrigins, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// deref renders an optional rate field; unset prints as "-".
func deref[T any](v *T) interface{} {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}

// redactURL hides credentials in a broker URL.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, _ := strings.Cut(creds, ":")
	return scheme + "://" + user + ":***REDACTED***@" + host
}
