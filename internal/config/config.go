// Package config resolves the options a winvm invocation runs with and
// persists them in the workspace's config-record.
package config

import (
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"

	"github.com/javanstorm/winvm/internal/workspace"
)

// Config-record keys. The record stores them upper-cased.
const (
	KeyPath     = "vm_path"
	KeyAccount  = "username"
	KeySecret   = "password"
	KeyDiskSize = "disksize"
	KeyPort     = "rdp_port"
	KeyLanguage = "language"
	KeyMemory   = "vm_memory"
	KeyCreated  = "created"
)

// EnvPrefix prefixes environment overrides, e.g. WINVM_RDP_PORT.
const EnvPrefix = "WINVM"

// Flag names bound to option keys.
var flagKeys = map[string]string{
	"account":      KeyAccount,
	"secret":       KeySecret,
	"disk-size-gb": KeyDiskSize,
	"guest-port":   KeyPort,
	"language":     KeyLanguage,
	"vm-memory-gb": KeyMemory,
}

// Options is the immutable option set threaded through every component.
type Options struct {
	// Workspace is the absolute path of the guest's directory.
	Workspace string `mapstructure:"vm_path"`

	// Account is the guest's local administrator name.
	Account string `mapstructure:"username"`

	// Secret is the password of Account.
	Secret string `mapstructure:"password"`

	// DiskSizeGB is the size of the guest disk in GiB.
	DiskSizeGB int `mapstructure:"disksize"`

	// GuestPort is the host port forwarded to the guest's remote desktop service.
	GuestPort int `mapstructure:"rdp_port"`

	// Language is the installer language tag, e.g. en-US.
	Language string `mapstructure:"language"`

	// MemoryGB overrides the computed memory allocation. 0 means no override.
	MemoryGB int `mapstructure:"vm_memory"`

	// CreatedAt is when the workspace was created.
	CreatedAt time.Time `mapstructure:"-"`
}

// Defaults.
const (
	DefaultAccount    = "WinUser"
	DefaultSecret     = "WinPassw0rd"
	DefaultDiskSizeGB = 64
	DefaultGuestPort  = 3389
	DefaultLanguage   = "en-US"
)

// DefaultOptions returns the options used when nothing else is configured.
func DefaultOptions() Options {
	return Options{
		Account:    DefaultAccount,
		Secret:     DefaultSecret,
		DiskSizeGB: DefaultDiskSizeGB,
		GuestPort:  DefaultGuestPort,
		Language:   DefaultLanguage,
	}
}

// DiskSizeBytes returns the guest disk size in bytes.
func (o Options) DiskSizeBytes() int64 {
	return int64(o.DiskSizeGB) << 30
}

// Store returns the artifact store for o.Workspace.
func (o Options) Store() workspace.Workspace {
	return workspace.Workspace{Dir: o.Workspace}
}

// Load resolves options for the workspace at dir. Precedence, highest
// first: flags changed on the command line, WINVM_* environment variables,
// the workspace's config-record, defaults. flags may be nil.
func Load(dir string, flags *pflag.FlagSet) (Options, error) {
	path, err := ResolveWorkspace(dir)
	if err != nil {
		return Options{}, err
	}

	v := viper.New()

	defaults := DefaultOptions()
	v.SetDefault(KeyPath, path)
	v.SetDefault(KeyAccount, defaults.Account)
	v.SetDefault(KeySecret, defaults.Secret)
	v.SetDefault(KeyDiskSize, defaults.DiskSizeGB)
	v.SetDefault(KeyPort, defaults.GuestPort)
	v.SetDefault(KeyLanguage, defaults.Language)
	v.SetDefault(KeyMemory, defaults.MemoryGB)
	v.SetDefault(KeyCreated, "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	record := workspace.Workspace{Dir: path}.Path(workspace.ConfigRecord)
	if _, err := os.Stat(record); err == nil {
		v.SetConfigFile(record)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, errors.Errorf("read config record: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Options{}, errors.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, errors.Errorf("parse options: %w", err)
	}

	// The record describes a workspace; it never relocates one.
	opts.Workspace = path

	if created := v.GetString(KeyCreated); created != "" {
		t, err := time.Parse(time.RFC3339, created)
		if err != nil {
			return Options{}, errors.Errorf("parse %s: %w", strings.ToUpper(KeyCreated), err)
		}
		opts.CreatedAt = t
	}

	return opts, nil
}

// WriteRecord stores o as the workspace's config-record, replacing any
// previous record atomically.
func (o Options) WriteRecord() error {
	v := viper.New()
	v.Set(KeyPath, recordValue(o.Workspace))
	v.Set(KeyAccount, recordValue(o.Account))
	v.Set(KeySecret, recordValue(o.Secret))
	v.Set(KeyDiskSize, o.DiskSizeGB)
	v.Set(KeyPort, o.GuestPort)
	v.Set(KeyLanguage, recordValue(o.Language))
	v.Set(KeyMemory, o.MemoryGB)
	v.Set(KeyCreated, o.CreatedAt.UTC().Format(time.RFC3339))

	err := o.Store().Write(workspace.ConfigRecord, func(tmp string) error {
		return v.WriteConfigAs(tmp)
	})
	if err != nil {
		return errors.Errorf("write config record: %w", err)
	}
	return nil
}

// recordValue quotes values the dotenv reader would otherwise expand,
// split or truncate. Values with a single quote use the double-quoted form,
// everything else needing quotes the literal single-quoted one.
func recordValue(s string) string {
	switch {
	case !needsQuotes(s):
		return s
	case !strings.Contains(s, "'"):
		return "'" + s + "'"
	default:
		return `"` + doubleQuoteEscaper.Replace(s) + `"`
	}
}

var doubleQuoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

func needsQuotes(s string) bool {
	return s != strings.TrimSpace(s) || strings.ContainsAny(s, "#$\"' \t")
}

// checkRecordValue reports why s cannot be stored in the config-record and
// read back unchanged, or nil when it can.
func checkRecordValue(s string) error {
	if strings.ContainsFunc(s, unicode.IsControl) {
		return errors.New("must not contain control characters")
	}
	if !needsQuotes(s) {
		return nil
	}
	if strings.HasSuffix(s, `\`) {
		return errors.New("must not end with a backslash when it contains quotes, spaces, # or $")
	}
	if strings.Contains(s, "'") && (strings.Contains(s, `\n`) || strings.Contains(s, `\r`)) {
		return errors.New(`must not contain \n or \r together with a single quote`)
	}
	return nil
}
