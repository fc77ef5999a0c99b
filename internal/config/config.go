// Package config loads and validates the gamevm key=value configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	apperrors "github.com/h3ow3d/gamevm/internal/errors"
	"github.com/h3ow3d/gamevm/internal/xdg"
)

// DefaultFile is looked up in the working directory before the XDG config file.
const DefaultFile = "gamevm.env"

// EnvPrefix prefixes environment overrides, e.g. GAMEVM_VM_PASSWORD.
const EnvPrefix = "GAMEVM"

// Config is the validated configuration of one invocation. It is never mutated
// after Validate returns it.
type Config struct {
	VMName     string `key:"VM_NAME" validate:"required,hostname_rfc1123"`
	VMIP       string `key:"VM_IP" validate:"required,ipv4"`
	VMUser     string `key:"VM_USER" validate:"required"`
	VMPassword string `key:"VM_PASSWORD" validate:"required"`

	RAM      int `key:"VM_RAM" validate:"gt=0"`
	CPUs     int `key:"VM_CPUS" validate:"gt=0"`
	DiskSize int `key:"VM_DISK_SIZE" validate:"gt=0"`

	GamePort int `key:"GAME_PORT" validate:"min=1,max=65535"`
	WebPort  int `key:"WEB_PORT" validate:"min=1,max=65535"`
	SSHPort  int `key:"SSH_PORT" validate:"min=1,max=65535"`

	LibvirtURI  string `key:"LIBVIRT_URI" validate:"required"`
	NetworkName string `key:"NETWORK_NAME" validate:"required"`
	OSVariant   string `key:"OS_VARIANT" validate:"required"`

	ImagesDir        string `key:"IMAGES_DIR" validate:"required"`
	WindowsISO       string `key:"WINDOWS_ISO"`
	VirtioURL        string `key:"VIRTIO_URL" validate:"required,url"`
	UnattendTemplate string `key:"UNATTEND_TEMPLATE" validate:"required"`
	SetupScript      string `key:"SETUP_SCRIPT" validate:"required"`
	InstallScript    string `key:"INSTALL_SCRIPT" validate:"required"`

	DataDir   string `key:"DATA_DIR" validate:"required"`
	LogDir    string `key:"LOG_DIR" validate:"required"`
	LogRetain int    `key:"LOG_RETAIN" validate:"gt=0"`
	LockFile  string `key:"LOCK_FILE" validate:"required"`

	RemoteDir         string `key:"REMOTE_DIR" validate:"required"`
	WorkloadProcess   string `key:"WORKLOAD_PROCESS" validate:"required"`
	SupervisorProcess string `key:"SUPERVISOR_PROCESS"`
	WorkloadCommand   string `key:"WORKLOAD_COMMAND" validate:"required"`
	WorkloadLog       string `key:"WORKLOAD_LOG" validate:"required"`

	SSHTimeout           int `key:"SSH_TIMEOUT" validate:"gt=0"`
	SSHPollInterval      int `key:"SSH_POLL_INTERVAL" validate:"gt=0"`
	ShutdownTimeout      int `key:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	WorkloadStartTimeout int `key:"WORKLOAD_START_TIMEOUT" validate:"gt=0"`
	StopGrace            int `key:"STOP_GRACE" validate:"gt=0"`

	ForwardBackend    string `key:"FORWARD_BACKEND" validate:"oneof=iptables nftables"`
	ExternalInterface string `key:"EXTERNAL_INTERFACE"`
	MetricsTextfile   string `key:"METRICS_TEXTFILE"`
}

// Seconds converts a seconds setting to a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Values returns every setting keyed by its configuration name, with ints
// formatted in decimal. GATEWAY is derived from VM_IP (the .1 of its /24).
func (c *Config) Values() map[string]string {
	out := map[string]string{}
	rv := reflect.ValueOf(c).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("key")
		switch f := rv.Field(i); f.Kind() {
		case reflect.Int:
			out[key] = strconv.FormatInt(f.Int(), 10)
		default:
			out[key] = f.String()
		}
	}
	if i := strings.LastIndex(c.VMIP, "."); i > 0 {
		out["GATEWAY"] = c.VMIP[:i] + ".1"
	}
	return out
}

// insecurePasswords are placeholder values shipped in templates and tutorials.
var insecurePasswords = []string{"changeme", "change-me", "change_me", "password", "p@ssw0rd", "passw0rd!", "admin"}

// Store holds the raw settings of a loaded configuration file.
type Store struct {
	path string
	v    *viper.Viper
}

// ResolvePath picks the configuration file: the explicit flag value, then
// ./gamevm.env, then the XDG config file.
func ResolvePath(flag string, dirs xdg.Dirs) string {
	if flag != "" {
		return flag
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile
	}
	return dirs.ConfigFile()
}

// Load reads the key=value file at path. Environment variables GAMEVM_<KEY>
// override file values.
func Load(path string, dirs xdg.Dirs) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &apperrors.Error{
				Kind:        apperrors.KindConfigMissing,
				Message:     fmt.Sprintf("configuration file %s not found", path),
				Remediation: fmt.Sprintf("create one from the template: cp gamevm.env.example %s", path),
			}
		}
		return nil, apperrors.Wrapf(err, apperrors.KindConfigMissing, "stat configuration file %s", path)
	}

	v := viper.New()
	setDefaults(v, dirs)

	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindConfigInvalid, "read configuration file %s", path)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	return &Store{path: path, v: v}, nil
}

// Path returns the file the store was loaded from.
func (s *Store) Path() string { return s.path }

// Get returns the raw string value of a setting.
func (s *Store) Get(key string) string {
	return strings.TrimSpace(s.v.GetString(strings.ToLower(key)))
}

func setDefaults(v *viper.Viper, dirs xdg.Dirs) {
	v.SetDefault("vm_ram", 8192)
	v.SetDefault("vm_cpus", 4)
	v.SetDefault("vm_disk_size", 80)

	v.SetDefault("game_port", 7777)
	v.SetDefault("web_port", 8080)
	v.SetDefault("ssh_port", 22)

	v.SetDefault("libvirt_uri", "qemu:///system")
	v.SetDefault("network_name", "default")
	v.SetDefault("os_variant", "win10")

	v.SetDefault("images_dir", "/var/lib/libvirt/images")
	v.SetDefault("virtio_url", "https://fedorapeople.org/groups/virt/virtio-win/direct-downloads/stable-virtio/virtio-win.iso")
	v.SetDefault("unattend_template", "templates/autounattend.xml")
	v.SetDefault("setup_script", "scripts/setup.ps1")
	v.SetDefault("install_script", "scripts/install-gameserver.ps1")

	v.SetDefault("data_dir", dirs.Data)
	v.SetDefault("log_dir", dirs.LogsDir())
	v.SetDefault("log_retain", 10)
	v.SetDefault("lock_file", "/run/lock/gamevm.lock")

	v.SetDefault("remote_dir", `C:\GameServer`)
	v.SetDefault("workload_process", "GameServer")
	v.SetDefault("supervisor_process", "GameServerSupervisor")
	v.SetDefault("workload_command", `C:\GameServer\start-server.bat`)
	v.SetDefault("workload_log", `C:\GameServer\logs\server.log`)

	v.SetDefault("ssh_timeout", 1800)
	v.SetDefault("ssh_poll_interval", 10)
	v.SetDefault("shutdown_timeout", 120)
	v.SetDefault("workload_start_timeout", 60)
	v.SetDefault("stop_grace", 30)

	v.SetDefault("forward_backend", "iptables")
}

// Validate type-checks every setting and returns the immutable Config together
// with non-fatal warnings. All violations are reported at once in a
// KindConfigInvalid error.
func (s *Store) Validate() (*Config, []string, error) {
	cfg := &Config{}
	var violations []string
	unparsable := map[string]bool{}

	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		key := field.Tag.Get("key")
		raw := s.Get(key)

		switch field.Type.Kind() {
		case reflect.String:
			rv.Field(i).SetString(raw)
		case reflect.Int:
			if raw == "" {
				violations = append(violations, fmt.Sprintf("%s: is required", key))
				unparsable[key] = true
				continue
			}
			n, err := strconv.Atoi(raw)
			if err != nil {
				violations = append(violations, fmt.Sprintf("%s: must be an integer, got %q", key, raw))
				unparsable[key] = true
				continue
			}
			rv.Field(i).SetInt(int64(n))
		}
	}

	base := filepath.Dir(s.path)
	for _, p := range []*string{&cfg.UnattendTemplate, &cfg.SetupScript, &cfg.InstallScript} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}

	violations = append(violations, structViolations(cfg, unparsable)...)
	if len(violations) > 0 {
		return nil, nil, apperrors.Invalid(fmt.Sprintf("configuration %s is invalid", s.path), violations)
	}

	return cfg, warnings(cfg), nil
}

func structViolations(cfg *Config, skip map[string]bool) []string {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("key")
	})

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}

	var out []string
	for _, fe := range verrs {
		key := fe.Field()
		if skip[key] {
			continue
		}
		out = append(out, describe(key, fe))
	}
	return out
}

func describe(key string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: is required", key)
	case "gt":
		return fmt.Sprintf("%s: must be a positive integer, got %v", key, fe.Value())
	case "min", "max":
		return fmt.Sprintf("%s: must be a port in [1, 65535], got %v", key, fe.Value())
	case "ipv4":
		return fmt.Sprintf("%s: must be an IPv4 address, got %q", key, fe.Value())
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s], got %q", key, fe.Param(), fe.Value())
	case "hostname_rfc1123":
		return fmt.Sprintf("%s: must be a valid host name (letters, digits, '-'), got %q", key, fe.Value())
	case "url":
		return fmt.Sprintf("%s: must be a URL, got %q", key, fe.Value())
	default:
		return fmt.Sprintf("%s: failed %s check", key, fe.Tag())
	}
}

func warnings(cfg *Config) []string {
	var out []string
	for _, p := range insecurePasswords {
		if strings.EqualFold(cfg.VMPassword, p) {
			out = append(out, "VM_PASSWORD is a well-known placeholder; change it before exposing the VM")
			break
		}
	}
	return out
}
