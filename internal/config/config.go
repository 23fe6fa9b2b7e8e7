package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ycmodules/internal/inventory"
	"ycmodules/internal/provisioning"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v2"
)

// Defaults for optional module parameters.
const (
	DefaultImageFamily  = "ubuntu-2404-lts-oslogin"
	DefaultMemory       = 2
	DefaultCores        = 2
	DefaultCoreFraction = 20
	DefaultDiskSize     = 10
	DefaultHostGroup    = "ungrouped"
	DefaultTimeout      = 600
	DefaultSSHTimeout   = 300
)

// Args contains the vm-create module parameters
type Args struct {
	// Yandex Cloud placement
	FolderID string `yaml:"folder_id"`
	Zone     string `yaml:"zone"`
	SubnetID string `yaml:"subnet_id"`

	// Instance shape
	VMName        string `yaml:"vm_name"`
	ImageFamilyID string `yaml:"image_family_id"`
	PlatformID    string `yaml:"platform_id"`
	Memory        Int    `yaml:"memory"`        // in GB
	Cores         Int    `yaml:"cores"`
	CoreFraction  Int    `yaml:"core_fraction"` // percent
	DiskSize      Int    `yaml:"disk_size"`     // in GB

	// Access
	UserName   string `yaml:"user_name"`
	PubSSHKey  string `yaml:"pub_ssh_key"`
	PrivSSHKey string `yaml:"priv_ssh_key"`
	SAKey      string `yaml:"sa_key"`

	// Inventory
	HostGroup          string   `yaml:"host_group"`
	PlaybookDir        string   `yaml:"playbook_dir"`
	ReconcileInventory Bool     `yaml:"reconcile_inventory"`
	LockEtcdEndpoints  []string `yaml:"lock_etcd_endpoints"`

	// Timeouts in seconds
	Timeout    Int  `yaml:"timeout"`
	WaitForSSH Bool `yaml:"wait_for_ssh"`
	SSHTimeout Int  `yaml:"ssh_timeout"`

	CheckMode Bool `yaml:"_ansible_check_mode"`
}

// Defaults returns Args with every optional parameter set.
func Defaults() *Args {
	return &Args{
		ImageFamilyID:      DefaultImageFamily,
		PlatformID:         provisioning.DefaultPlatformID,
		Memory:             DefaultMemory,
		Cores:              DefaultCores,
		CoreFraction:       DefaultCoreFraction,
		DiskSize:           DefaultDiskSize,
		HostGroup:          DefaultHostGroup,
		ReconcileInventory: true,
		Timeout:            DefaultTimeout,
		SSHTimeout:         DefaultSSHTimeout,
	}
}

// Load reads module arguments from the args file written by Ansible. The
// file is JSON, which the YAML decoder accepts as is.
func Load(path string) (*Args, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read args file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, expands and validates module arguments.
func Parse(data []byte) (*Args, error) {
	args := Defaults()
	if err := yaml.Unmarshal(data, args); err != nil {
		return nil, fmt.Errorf("failed to parse args: %w", err)
	}

	// Expand environment variables in string fields
	args.FolderID = os.ExpandEnv(args.FolderID)
	args.Zone = os.ExpandEnv(args.Zone)
	args.SubnetID = os.ExpandEnv(args.SubnetID)
	args.VMName = os.ExpandEnv(args.VMName)
	args.UserName = os.ExpandEnv(args.UserName)

	// Override empty values with environment variables
	if args.FolderID == "" {
		args.FolderID = os.Getenv("YC_FOLDER_ID")
	}
	if args.SAKey == "" {
		args.SAKey = os.Getenv("YC_SERVICE_ACCOUNT_KEY_FILE")
	}

	args.PubSSHKey = ExpandPath(args.PubSSHKey)
	args.PrivSSHKey = ExpandPath(args.PrivSSHKey)
	args.SAKey = ExpandPath(args.SAKey)
	args.PlaybookDir = ExpandPath(args.PlaybookDir)

	for i, endpoint := range args.LockEtcdEndpoints {
		args.LockEtcdEndpoints[i] = os.ExpandEnv(endpoint)
	}

	if err := args.Validate(); err != nil {
		return nil, err
	}
	return args, nil
}

// Validate reports every missing or out-of-range parameter at once.
func (a *Args) Validate() error {
	var result *multierror.Error

	required := []struct{ name, value string }{
		{"folder_id", a.FolderID},
		{"zone", a.Zone},
		{"vm_name", a.VMName},
		{"image_family_id", a.ImageFamilyID},
		{"user_name", a.UserName},
		{"pub_ssh_key", a.PubSSHKey},
		{"priv_ssh_key", a.PrivSSHKey},
		{"sa_key", a.SAKey},
		{"host_group", a.HostGroup},
		{"playbook_dir", a.PlaybookDir},
	}
	for _, p := range required {
		if p.value == "" {
			result = multierror.Append(result, fmt.Errorf("missing required argument: %s", p.name))
		}
	}

	if a.Memory <= 0 {
		result = multierror.Append(result, fmt.Errorf("memory must be positive, got %d", a.Memory))
	}
	if a.Cores < 2 {
		result = multierror.Append(result, fmt.Errorf("cores must be at least 2, got %d", a.Cores))
	}
	if a.CoreFraction <= 0 || a.CoreFraction > 100 {
		result = multierror.Append(result, fmt.Errorf("core_fraction must be in 1..100, got %d", a.CoreFraction))
	}
	if a.DiskSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("disk_size must be positive, got %d", a.DiskSize))
	}
	if a.Timeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("timeout must be positive, got %d", a.Timeout))
	}
	if a.WaitForSSH && a.SSHTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("ssh_timeout must be positive, got %d", a.SSHTimeout))
	}

	return result.ErrorOrNil()
}

// Request converts the arguments into a provisioning request.
func (a *Args) Request() provisioning.Request {
	return provisioning.Request{
		FolderID:      a.FolderID,
		Zone:          a.Zone,
		SubnetID:      a.SubnetID,
		Name:          a.VMName,
		ImageFamily:   a.ImageFamilyID,
		MemoryGiB:     int64(a.Memory),
		Cores:         int64(a.Cores),
		CoreFraction:  int64(a.CoreFraction),
		DiskSizeGiB:   int64(a.DiskSize),
		Username:      a.UserName,
		PublicKeyPath: a.PubSSHKey,
		PlatformID:    a.PlatformID,
	}
}

// InventoryPath returns where the host entry is recorded.
func (a *Args) InventoryPath() string {
	return inventory.DefaultPath(a.PlaybookDir)
}

// TimeoutDuration bounds the whole module run.
func (a *Args) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// SSHTimeoutDuration bounds the readiness check.
func (a *Args) SSHTimeoutDuration() time.Duration {
	return time.Duration(a.SSHTimeout) * time.Second
}

// ExpandPath expands environment variables and a leading ~ in path.
func ExpandPath(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return path
}

// Int accepts both numbers and numeric strings, as Ansible passes
// templated values as strings.
type Int int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (i *Int) UnmarshalYAML(unmarshal func(any) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*i = Int(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", s)
	}
	*i = Int(n)
	return nil
}

// Bool accepts booleans and the strings Ansible treats as booleans.
type Bool bool

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bool) UnmarshalYAML(unmarshal func(any) error) error {
	var v bool
	if err := unmarshal(&v); err == nil {
		*b = Bool(v)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on", "true", "1", "y", "t":
		*b = true
	case "no", "off", "false", "0", "n", "f", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %q", s)
	}
	return nil
}
