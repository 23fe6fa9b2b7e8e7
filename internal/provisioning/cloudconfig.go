package provisioning

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const cloudConfigHeader = "#cloud-config\n"

// CloudConfig is the subset of cloud-init user-data the module renders.
type CloudConfig struct {
	SSHPwauth bool              `yaml:"ssh_pwauth"`
	Users     []CloudConfigUser `yaml:"users"`
}

// CloudConfigUser is one entry of the cloud-init users list.
type CloudConfigUser struct {
	Name              string   `yaml:"name"`
	Groups            string   `yaml:"groups"`
	Shell             string   `yaml:"shell"`
	Sudo              string   `yaml:"sudo"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

// GenerateCloudConfig renders user-data that creates an administrative
// user with passwordless sudo, trusting publicKey.
func GenerateCloudConfig(username, publicKey string) (string, error) {
	if username == "" || strings.ContainsAny(username, "\r\n") {
		return "", fmt.Errorf("invalid user name %q", username)
	}
	if strings.ContainsAny(publicKey, "\r\n") {
		return "", fmt.Errorf("public key must be a single authorized-key line")
	}

	data := CloudConfig{
		SSHPwauth: false,
		Users: []CloudConfigUser{{
			Name:              username,
			Groups:            "sudo",
			Shell:             "/bin/bash",
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			SSHAuthorizedKeys: []string{publicKey},
		}},
	}

	var buf bytes.Buffer
	buf.WriteString(cloudConfigHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return "", fmt.Errorf("failed to encode cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode cloud-config: %w", err)
	}

	return buf.String(), nil
}
