// Package inventory maintains the Ansible YAML inventory that provisioned
// hosts are recorded in.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrMalformed is returned when the inventory does not have the
// group → hosts → hostname mapping shape.
var ErrMalformed = errors.New("malformed inventory")

// DefaultPath returns the inventory location used by the playbook in dir.
func DefaultPath(playbookDir string) string {
	return filepath.Join(playbookDir, "inventory", "yc_hosts.yml")
}

// Host is the connection record stored for every provisioned instance.
type Host struct {
	AnsibleHost    string `yaml:"ansible_host"`
	AnsibleUser    string `yaml:"ansible_user"`
	PrivateKeyFile string `yaml:"ansible_ssh_private_key_file"`
}

// Document is an inventory kept as a YAML node tree so that groups, hosts
// and comments it does not touch survive a rewrite.
type Document struct {
	doc    *yaml.Node
	indent int
}

const defaultIndent = 2

// NewDocument returns an empty inventory.
func NewDocument() *Document {
	return &Document{
		doc: &yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{newMapping()},
		},
		indent: defaultIndent,
	}
}

// Parse decodes an inventory. Empty input and a null document are treated
// as an empty inventory.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewDocument(), nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		// Comments only.
		return NewDocument(), nil
	}

	root := node.Content[0]
	switch {
	case isNull(root):
		mapping := newMapping()
		mapping.HeadComment = root.HeadComment
		node.Content[0] = mapping
	case root.Kind != yaml.MappingNode:
		return nil, fmt.Errorf("%w: top level is a %s, want a mapping of groups", ErrMalformed, kindName(root))
	}
	return &Document{doc: &node, indent: detectIndent(node.Content[0])}, nil
}

// detectIndent returns the indentation step of the first nested block
// mapping, so a rewrite keeps the file's layout.
func detectIndent(mapping *yaml.Node) int {
	if mapping.Kind != yaml.MappingNode || mapping.Style&yaml.FlowStyle != 0 {
		return defaultIndent
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, value := mapping.Content[i], mapping.Content[i+1]
		if value.Kind != yaml.MappingNode || value.Style&yaml.FlowStyle != 0 || len(value.Content) == 0 {
			continue
		}
		if step := value.Content[0].Column - key.Column; step >= 2 && step <= 9 {
			return step
		}
	}
	return defaultIndent
}

// Marshal encodes the inventory, indenting like the parsed input (two
// spaces for a new file).
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(d.indent)
	if err := enc.Encode(d.doc); err != nil {
		return nil, fmt.Errorf("failed to encode inventory: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode inventory: %w", err)
	}
	return buf.Bytes(), nil
}

// Lookup returns the host recorded under group. ok is false when either
// is missing.
func (d *Document) Lookup(group, hostname string) (host Host, ok bool, err error) {
	groupNode := lookupKey(d.root(), group)
	if groupNode == nil || groupNode.Kind != yaml.MappingNode {
		return Host{}, false, nil
	}
	hosts := lookupKey(groupNode, "hosts")
	if hosts == nil || hosts.Kind != yaml.MappingNode {
		return Host{}, false, nil
	}
	node := lookupKey(hosts, hostname)
	if node == nil {
		return Host{}, false, nil
	}
	if err := node.Decode(&host); err != nil {
		return Host{}, false, fmt.Errorf("%w: host %s in group %s: %v", ErrMalformed, hostname, group, err)
	}
	return host, true, nil
}

// UpsertHost sets group.hosts.hostname to host, replacing any previous
// record for that hostname. Everything else in the document is left as
// is. changed is false when the stored record already equals host.
func (d *Document) UpsertHost(group, hostname string, host Host) (changed bool, err error) {
	if group == "" || hostname == "" {
		return false, errors.New("group and hostname must not be empty")
	}

	groupNode, err := ensureMapping(d.root(), group)
	if err != nil {
		return false, fmt.Errorf("group %s: %w", group, err)
	}
	hosts, err := ensureMapping(groupNode, "hosts")
	if err != nil {
		return false, fmt.Errorf("group %s hosts: %w", group, err)
	}

	var value yaml.Node
	if err := value.Encode(host); err != nil {
		return false, fmt.Errorf("failed to encode host %s: %w", hostname, err)
	}

	for i := 0; i+1 < len(hosts.Content); i += 2 {
		if hosts.Content[i].Value != hostname {
			continue
		}
		existing := hosts.Content[i+1]
		if sameHost(existing, host) {
			return false, nil
		}
		value.HeadComment = existing.HeadComment
		value.LineComment = existing.LineComment
		hosts.Content[i+1] = &value
		return true, nil
	}

	hosts.Content = append(hosts.Content, scalar(hostname), &value)
	return true, nil
}

func (d *Document) root() *yaml.Node {
	return d.doc.Content[0]
}

// sameHost reports whether node holds exactly the three fields of host.
func sameHost(node *yaml.Node, host Host) bool {
	if node.Kind != yaml.MappingNode || len(node.Content) != 6 {
		return false
	}
	var stored Host
	if err := node.Decode(&stored); err != nil {
		return false
	}
	return stored == host
}

// ensureMapping returns the mapping stored under key in parent, creating
// it when absent and converting an empty value (`key:`) in place.
func ensureMapping(parent *yaml.Node, key string) (*yaml.Node, error) {
	node := lookupKey(parent, key)
	switch {
	case node == nil:
		node = newMapping()
		parent.Content = append(parent.Content, scalar(key), node)
	case isNull(node):
		node.Kind = yaml.MappingNode
		node.Tag = "!!map"
		node.Value = ""
		node.Style = 0
	case node.Kind != yaml.MappingNode:
		return nil, fmt.Errorf("%w: %s is a %s, want a mapping", ErrMalformed, key, kindName(node))
	case len(node.Content) == 0:
		// `{}` would otherwise stay in flow style once hosts are added.
		node.Style = 0
	}
	return node, nil
}

func lookupKey(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func newMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func scalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null"
}

func kindName(node *yaml.Node) string {
	switch node.Kind {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "mapping"
	}
}
