// Package module implements the Ansible binary module protocol: the
// arguments arrive in a file and the result is one JSON object on stdout.
package module

import (
	"encoding/json"
	"fmt"
	"io"
)

// Result is reported back to Ansible.
type Result struct {
	Changed bool `json:"changed"`
	Failed  bool `json:"failed"`
	// Msg is what Ansible displays; Message carries the same text for
	// playbooks registering the older field name.
	Msg     string `json:"msg"`
	Message string `json:"message"`

	InstanceID    string `json:"instance_id,omitempty"`
	PublicIP      string `json:"public_ip,omitempty"`
	InventoryPath string `json:"inventory_path,omitempty"`
	// InventoryUpdated is set when the host entry was written.
	InventoryUpdated bool `json:"inventory_updated,omitempty"`
	// RequestID is sent as the client trace ID of every cloud API call.
	RequestID string `json:"request_id,omitempty"`
}

// Succeeded returns a successful result.
func Succeeded(changed bool, format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{Changed: changed, Msg: msg, Message: msg}
}

// Failed returns a failed result. changed reports whether anything was
// modified before the failure.
func Failed(changed bool, format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{Changed: changed, Failed: true, Msg: msg, Message: msg}
}

// ExitCode is the process exit status Ansible expects for r.
func (r Result) ExitCode() int {
	if r.Failed {
		return 1
	}
	return 0
}

// Write encodes r as a single JSON line.
func (r Result) Write(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(r); err != nil {
		return fmt.Errorf("failed to write module result: %w", err)
	}
	return nil
}
