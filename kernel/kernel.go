// Package kernel defines the contract between the scheduler and the
// permission-enforcing execution boundary. The scheduler never interprets
// capability snapshots or invokes tools directly; it hands prompts and
// snapshots to a Runner and lets the kernel enforce every tool call.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
)

// CapabilitySnapshot is an opaque, serialized copy of a permission set,
// captured once at job creation. The scheduler stores it verbatim and
// passes it unchanged to the Runner; it never inspects the contents.
type CapabilitySnapshot []byte

// Equal reports whether two snapshots are byte-identical. Snapshots are
// comparison-only values; there is no partial-ordering semantics here.
func (s CapabilitySnapshot) Equal(other CapabilitySnapshot) bool {
	return bytes.Equal(s, other)
}

// MarshalJSON emits the snapshot verbatim (it is already JSON).
func (s CapabilitySnapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// UnmarshalJSON stores the raw bytes without interpreting them.
func (s *CapabilitySnapshot) UnmarshalJSON(data []byte) error {
	*s = append((*s)[:0], data...)
	return nil
}

// PrincipalType classifies who created a scheduled job. The tag is explicit
// and auditable; trust is never inferred from call site.
type PrincipalType string

const (
	PrincipalUser   PrincipalType = "user"
	PrincipalSystem PrincipalType = "system"
	PrincipalAdmin  PrincipalType = "admin"
)

// Principal identifies the creator of a scheduled job.
type Principal struct {
	Type PrincipalType `json:"type"`
	ID   string        `json:"id"`
}

// Valid reports whether the principal carries a known type and an id.
func (p Principal) Valid() bool {
	switch p.Type {
	case PrincipalUser, PrincipalSystem, PrincipalAdmin:
		return p.ID != ""
	default:
		return false
	}
}

// MarshalPrincipal serializes a principal for storage.
func MarshalPrincipal(p Principal) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalPrincipal restores a stored principal.
func UnmarshalPrincipal(data string) (Principal, error) {
	var p Principal
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// Runner is the permission-enforcing execution boundary. Execution runs the
// prompt as an ordinary user-authored prompt under the given snapshot; every
// tool call the prompt triggers is checked against the snapshot by the
// kernel, not by the scheduler. The context carries timeout and
// cancellation; implementations must observe it promptly.
type Runner interface {
	ExecuteWithCapabilities(ctx context.Context, caps CapabilitySnapshot, prompt string) (summary string, err error)
}

// Authorizer answers schedule-class permission questions before any
// mutating scheduler API call.
type Authorizer interface {
	Authorize(principal Principal, action string) bool
}

// Schedule-class actions checked through the Authorizer.
const (
	ActionScheduleCreate = "schedule:create"
	ActionScheduleCancel = "schedule:cancel"
	ActionScheduleList   = "schedule:list"
)
