package kernel

import "context"

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, caps CapabilitySnapshot, prompt string) (string, error)

func (f RunnerFunc) ExecuteWithCapabilities(ctx context.Context, caps CapabilitySnapshot, prompt string) (string, error) {
	return f(ctx, caps, prompt)
}

// DefaultPolicy is the baseline Authorizer: any valid principal may manage
// schedules. Deployments embedding picobot substitute their own policy.
type DefaultPolicy struct{}

func (DefaultPolicy) Authorize(p Principal, action string) bool {
	if !p.Valid() {
		return false
	}
	switch action {
	case ActionScheduleCreate, ActionScheduleCancel, ActionScheduleList:
		return true
	default:
		return p.Type == PrincipalAdmin || p.Type == PrincipalSystem
	}
}
