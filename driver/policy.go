package driver

// Policy is the (out-of-scope) security-policy evaluator. The driver
// consults it before every send and every broadcast receive, and
// before privileged driver methods (UpdateActivationEnvironment,
// BecomeMonitor).
type Policy interface {
	// CanOwn reports whether identity may become the owner of name.
	CanOwn(identity Identity, name string) bool
	// CanSend reports whether a message with the given metadata may
	// be sent by the peer with sender identity.
	CanSend(sender Identity, m MatchFields) bool
	// CanReceive reports whether a message with the given metadata may
	// be delivered to the peer with receiver identity.
	CanReceive(receiver Identity, m MatchFields) bool
	// IsPrivileged reports whether identity may invoke privileged
	// driver methods (UpdateActivationEnvironment, BecomeMonitor).
	IsPrivileged(identity Identity) bool
}

// AllowAllPolicy is a Policy that permits every ownership, send and
// receive, and treats only uid 0 as privileged: it is the bundled
// default for local testing and development, where
// access control is delegated to the transport layer (e.g. a Unix
// socket with filesystem permissions) rather than enforced here.
type AllowAllPolicy struct{}

func (AllowAllPolicy) CanOwn(Identity, string) bool            { return true }
func (AllowAllPolicy) CanSend(Identity, MatchFields) bool       { return true }
func (AllowAllPolicy) CanReceive(Identity, MatchFields) bool    { return true }
func (AllowAllPolicy) IsPrivileged(identity Identity) bool      { return identity.UID == 0 }

// Controller is the (out-of-scope) process-level controller: the
// parent process responsible for launching activatable services,
// reloading bus configuration, and applying activation-environment
// updates. The driver's calls to it are fire-and-forget; results come
// back later via the Bus's ActivationSucceeded/ActivationFailed/
// ConfigReloaded/ConfigReloadFailed callbacks.
type Controller interface {
	// StartService asks the controller to launch the service that
	// owns name. correlation is later echoed back in
	// ActivationSucceeded/ActivationFailed.
	StartService(name string, correlation uint64)
	// ReloadConfig asks the controller to reload bus configuration
	// (policy, activation directory). correlation is later echoed
	// back in ConfigReloaded/ConfigReloadFailed.
	ReloadConfig(correlation uint64)
	// UpdateActivationEnvironment forwards environment variable
	// updates that future activated services should inherit.
	UpdateActivationEnvironment(vars map[string]string)
}
