package driver

import "fmt"

// Kind is an internal driver error classification. It never appears
// on the wire directly; the dispatcher maps it to a DBus error name
// via errorName below, and the human-readable text is the Error's
// Detail.
type Kind int

const (
	KindNone Kind = iota
	KindPeerAlreadyRegistered
	KindPeerNotYetRegistered
	KindUnexpectedPath
	KindUnexpectedMessageType
	KindUnexpectedReply
	KindUnexpectedEnvironmentUpdate
	KindExpectedReplyExists
	KindSendDenied
	KindReceiveDenied
	KindPeerNotPrivileged
	KindNameRefused
	KindUnexpectedInterface
	KindUnexpectedMethod
	KindUnexpectedProperty
	KindReadOnlyProperty
	KindUnexpectedSignature
	KindUnexpectedFlags
	KindNameReserved
	KindNameUnique
	KindNameInvalid
	KindForwardFailed
	KindQuota
	KindPeerNotFound
	KindNameNotFound
	KindNameOwnerNotFound
	KindDestinationNotFound
	KindNameNotActivatable
	KindMatchInvalid
	KindMatchNotFound
	KindAdtNotSupported
	KindSELinuxNotSupported
	// KindNoReply marks a reply slot cancelled because the responder
	// disconnected before answering.
	KindNoReply
	// KindConfigReloadFailed marks a failed ReloadConfig reported back
	// by the controller.
	KindConfigReloadFailed
	// KindProtocolViolation is never turned into a wire reply: it
	// tells the caller of Dispatch to drop the sending peer's
	// transport outright.
	KindProtocolViolation
)

// Error is a driver-internal error carrying a Kind that errorName
// translates to a DBus error name for the wire reply.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", errorName(e.Kind), e.Detail)
	}
	return errorName(e.Kind)
}

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Detail: fmt.Sprintf(format, args...)}
}

// errorName maps an internal error Kind to the DBus error name placed
// in the ErrName header field of an error reply.
func errorName(k Kind) string {
	switch k {
	case KindPeerAlreadyRegistered:
		return "org.freedesktop.DBus.Error.Failed"
	case KindPeerNotYetRegistered,
		KindUnexpectedPath,
		KindUnexpectedMessageType,
		KindUnexpectedReply,
		KindUnexpectedEnvironmentUpdate,
		KindExpectedReplyExists,
		KindSendDenied,
		KindReceiveDenied,
		KindPeerNotPrivileged,
		KindNameRefused:
		return "org.freedesktop.DBus.Error.AccessDenied"
	case KindUnexpectedInterface:
		return "org.freedesktop.DBus.Error.UnknownInterface"
	case KindUnexpectedMethod:
		return "org.freedesktop.DBus.Error.UnknownMethod"
	case KindUnexpectedProperty:
		// The reference bus spells this error name wrong on the wire;
		// existing clients match on the literal string, so the typo
		// is preserved here even though the internal Kind is spelled
		// correctly.
		return "org.freedesktop.DBus.Error.UnkonwnProperty"
	case KindReadOnlyProperty:
		return "org.freedesktop.DBus.Error.PropertyReadOnly"
	case KindUnexpectedSignature,
		KindUnexpectedFlags,
		KindNameReserved,
		KindNameUnique,
		KindNameInvalid:
		return "org.freedesktop.DBus.Error.InvalidArgs"
	case KindForwardFailed, KindQuota:
		return "org.freedesktop.DBus.Error.LimitsExceeded"
	case KindPeerNotFound,
		KindNameNotFound,
		KindNameOwnerNotFound,
		KindDestinationNotFound:
		return "org.freedesktop.DBus.Error.NameHasNoOwner"
	case KindNameNotActivatable:
		return "org.freedesktop.DBus.Error.ServiceUnknown"
	case KindMatchInvalid:
		return "org.freedesktop.DBus.Error.MatchRuleInvalid"
	case KindMatchNotFound:
		return "org.freedesktop.DBus.Error.MatchRuleNotFound"
	case KindAdtNotSupported:
		return "org.freedesktop.DBus.Error.AdtAuditDataUnknown"
	case KindSELinuxNotSupported:
		return "org.freedesktop.DBus.Error.SELinuxSecurityContextUnknown"
	case KindNoReply:
		return "org.freedesktop.DBus.Error.NoReply"
	case KindConfigReloadFailed:
		return "org.freedesktop.DBus.Error.Failed"
	default:
		return "org.freedesktop.DBus.Error.Failed"
	}
}
