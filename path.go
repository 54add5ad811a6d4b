package dbus

import "strings"

// ObjectPath is a DBus object path, e.g. "/org/freedesktop/DBus".
type ObjectPath string

func (ObjectPath) SignatureDBus() Signature { return mustParseSignature("o") }

// IsChildOf reports whether o is prefix or a descendant of prefix.
func (o ObjectPath) IsChildOf(prefix ObjectPath) bool {
	if prefix == "/" {
		return true
	}
	return o == prefix || strings.HasPrefix(string(o), string(prefix)+"/")
}

// Clean returns o with any trailing slash removed, except for the
// root path itself.
func (o ObjectPath) Clean() ObjectPath {
	if o == "/" || o == "" {
		return o
	}
	return ObjectPath(strings.TrimSuffix(string(o), "/"))
}
