// Package dbus implements the DBus message wire format: the header
// and body encoding used by every message on a DBus bus, plus the
// type signature algebra that describes them.
//
// Values marshal and unmarshal via reflection, following the same
// rules as encoding/json: struct fields map to DBus struct fields in
// declaration order, slices and arrays map to DBus arrays, maps map
// to DBus dictionaries, and the "vardict" struct tag idiom supports
// the typed-optional-field-in-a-dict pattern common to DBus APIs
// (org.freedesktop.DBus.GetConnectionCredentials, among others).
// Types that need custom wire behavior implement [Marshaler] and
// [Unmarshaler] directly.
package dbus
