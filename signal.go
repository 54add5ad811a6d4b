package dbus

// NameOwnerChanged is emitted by the bus driver whenever ownership of
// a bus name changes: a name is claimed, released, or transferred to
// a different peer. Old and New are empty for a claim from nobody and
// a release to nobody, respectively.
type NameOwnerChanged struct {
	Name string
	Old  string
	New  string
}

// NameLost is emitted to a peer that just lost ownership of Name,
// either by releasing it or by being displaced by a higher-priority
// claimant.
type NameLost struct {
	Name string
}

// NameAcquired is emitted to a peer that just became the owner of
// Name, whether by an immediate claim or by promotion from the
// name's wait queue.
type NameAcquired struct {
	Name string
}
