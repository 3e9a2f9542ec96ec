package sharelist

import "github.com/alexjbarnes/zdc-sync/internal/cloudpath"

// OwnerPerms are the permissions every trunk grants its owner.
const OwnerPerms = "rws"

// DropBoxPerms are granted to any user on the inbox and outbox trunks:
// they may write once, only leaf nodes, and only as themselves.
const DropBoxPerms = "WLU"

// ForTrunk returns the hard-coded default share list of a trunk.
func ForTrunk(t cloudpath.Trunk, ownerID string) ShareList {
	s := ShareList{
		UserKey(ownerID): {Perms: OwnerPerms, CanAddKey: true},
	}

	switch t {
	case cloudpath.TrunkInbox, cloudpath.TrunkOutbox:
		s[Anyone] = Item{Perms: normalizePerms(DropBoxPerms)}
	}

	return s
}
