package sharelist

import (
	"bytes"
	"strings"
)

// ItemChange records the edits made to one principal's item.
type ItemChange struct {
	ItemAdded   bool   `json:"itemAdded,omitempty"`
	ItemRemoved bool   `json:"itemRemoved,omitempty"`
	Added       string `json:"added,omitempty"`
	Removed     string `json:"removed,omitempty"`
	Key         []byte `json:"key,omitempty"`
	KeyRemoved  bool   `json:"keyRemoved,omitempty"`
}

func (c ItemChange) isEmpty() bool {
	return !c.ItemAdded && !c.ItemRemoved && c.Added == "" && c.Removed == "" &&
		len(c.Key) == 0 && !c.KeyRemoved
}

// Changeset is the set of edits between two versions of a share list,
// keyed by principal.
type Changeset map[string]ItemChange

// IsEmpty reports whether cs records no edits.
func (cs Changeset) IsEmpty() bool {
	for _, c := range cs {
		if !c.isEmpty() {
			return false
		}
	}

	return true
}

// Diff returns the changeset that turns base into current.
func Diff(base, current ShareList) Changeset {
	cs := Changeset{}

	for k := range base {
		if _, ok := current[k]; !ok {
			cs[k] = ItemChange{ItemRemoved: true}
		}
	}

	for k, cur := range current {
		old, existed := base[k]
		if !existed {
			cs[k] = ItemChange{ItemAdded: true, Added: cur.Perms, Key: bytes.Clone(cur.Key)}
			continue
		}

		c := ItemChange{
			Added:   subtract(cur.Perms, old.Perms),
			Removed: subtract(old.Perms, cur.Perms),
		}

		if !bytes.Equal(cur.Key, old.Key) {
			if len(cur.Key) == 0 {
				c.KeyRemoved = true
			} else {
				c.Key = bytes.Clone(cur.Key)
			}
		}

		if !c.isEmpty() {
			cs[k] = c
		}
	}

	return cs
}

// Apply patches s in place with cs. Each permission character is added or
// removed independently, so characters the changeset does not mention are
// left as they are.
func (s ShareList) Apply(cs Changeset) {
	for k, c := range cs {
		if c.ItemRemoved {
			delete(s, k)
			continue
		}

		it := s[k]
		it.Perms = normalizePerms(subtract(it.Perms+c.Added, c.Removed))

		if strings.IndexByte(c.Added, byte(PermRead)) >= 0 {
			it.CanAddKey = true
		}

		switch {
		case !it.Has(PermRead):
			it.Key = nil
			it.CanAddKey = false
		case len(c.Key) > 0:
			it.Key = bytes.Clone(c.Key)
		case c.KeyRemoved:
			it.Key = nil
		}

		s[k] = it
	}
}

// Combine returns the single changeset equivalent to applying a then b.
func Combine(a, b Changeset) Changeset {
	out := Changeset{}

	for k, c := range a {
		out[k] = c
	}

	for k, next := range b {
		prev, ok := out[k]
		if !ok {
			out[k] = next
			continue
		}

		merged := ItemChange{
			ItemAdded:   next.ItemAdded || (prev.ItemAdded && !next.ItemRemoved),
			ItemRemoved: next.ItemRemoved || (prev.ItemRemoved && !next.ItemAdded),
			Added:       normalizePerms(subtract(prev.Added, next.Removed) + next.Added),
			Removed:     normalizePerms(subtract(prev.Removed, next.Added) + next.Removed),
		}

		switch {
		case len(next.Key) > 0:
			merged.Key = bytes.Clone(next.Key)
		case next.KeyRemoved:
			merged.KeyRemoved = true
		default:
			merged.Key = bytes.Clone(prev.Key)
			merged.KeyRemoved = prev.KeyRemoved
		}

		out[k] = merged
	}

	return out
}

// Merge rebuilds a local share list from the version found in the cloud
// plus the local changesets that have not been pushed yet, in queue order.
func Merge(cloud ShareList, pending ...Changeset) ShareList {
	out := cloud.Clone()
	for _, cs := range pending {
		out.Apply(cs)
	}

	return out
}

// subtract returns the characters of a that do not appear in b.
func subtract(a, b string) string {
	var sb strings.Builder

	for i := 0; i < len(a); i++ {
		if strings.IndexByte(b, a[i]) < 0 && strings.IndexByte(sb.String(), a[i]) < 0 {
			sb.WriteByte(a[i])
		}
	}

	return sb.String()
}
