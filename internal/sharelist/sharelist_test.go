package sharelist

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/zdc-sync/internal/cloudpath"
	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("UID:alice"))
	assert.NoError(t, ValidateKey(Anyone))
	assert.NoError(t, ValidateKey("SRV:backup"))
	assert.NoError(t, ValidateKey("PWD:family"))
	assert.Error(t, ValidateKey("UID:"))
	assert.Error(t, ValidateKey("SRV:*"))
	assert.Error(t, ValidateKey("alice"))
}

func TestUserID(t *testing.T) {
	id, ok := UserID("UID:bob")
	assert.True(t, ok)
	assert.Equal(t, "bob", id)

	_, ok = UserID(Anyone)
	assert.False(t, ok)
	_, ok = UserID("SRV:bob")
	assert.False(t, ok)
}

func TestAddRemovePermission(t *testing.T) {
	s := New()
	require.NoError(t, s.AddPermission(UserKey("bob"), PermWrite))
	require.NoError(t, s.AddPermission(UserKey("bob"), PermRead))
	require.NoError(t, s.AddPermission(UserKey("bob"), PermRead))

	assert.Equal(t, "rw", s[UserKey("bob")].Perms)
	assert.True(t, s.HasPermission(UserKey("bob"), PermRead))
	assert.False(t, s.HasPermission(UserKey("bob"), PermShare))
	assert.False(t, s.HasPermission(UserKey("carol"), PermRead))

	s.RemovePermission(UserKey("bob"), PermWrite)
	assert.Equal(t, "r", s[UserKey("bob")].Perms)

	s.RemovePermission(UserKey("nobody"), PermWrite)
	_, ok := s[UserKey("nobody")]
	assert.False(t, ok)
}

func TestAddPermission_Invalid(t *testing.T) {
	s := New()
	assert.True(t, zerrors.IsValidation(s.AddPermission("bob", PermRead)))
	assert.True(t, zerrors.IsValidation(s.AddPermission(UserKey("bob"), Permission('x'))))
}

func TestSetKey_RequiresRead(t *testing.T) {
	s := New()
	require.NoError(t, s.AddPermission(UserKey("bob"), PermWrite))

	err := s.SetKey(UserKey("bob"), []byte("wrapped"))
	assert.True(t, zerrors.IsStructural(err))

	require.NoError(t, s.AddPermission(UserKey("bob"), PermRead))
	require.NoError(t, s.SetKey(UserKey("bob"), []byte("wrapped")))
	assert.Equal(t, []byte("wrapped"), s[UserKey("bob")].Key)

	s.RemovePermission(UserKey("bob"), PermRead)
	assert.Nil(t, s[UserKey("bob")].Key)
	require.NoError(t, s.Validate())
}

func TestMissingKeys_OnlyExplicitRead(t *testing.T) {
	s := ShareList{
		// Read present but not granted through AddPermission in this
		// session, as when decoded from a record without a key.
		UserKey("implicit"): {Perms: "r"},
		Anyone:              {Perms: "rLUW", CanAddKey: true},
	}
	require.NoError(t, s.AddPermission(UserKey("bob"), PermRead))
	require.NoError(t, s.AddPermission(UserKey("carol"), PermRead))
	require.NoError(t, s.SetKey(UserKey("carol"), []byte("k")))

	assert.Equal(t, []string{UserKey("bob")}, s.MissingKeys())
}

func TestRemoveItem_OwnerProtected(t *testing.T) {
	s := ForTrunk(cloudpath.TrunkHome, "alice")

	err := s.RemoveItem(UserKey("alice"), "mallory", "alice")
	assert.ErrorIs(t, err, zerrors.ErrOwnerEntryRequired)
	assert.Contains(t, s, UserKey("alice"))

	require.NoError(t, s.RemoveItem(UserKey("alice"), "alice", "alice"))
	assert.NotContains(t, s, UserKey("alice"))
}

func TestForTrunk(t *testing.T) {
	tests := []struct {
		trunk   cloudpath.Trunk
		dropBox bool
	}{
		{cloudpath.TrunkHome, false},
		{cloudpath.TrunkPrefs, false},
		{cloudpath.TrunkInbox, true},
		{cloudpath.TrunkOutbox, true},
	}
	for _, tt := range tests {
		s := ForTrunk(tt.trunk, "alice")
		assert.Equal(t, "rws", s[UserKey("alice")].Perms, tt.trunk.String())

		it, ok := s[Anyone]
		assert.Equal(t, tt.dropBox, ok, tt.trunk.String())
		if ok {
			assert.True(t, it.Has(PermWriteOnce))
			assert.True(t, it.Has(PermLeafsOnly))
			assert.True(t, it.Has(PermUserOnly))
			assert.False(t, it.Has(PermRead))
		}
		require.NoError(t, s.Validate())
	}
}

func TestInherit_DropsWildcardAndKeys(t *testing.T) {
	parent := ForTrunk(cloudpath.TrunkInbox, "alice")
	require.NoError(t, parent.SetKey(UserKey("alice"), []byte("parent-key")))

	child := Inherit(parent)
	assert.NotContains(t, child, Anyone)
	assert.Equal(t, "rws", child[UserKey("alice")].Perms)
	assert.Nil(t, child[UserKey("alice")].Key)
	assert.Equal(t, []string{UserKey("alice")}, child.MissingKeys())
}

func TestDiffApply_RoundTrip(t *testing.T) {
	base := ShareList{
		UserKey("alice"): {Perms: "rws", Key: []byte("a")},
		UserKey("bob"):   {Perms: "rw", Key: []byte("b")},
		UserKey("carol"): {Perms: "r"},
	}
	cur := base.Clone()
	cur.RemovePermission(UserKey("bob"), PermWrite)
	require.NoError(t, cur.AddPermission(UserKey("dave"), PermRead))
	require.NoError(t, cur.SetKey(UserKey("dave"), []byte("d")))
	delete(cur, UserKey("carol"))

	cs := Diff(base, cur)
	assert.False(t, cs.IsEmpty())

	patched := base.Clone()
	patched.Apply(cs)
	assert.True(t, cur.Equal(patched))

	assert.True(t, Diff(cur, cur).IsEmpty())
}

func TestMerge_ConcurrentCharsOnSameItem(t *testing.T) {
	base := ShareList{UserKey("bob"): {Perms: "r"}}

	deviceA := base.Clone()
	require.NoError(t, deviceA.AddPermission(UserKey("bob"), PermWrite))

	deviceB := base.Clone()
	require.NoError(t, deviceB.AddPermission(UserKey("bob"), PermShare))

	merged := Merge(deviceA, Diff(base, deviceB))
	assert.Equal(t, "rws", merged[UserKey("bob")].Perms)
}

func TestMerge_RemoveVersusAdd(t *testing.T) {
	base := ShareList{UserKey("bob"): {Perms: "rw"}}

	deviceA := base.Clone()
	deviceA.RemovePermission(UserKey("bob"), PermWrite)

	deviceB := base.Clone()
	require.NoError(t, deviceB.AddPermission(UserKey("bob"), PermShare))

	merged := Merge(deviceA, Diff(base, deviceB))
	assert.Equal(t, "rs", merged[UserKey("bob")].Perms)
}

func TestCombine_MatchesSequentialApply(t *testing.T) {
	v0 := ShareList{UserKey("bob"): {Perms: "rw"}}
	v1 := v0.Clone()
	v1.RemovePermission(UserKey("bob"), PermWrite)
	require.NoError(t, v1.AddPermission(UserKey("carol"), PermRead))
	v2 := v1.Clone()
	require.NoError(t, v2.AddPermission(UserKey("bob"), PermWrite))
	delete(v2, UserKey("carol"))

	combined := Combine(Diff(v0, v1), Diff(v1, v2))

	got := v0.Clone()
	got.Apply(combined)
	assert.True(t, v2.Equal(got), "got %v want %v", got, v2)
}

// randomEdits applies n random add/remove edits restricted to keys.
func randomEdits(r *rand.Rand, s ShareList, keys []string, n int) {
	for range n {
		k := keys[r.IntN(len(keys))]
		p := Permission(permOrder[r.IntN(len(permOrder))])
		if r.IntN(2) == 0 {
			_ = s.AddPermission(k, p)
		} else {
			s.RemovePermission(k, p)
		}
	}
}

func TestMerge_PropertyDisjointPrincipalsNeverClobbered(t *testing.T) {
	all := make([]string, 8)
	for i := range all {
		all[i] = UserKey(fmt.Sprintf("user%d", i))
	}

	for seed := range uint64(200) {
		r := rand.New(rand.NewPCG(seed, seed*31+7))

		base := New()
		randomEdits(r, base, all, 10)

		split := 1 + r.IntN(len(all)-1)
		keysA, keysB := all[:split], all[split:]

		deviceA := base.Clone()
		randomEdits(r, deviceA, keysA, 1+r.IntN(12))
		deviceB := base.Clone()
		randomEdits(r, deviceB, keysB, 1+r.IntN(12))

		// A pushed first; B replays its pending changeset on top.
		merged := Merge(deviceA, Diff(base, deviceB))

		for _, k := range keysA {
			assert.Equal(t, deviceA[k].Perms, merged[k].Perms, "seed %d key %s", seed, k)
		}

		for _, k := range keysB {
			assert.Equal(t, deviceB[k].Perms, merged[k].Perms, "seed %d key %s", seed, k)
		}
	}
}

func TestMerge_PropertyOnlyExplicitRemovals(t *testing.T) {
	keys := []string{UserKey("a"), UserKey("b"), UserKey("c")}

	for seed := range uint64(200) {
		r := rand.New(rand.NewPCG(seed, 99))

		base := New()
		randomEdits(r, base, keys, 6)

		deviceA := base.Clone()
		randomEdits(r, deviceA, keys, 1+r.IntN(8))
		deviceB := base.Clone()
		randomEdits(r, deviceB, keys, 1+r.IntN(8))

		csA := Diff(base, deviceA)
		merged := Merge(deviceB, csA)

		// Every char B holds survives unless A's changeset removed it.
		for k, it := range deviceB {
			change := csA[k]
			if change.ItemRemoved {
				continue
			}

			for i := 0; i < len(it.Perms); i++ {
				ch := it.Perms[i]
				if !containsByte(change.Removed, ch) {
					assert.True(t, merged.HasPermission(k, Permission(ch)), "seed %d key %s perm %c", seed, k, ch)
				}
			}
		}
	}
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}

	return false
}
