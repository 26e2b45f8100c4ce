package resource

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"instance", KindInstance},
		{"Instances", KindInstance},
		{"vpc", KindNetwork},
		{"security-group", KindFirewall},
		{"key-pair", KindKeyPair},
		{" bucket ", KindBucket},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("database")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestKindStringsHaveNoUnderscore(t *testing.T) {
	for _, k := range Kinds {
		assert.NotContains(t, string(k), "_", k)
	}
}

func TestKindLabeled(t *testing.T) {
	assert.True(t, KindInstance.Labeled())
	assert.True(t, KindSubnet.Labeled())
	assert.False(t, KindKeyPair.Labeled())
	assert.False(t, KindBucket.Labeled())
}

func TestScope(t *testing.T) {
	assert.True(t, Global.IsZero())
	assert.Equal(t, "global", Global.String())
	assert.Equal(t, "zone/us-central1-a", Zone("us-central1-a").String())
	assert.Equal(t, "region/eu-west-1", Region("eu-west-1").String())
	assert.False(t, Region("x").IsZero())
}

func TestHandleEquality(t *testing.T) {
	a := Handle{Kind: KindVolume, ProviderID: "vol-1", Scope: Zone("a")}
	b := Handle{Kind: KindVolume, ProviderID: "vol-1", Scope: Zone("a")}
	c := Handle{Kind: KindVolume, ProviderID: "vol-1", Scope: Zone("b")}
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "volume/zone/a/vol-1", a.String())
}

func TestRef(t *testing.T) {
	var zero Ref
	assert.False(t, zero.Valid())

	byID := ByID("web-1")
	assert.True(t, byID.Valid())
	assert.Equal(t, "web-1", byID.ID())
	_, ok := byID.Handle()
	assert.False(t, ok)

	h := Handle{Kind: KindInstance, ProviderID: "i-1"}
	byHandle := ByHandle(h)
	got, ok := byHandle.Handle()
	require.True(t, ok)
	assert.Equal(t, h, got)
	assert.Equal(t, "", byHandle.ID())

	assert.False(t, ByHandle(Handle{}).Valid())
}

func TestResourceAttr(t *testing.T) {
	r := Resource{Handle: Handle{Kind: KindSubnet, ProviderID: "s-1"}}
	assert.Equal(t, "", r.Attr(AttrCIDRBlock))
	r.Attrs = map[string]string{AttrCIDRBlock: "10.0.0.0/24"}
	assert.Equal(t, "10.0.0.0/24", r.Attr(AttrCIDRBlock))
	assert.Equal(t, "s-1", r.ID())
	assert.Equal(t, KindSubnet, r.Kind())
}

func TestEmptyPage(t *testing.T) {
	p := EmptyPage[Resource]()
	assert.NotNil(t, p.Items)
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.HasNext)
	assert.Empty(t, p.NextCursor)
}

// ═══════════════════════════════════════════════════════════════════════════
// Specs
// ═══════════════════════════════════════════════════════════════════════════

func TestSpecMetaIsShared(t *testing.T) {
	specs := []Spec{
		&InstanceSpec{}, &VolumeSpec{}, &SnapshotSpec{}, &NetworkSpec{},
		&SubnetSpec{}, &RouterSpec{}, &FirewallSpec{}, &KeyPairSpec{}, &BucketSpec{},
	}
	seen := map[Kind]bool{}
	for _, s := range specs {
		s.Meta().Name = "n"
		assert.Equal(t, "n", s.Meta().Name)
		seen[s.Kind()] = true
	}
	assert.Len(t, seen, len(Kinds))
}

func TestLaunchConfigChaining(t *testing.T) {
	lc := &LaunchConfig{}
	lc.AddBlockDevice(BlockDevice{Source: SourceImage, Ref: "debian", Root: true}).
		AddBlockDevice(BlockDevice{Source: SourceBlank, SizeGB: 10})
	require.Len(t, lc.BlockDevices, 2)
	assert.Equal(t, "image", lc.BlockDevices[0].Source.String())
	assert.Equal(t, "blank", lc.BlockDevices[1].Source.String())
}

// ═══════════════════════════════════════════════════════════════════════════
// Errors
// ═══════════════════════════════════════════════════════════════════════════

func TestDuplicateResourceErrorMatchesConflict(t *testing.T) {
	cause := errors.New("409 alreadyExists")
	err := fmt.Errorf("create network: %w", &DuplicateResourceError{Kind: KindNetwork, Name: "net", Cause: cause})

	assert.True(t, IsConflict(err))
	assert.ErrorIs(t, err, cause)

	var dup *DuplicateResourceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "net", dup.Name)
}

func TestProviderErrorUnwrap(t *testing.T) {
	err := &ProviderError{Provider: "gce", Kind: KindVolume, Op: "get", ID: "d1", Cause: ErrNotFound}
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "gce: get volume d1")
}

func TestOperationErrors(t *testing.T) {
	raw := errors.New("QUOTA_EXCEEDED")
	failed := &OperationFailedError{Kind: KindInstance, Target: "vm", Operation: "op-1", Reason: "quota", Raw: raw}
	assert.ErrorIs(t, failed, raw)
	assert.Contains(t, failed.Error(), "quota")

	timeout := &OperationTimeoutError{Kind: KindInstance, Target: "vm", Operation: "op-1", Attempts: 3}
	assert.Contains(t, timeout.Error(), "3 polls")
}

func TestUnsupportedFilterError(t *testing.T) {
	err := &UnsupportedFilterError{Kind: KindBucket, Keys: []string{"label"}, Supported: []string{"name"}}
	assert.Equal(t, "unsupported bucket filter label (supported: name)", err.Error())
}

// ═══════════════════════════════════════════════════════════════════════════
// Naming
// ═══════════════════════════════════════════════════════════════════════════

func TestValidateLabel(t *testing.T) {
	assert.NoError(t, ValidateLabel(KindInstance, ""))
	assert.NoError(t, ValidateLabel(KindInstance, "web-1"))

	for _, bad := range []string{"Web", "1web", "web_1", "web-", strings.Repeat("a", 64)} {
		err := ValidateLabel(KindInstance, bad)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, bad)
		assert.Equal(t, "label", verr.Field)
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName(KindNetwork, "cumulus-default-net"))
	assert.Error(t, ValidateName(KindNetwork, "Default"))

	assert.NoError(t, ValidateName(KindBucket, "my.bucket-01"))
	assert.Error(t, ValidateName(KindBucket, "ab"))
	assert.Error(t, ValidateName(KindBucket, "a..b"))

	assert.NoError(t, ValidateName(KindKeyPair, "Alice_Key.2"))
	assert.Error(t, ValidateName(KindKeyPair, "has space"))
}

func TestGenerateName(t *testing.T) {
	a := GenerateName(KindVolume, "data")
	b := GenerateName(KindVolume, "data")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^data-[0-9a-f]{8}$`, a)
	assert.NoError(t, ValidateName(KindVolume, a))

	assert.Regexp(t, `^cumulus-volume-[0-9a-f]{8}$`, GenerateName(KindVolume, ""))

	long := GenerateName(KindVolume, strings.Repeat("a", 70))
	assert.LessOrEqual(t, len(long), 63)
}
