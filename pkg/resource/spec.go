package resource

// Spec is the creation input for one resource kind. Implementations are the
// pointer types in this file; adapters switch on the concrete type.
type Spec interface {
	Kind() Kind
	Meta() *SpecMeta
}

// SpecMeta holds the fields shared by every Spec.
type SpecMeta struct {
	// Name is the immutable provider name. Generated from Label when empty.
	Name        string
	Label       string
	Scope       Scope
	Description string
}

// Meta returns the shared fields.
func (m *SpecMeta) Meta() *SpecMeta { return m }

// BlockSource says where a launch-config block device gets its data.
type BlockSource int

// Block device sources.
const (
	SourceBlank BlockSource = iota
	SourceImage
	SourceVolume
	SourceSnapshot
)

func (s BlockSource) String() string {
	switch s {
	case SourceImage:
		return "image"
	case SourceVolume:
		return "volume"
	case SourceSnapshot:
		return "snapshot"
	default:
		return "blank"
	}
}

// BlockDevice is one disk requested in a launch config.
type BlockDevice struct {
	Source BlockSource
	// Ref names the image, volume or snapshot. Empty for blank disks.
	Ref               string
	SizeGB            int
	DeleteOnTerminate *bool
	Root              bool
}

// LaunchConfig carries optional block device mappings for an instance.
type LaunchConfig struct {
	BlockDevices []BlockDevice
}

// AddBlockDevice appends a device and returns the config for chaining.
func (lc *LaunchConfig) AddBlockDevice(d BlockDevice) *LaunchConfig {
	lc.BlockDevices = append(lc.BlockDevices, d)
	return lc
}

// AttachedDisk is a resolved disk handed to the adapter. Exactly one of
// Volume or Image is set.
type AttachedDisk struct {
	Boot       bool
	Volume     *Handle
	Image      string
	SizeGB     int
	AutoDelete bool
}

// InstanceSpec creates a compute instance.
type InstanceSpec struct {
	SpecMeta
	Image        string
	VMType       string
	Subnet       *Handle
	KeyPair      string
	Firewalls    []string
	UserData     string
	LaunchConfig *LaunchConfig
	// Disks is filled from Image and LaunchConfig before the adapter call.
	// The boot disk, if any, is first.
	Disks []AttachedDisk
}

func (*InstanceSpec) Kind() Kind { return KindInstance }

// VolumeSpec creates a block storage volume.
type VolumeSpec struct {
	SpecMeta
	SizeGB     int
	Snapshot   *Handle
	VolumeType string
}

func (*VolumeSpec) Kind() Kind { return KindVolume }

// SnapshotSpec creates a snapshot of a volume.
type SnapshotSpec struct {
	SpecMeta
	Volume Handle
}

func (*SnapshotSpec) Kind() Kind { return KindSnapshot }

// NetworkSpec creates a private network.
type NetworkSpec struct {
	SpecMeta
	CIDRBlock string
}

func (*NetworkSpec) Kind() Kind { return KindNetwork }

// SubnetSpec creates a subnet inside a network.
type SubnetSpec struct {
	SpecMeta
	Network   Handle
	CIDRBlock string
}

func (*SubnetSpec) Kind() Kind { return KindSubnet }

// RouterSpec creates a router (route table) for a network.
type RouterSpec struct {
	SpecMeta
	Network Handle
}

func (*RouterSpec) Kind() Kind { return KindRouter }

// Direction of a firewall rule.
type Direction string

// Rule directions.
const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// FirewallRule is one allow rule.
type FirewallRule struct {
	Direction Direction
	Protocol  string
	FromPort  int
	ToPort    int
	CIDR      string
	Priority  int
}

// FirewallSpec creates a firewall / security group.
type FirewallSpec struct {
	SpecMeta
	Network *Handle
	Rules   []FirewallRule
}

func (*FirewallSpec) Kind() Kind { return KindFirewall }

// KeyPairSpec registers an SSH public key.
type KeyPairSpec struct {
	SpecMeta
	PublicKey string
}

func (*KeyPairSpec) Kind() Kind { return KindKeyPair }

// BucketSpec creates an object storage bucket.
type BucketSpec struct {
	SpecMeta
	Location string
}

func (*BucketSpec) Kind() Kind { return KindBucket }
