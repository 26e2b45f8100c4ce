package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cumulus/pkg/resource"
)

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KIND REF",
		Short: "Delete a resource and wait for it to go away",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(args[0])
			if err != nil {
				return err
			}
			deleted, err := svc.Delete(cmd.Context(), resource.ByID(args[1]))
			if err != nil {
				return err
			}
			if !deleted {
				return a.printMessage("result", fmt.Sprintf("%s %s not found", svc.Kind(), args[1]))
			}
			return a.printMessage("result", fmt.Sprintf("deleted %s %s", svc.Kind(), args[1]))
		},
	}
}

func (a *app) labelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "label KIND REF [LABEL]",
		Short: "Set or clear the label of a resource",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(args[0])
			if err != nil {
				return err
			}
			l := ""
			if len(args) == 3 {
				l = args[2]
			}
			if err := svc.SetLabel(cmd.Context(), resource.ByID(args[1]), l); err != nil {
				return err
			}
			if l == "" {
				return a.printMessage("result", fmt.Sprintf("cleared label of %s %s", svc.Kind(), args[1]))
			}
			return a.printMessage("result", fmt.Sprintf("labeled %s %s %q", svc.Kind(), args[1], l))
		},
	}
}

func (a *app) defaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "default",
		Short: "Get or create the default network, subnet or router",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "network",
		Short: "Get or create the default network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.cloud.Networks.GetOrCreateDefault(cmd.Context())
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	})

	var zone string
	subnet := &cobra.Command{
		Use:   "subnet",
		Short: "Get or create the default subnet of a zone's region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.cloud.Subnets.GetOrCreateDefault(cmd.Context(), zone)
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	subnet.Flags().StringVar(&zone, "zone", "", "Zone whose region gets the subnet (default: provider zone)")
	cmd.AddCommand(subnet)

	var network string
	router := &cobra.Command{
		Use:   "router",
		Short: "Get or create the default router of a network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.cloud.Routers.GetOrCreateDefault(cmd.Context(), resource.ByID(network))
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	router.Flags().StringVar(&network, "network", "", "Network to route")
	_ = router.MarkFlagRequired("network")
	cmd.AddCommand(router)
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════
// create
// ═══════════════════════════════════════════════════════════════════════════

// meta holds the flags every create subcommand shares.
type meta struct {
	label       string
	zone        string
	region      string
	description string
}

func (m *meta) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&m.label, "label", "l", "", "Label to attach")
	cmd.Flags().StringVar(&m.zone, "zone", "", "Zone (default: provider zone)")
	cmd.Flags().StringVar(&m.region, "region", "", "Region (default: provider region)")
	cmd.Flags().StringVar(&m.description, "description", "", "Description")
}

func (m *meta) spec(name string) resource.SpecMeta {
	sm := resource.SpecMeta{Name: name, Label: m.label, Description: m.description}
	switch {
	case m.zone != "":
		sm.Scope = resource.Zone(m.zone)
	case m.region != "":
		sm.Scope = resource.Region(m.region)
	}
	return sm
}

func (a *app) createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource and wait until it is ready",
	}
	cmd.AddCommand(
		a.createNetworkCmd(),
		a.createSubnetCmd(),
		a.createRouterCmd(),
		a.createVolumeCmd(),
		a.createSnapshotCmd(),
		a.createFirewallCmd(),
		a.createKeyPairCmd(),
		a.createBucketCmd(),
		a.createInstanceCmd(),
	)
	return cmd
}

func (a *app) createNetworkCmd() *cobra.Command {
	var (
		m    meta
		cidr string
	)
	cmd := &cobra.Command{
		Use:   "network NAME",
		Short: "Create a private network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.cloud.Networks.Create(cmd.Context(), resource.NetworkSpec{SpecMeta: m.spec(args[0]), CIDRBlock: cidr})
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&cidr, "cidr", "", "Address range, e.g. 10.0.0.0/16")
	return cmd
}

func (a *app) createSubnetCmd() *cobra.Command {
	var (
		m       meta
		cidr    string
		network string
	)
	cmd := &cobra.Command{
		Use:   "subnet NAME",
		Short: "Create a subnet in a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.cloud.Subnets.Create(cmd.Context(),
				resource.SubnetSpec{SpecMeta: m.spec(args[0]), CIDRBlock: cidr},
				resource.ByID(network))
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&cidr, "cidr", "", "Address range, e.g. 10.0.1.0/24")
	cmd.Flags().StringVar(&network, "network", "", "Parent network")
	_ = cmd.MarkFlagRequired("cidr")
	_ = cmd.MarkFlagRequired("network")
	return cmd
}

func (a *app) createRouterCmd() *cobra.Command {
	var (
		m       meta
		network string
	)
	cmd := &cobra.Command{
		Use:   "router NAME",
		Short: "Create a router for a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.cloud.Routers.Create(cmd.Context(), resource.RouterSpec{SpecMeta: m.spec(args[0])}, resource.ByID(network))
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&network, "network", "", "Network to route")
	_ = cmd.MarkFlagRequired("network")
	return cmd
}

func (a *app) createVolumeCmd() *cobra.Command {
	var (
		m          meta
		size       int
		snapshot   string
		volumeType string
	)
	cmd := &cobra.Command{
		Use:   "volume NAME",
		Short: "Create a block storage volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.cloud.Volumes.Create(cmd.Context(),
				resource.VolumeSpec{SpecMeta: m.spec(args[0]), SizeGB: size, VolumeType: volumeType},
				resource.ByID(snapshot))
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	m.register(cmd)
	cmd.Flags().IntVar(&size, "size", 0, "Size in GB (may be omitted with --snapshot)")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "Restore from this snapshot")
	cmd.Flags().StringVar(&volumeType, "type", "", "Provider volume type")
	return cmd
}

func (a *app) createSnapshotCmd() *cobra.Command {
	var volume, description string
	cmd := &cobra.Command{
		Use:   "snapshot LABEL",
		Short: "Snapshot a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.cloud.Snapshots.Create(cmd.Context(), args[0], resource.ByID(volume), description)
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	cmd.Flags().StringVar(&volume, "volume", "", "Volume to snapshot")
	cmd.Flags().StringVar(&description, "description", "", "Description")
	_ = cmd.MarkFlagRequired("volume")
	return cmd
}

func (a *app) createFirewallCmd() *cobra.Command {
	var (
		m       meta
		network string
		rules   []string
	)
	cmd := &cobra.Command{
		Use:   "firewall NAME",
		Short: "Create a firewall from allow rules",
		Example: `  cumulus create firewall web --rule in:tcp:80 --rule in:tcp:443
  cumulus create firewall internal --rule in:all::10.0.0.0/8 --network cumulus-default`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := resource.FirewallSpec{SpecMeta: m.spec(args[0])}
			for i, raw := range rules {
				rule, err := parseRule(raw)
				if err != nil {
					return err
				}
				rule.Priority = 1000 + i
				spec.Rules = append(spec.Rules, rule)
			}
			r, err := a.cloud.Firewalls.Create(cmd.Context(), spec, resource.ByID(network))
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&network, "network", "", "Network to place the firewall in")
	cmd.Flags().StringArrayVar(&rules, "rule", nil, "Allow rule DIR:PROTO[:PORTS[:CIDR]], e.g. in:tcp:8000-8100:10.0.0.0/8")
	return cmd
}

// parseRule reads DIR:PROTO[:PORTS[:CIDR]]. DIR is in or out; PORTS is a
// port or a FROM-TO range.
func parseRule(raw string) (resource.FirewallRule, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 2 {
		return resource.FirewallRule{}, fmt.Errorf("rule %q: want DIR:PROTO[:PORTS[:CIDR]]", raw)
	}
	var r resource.FirewallRule
	switch parts[0] {
	case "in", "inbound":
		r.Direction = resource.Inbound
	case "out", "outbound":
		r.Direction = resource.Outbound
	default:
		return r, fmt.Errorf("rule %q: direction must be in or out", raw)
	}
	r.Protocol = parts[1]
	if len(parts) > 2 && parts[2] != "" {
		from, to, isRange := strings.Cut(parts[2], "-")
		var err error
		if r.FromPort, err = strconv.Atoi(from); err != nil {
			return r, fmt.Errorf("rule %q: bad port %q", raw, from)
		}
		r.ToPort = r.FromPort
		if isRange {
			if r.ToPort, err = strconv.Atoi(to); err != nil {
				return r, fmt.Errorf("rule %q: bad port %q", raw, to)
			}
		}
	}
	if len(parts) > 3 {
		r.CIDR = parts[3]
	}
	return r, nil
}

func (a *app) createKeyPairCmd() *cobra.Command {
	var publicKeyFile string
	cmd := &cobra.Command{
		Use:   "keypair NAME",
		Short: "Register an SSH public key, or generate a key pair",
		Long: `Register an SSH public key under NAME. Without --public-key-file an RSA
key pair is generated and the private key printed once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var publicKey string
			if publicKeyFile != "" {
				data, err := os.ReadFile(publicKeyFile)
				if err != nil {
					return fmt.Errorf("read public key: %w", err)
				}
				publicKey = string(data)
			}
			kp, err := a.cloud.KeyPairs.Create(cmd.Context(), args[0], publicKey)
			if err != nil {
				return err
			}
			if a.output != "table" {
				return a.encode(kp)
			}
			if err := a.printResource(kp.Resource); err != nil {
				return err
			}
			if kp.PrivateKey != "" {
				_, _ = fmt.Fprintf(a.out, "\n%s", kp.PrivateKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&publicKeyFile, "public-key-file", "", "OpenSSH public key to register")
	return cmd
}

func (a *app) createBucketCmd() *cobra.Command {
	var location string
	cmd := &cobra.Command{
		Use:   "bucket NAME",
		Short: "Create an object storage bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.cloud.Buckets.Create(cmd.Context(), args[0], location)
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "Bucket location (default: provider region)")
	return cmd
}

func (a *app) createInstanceCmd() *cobra.Command {
	var (
		m            meta
		image        string
		vmType       string
		subnet       string
		keyPair      string
		firewalls    []string
		userDataFile string
		volumes      []string
		bootSizeGB   int
	)
	cmd := &cobra.Command{
		Use:   "instance NAME",
		Short: "Create a compute instance",
		Example: `  cumulus create instance web-1 --image debian-12 --keypair deploy
  cumulus create instance db-1 --image debian-12 --volume data --subnet cumulus-default-us-central1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := resource.InstanceSpec{
				SpecMeta:  m.spec(args[0]),
				Image:     image,
				VMType:    vmType,
				KeyPair:   keyPair,
				Firewalls: firewalls,
			}
			if userDataFile != "" {
				data, err := os.ReadFile(userDataFile)
				if err != nil {
					return fmt.Errorf("read user data: %w", err)
				}
				spec.UserData = string(data)
			}
			if subnet != "" {
				sn, err := a.cloud.Subnets.Get(cmd.Context(), resource.ByID(subnet))
				if err != nil {
					return err
				}
				if sn == nil {
					return fmt.Errorf("subnet %s: %w", subnet, resource.ErrNotFound)
				}
				spec.Subnet = &sn.Handle
			}
			if bootSizeGB > 0 || len(volumes) > 0 {
				lc := &resource.LaunchConfig{}
				if bootSizeGB > 0 {
					lc.AddBlockDevice(resource.BlockDevice{Source: resource.SourceImage, Ref: image, SizeGB: bootSizeGB, Root: true})
				}
				for _, v := range volumes {
					lc.AddBlockDevice(resource.BlockDevice{Source: resource.SourceVolume, Ref: v})
				}
				spec.LaunchConfig = lc
			}
			r, err := a.cloud.Instances.Create(cmd.Context(), spec)
			if err != nil {
				return err
			}
			return a.printResource(r)
		},
	}
	m.register(cmd)
	cmd.Flags().StringVar(&image, "image", "", "Boot image")
	cmd.Flags().StringVar(&vmType, "type", "", "Machine or server type")
	cmd.Flags().StringVar(&subnet, "subnet", "", "Subnet to attach")
	cmd.Flags().StringVar(&keyPair, "keypair", "", "SSH key pair")
	cmd.Flags().StringArrayVar(&firewalls, "firewall", nil, "Firewall to apply (repeatable)")
	cmd.Flags().StringVar(&userDataFile, "user-data-file", "", "Cloud-init user data")
	cmd.Flags().StringArrayVar(&volumes, "volume", nil, "Existing volume to attach (repeatable)")
	cmd.Flags().IntVar(&bootSizeGB, "boot-size", 0, "Boot disk size in GB")
	return cmd
}
