package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/cumulus/internal/filter"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// ═══════════════════════════════════════════════════════════════════════════
// Helpers
// ═══════════════════════════════════════════════════════════════════════════

// localConfig writes a config for the local provider backed by a fresh
// database and returns its path.
func localConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cumulus.toml")
	body := `provider = "local"

[local]
path = "` + filepath.ToSlash(filepath.Join(dir, "cumulus.db")) + `"

[waiter]
initial_delay = "1ms"
max_delay = "5ms"

[log]
level = "error"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// cli runs one command line against cfg and returns its stdout.
func cli(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), append([]string{"--config", cfg}, args...), &out)
	return out.String(), err
}

func mustCLI(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	out, err := cli(t, cfg, args...)
	require.NoError(t, err, out)
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// Argument parsing
// ═══════════════════════════════════════════════════════════════════════════

func TestParseCriteria(t *testing.T) {
	c, err := parseCriteria([]string{"label=web", "zone=local-1-a", "name=a=b"})
	require.NoError(t, err)
	assert.Equal(t, filter.Criteria{"label": "web", "zone": "local-1-a", "name": "a=b"}, c)

	_, err = parseCriteria([]string{"label"})
	assert.Error(t, err)

	_, err = parseCriteria([]string{"=web"})
	assert.Error(t, err)

	_, err = parseCriteria([]string{"label=a", "label=b"})
	assert.Error(t, err)
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		raw  string
		want resource.FirewallRule
	}{
		{"in:tcp:80", resource.FirewallRule{Direction: resource.Inbound, Protocol: "tcp", FromPort: 80, ToPort: 80}},
		{"out:udp:8000-8100", resource.FirewallRule{Direction: resource.Outbound, Protocol: "udp", FromPort: 8000, ToPort: 8100}},
		{"inbound:all::10.0.0.0/8", resource.FirewallRule{Direction: resource.Inbound, Protocol: "all", CIDR: "10.0.0.0/8"}},
		{"in:icmp", resource.FirewallRule{Direction: resource.Inbound, Protocol: "icmp"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseRule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"tcp", "sideways:tcp:80", "in:tcp:http", "in:tcp:80-x"} {
		_, err := parseRule(bad)
		assert.Error(t, err, bad)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// End to end against the local provider
// ═══════════════════════════════════════════════════════════════════════════

func TestRun_VolumeLifecycle(t *testing.T) {
	cfg := localConfig(t)

	out := mustCLI(t, cfg, "create", "volume", "data", "--size", "20", "--label", "scratch")
	assert.Contains(t, out, "scratch")
	assert.Contains(t, out, "size_gb")

	out = mustCLI(t, cfg, "-o", "json", "get", "volume", "scratch")
	var got resource.Resource
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "data", got.ID())
	assert.Equal(t, "20", got.Attr(resource.AttrSizeGB))

	mustCLI(t, cfg, "label", "volume", "data", "archive")
	out = mustCLI(t, cfg, "-o", "json", "find", "volumes", "label=archive")
	var page resource.Page[resource.Resource]
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "archive", page.Items[0].Label)

	out = mustCLI(t, cfg, "delete", "volume", "archive")
	assert.Contains(t, out, "deleted")

	out = mustCLI(t, cfg, "delete", "volume", "data")
	assert.Contains(t, out, "not found")

	_, err := cli(t, cfg, "get", "volume", "data")
	assert.ErrorIs(t, err, resource.ErrNotFound)
}

func TestRun_ListPagesWithCursor(t *testing.T) {
	cfg := localConfig(t)
	for _, name := range []string{"a", "b", "c"} {
		mustCLI(t, cfg, "create", "network", "net-"+name)
	}

	var first resource.Page[resource.Resource]
	require.NoError(t, json.Unmarshal([]byte(mustCLI(t, cfg, "-o", "json", "list", "networks", "--limit", "2")), &first))
	require.Len(t, first.Items, 2)
	require.True(t, first.HasNext)

	var second resource.Page[resource.Resource]
	out := mustCLI(t, cfg, "-o", "json", "list", "networks", "--limit", "2", "--cursor", string(first.NextCursor))
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	require.Len(t, second.Items, 1)
	assert.False(t, second.HasNext)

	table := mustCLI(t, cfg, "list", "networks", "--limit", "2")
	assert.Contains(t, table, "KIND")
	assert.Contains(t, table, "More results: --cursor")
}

func TestRun_DefaultSubnetAndNetworkFilter(t *testing.T) {
	cfg := localConfig(t)

	var sn resource.Resource
	require.NoError(t, yaml.Unmarshal([]byte(mustCLI(t, cfg, "-o", "yaml", "default", "subnet")), &sn))
	assert.Equal(t, "local-1", sn.Attr(resource.AttrRegion))

	out := mustCLI(t, cfg, "list", "subnets", "--network", sn.Attr(resource.AttrNetwork))
	assert.Contains(t, out, sn.Name)

	_, err := cli(t, cfg, "list", "volumes", "--network", "x")
	assert.Error(t, err)
}

func TestRun_KeyPairGenerated(t *testing.T) {
	cfg := localConfig(t)

	out := mustCLI(t, cfg, "create", "keypair", "deploy")
	assert.Contains(t, out, "deploy")
	assert.Contains(t, out, "PRIVATE KEY")

	_, err := cli(t, cfg, "create", "keypair", "deploy")
	assert.ErrorIs(t, err, resource.ErrConflict)
}

func TestRun_InstanceWithFirewall(t *testing.T) {
	cfg := localConfig(t)
	mustCLI(t, cfg, "create", "firewall", "web", "--rule", "in:tcp:80", "--rule", "in:tcp:443")

	out := mustCLI(t, cfg, "-o", "json", "create", "instance", "web-1", "--image", "debian-12", "--firewall", "web", "--label", "frontend")
	var vm resource.Resource
	require.NoError(t, json.Unmarshal([]byte(out), &vm))
	assert.Equal(t, "frontend", vm.Label)
	assert.Equal(t, "debian-12", vm.Attr(resource.AttrImage))

	_, err := cli(t, cfg, "create", "instance", "web-2")
	var verr *resource.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRun_RejectsBadInput(t *testing.T) {
	cfg := localConfig(t)

	_, err := cli(t, cfg, "-o", "xml", "list", "volumes")
	assert.ErrorContains(t, err, "output format")

	_, err = cli(t, cfg, "list", "gadgets")
	assert.ErrorIs(t, err, resource.ErrUnsupportedKind)

	_, err = cli(t, cfg, "find", "volumes", "label")
	assert.Error(t, err)
}
