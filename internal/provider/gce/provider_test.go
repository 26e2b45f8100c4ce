package gce

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

const testKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGuEqTz/sSgE1Ky6rRBJmx0h4qAdVZbq2+4wdMAGmqDS test@cumulus"

const prefix = "/compute/v1/projects/proj"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

func openTest(t *testing.T, mux *http.ServeMux) *Provider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := Open(context.Background(), Options{
		Project:       "proj",
		Region:        "us-central1",
		Zone:          "us-central1-a",
		Endpoint:      srv.URL,
		ClientOptions: []option.ClientOption{option.WithoutAuthentication()},
	})
	require.NoError(t, err)
	return p
}

// ═══════════════════════════════════════════════════════════════════════════
// Links
// ═══════════════════════════════════════════════════════════════════════════

func TestParseLink(t *testing.T) {
	p := &Provider{project: "proj", region: "us-central1", zone: "us-central1-a"}

	tests := []struct {
		name string
		kind resource.Kind
		raw  string
		want resource.Handle
		ok   bool
	}{
		{"absolute zonal", resource.KindInstance,
			"https://www.googleapis.com/compute/v1/projects/proj/zones/us-east1-b/instances/web-1",
			resource.Handle{Kind: resource.KindInstance, ProviderID: "web-1", Scope: resource.Zone("us-east1-b")}, true},
		{"compute host", resource.KindVolume,
			"https://compute.googleapis.com/compute/v1/projects/proj/zones/us-central1-a/disks/data",
			resource.Handle{Kind: resource.KindVolume, ProviderID: "data", Scope: resource.Zone("us-central1-a")}, true},
		{"project relative regional", resource.KindSubnet,
			"projects/proj/regions/europe-west1/subnetworks/sn-1",
			resource.Handle{Kind: resource.KindSubnet, ProviderID: "sn-1", Scope: resource.Region("europe-west1")}, true},
		{"scope relative", resource.KindRouter, "regions/us-central1/routers/r1",
			resource.Handle{Kind: resource.KindRouter, ProviderID: "r1", Scope: resource.Region("us-central1")}, true},
		{"global", resource.KindNetwork, "global/networks/default",
			resource.Handle{Kind: resource.KindNetwork, ProviderID: "default"}, true},
		{"gs url", resource.KindBucket, "gs://my-bucket",
			resource.Handle{Kind: resource.KindBucket, ProviderID: "my-bucket"}, true},
		{"storage link", resource.KindBucket, "https://www.googleapis.com/storage/v1/b/my-bucket",
			resource.Handle{Kind: resource.KindBucket, ProviderID: "my-bucket"}, true},
		{"wrong collection", resource.KindInstance, "zones/us-central1-a/disks/data", resource.Handle{}, false},
		{"wrong scope", resource.KindSubnet, "global/subnetworks/sn-1", resource.Handle{}, false},
		{"bare name", resource.KindInstance, "web-1", resource.Handle{}, false},
		{"other host", resource.KindInstance, "https://example.com/zones/a/instances/b", resource.Handle{}, false},
		{"keypair", resource.KindKeyPair, "global/keypairs/k", resource.Handle{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.ParseLink(tt.kind, tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelfLink_RoundTrip(t *testing.T) {
	p := &Provider{project: "proj", region: "us-central1", zone: "us-central1-a"}
	h := resource.Handle{Kind: resource.KindSubnet, ProviderID: "sn", Scope: resource.Region("asia-east1")}

	link := p.selfLink(h)
	assert.Equal(t, "https://www.googleapis.com/compute/v1/projects/proj/regions/asia-east1/subnetworks/sn", link)

	got, ok := p.ParseLink(resource.KindSubnet, link)
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestClassify(t *testing.T) {
	assert.True(t, resource.IsNotFound(classify(&googleapi.Error{Code: 404}, resource.KindVolume, "get", "d")))
	assert.True(t, resource.IsConflict(classify(&googleapi.Error{Code: 409}, resource.KindVolume, "create", "d")))

	var perr *resource.ProviderError
	require.ErrorAs(t, classify(&googleapi.Error{Code: 500}, resource.KindVolume, "get", "d"), &perr)
	assert.Equal(t, "gce", perr.Provider)
	assert.Nil(t, classify(nil, resource.KindVolume, "get", "d"))
}

// ═══════════════════════════════════════════════════════════════════════════
// Compute calls
// ═══════════════════════════════════════════════════════════════════════════

func TestDisks_CreateAndPoll(t *testing.T) {
	mux := http.NewServeMux()
	var inserted compute.Disk
	mux.HandleFunc("POST "+prefix+"/zones/us-central1-a/disks", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
		writeJSON(w, compute.Operation{Name: "op-1", Status: "RUNNING"})
	})
	polls := 0
	mux.HandleFunc("GET "+prefix+"/zones/us-central1-a/operations/op-1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "RUNNING"
		if polls == 2 {
			status = "DONE"
		}
		writeJSON(w, compute.Operation{Name: "op-1", Status: status,
			TargetLink: "https://www.googleapis.com/compute/v1/projects/proj/zones/us-central1-a/disks/data"})
	})
	p := openTest(t, mux)

	a, err := p.Adapter(resource.KindVolume)
	require.NoError(t, err)
	op, err := a.Create(context.Background(), &resource.VolumeSpec{
		SpecMeta: resource.SpecMeta{Name: "data", Label: "db"},
		SizeGB:   20,
		Snapshot: &resource.Handle{Kind: resource.KindSnapshot, ProviderID: "snap-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, operation.Pending, op.Status)
	assert.Equal(t, resource.Zone("us-central1-a"), op.Scope)

	assert.Equal(t, int64(20), inserted.SizeGb)
	assert.Equal(t, "db", inserted.Labels[labelKey])
	assert.Equal(t, "projects/proj/global/snapshots/snap-1", inserted.SourceSnapshot)

	st, err := p.Poller().Poll(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, operation.Pending, st.Status)
	st, err = p.Poller().Poll(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, operation.Done, st.Status)
	assert.Contains(t, st.Link, "/disks/data")
}

func TestPoll_FailedOperation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/global/operations/op-9", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, compute.Operation{Name: "op-9", Status: "DONE", Error: &compute.OperationError{
			Errors: []*compute.OperationErrorErrors{{Code: "QUOTA_EXCEEDED", Message: "no networks left"}},
		}})
	})
	p := openTest(t, mux)

	st, err := p.Poller().Poll(context.Background(),
		operation.Started("op-9", resource.Handle{Kind: resource.KindNetwork, ProviderID: "n"}))
	require.NoError(t, err)
	assert.Equal(t, operation.Failed, st.Status)
	assert.Equal(t, "QUOTA_EXCEEDED: no networks left", st.Err.Reason)
}

func TestSetLabel_AwaitBoundedByWaiter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/zones/us-central1-a/disks/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, compute.Disk{Name: "data", LabelFingerprint: "fp"})
	})
	mux.HandleFunc("POST "+prefix+"/zones/us-central1-a/disks/data/setLabels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, compute.Operation{Name: "op-2", Status: "RUNNING"})
	})
	var polls int
	mux.HandleFunc("GET "+prefix+"/zones/us-central1-a/operations/op-2", func(w http.ResponseWriter, r *http.Request) {
		polls++
		writeJSON(w, compute.Operation{Name: "op-2", Status: "RUNNING"})
	})
	p := openTest(t, mux)
	p.UseWaiter(operation.NewWaiter(operation.Policy{MaxAttempts: 3},
		operation.WithSleeper(operation.SleeperFunc(func(context.Context, time.Duration) error { return nil }))))

	a, err := p.Adapter(resource.KindVolume)
	require.NoError(t, err)
	nl, ok := a.(provider.NativeLabeler)
	require.True(t, ok)

	err = nl.SetLabel(context.Background(), resource.Handle{Kind: resource.KindVolume, ProviderID: "data"}, "db")
	var terr *resource.OperationTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.Attempts)
	assert.Equal(t, 3, polls)
}

func TestSetLabel_FailedOperationNotPolled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/global/snapshots/snap-1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, compute.Snapshot{Name: "snap-1", LabelFingerprint: "fp"})
	})
	mux.HandleFunc("POST "+prefix+"/global/snapshots/snap-1/setLabels", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, compute.Operation{Name: "op-3", Status: "DONE", Error: &compute.OperationError{
			Errors: []*compute.OperationErrorErrors{{Code: "INVALID", Message: "bad label"}},
		}})
	})
	p := openTest(t, mux)

	a, err := p.Adapter(resource.KindSnapshot)
	require.NoError(t, err)
	err = a.(provider.NativeLabeler).SetLabel(context.Background(),
		resource.Handle{Kind: resource.KindSnapshot, ProviderID: "snap-1"}, "db")
	var ferr *resource.OperationFailedError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "INVALID: bad label", ferr.Reason)
}

func TestDisks_GetNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/zones/us-central1-a/disks/missing", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "The resource was not found")
	})
	p := openTest(t, mux)

	a, err := p.Adapter(resource.KindVolume)
	require.NoError(t, err)
	_, err = a.Get(context.Background(), resource.Handle{Kind: resource.KindVolume, ProviderID: "missing"})
	assert.True(t, resource.IsNotFound(err))
}

func TestInstances_ListPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/zones/us-central1-a/instances", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("maxResults"))
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, compute.InstanceList{
				Items: []*compute.Instance{
					{Name: "a", Zone: "zones/us-central1-a", Status: "RUNNING", Labels: map[string]string{labelKey: "web"}},
					{Name: "b", Zone: "zones/us-central1-a", Status: "STOPPED"},
				},
				NextPageToken: "t2",
			})
			return
		}
		writeJSON(w, compute.InstanceList{Items: []*compute.Instance{{Name: "c", Zone: "zones/us-central1-a"}}})
	})
	p := openTest(t, mux)

	a, err := p.Adapter(resource.KindInstance)
	require.NoError(t, err)
	lister := a.(provider.TokenLister)

	items, next, err := lister.ListPage(context.Background(), provider.ListQuery{}, "", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "t2", next)
	assert.Equal(t, "web", items[0].Label)
	assert.Equal(t, "running", items[0].Status)
	assert.Equal(t, resource.Zone("us-central1-a"), items[0].Handle.Scope)

	items, next, err = lister.ListPage(context.Background(), provider.ListQuery{}, next, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, next)
}

func TestDisks_FindByLabel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/zones/us-central1-a/disks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `labels.cumulus-label = "db"`, r.URL.Query().Get("filter"))
		writeJSON(w, compute.DiskList{Items: []*compute.Disk{
			{Name: "d1", Zone: "zones/us-central1-a", SizeGb: 10, Labels: map[string]string{labelKey: "db"}},
		}})
	})
	p := openTest(t, mux)

	a, err := p.Adapter(resource.KindVolume)
	require.NoError(t, err)
	found, err := a.(provider.LabelFinder).FindByLabel(context.Background(), provider.ListQuery{}, "db")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "10", found[0].Attr(resource.AttrSizeGB))
}

func TestFirewall_MixedDirectionsRejected(t *testing.T) {
	p := &Provider{project: "proj", region: "us-central1", zone: "us-central1-a"}
	_, err := p.buildFirewall(&resource.FirewallSpec{
		SpecMeta: resource.SpecMeta{Name: "fw"},
		Rules: []resource.FirewallRule{
			{Direction: resource.Inbound, Protocol: "tcp", FromPort: 22, ToPort: 22, CIDR: "0.0.0.0/0"},
			{Direction: resource.Outbound, Protocol: "tcp", FromPort: 443, ToPort: 443, CIDR: "0.0.0.0/0"},
		},
	})
	var verr *resource.ValidationError
	assert.ErrorAs(t, err, &verr)

	fw, err := p.buildFirewall(&resource.FirewallSpec{
		SpecMeta: resource.SpecMeta{Name: "fw"},
		Rules: []resource.FirewallRule{
			{Direction: resource.Inbound, Protocol: "TCP", FromPort: 8000, ToPort: 8080, CIDR: "10.0.0.0/8"},
			{Direction: resource.Inbound, Protocol: "udp", FromPort: 53, CIDR: "10.0.0.0/8"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "INGRESS", fw.Direction)
	assert.Equal(t, []string{"10.0.0.0/8"}, fw.SourceRanges)
	assert.Equal(t, []string{"8000-8080"}, fw.Allowed[0].Ports)
	assert.Equal(t, []string{"53"}, fw.Allowed[1].Ports)
	assert.Equal(t, []string{"fw"}, fw.TargetTags)
}

// ═══════════════════════════════════════════════════════════════════════════
// Regions
// ═══════════════════════════════════════════════════════════════════════════

func TestSubnets_ListAllRegionsAndGetAnywhere(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+prefix+"/regions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, compute.RegionList{Items: []*compute.Region{{Name: "us-central1"}, {Name: "europe-west1"}}})
	})
	mux.HandleFunc("GET "+prefix+"/regions/{region}/subnetworks", func(w http.ResponseWriter, r *http.Request) {
		region := r.PathValue("region")
		if region != "europe-west1" {
			writeJSON(w, compute.SubnetworkList{})
			return
		}
		writeJSON(w, compute.SubnetworkList{Items: []*compute.Subnetwork{{
			Name: "eu-sn", Region: "regions/europe-west1", IpCidrRange: "10.1.0.0/24",
			Network: "projects/proj/global/networks/net",
		}}})
	})
	mux.HandleFunc("GET "+prefix+"/regions/us-central1/subnetworks/eu-sn", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not here")
	})
	p := openTest(t, mux)

	a, err := p.Adapter(resource.KindSubnet)
	require.NoError(t, err)

	all, err := a.(provider.FullLister).ListAll(context.Background(), provider.ListQuery{
		Parent: &resource.Handle{Kind: resource.KindNetwork, ProviderID: "net"},
	})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "10.1.0.0/24", all[0].Attr(resource.AttrCIDRBlock))

	got, err := a.Get(context.Background(), resource.Handle{Kind: resource.KindSubnet, ProviderID: "eu-sn"})
	require.NoError(t, err)
	assert.Equal(t, resource.Region("europe-west1"), got.Handle.Scope)

	_, err = a.Get(context.Background(), resource.Handle{Kind: resource.KindSubnet, ProviderID: "eu-sn",
		Scope: resource.Region("us-central1")})
	assert.True(t, resource.IsNotFound(err))
}

// ═══════════════════════════════════════════════════════════════════════════
// Project metadata
// ═══════════════════════════════════════════════════════════════════════════

// fakeMetadata serves project metadata with fingerprint checks.
type fakeMetadata struct {
	mu          sync.Mutex
	items       map[string]string
	fingerprint int
	conflicts   int // writes to reject before accepting
	writes      int
}

func (f *fakeMetadata) register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+prefix, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		md := &compute.Metadata{Fingerprint: fp(f.fingerprint)}
		for k, v := range f.items {
			md.Items = append(md.Items, &compute.MetadataItems{Key: k, Value: &v})
		}
		writeJSON(w, compute.Project{Name: "proj", CommonInstanceMetadata: md})
	})
	mux.HandleFunc("POST "+prefix+"/setCommonInstanceMetadata", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.writes++
		var md compute.Metadata
		if err := json.NewDecoder(r.Body).Decode(&md); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if f.conflicts > 0 || md.Fingerprint != fp(f.fingerprint) {
			f.conflicts--
			f.fingerprint++
			writeError(w, http.StatusPreconditionFailed, "fingerprint mismatch")
			return
		}
		f.items = make(map[string]string)
		for _, it := range md.Items {
			f.items[it.Key] = *it.Value
		}
		f.fingerprint++
		writeJSON(w, compute.Operation{Name: "md-op", Status: "DONE"})
	})
}

func fp(n int) string { return "fp-" + string(rune('a'+n)) }

func TestMetadataStore_RetriesOnFingerprintMismatch(t *testing.T) {
	mux := http.NewServeMux()
	md := &fakeMetadata{items: map[string]string{"other": "x"}, conflicts: 1}
	md.register(mux)
	p := openTest(t, mux)

	require.NoError(t, p.Metadata().Set(context.Background(), "network_net-1_label", "prod"))
	assert.Equal(t, 2, md.writes)

	v, ok, err := p.Metadata().Get(context.Background(), "network_net-1_label")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "prod", v)

	items, err := p.Metadata().Items(context.Background(), "network_")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"network_net-1_label": "prod"}, items)

	existed, err := p.Metadata().Delete(context.Background(), "network_net-1_label")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = p.Metadata().Delete(context.Background(), "network_net-1_label")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, 3, md.writes, "deleting a missing key writes nothing")
}

func TestKeyPairs_StoredInMetadata(t *testing.T) {
	mux := http.NewServeMux()
	md := &fakeMetadata{items: map[string]string{}}
	md.register(mux)
	p := openTest(t, mux)

	a, err := p.Adapter(resource.KindKeyPair)
	require.NoError(t, err)

	op, err := a.Create(context.Background(), &resource.KeyPairSpec{SpecMeta: resource.SpecMeta{Name: "deploy"}, PublicKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, operation.Done, op.Status)
	assert.Contains(t, md.items, keyPairPrefix+"deploy")

	_, err = a.Create(context.Background(), &resource.KeyPairSpec{SpecMeta: resource.SpecMeta{Name: "deploy"}, PublicKey: testKey})
	assert.True(t, resource.IsConflict(err))

	got, err := a.Get(context.Background(), resource.Handle{Kind: resource.KindKeyPair, ProviderID: "deploy"})
	require.NoError(t, err)
	assert.Contains(t, got.Attr(resource.AttrFingerprint), "SHA256:")

	all, err := a.(provider.FullLister).ListAll(context.Background(), provider.ListQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = a.Delete(context.Background(), resource.Handle{Kind: resource.KindKeyPair, ProviderID: "deploy"})
	require.NoError(t, err)
	_, err = a.Delete(context.Background(), resource.Handle{Kind: resource.KindKeyPair, ProviderID: "deploy"})
	assert.True(t, resource.IsNotFound(err))

	assert.Error(t, a.(provider.NameValidator).ValidateName("has.dot"))
}

// ═══════════════════════════════════════════════════════════════════════════
// Buckets
// ═══════════════════════════════════════════════════════════════════════════

func TestBuckets_CreateConflictAndRateHint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /storage/v1/b", func(w http.ResponseWriter, r *http.Request) {
		var b storage.Bucket
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		if b.Name == "taken" {
			writeError(w, http.StatusConflict, "bucket exists")
			return
		}
		assert.Equal(t, "proj", r.URL.Query().Get("project"))
		writeJSON(w, storage.Bucket{Name: b.Name, Location: "US-CENTRAL1",
			SelfLink: "https://www.googleapis.com/storage/v1/b/" + b.Name})
	})
	p := openTest(t, mux)

	a, err := p.Adapter(resource.KindBucket)
	require.NoError(t, err)

	op, err := a.Create(context.Background(), &resource.BucketSpec{SpecMeta: resource.SpecMeta{Name: "logs"}})
	require.NoError(t, err)
	assert.Equal(t, operation.Done, op.Status)
	assert.Equal(t, "https://www.googleapis.com/storage/v1/b/logs", op.TargetLink())

	_, err = a.Create(context.Background(), &resource.BucketSpec{SpecMeta: resource.SpecMeta{Name: "taken"}})
	assert.True(t, errors.Is(err, resource.ErrConflict))

	assert.Equal(t, bucketInterval, p.MinInterval(resource.KindBucket))
	assert.Zero(t, p.MinInterval(resource.KindVolume))
}

func TestRegionOf(t *testing.T) {
	p := &Provider{}
	assert.Equal(t, "us-central1", p.RegionOf("us-central1-a"))
	assert.Equal(t, "europe-west4", p.RegionOf("europe-west4-c"))
}
