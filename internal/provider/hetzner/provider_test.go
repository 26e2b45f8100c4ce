package hetzner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cumulus/internal/operation"
	"github.com/yairfalse/cumulus/internal/provider"
	"github.com/yairfalse/cumulus/pkg/resource"
)

const testKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGuEqTz/sSgE1Ky6rRBJmx0h4qAdVZbq2+4wdMAGmqDS test@cumulus"

const created = "2024-01-01T00:00:00Z"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": code}})
}

func decode(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func openTest(t *testing.T, mux *http.ServeMux) *Provider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := Open(context.Background(), Options{Token: "test-token", Endpoint: srv.URL, Location: "fsn1"})
	require.NoError(t, err)
	return p
}

func adapter[T any](t *testing.T, p *Provider, kind resource.Kind) T {
	t.Helper()
	a, err := p.Adapter(kind)
	require.NoError(t, err)
	v, ok := a.(T)
	require.True(t, ok, "%s adapter is %T", kind, a)
	return v
}

func location() map[string]any {
	return map[string]any{"name": "fsn1", "network_zone": "eu-central"}
}

func serverJSON(id int64, name string, labels map[string]string) map[string]any {
	return map[string]any{
		"id":          id,
		"name":        name,
		"status":      "running",
		"created":     created,
		"labels":      labels,
		"server_type": map[string]any{"name": "cx22"},
		"datacenter":  map[string]any{"name": "fsn1-dc14", "location": location()},
		"public_net":  map[string]any{"ipv4": map[string]any{"ip": "203.0.113.7"}},
		"private_net": []any{},
	}
}

func volumeJSON(id int64, name string) map[string]any {
	return map[string]any{
		"id":       id,
		"name":     name,
		"status":   "available",
		"size":     20,
		"created":  created,
		"labels":   map[string]string{},
		"location": location(),
	}
}

func actionJSON(id int64, status string) map[string]any {
	return map[string]any{"id": id, "command": "test", "status": status, "progress": 0, "started": created}
}

func meta(next int) map[string]any {
	p := map[string]any{"page": 1, "per_page": maxPageSize}
	if next > 0 {
		p["next_page"] = next
	}
	return map[string]any{"pagination": p}
}

// ═══════════════════════════════════════════════════════════════════════════
// Links and errors
// ═══════════════════════════════════════════════════════════════════════════

func TestParseLink(t *testing.T) {
	p := &Provider{location: "fsn1"}

	tests := []struct {
		name string
		kind resource.Kind
		raw  string
		want resource.Handle
		ok   bool
	}{
		{"server", resource.KindInstance, "hcloud://servers/42",
			resource.Handle{Kind: resource.KindInstance, ProviderID: "42"}, true},
		{"ssh key by name", resource.KindKeyPair, "hcloud://ssh_keys/deploy",
			resource.Handle{Kind: resource.KindKeyPair, ProviderID: "deploy"}, true},
		{"subnet", resource.KindSubnet, "hcloud://networks/7/subnets/10.0.1.0/24",
			resource.Handle{Kind: resource.KindSubnet, ProviderID: "7:10.0.1.0/24"}, true},
		{"wrong collection", resource.KindVolume, "hcloud://servers/42", resource.Handle{}, false},
		{"nested", resource.KindInstance, "hcloud://servers/42/actions", resource.Handle{}, false},
		{"bad subnet cidr", resource.KindSubnet, "hcloud://networks/7/subnets/nope", resource.Handle{}, false},
		{"bare id", resource.KindInstance, "42", resource.Handle{}, false},
		{"bucket", resource.KindBucket, "hcloud://buckets/b", resource.Handle{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.ParseLink(tt.kind, tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLink_RoundTrip(t *testing.T) {
	p := &Provider{location: "fsn1"}
	for _, h := range []resource.Handle{
		{Kind: resource.KindVolume, ProviderID: "5"},
		{Kind: resource.KindFirewall, ProviderID: "9"},
		{Kind: resource.KindSubnet, ProviderID: "7:10.0.1.0/24"},
	} {
		got, ok := p.ParseLink(h.Kind, linkOf(h))
		require.True(t, ok, linkOf(h))
		assert.Equal(t, h, got)
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil, resource.KindInstance, "get", "1"))

	err := classify(hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: "gone"}, resource.KindInstance, "get", "1")
	assert.True(t, resource.IsNotFound(err))

	err = classify(hcloud.Error{Code: hcloud.ErrorCodeUniquenessError, Message: "taken"}, resource.KindFirewall, "create", "web")
	assert.True(t, resource.IsConflict(err))

	err = classify(hcloud.Error{Code: hcloud.ErrorCodeForbidden, Message: "no"}, resource.KindVolume, "delete", "5")
	var pe *resource.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, Name, pe.Provider)
}

func TestRegionOfAndDefaults(t *testing.T) {
	p := &Provider{location: "hel1"}
	assert.Equal(t, "eu-central", p.RegionOf("nbg1"))
	assert.Equal(t, "us-west", p.RegionOf("hil"))
	assert.Equal(t, "", p.RegionOf("mars1"))
	assert.Equal(t, provider.Defaults{Region: "eu-central", Zone: "hel1"}, p.Defaults())
}

func TestUnsupportedKinds(t *testing.T) {
	p := openTest(t, http.NewServeMux())
	for _, kind := range []resource.Kind{resource.KindSnapshot, resource.KindRouter, resource.KindBucket} {
		_, err := p.Adapter(kind)
		assert.ErrorIs(t, err, resource.ErrUnsupportedKind)
	}
	assert.Nil(t, p.Metadata())
}

// ═══════════════════════════════════════════════════════════════════════════
// Paging
// ═══════════════════════════════════════════════════════════════════════════

// pagedFetch serves n numbered items by page number.
func pagedFetch(n int, calls *[]hcloud.ListOpts) pageFunc {
	return func(_ context.Context, opts hcloud.ListOpts) ([]resource.Resource, *hcloud.Response, error) {
		*calls = append(*calls, opts)
		start := (opts.Page - 1) * opts.PerPage
		var items []resource.Resource
		for i := start; i < start+opts.PerPage && i < n; i++ {
			items = append(items, resource.Resource{Name: strconv.Itoa(i)})
		}
		resp := &hcloud.Response{Meta: hcloud.Meta{Pagination: &hcloud.Pagination{Page: opts.Page, PerPage: opts.PerPage}}}
		if start+opts.PerPage < n {
			resp.Meta.Pagination.NextPage = opts.Page + 1
		}
		return items, resp, nil
	}
}

func names(items []resource.Resource) []string {
	out := make([]string, 0, len(items))
	for _, r := range items {
		out = append(out, r.Name)
	}
	return out
}

func TestListPage_Offsets(t *testing.T) {
	ctx := context.Background()
	var calls []hcloud.ListOpts
	fetch := pagedFetch(5, &calls)

	items, next, err := listPage(ctx, "", 2, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, names(items))
	assert.Equal(t, "2", next)

	items, next, err = listPage(ctx, next, 2, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3"}, names(items))
	assert.Equal(t, "4", next)

	items, next, err = listPage(ctx, next, 2, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, names(items))
	assert.Empty(t, next)

	assert.Equal(t, hcloud.ListOpts{Page: 3, PerPage: 2}, calls[2])
}

func TestListPage_ChangedLimitLosesNothing(t *testing.T) {
	ctx := context.Background()
	var calls []hcloud.ListOpts
	fetch := pagedFetch(7, &calls)

	items, next, err := listPage(ctx, "", 3, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, names(items))

	// Offset 3 with limit 2 sits inside page 2.
	items, next, err = listPage(ctx, next, 2, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, names(items))
	assert.Equal(t, "4", next)

	items, _, err = listPage(ctx, next, 2, fetch)
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "5"}, names(items))
}

func TestListPage_ClampsAndRejectsTokens(t *testing.T) {
	var calls []hcloud.ListOpts
	fetch := pagedFetch(3, &calls)

	_, _, err := listPage(context.Background(), "", 500, fetch)
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, calls[0].PerPage)

	for _, token := range []string{"abc", "-4"} {
		_, _, err := listPage(context.Background(), token, 2, fetch)
		assert.ErrorIs(t, err, resource.ErrInvalidCursor, token)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Servers
// ═══════════════════════════════════════════════════════════════════════════

func TestServers_CreateAndPoll(t *testing.T) {
	var body map[string]any
	actions := map[string]string{"1": "success", "2": "running"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /volumes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "data", r.URL.Query().Get("name"))
		writeJSON(w, map[string]any{"volumes": []any{volumeJSON(5, "data")}, "meta": meta(0)})
	})
	mux.HandleFunc("GET /ssh_keys", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ssh_keys": []any{map[string]any{
			"id": 7, "name": r.URL.Query().Get("name"), "public_key": testKey, "fingerprint": "fp", "created": created,
		}}, "meta": meta(0)})
	})
	mux.HandleFunc("POST /servers", func(w http.ResponseWriter, r *http.Request) {
		body = decode(t, r)
		writeJSON(w, map[string]any{
			"server":       serverJSON(42, "web-1", map[string]string{labelKey: "web"}),
			"action":       actionJSON(1, "running"),
			"next_actions": []any{actionJSON(2, "running")},
		})
	})
	mux.HandleFunc("GET /actions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		a := actionJSON(id, actions[r.PathValue("id")])
		if actions[r.PathValue("id")] == "error" {
			a["error"] = map[string]any{"code": "server_error", "message": "placement failed"}
		}
		writeJSON(w, map[string]any{"action": a})
	})
	p := openTest(t, mux)
	servers := adapter[provider.Adapter](t, p, resource.KindInstance)

	op, err := servers.Create(context.Background(), &resource.InstanceSpec{
		SpecMeta: resource.SpecMeta{Name: "web-1", Label: "web"},
		KeyPair:  "deploy",
		UserData: "#!/bin/sh",
		Disks: []resource.AttachedDisk{
			{Boot: true, Image: "ubuntu-24.04"},
			{Volume: &resource.Handle{Kind: resource.KindVolume, ProviderID: "data"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "1,2", op.Name)
	assert.Equal(t, "42", op.Target.ProviderID)
	assert.Equal(t, "hcloud://servers/42", op.Link)

	assert.Equal(t, "ubuntu-24.04", body["image"])
	assert.Equal(t, "cx22", body["server_type"])
	assert.Equal(t, "fsn1", body["location"])
	assert.Equal(t, []any{float64(7)}, body["ssh_keys"])
	assert.Equal(t, []any{float64(5)}, body["volumes"])
	assert.Equal(t, true, body["automount"])
	assert.Equal(t, map[string]any{labelKey: "web"}, body["labels"])

	state, err := p.Poller().Poll(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, operation.Pending, state.Status)

	actions["2"] = "success"
	state, err = p.Poller().Poll(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, operation.Done, state.Status)

	actions["2"] = "error"
	state, err = p.Poller().Poll(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, operation.Failed, state.Status)
	assert.Contains(t, state.Err.Reason, "placement failed")
}

func TestServers_BuildRejectsUnsupportedDisks(t *testing.T) {
	p := openTest(t, http.NewServeMux())
	srv := adapter[*servers](t, p, resource.KindInstance)

	tests := []struct {
		name  string
		disks []resource.AttachedDisk
		field string
	}{
		{"boot from volume", []resource.AttachedDisk{{Boot: true, Volume: &resource.Handle{ProviderID: "5"}}}, "boot disk"},
		{"image data disk", []resource.AttachedDisk{{Boot: true, Image: "debian-12"}, {Image: "debian-12"}}, "disk"},
		{"no boot image", nil, "image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.build(context.Background(), &resource.InstanceSpec{
				SpecMeta: resource.SpecMeta{Name: "web-1"},
				Disks:    tt.disks,
			})
			var ve *resource.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestServers_GetFallsBackToName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found")
	})
	mux.HandleFunc("GET /servers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") == "2024" {
			writeJSON(w, map[string]any{"servers": []any{serverJSON(99, "2024", nil)}, "meta": meta(0)})
			return
		}
		writeJSON(w, map[string]any{"servers": []any{}, "meta": meta(0)})
	})
	p := openTest(t, mux)
	servers := adapter[provider.Adapter](t, p, resource.KindInstance)

	r, err := servers.Get(context.Background(), resource.Handle{Kind: resource.KindInstance, ProviderID: "2024"})
	require.NoError(t, err)
	assert.Equal(t, "99", r.ID())
	assert.Equal(t, "fsn1", r.Attr(resource.AttrZone))
	assert.Equal(t, "eu-central", r.Attr(resource.AttrRegion))
	assert.Equal(t, "203.0.113.7", r.Attr(resource.AttrPublicIP))

	_, err = servers.Get(context.Background(), resource.Handle{Kind: resource.KindInstance, ProviderID: "missing"})
	assert.True(t, resource.IsNotFound(err))
}

func TestServers_ListPageAndDelete(t *testing.T) {
	var deleted bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		switch r.URL.Query().Get("page") {
		case "1":
			writeJSON(w, map[string]any{"servers": []any{serverJSON(1, "a", nil), serverJSON(2, "b", nil)}, "meta": meta(2)})
		default:
			writeJSON(w, map[string]any{"servers": []any{serverJSON(3, "c", nil)}, "meta": meta(0)})
		}
	})
	mux.HandleFunc("GET /servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"server": serverJSON(3, "c", nil)})
	})
	mux.HandleFunc("DELETE /servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = true
		writeJSON(w, map[string]any{"action": actionJSON(8, "running")})
	})
	p := openTest(t, mux)
	servers := adapter[provider.TokenLister](t, p, resource.KindInstance)

	items, next, err := servers.ListPage(context.Background(), provider.ListQuery{}, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names(items))
	items, next, err = servers.ListPage(context.Background(), provider.ListQuery{}, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, names(items))
	assert.Empty(t, next)

	op, err := servers.(provider.Adapter).Delete(context.Background(), items[0].Handle)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, "8", op.Name)
}

func TestServers_LabelsAreNative(t *testing.T) {
	var update map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"server": serverJSON(42, "web-1", map[string]string{"team": "ops", labelKey: "old"})})
	})
	mux.HandleFunc("PUT /servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		update = decode(t, r)
		writeJSON(w, map[string]any{"server": serverJSON(42, "web-1", nil)})
	})
	mux.HandleFunc("GET /servers", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, labelKey+"=web", r.URL.Query().Get("label_selector"))
		writeJSON(w, map[string]any{"servers": []any{serverJSON(42, "web-1", map[string]string{labelKey: "web"})}, "meta": meta(0)})
	})
	p := openTest(t, mux)
	h := resource.Handle{Kind: resource.KindInstance, ProviderID: "42"}

	labeler := adapter[provider.NativeLabeler](t, p, resource.KindInstance)
	require.NoError(t, labeler.SetLabel(context.Background(), h, "web"))
	assert.Equal(t, map[string]any{"team": "ops", labelKey: "web"}, update["labels"])

	require.NoError(t, labeler.SetLabel(context.Background(), h, ""))
	assert.Equal(t, map[string]any{"team": "ops"}, update["labels"])

	finder := adapter[provider.LabelFinder](t, p, resource.KindInstance)
	found, err := finder.FindByLabel(context.Background(), provider.ListQuery{}, "web")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "web", found[0].Label)
}

// ═══════════════════════════════════════════════════════════════════════════
// Volumes
// ═══════════════════════════════════════════════════════════════════════════

func TestVolumes_Create(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /volumes", func(w http.ResponseWriter, r *http.Request) {
		body = decode(t, r)
		writeJSON(w, map[string]any{"volume": volumeJSON(5, "data"), "action": actionJSON(3, "running"), "next_actions": []any{}})
	})
	p := openTest(t, mux)
	volumes := adapter[provider.Adapter](t, p, resource.KindVolume)

	_, err := volumes.Create(context.Background(), &resource.VolumeSpec{SpecMeta: resource.SpecMeta{Name: "tiny"}, SizeGB: 5})
	var ve *resource.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "size", ve.Field)

	_, err = volumes.Create(context.Background(), &resource.VolumeSpec{
		SpecMeta: resource.SpecMeta{Name: "restored"},
		SizeGB:   20,
		Snapshot: &resource.Handle{Kind: resource.KindSnapshot, ProviderID: "snap"},
	})
	require.ErrorAs(t, err, &ve)

	op, err := volumes.Create(context.Background(), &resource.VolumeSpec{
		SpecMeta: resource.SpecMeta{Name: "data", Scope: resource.Zone("nbg1")},
		SizeGB:   20,
	})
	require.NoError(t, err)
	assert.Equal(t, "3", op.Name)
	assert.Equal(t, "nbg1", body["location"])
	assert.Equal(t, float64(20), body["size"])
}

func TestVolumes_DeleteAttachedRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /volumes/{id}", func(w http.ResponseWriter, r *http.Request) {
		v := volumeJSON(5, "data")
		v["server"] = 42
		writeJSON(w, map[string]any{"volume": v})
	})
	p := openTest(t, mux)
	volumes := adapter[provider.Adapter](t, p, resource.KindVolume)

	_, err := volumes.Delete(context.Background(), resource.Handle{Kind: resource.KindVolume, ProviderID: "5"})
	var ve *resource.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "42", ve.Value)
}

// ═══════════════════════════════════════════════════════════════════════════
// Networks and subnets
// ═══════════════════════════════════════════════════════════════════════════

func networkJSON(labels map[string]string) map[string]any {
	return map[string]any{
		"id":       7,
		"name":     "cumulus-default",
		"ip_range": "10.0.0.0/16",
		"created":  created,
		"labels":   labels,
		"subnets": []any{map[string]any{
			"type": "cloud", "ip_range": "10.0.1.0/24", "network_zone": "eu-central", "gateway": "10.0.0.1",
		}},
	}
}

func TestSubnets_LabelsLiveOnTheNetwork(t *testing.T) {
	labels := map[string]string{labelKey: "net", "cumulus-subnet-10.0.1.0-24": "cumulus-default"}
	var update map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"network": networkJSON(labels)})
	})
	mux.HandleFunc("PUT /networks/{id}", func(w http.ResponseWriter, r *http.Request) {
		update = decode(t, r)
		writeJSON(w, map[string]any{"network": networkJSON(labels)})
	})
	p := openTest(t, mux)
	subnets := adapter[provider.FullLister](t, p, resource.KindSubnet)
	parent := resource.Handle{Kind: resource.KindNetwork, ProviderID: "7"}

	items, err := subnets.ListAll(context.Background(), provider.ListQuery{Parent: &parent})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "7:10.0.1.0/24", items[0].ID())
	assert.Equal(t, "cumulus-default", items[0].Label)
	assert.Equal(t, "eu-central", items[0].Attr(resource.AttrRegion))
	assert.Equal(t, "7", items[0].Attr(resource.AttrNetwork))

	items, err = subnets.ListAll(context.Background(), provider.ListQuery{Parent: &parent, Scope: resource.Region("us-east")})
	require.NoError(t, err)
	assert.Empty(t, items)

	labeler := subnets.(provider.NativeLabeler)
	require.NoError(t, labeler.SetLabel(context.Background(), resource.Handle{Kind: resource.KindSubnet, ProviderID: "7:10.0.1.0/24"}, "app"))
	assert.Equal(t, map[string]any{labelKey: "net", "cumulus-subnet-10.0.1.0-24": "app"}, update["labels"])

	_, err = subnets.(provider.Adapter).Get(context.Background(), resource.Handle{Kind: resource.KindSubnet, ProviderID: "cumulus-default-eu-central"})
	assert.True(t, resource.IsNotFound(err))
	_, err = subnets.(provider.Adapter).Get(context.Background(), resource.Handle{Kind: resource.KindSubnet, ProviderID: "7:10.0.9.0/24"})
	assert.True(t, resource.IsNotFound(err))
}

func TestSubnets_Create(t *testing.T) {
	var added, update map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("GET /networks/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"network": networkJSON(nil)})
	})
	mux.HandleFunc("POST /networks/{id}/actions/add_subnet", func(w http.ResponseWriter, r *http.Request) {
		added = decode(t, r)
		writeJSON(w, map[string]any{"action": actionJSON(11, "running")})
	})
	mux.HandleFunc("PUT /networks/{id}", func(w http.ResponseWriter, r *http.Request) {
		update = decode(t, r)
		writeJSON(w, map[string]any{"network": networkJSON(nil)})
	})
	p := openTest(t, mux)
	subnets := adapter[provider.Adapter](t, p, resource.KindSubnet)
	network := resource.Handle{Kind: resource.KindNetwork, ProviderID: "7"}

	_, err := subnets.Create(context.Background(), &resource.SubnetSpec{Network: network, CIDRBlock: "10.0.1.0/24"})
	assert.True(t, resource.IsConflict(err))

	op, err := subnets.Create(context.Background(), &resource.SubnetSpec{
		SpecMeta:  resource.SpecMeta{Name: "cumulus-default-us-east", Label: "cumulus-default", Scope: resource.Region("us-east")},
		Network:   network,
		CIDRBlock: "10.0.2.0/24",
	})
	require.NoError(t, err)
	assert.Equal(t, "7:10.0.2.0/24", op.Target.ProviderID)
	assert.Equal(t, "11", op.Name)
	assert.Equal(t, "us-east", added["network_zone"])
	assert.Equal(t, "10.0.2.0/24", added["ip_range"])
	assert.Equal(t, map[string]any{"cumulus-subnet-10.0.2.0-24": "cumulus-default"}, update["labels"])
}

// ═══════════════════════════════════════════════════════════════════════════
// Firewalls and keys
// ═══════════════════════════════════════════════════════════════════════════

func TestFirewallRules(t *testing.T) {
	rules, err := firewallRules("web", []resource.FirewallRule{
		{Direction: resource.Inbound, Protocol: "TCP", FromPort: 443},
		{Direction: resource.Inbound, Protocol: "tcp", FromPort: 8000, ToPort: 8100, CIDR: "10.0.0.0/8"},
		{Direction: resource.Outbound, Protocol: "all"},
	})
	require.NoError(t, err)
	require.Len(t, rules, 5)

	assert.Equal(t, "443", *rules[0].Port)
	assert.Equal(t, "0.0.0.0/0", rules[0].SourceIPs[0].String())
	assert.Equal(t, "8000-8100", *rules[1].Port)
	assert.Equal(t, "10.0.0.0/8", rules[1].SourceIPs[0].String())

	for _, r := range rules[2:] {
		assert.Equal(t, hcloud.FirewallRuleDirectionOut, r.Direction)
		assert.Empty(t, r.SourceIPs)
		require.Len(t, r.DestinationIPs, 1)
	}
	assert.Equal(t, "1-65535", *rules[2].Port)
	assert.Nil(t, rules[4].Port)

	_, err = firewallRules("web", []resource.FirewallRule{{Protocol: "sctp"}})
	var ve *resource.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestFirewalls_CreateDuplicate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /firewalls", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusConflict, "uniqueness_error")
	})
	p := openTest(t, mux)
	firewalls := adapter[provider.Adapter](t, p, resource.KindFirewall)

	_, err := firewalls.Create(context.Background(), &resource.FirewallSpec{SpecMeta: resource.SpecMeta{Name: "web"}})
	assert.True(t, resource.IsConflict(err))
}

func TestKeyPairs(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ssh_keys", func(w http.ResponseWriter, r *http.Request) {
		body = decode(t, r)
		writeJSON(w, map[string]any{"ssh_key": map[string]any{
			"id": 3, "name": "deploy", "public_key": testKey, "fingerprint": "fp", "created": created,
		}})
	})
	mux.HandleFunc("GET /ssh_keys", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("name") != "" {
			writeJSON(w, map[string]any{"ssh_keys": []any{}, "meta": meta(0)})
			return
		}
		writeJSON(w, map[string]any{"ssh_keys": []any{
			map[string]any{"id": 4, "name": "zeta", "public_key": testKey, "fingerprint": "fp2", "created": created},
			map[string]any{"id": 3, "name": "deploy", "public_key": testKey, "fingerprint": "fp", "created": created},
		}, "meta": meta(0)})
	})
	p := openTest(t, mux)
	keys := adapter[provider.Adapter](t, p, resource.KindKeyPair)

	_, err := keys.Create(context.Background(), &resource.KeyPairSpec{SpecMeta: resource.SpecMeta{Name: "bad"}, PublicKey: "not a key"})
	var ve *resource.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Nil(t, body)

	op, err := keys.Create(context.Background(), &resource.KeyPairSpec{SpecMeta: resource.SpecMeta{Name: "deploy"}, PublicKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, operation.Done, op.Status)
	assert.Equal(t, "deploy", op.Target.ProviderID)
	assert.Equal(t, "deploy", body["name"])

	all, err := keys.(provider.FullLister).ListAll(context.Background(), provider.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "zeta"}, names(all))

	_, err = keys.Get(context.Background(), resource.Handle{Kind: resource.KindKeyPair, ProviderID: "gone"})
	assert.True(t, resource.IsNotFound(err))
}
