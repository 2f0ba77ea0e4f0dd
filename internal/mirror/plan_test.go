package mirror

import (
	"reflect"
	"testing"

	"github.com/dinotools/opkgsync/internal/manifest"
)

func pkg(name, filename string) *manifest.Package {
	return &manifest.Package{Name: name, Filename: filename, Size: -1}
}

func TestMerge_Completeness(t *testing.T) {
	local := manifest.Set{
		"a": pkg("a", "a.pkg"),
		"b": pkg("b", "b.pkg"),
	}
	remote := manifest.Set{
		"b": pkg("b", "b.pkg"),
		"c": pkg("c", "c.pkg"),
	}

	entries := merge(local, remote)

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	for _, name := range []string{"a", "b", "c"} {
		if _, ok := entries[name]; !ok {
			t.Errorf("expected entry for %s", name)
		}
	}

	if entries["a"].local == nil || entries["a"].remote != nil {
		t.Error("entry a should be local-only")
	}
	if entries["b"].local == nil || entries["b"].remote == nil {
		t.Error("entry b should have both sides")
	}
	if entries["c"].local != nil || entries["c"].remote == nil {
		t.Error("entry c should be remote-only")
	}
}

func TestMerge_Empty(t *testing.T) {
	entries := merge(manifest.Set{}, manifest.Set{})
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestBuildPlan_FetchNew(t *testing.T) {
	local := manifest.Set{"a": pkg("a", "a.pkg")}
	remote := manifest.Set{
		"a": pkg("a", "a.pkg"),
		"b": pkg("b", "b.pkg"),
	}

	plan := buildPlan(merge(local, remote))

	if !reflect.DeepEqual(plan.Fetch, []string{"b.pkg"}) {
		t.Errorf("expected fetch of b.pkg only, got %v", plan.Fetch)
	}
	if len(plan.Delete) != 0 {
		t.Errorf("expected no deletions, got %v", plan.Delete)
	}
}

func TestBuildPlan_DeleteRemoved(t *testing.T) {
	local := manifest.Set{"a": pkg("a", "a.pkg")}
	remote := manifest.Set{}

	plan := buildPlan(merge(local, remote))

	if !reflect.DeepEqual(plan.Delete, []string{"a.pkg"}) {
		t.Errorf("expected deletion of a.pkg, got %v", plan.Delete)
	}
	if len(plan.Fetch) != 0 {
		t.Errorf("expected no fetches, got %v", plan.Fetch)
	}
}

func TestBuildPlan_ChangedFilenameFetched(t *testing.T) {
	local := manifest.Set{"a": pkg("a", "a_1.0.pkg")}
	remote := manifest.Set{"a": pkg("a", "a_2.0.pkg")}

	plan := buildPlan(merge(local, remote))

	if !reflect.DeepEqual(plan.Fetch, []string{"a_2.0.pkg"}) {
		t.Errorf("expected fetch of a_2.0.pkg, got %v", plan.Fetch)
	}
	if len(plan.Delete) != 0 {
		t.Errorf("expected no deletions, got %v", plan.Delete)
	}
}

func TestBuildPlan_MetadataOnlyChange(t *testing.T) {
	// Equality is filename-only: a size/checksum change with an unchanged
	// filename does not trigger a refetch.
	localPkg := pkg("a", "a.pkg")
	localPkg.Size = 100
	localPkg.MD5Sum = "aaaa"
	remotePkg := pkg("a", "a.pkg")
	remotePkg.Size = 200
	remotePkg.MD5Sum = "bbbb"

	plan := buildPlan(merge(
		manifest.Set{"a": localPkg},
		manifest.Set{"a": remotePkg},
	))

	if len(plan.Fetch) != 0 || len(plan.Delete) != 0 {
		t.Errorf("expected empty plan, got fetch=%v delete=%v", plan.Fetch, plan.Delete)
	}
}

func TestBuildPlan_RemoteMissingFilename(t *testing.T) {
	remote := manifest.Set{"a": pkg("a", "")}

	plan := buildPlan(merge(manifest.Set{}, remote))

	if len(plan.Fetch) != 0 {
		t.Errorf("expected no fetch for record without filename, got %v", plan.Fetch)
	}
}

func TestBuildPlan_BothAbsentSkipped(t *testing.T) {
	entries := map[string]entry{"ghost": {}}

	plan := buildPlan(entries)

	if len(plan.Fetch) != 0 || len(plan.Delete) != 0 {
		t.Errorf("expected empty plan, got fetch=%v delete=%v", plan.Fetch, plan.Delete)
	}
}

func TestBuildPlan_Deterministic(t *testing.T) {
	remote := manifest.Set{
		"c": pkg("c", "c.pkg"),
		"a": pkg("a", "a.pkg"),
		"b": pkg("b", "b.pkg"),
	}

	plan := buildPlan(merge(manifest.Set{}, remote))

	want := []string{"a.pkg", "b.pkg", "c.pkg"}
	if !reflect.DeepEqual(plan.Fetch, want) {
		t.Errorf("expected fetches in name order %v, got %v", want, plan.Fetch)
	}
}

func TestEquivalent(t *testing.T) {
	tests := []struct {
		name   string
		local  *manifest.Package
		remote *manifest.Package
		want   bool
	}{
		{"same filename", pkg("a", "a.pkg"), pkg("a", "a.pkg"), true},
		{"different filename", pkg("a", "a_1.pkg"), pkg("a", "a_2.pkg"), false},
		{"local missing filename", pkg("a", ""), pkg("a", "a.pkg"), false},
		{"remote missing filename", pkg("a", "a.pkg"), pkg("a", ""), false},
		{"both missing filename", pkg("a", ""), pkg("a", ""), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := equivalent(tc.local, tc.remote); got != tc.want {
				t.Errorf("equivalent() = %v, want %v", got, tc.want)
			}
		})
	}
}
