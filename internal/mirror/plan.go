package mirror

import (
	"sort"

	"github.com/dinotools/opkgsync/internal/manifest"
)

// entry pairs the local and remote records for one package name. At least
// one side is always set.
type entry struct {
	local  *manifest.Package
	remote *manifest.Package
}

// Plan represents the filesystem operations required to bring the local
// mirror in line with the remote feed. Deletions and fetches are
// independent effects; neither depends on the other completing.
type Plan struct {
	Delete []string // local filenames no longer present remotely
	Fetch  []string // remote filenames to download
}

// merge combines the local and remote package sets into one view keyed by
// package name. Every name present in either set appears exactly once.
func merge(local, remote manifest.Set) map[string]entry {
	entries := make(map[string]entry, len(remote))
	for name, pkg := range local {
		entries[name] = entry{local: pkg, remote: remote[name]}
	}
	for name, pkg := range remote {
		if _, ok := entries[name]; ok {
			continue
		}
		entries[name] = entry{remote: pkg}
	}
	return entries
}

// buildPlan classifies each merged entry into a deletion, a fetch, or no
// action. Entries are processed in name order so the resulting plan is
// deterministic.
func buildPlan(entries map[string]entry) *Plan {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	plan := &Plan{}
	for _, name := range names {
		ent := entries[name]
		switch {
		case ent.local == nil && ent.remote == nil:
			// Cannot be produced by merge; skip defensively.
		case ent.remote == nil:
			plan.Delete = append(plan.Delete, ent.local.Filename)
		case ent.local == nil:
			if ent.remote.Filename != "" {
				plan.Fetch = append(plan.Fetch, ent.remote.Filename)
			}
		case !equivalent(ent.local, ent.remote):
			if ent.remote.Filename != "" {
				plan.Fetch = append(plan.Fetch, ent.remote.Filename)
			}
		}
	}
	return plan
}

// equivalent reports whether two records describe the same file. Only the
// filename participates in the comparison; a record missing its filename
// is never equivalent to anything.
func equivalent(local, remote *manifest.Package) bool {
	if local.Filename == "" || remote.Filename == "" {
		return false
	}
	return local.Filename == remote.Filename
}
