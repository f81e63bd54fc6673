// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scores

import (
	"sort"
)

// DefaultMaxHistory is the number of attempts kept per grouping key
const DefaultMaxHistory = 20

// MergeResult is the outcome of reconciling a local and a remote record set
type MergeResult struct {
	Merged          map[GroupKey]RecordSet // retained attempts per group, ascending by timestamp
	Evicted         RecordSet              // attempts dropped by retention
	Pending         RecordSet              // retained attempts absent from the remote snapshot (push set)
	RemoteEvictions RecordSet              // evicted attempts that exist remotely
}

// All returns every retained attempt, grouped and ordered
func (r MergeResult) All() RecordSet {
	return Flatten(r.Merged)
}

// SortAscending orders attempts by timestamp, identity breaking ties
func SortAscending(rs RecordSet) {
	sort.SliceStable(rs, func(i, j int) bool {
		ti, tj := rs[i].Timestamp, rs[j].Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rs[i].Identity() < rs[j].Identity()
	})
}

// SortedKeys returns group keys in lexical order of their string form
func SortedKeys(groups map[GroupKey]RecordSet) []GroupKey {
	keys := make([]GroupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// stateRank orders sync states for dedup tie-breaking
func stateRank(s SyncState) int {
	switch s {
	case StateSynced:
		return 2
	case StateFailed:
		return 1
	default:
		return 0
	}
}

// preferred reports whether a should win over b when both share an identity.
// Later observed-at wins; remaining ties resolve on state, score and total so
// the choice does not depend on argument order.
func preferred(a, b Attempt) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.After(b.ObservedAt)
	}
	if ra, rb := stateRank(a.State), stateRank(b.State); ra != rb {
		return ra > rb
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Total > b.Total
}

// Dedup collapses attempts sharing an identity key, keeping the preferred copy.
// The result is ordered ascending by timestamp.
func Dedup(rs RecordSet) RecordSet {
	winners := make(map[IdentityKey]Attempt, len(rs))
	for _, a := range rs {
		id := a.Identity()
		if cur, ok := winners[id]; !ok || preferred(a, cur) {
			winners[id] = a
		}
	}
	out := make(RecordSet, 0, len(winners))
	for _, a := range winners {
		out = append(out, a)
	}
	SortAscending(out)
	return out
}

// Union combines two record sets and deduplicates them
func Union(a, b RecordSet) RecordSet {
	all := make(RecordSet, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return Dedup(all)
}

// Retain keeps the newest maxHistory attempts of every group and returns the
// rest as evicted. A non-positive maxHistory selects DefaultMaxHistory.
func Retain(rs RecordSet, maxHistory int) (map[GroupKey]RecordSet, RecordSet) {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	kept := make(map[GroupKey]RecordSet)
	var evicted RecordSet
	for group, set := range rs.ByGroup() {
		desc := make(RecordSet, len(set))
		copy(desc, set)
		SortAscending(desc)
		for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
			desc[i], desc[j] = desc[j], desc[i]
		}
		if len(desc) > maxHistory {
			evicted = append(evicted, desc[maxHistory:]...)
			desc = desc[:maxHistory]
		}
		SortAscending(desc)
		kept[group] = desc
	}
	SortAscending(evicted)
	return kept, evicted
}

// Merge computes Retention(Dedup(Union(local, remote))). Attempts present in the
// remote snapshot are marked synced; retained local-only attempts are returned
// as the push set.
func Merge(local, remote RecordSet, maxHistory int) MergeResult {
	remoteIDs := remote.Identities()

	marked := make(RecordSet, 0, len(remote))
	for _, a := range remote {
		marked = append(marked, a.WithState(StateSynced))
	}

	union := Union(local, marked)
	for i := range union {
		if _, ok := remoteIDs[union[i].Identity()]; ok {
			union[i].State = StateSynced
		} else if union[i].State == StateSynced {
			// Previously pushed but gone from the server; push again.
			union[i].State = StateUnsynced
		}
	}

	kept, evicted := Retain(union, maxHistory)

	result := MergeResult{Merged: kept, Evicted: evicted}
	for _, k := range SortedKeys(kept) {
		for _, a := range kept[k] {
			if _, ok := remoteIDs[a.Identity()]; !ok {
				result.Pending = append(result.Pending, a)
			}
		}
	}
	for _, a := range evicted {
		if _, ok := remoteIDs[a.Identity()]; ok {
			result.RemoteEvictions = append(result.RemoteEvictions, a)
		}
	}
	return result
}
