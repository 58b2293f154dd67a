package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// GroupID identifies a group by its backup source type and id (spec.md
// §3: "(type ∈ {host, vm, ct}, id)").
type GroupID struct {
	Type string
	ID   string
}

func (g GroupID) String() string {
	return fmt.Sprintf("%s/%s", g.Type, g.ID)
}

// idLess implements spec.md §4.C's ordering rule: "numeric id collation
// when parseable (all-digits IDs sort numerically, mixed sort
// lexicographically after numeric ones)".
func idLess(a, b string) bool {
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	aNum, bNum := aErr == nil, bErr == nil
	switch {
	case aNum && bNum:
		return an < bn
	case aNum != bNum:
		return aNum
	default:
		return a < b
	}
}

func groupLess(a, b GroupID) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return idLess(a.ID, b.ID)
}

// ListGroups returns every group under the datastore root, sorted
// type-then-id per spec.md §4.C.
func (s *Store) ListGroups() ([]GroupID, error) {
	var groups []GroupID
	for _, typ := range groupTypes {
		entries, err := os.ReadDir(filepath.Join(s.root, typ))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("datastore: list %s groups: %w", typ, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if !idPattern.MatchString(e.Name()) {
				continue
			}
			groups = append(groups, GroupID{Type: typ, ID: e.Name()})
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groupLess(groups[i], groups[j]) })
	return groups, nil
}
