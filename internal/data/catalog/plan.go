package catalog

// CreateCollectionStep is one idempotent upgrade action: create the named
// collection with its primary key and full index set.
type CreateCollectionStep struct {
	Version    int
	Descriptor CollectionDescriptor
}

// PlanUpgrade computes the ordered steps to bring a store from oldVersion to
// targetVersion. Collections named in existing are never re-emitted, even if
// the version marker claims they should not exist yet: the existence check is
// authoritative, which is the defense against double-creation after a
// corrupted or stale marker. The plan is deterministic for identical inputs
// and empty when oldVersion == targetVersion or everything already exists.
//
// The existing set is not mutated; a copy tracks names emitted earlier in the
// same plan so a later version cannot re-emit them.
func (c *Catalog) PlanUpgrade(oldVersion, targetVersion int, existing map[string]bool) []CreateCollectionStep {
	seen := make(map[string]bool, len(existing))
	for name, ok := range existing {
		if ok {
			seen[name] = true
		}
	}

	steps := []CreateCollectionStep{}
	for v := oldVersion + 1; v <= targetVersion; v++ {
		for _, desc := range c.CollectionsAt(v) {
			if seen[desc.Name] {
				continue
			}
			seen[desc.Name] = true
			steps = append(steps, CreateCollectionStep{Version: v, Descriptor: desc})
		}
	}
	return steps
}
