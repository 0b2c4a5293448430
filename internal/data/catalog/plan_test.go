package catalog

import "testing"

func existingFrom(steps []CreateCollectionStep) map[string]bool {
	out := make(map[string]bool, len(steps))
	for _, s := range steps {
		out[s.Descriptor.Name] = true
	}
	return out
}

func TestPlanUpgradeFreshInstall(t *testing.T) {
	steps := Default.PlanUpgrade(0, 3, nil)
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d: %+v", len(steps), steps)
	}
	if steps[0].Descriptor.Name != CollectionScores || steps[0].Version != 1 {
		t.Fatalf("expected scores at version 1 first, got %+v", steps[0])
	}
	if steps[1].Descriptor.Name != CollectionCrawlSessions || steps[1].Version != 2 {
		t.Fatalf("expected crawl-sessions at version 2 second, got %+v", steps[1])
	}
	if len(steps[0].Descriptor.Indexes) != 3 || len(steps[1].Descriptor.Indexes) != 3 {
		t.Fatal("steps must carry the full index set")
	}
}

func TestPlanUpgradeIsIdempotent(t *testing.T) {
	for old := 0; old <= LatestVersion; old++ {
		for target := old; target <= LatestVersion; target++ {
			first := Default.PlanUpgrade(old, target, nil)
			rerun := Default.PlanUpgrade(old, target, existingFrom(first))
			if len(rerun) != 0 {
				t.Fatalf("replan %d->%d after applying should be empty, got %+v", old, target, rerun)
			}
		}
	}
}

func TestPlanUpgradeSameVersionIsEmpty(t *testing.T) {
	for v := 0; v <= LatestVersion; v++ {
		if steps := Default.PlanUpgrade(v, v, nil); len(steps) != 0 {
			t.Fatalf("plan %d->%d should be empty, got %+v", v, v, steps)
		}
	}
}

func TestPlanUpgradePartialState(t *testing.T) {
	// scores exists, crawl-sessions does not: only the missing collection is
	// created, scores is never re-touched.
	steps := Default.PlanUpgrade(2, 3, map[string]bool{CollectionScores: true})
	if len(steps) != 1 || steps[0].Descriptor.Name != CollectionCrawlSessions {
		t.Fatalf("expected only crawl-sessions, got %+v", steps)
	}
}

func TestPlanUpgradeExistenceBeatsVersionMarker(t *testing.T) {
	// A corrupted version marker claims version 0 but both collections exist
	// on disk: the plan must be empty, never a double-create.
	existing := map[string]bool{
		CollectionScores:        true,
		CollectionCrawlSessions: true,
	}
	if steps := Default.PlanUpgrade(0, LatestVersion, existing); len(steps) != 0 {
		t.Fatalf("expected empty plan when everything exists, got %+v", steps)
	}
}

func TestPlanUpgradeDoesNotMutateExisting(t *testing.T) {
	existing := map[string]bool{CollectionScores: true}
	Default.PlanUpgrade(0, LatestVersion, existing)
	if len(existing) != 1 {
		t.Fatalf("existing set was mutated: %v", existing)
	}
}

func TestPlanUpgradeDeterministic(t *testing.T) {
	a := Default.PlanUpgrade(0, LatestVersion, nil)
	b := Default.PlanUpgrade(0, LatestVersion, nil)
	if len(a) != len(b) {
		t.Fatalf("plans differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Version != b[i].Version || a[i].Descriptor.Name != b[i].Descriptor.Name {
			t.Fatalf("plans diverge at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}
