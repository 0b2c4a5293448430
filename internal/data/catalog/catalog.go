// Package catalog declares, per schema version, the collections and indexes a
// store must contain, and plans the steps needed to upgrade between versions.
// It performs no I/O; the storage engine executes what it emits.
package catalog

// LatestVersion is the schema version a freshly opened store is upgraded to.
const LatestVersion = 3

const (
	CollectionScores        = "scores"
	CollectionCrawlSessions = "crawl-sessions"
)

// Column affinities for indexed key columns. The full record rides in an
// opaque payload column; only indexed fields get real columns.
const (
	AffinityText    = "TEXT"
	AffinityInteger = "INTEGER"
)

type FieldDescriptor struct {
	Name     string
	Affinity string
}

type IndexDescriptor struct {
	Name     string
	KeyPaths []string
	Unique   bool
}

type CollectionDescriptor struct {
	Name       string
	PrimaryKey string
	Fields     []FieldDescriptor
	Indexes    []IndexDescriptor
}

// Catalog maps each shipped schema version to the collections it introduces.
// The required set at version v is the union of all introductions up to v, so
// the catalog is additive: nothing is ever removed at a version boundary.
type Catalog struct {
	introducedAt map[int][]CollectionDescriptor
}

func New(introducedAt map[int][]CollectionDescriptor) *Catalog {
	return &Catalog{introducedAt: introducedAt}
}

var scoresDescriptor = CollectionDescriptor{
	Name:       CollectionScores,
	PrimaryKey: "id",
	Fields: []FieldDescriptor{
		{Name: "domain", Affinity: AffinityText},
		{Name: "timestamp", Affinity: AffinityInteger},
	},
	Indexes: []IndexDescriptor{
		{Name: "idx_scores_domain", KeyPaths: []string{"domain"}},
		{Name: "idx_scores_timestamp", KeyPaths: []string{"timestamp"}},
		{Name: "idx_scores_domain_timestamp", KeyPaths: []string{"domain", "timestamp"}},
	},
}

var crawlSessionsDescriptor = CollectionDescriptor{
	Name:       CollectionCrawlSessions,
	PrimaryKey: "id",
	Fields: []FieldDescriptor{
		{Name: "domain", Affinity: AffinityText},
		{Name: "timestamp", Affinity: AffinityInteger},
		{Name: "status", Affinity: AffinityText},
	},
	Indexes: []IndexDescriptor{
		{Name: "idx_sessions_domain", KeyPaths: []string{"domain"}},
		{Name: "idx_sessions_timestamp", KeyPaths: []string{"timestamp"}},
		{Name: "idx_sessions_status", KeyPaths: []string{"status"}},
	},
}

// Default is the shipped catalog. Version 3 re-asserts the existing
// collections and introduces nothing new; it exists so an upgrade pass over a
// store with a stale version marker re-checks both collections.
var Default = New(map[int][]CollectionDescriptor{
	1: {scoresDescriptor},
	2: {crawlSessionsDescriptor},
	3: {},
})

// CollectionsAt returns every collection required once a store has been
// upgraded to version v, in version introduction order.
func (c *Catalog) CollectionsAt(v int) []CollectionDescriptor {
	out := []CollectionDescriptor{}
	for version := 1; version <= v; version++ {
		out = append(out, c.introducedAt[version]...)
	}
	return out
}
