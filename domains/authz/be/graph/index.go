package graph

import (
	"sort"

	"github.com/edgewarden/edgewarden/domains/authz/be/ledger"
	"github.com/edgewarden/edgewarden/domains/authz/be/schema"
)

// DefaultMaxTraversal bounds authorization path length.
const DefaultMaxTraversal = 10

// AccessorSource classifies how a subject reaches an object.
type AccessorSource string

const (
	SourceDirect    AccessorSource = "direct"
	SourceGroup     AccessorSource = "group"
	SourceInherited AccessorSource = "inherited"
)

// Accessor is one subject with access to an object and how it got it.
type Accessor struct {
	Subject string         `json:"subject"`
	Source  AccessorSource `json:"source"`
}

// Index holds the adjacency structures derived from live edges. It answers
// the fixed query set in sublinear time and is incrementally maintained on
// every mutation. Not safe for concurrent use; the actor serializes access.
type Index struct {
	compiled     *schema.Compiled
	maxTraversal int
	cache        *queryCache

	// forward and reverse adjacency per relationship type.
	forward map[string]map[string][]*ledger.Edge
	reverse map[string]map[string][]*ledger.Edge
}

// New builds an empty index for the compiled schema.
func New(compiled *schema.Compiled, maxTraversal int, cacheCfg CacheConfig) *Index {
	if maxTraversal <= 0 {
		maxTraversal = DefaultMaxTraversal
	}
	return &Index{
		compiled:     compiled,
		maxTraversal: maxTraversal,
		cache:        newQueryCache(cacheCfg),
		forward:      make(map[string]map[string][]*ledger.Edge),
		reverse:      make(map[string]map[string][]*ledger.Edge),
	}
}

// Rebuild repopulates the index from the ledger's live edges, e.g. after a
// snapshot load or schema migration.
func (idx *Index) Rebuild(compiled *schema.Compiled, live []*ledger.Edge) {
	idx.compiled = compiled
	idx.forward = make(map[string]map[string][]*ledger.Edge)
	idx.reverse = make(map[string]map[string][]*ledger.Edge)
	idx.cache.purge()
	for _, edge := range live {
		idx.addLocked(edge)
	}
}

// Add indexes a freshly minted edge and invalidates affected cache entries.
func (idx *Index) Add(edge *ledger.Edge) {
	idx.addLocked(edge)
	idx.cache.invalidate([]string{edge.SourceID, edge.TargetID}, edge.Capability())
}

func (idx *Index) addLocked(edge *ledger.Edge) {
	fwd := idx.forward[edge.Type]
	if fwd == nil {
		fwd = make(map[string][]*ledger.Edge)
		idx.forward[edge.Type] = fwd
	}
	fwd[edge.SourceID] = append(fwd[edge.SourceID], edge)

	rev := idx.reverse[edge.Type]
	if rev == nil {
		rev = make(map[string][]*ledger.Edge)
		idx.reverse[edge.Type] = rev
	}
	rev[edge.TargetID] = append(rev[edge.TargetID], edge)
}

// Remove drops a revoked edge from the adjacency lists. Traversal also checks
// Live() so a tombstoned edge left behind is still skipped.
func (idx *Index) Remove(edge *ledger.Edge) {
	if fwd := idx.forward[edge.Type]; fwd != nil {
		fwd[edge.SourceID] = dropEdge(fwd[edge.SourceID], edge.ID)
	}
	if rev := idx.reverse[edge.Type]; rev != nil {
		rev[edge.TargetID] = dropEdge(rev[edge.TargetID], edge.ID)
	}
	idx.cache.invalidate([]string{edge.SourceID, edge.TargetID}, edge.Capability())
}

// Invalidate orphans cached results involving the given nodes and
// capability; used for mutations that touch no edge, e.g. entity deletion.
func (idx *Index) Invalidate(nodes []string, capability string) {
	idx.cache.invalidate(nodes, capability)
}

// InvalidateAll purges the query cache, e.g. on schema change.
func (idx *Index) InvalidateAll() {
	idx.cache.purge()
}

func dropEdge(edges []*ledger.Edge, id string) []*ledger.Edge {
	for i, e := range edges {
		if e.ID == id {
			return append(edges[:i], edges[i+1:]...)
		}
	}
	return edges
}

// Can reports whether a path subject -> closure* -> x -> permission[cap] ->
// object exists within the traversal bound. Any valid path suffices.
func (idx *Index) Can(subject, capability, object string) bool {
	key := idx.cache.key("can", subject, capability, object)
	if cached, ok := idx.cache.get(key); ok {
		return cached.(bool)
	}

	allowed := false
	idx.walkClosure(subject, func(node string) bool {
		for _, edge := range idx.permissionEdgesFrom(node, capability) {
			if edge.TargetID == object {
				allowed = true
				return false
			}
		}
		return true
	})

	idx.cache.put(key, allowed)
	return allowed
}

// AccessibleObjects returns the sorted union of object ids the subject can
// reach with the capability, directly or through its group closure.
func (idx *Index) AccessibleObjects(subject, capability string) []string {
	key := idx.cache.key("objs", subject, capability, "")
	if cached, ok := idx.cache.get(key); ok {
		return append([]string(nil), cached.([]string)...)
	}

	seen := make(map[string]bool)
	idx.walkClosure(subject, func(node string) bool {
		for _, edge := range idx.permissionEdgesFrom(node, capability) {
			seen[edge.TargetID] = true
		}
		return true
	})

	objects := make([]string, 0, len(seen))
	for object := range seen {
		objects = append(objects, object)
	}
	sort.Strings(objects)

	idx.cache.put(key, objects)
	return append([]string(nil), objects...)
}

// Accessors enumerates the subjects holding the capability on the object,
// classified as direct grantees, members of a granted group, or holders
// through deeper inheritance.
func (idx *Index) Accessors(object, capability string) []Accessor {
	key := idx.cache.key("subs", object, capability, "")
	if cached, ok := idx.cache.get(key); ok {
		return append([]Accessor(nil), cached.([]Accessor)...)
	}

	best := make(map[string]AccessorSource)
	rank := map[AccessorSource]int{SourceDirect: 0, SourceGroup: 1, SourceInherited: 2}
	record := func(subject string, source AccessorSource) {
		if current, ok := best[subject]; !ok || rank[source] < rank[current] {
			best[subject] = source
		}
	}

	for _, relName := range idx.compiled.RelationshipNames() {
		if !idx.compiled.PermissionBearing(relName) {
			continue
		}
		rev := idx.reverse[relName]
		for _, edge := range rev[object] {
			if !edge.Live() || edge.Capability() != capability {
				continue
			}
			grantee := edge.SourceID
			record(grantee, SourceDirect)
			// Expand everything that reaches the grantee through the
			// traversable closure, classifying one-hop membership as
			// "group" and anything deeper as "inherited".
			idx.walkReverseClosure(grantee, func(node string, depth int, via schema.RelKind) {
				if depth == 1 && via == schema.KindMemberOf {
					record(node, SourceGroup)
				} else {
					record(node, SourceInherited)
				}
			})
		}
	}

	accessors := make([]Accessor, 0, len(best))
	for subject, source := range best {
		accessors = append(accessors, Accessor{Subject: subject, Source: source})
	}
	sort.Slice(accessors, func(i, j int) bool { return accessors[i].Subject < accessors[j].Subject })

	idx.cache.put(key, accessors)
	return append([]Accessor(nil), accessors...)
}

// walkClosure runs a bounded BFS from start over traversable relationships,
// calling visit for every reached node (including start at depth 0). visit
// returning false stops the walk. Cycles and self-loops are pruned by the
// visited set.
func (idx *Index) walkClosure(start string, visit func(node string) bool) {
	type item struct {
		node  string
		depth int
	}
	visited := map[string]bool{start: true}
	queue := []item{{node: start}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if !visit(current.node) {
			return
		}
		// The final permission edge consumes one hop of the budget.
		if current.depth >= idx.maxTraversal-1 {
			continue
		}
		for _, relName := range idx.compiled.RelationshipNames() {
			if !idx.compiled.Traversable(relName) {
				continue
			}
			for _, edge := range idx.forward[relName][current.node] {
				if !edge.Live() || visited[edge.TargetID] {
					continue
				}
				visited[edge.TargetID] = true
				queue = append(queue, item{node: edge.TargetID, depth: current.depth + 1})
			}
		}
	}
}

// walkReverseClosure is the reverse-direction counterpart used by Accessors;
// it reports each reached node with its depth and the kind of the first edge
// on its path toward start.
func (idx *Index) walkReverseClosure(start string, visit func(node string, depth int, via schema.RelKind)) {
	type item struct {
		node  string
		depth int
		via   schema.RelKind
	}
	visited := map[string]bool{start: true}
	queue := []item{{node: start}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= idx.maxTraversal-1 {
			continue
		}
		for _, relName := range idx.compiled.RelationshipNames() {
			if !idx.compiled.Traversable(relName) {
				continue
			}
			rel, _ := idx.compiled.Relationship(relName)
			for _, edge := range idx.reverse[relName][current.node] {
				if !edge.Live() || visited[edge.SourceID] {
					continue
				}
				visited[edge.SourceID] = true
				via := current.via
				if current.depth == 0 {
					via = rel.Kind
				}
				next := item{node: edge.SourceID, depth: current.depth + 1, via: via}
				visit(next.node, next.depth, via)
				queue = append(queue, next)
			}
		}
	}
}

func (idx *Index) permissionEdgesFrom(node, capability string) []*ledger.Edge {
	var matches []*ledger.Edge
	for _, relName := range idx.compiled.RelationshipNames() {
		if !idx.compiled.PermissionBearing(relName) {
			continue
		}
		for _, edge := range idx.forward[relName][node] {
			if edge.Live() && edge.Capability() == capability {
				matches = append(matches, edge)
			}
		}
	}
	return matches
}
