package policyengine

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hodei/verified-permissions/pkg/canonicalize"
	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/repository"
)

// Stats summarizes a PolicySet cache's derived state, per §4.2's stats().
type Stats struct {
	PolicyCount   int
	SchemaPresent bool
	LastModified  time.Time
}

// PolicySet is one store's compiled in-memory authorization state: the
// parsed statements, the optional schema, and an insertion-ordered policy
// id list so incremental mutation (removePolicy) can rebuild without a
// repository round-trip. All four fields are guarded by a single
// reader-writer lock; writers hold it across the parse-then-mutate
// sequence so readers never observe a partially-applied mutation.
type PolicySet struct {
	mu sync.RWMutex

	statements    map[string]*Statement // policyID -> parsed statement
	rawStatements map[string]string     // policyID -> source text, for digest purposes
	order         []string              // insertion order, for stable iteration
	schemaDoc     []byte
	schemaValid   *jsonschema.Schema
	lastModified  time.Time
	digest        string // JCS/SHA-256 fingerprint of rawStatements+schemaDoc

	log *slog.Logger
}

// NewPolicySet returns an empty PolicySet.
func NewPolicySet(log *slog.Logger) *PolicySet {
	if log == nil {
		log = slog.Default()
	}
	ps := &PolicySet{
		statements:    make(map[string]*Statement),
		rawStatements: make(map[string]string),
		log:           log,
	}
	ps.recomputeDigest()
	return ps
}

// PolicySource is the narrow slice of repository.Repository
// LoadFromRepository actually needs — listing policies and reading the
// schema. repository.Repository satisfies this directly; the local
// agent's central-service client also implements it without pulling in
// the full control-plane surface.
type PolicySource interface {
	ListPolicies(ctx context.Context, storeID string, page repository.Page) (repository.PageResult[domain.Policy], error)
	GetSchema(ctx context.Context, storeID string) (domain.Schema, error)
}

// LoadFromRepository atomically replaces all state from repo's view of
// storeID. A policy or schema that fails to parse is logged and skipped;
// the cache is valid with zero successfully-parsed policies.
func (ps *PolicySet) LoadFromRepository(ctx context.Context, repo PolicySource, storeID string) error {
	var policies []domain.Policy
	page := repository.Page{Limit: 1000}
	for {
		res, err := repo.ListPolicies(ctx, storeID, page)
		if err != nil {
			return pdperr.RepositoryErr(err, "load policies for store %q", storeID)
		}
		policies = append(policies, res.Items...)
		if res.NextToken == "" {
			break
		}
		page.After = res.NextToken
	}

	schema, err := repo.GetSchema(ctx, storeID)
	var schemaDoc []byte
	var compiled *jsonschema.Schema
	if err == nil {
		schemaDoc = schema.Document
		compiled, err = compileSchema(storeID, schemaDoc)
		if err != nil {
			ps.log.Warn("schema failed to compile, loading without it", "store", storeID, "error", err)
			schemaDoc = nil
			compiled = nil
		}
	} else if pdperr.KindOf(err) != pdperr.NotFound {
		return pdperr.RepositoryErr(err, "load schema for store %q", storeID)
	}

	statements := make(map[string]*Statement, len(policies))
	raw := make(map[string]string, len(policies))
	order := make([]string, 0, len(policies))
	for _, p := range policies {
		stmt, err := Parse(p.Statement)
		if err != nil {
			ps.log.Warn("policy failed to parse, skipping", "store", storeID, "policy", p.PolicyID, "error", err)
			continue
		}
		statements[p.PolicyID] = stmt
		raw[p.PolicyID] = p.Statement
		order = append(order, p.PolicyID)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.statements = statements
	ps.rawStatements = raw
	ps.order = order
	ps.schemaDoc = schemaDoc
	ps.schemaValid = compiled
	ps.lastModified = time.Now().UTC()
	ps.recomputeDigest()
	return nil
}

// AddPolicy parses statement and, on success, adds it under the write
// lock. Fails InvalidPolicy if the parser rejects the text or the id
// already exists.
func (ps *PolicySet) AddPolicy(policyID, statementText string) error {
	stmt, err := Parse(statementText)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.statements[policyID]; exists {
		return pdperr.InvalidPolicyf("policy id %q already present in cache", policyID)
	}
	ps.statements[policyID] = stmt
	ps.rawStatements[policyID] = statementText
	ps.order = append(ps.order, policyID)
	ps.lastModified = time.Now().UTC()
	ps.recomputeDigest()
	return nil
}

// ReplacePolicy is AddPolicy's counterpart for update: parses the new
// statement, and on success replaces the existing entry in place
// (preserving order), under a single write-lock critical section.
func (ps *PolicySet) ReplacePolicy(policyID, statementText string) error {
	stmt, err := Parse(statementText)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.statements[policyID]; !exists {
		return pdperr.NotFoundf("policy id %q not present in cache", policyID)
	}
	ps.statements[policyID] = stmt
	ps.rawStatements[policyID] = statementText
	ps.lastModified = time.Now().UTC()
	ps.recomputeDigest()
	return nil
}

// RemovePolicy removes policyID. The evaluator has no incremental
// removal primitive, so this reconstructs the order slice excluding the
// id; O(n) is acceptable per §4.2.
func (ps *PolicySet) RemovePolicy(policyID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.statements[policyID]; !ok {
		return
	}
	delete(ps.statements, policyID)
	delete(ps.rawStatements, policyID)
	next := ps.order[:0:0]
	for _, id := range ps.order {
		if id != policyID {
			next = append(next, id)
		}
	}
	ps.order = next
	ps.lastModified = time.Now().UTC()
	ps.recomputeDigest()
}

// UpdateSchema replaces the parsed schema.
func (ps *PolicySet) UpdateSchema(storeID string, document []byte) error {
	compiled, err := compileSchema(storeID, document)
	if err != nil {
		return pdperr.InvalidSchemaf("%v", err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.schemaDoc = document
	ps.schemaValid = compiled
	ps.lastModified = time.Now().UTC()
	ps.recomputeDigest()
	return nil
}

// RemoveSchema clears the parsed schema.
func (ps *PolicySet) RemoveSchema() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.schemaDoc = nil
	ps.schemaValid = nil
	ps.lastModified = time.Now().UTC()
	ps.recomputeDigest()
}

// Stats returns a snapshot of the cache's derived state.
func (ps *PolicySet) Stats() Stats {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return Stats{PolicyCount: len(ps.statements), SchemaPresent: ps.schemaDoc != nil, LastModified: ps.lastModified}
}

// digestView is the canonical, JSON-marshalable shape recomputeDigest
// fingerprints: policy text keyed by id, sorted, plus the raw schema
// document, so two PolicySets built from identical repository content
// always converge to the same digest regardless of load order.
type digestView struct {
	Policies []policyDigestEntry `json:"policies"`
	Schema   string              `json:"schema,omitempty"`
}

type policyDigestEntry struct {
	PolicyID  string `json:"policy_id"`
	Statement string `json:"statement"`
}

// recomputeDigest rebuilds ps.digest from the current rawStatements and
// schemaDoc. Callers must hold the write lock. A marshal/canonicalize
// failure (practically unreachable for this content) leaves the digest
// empty rather than panicking, so a transient failure here never takes
// the cache itself down.
func (ps *PolicySet) recomputeDigest() {
	ids := make([]string, 0, len(ps.rawStatements))
	for id := range ps.rawStatements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	view := digestView{Policies: make([]policyDigestEntry, 0, len(ids)), Schema: string(ps.schemaDoc)}
	for _, id := range ids {
		view.Policies = append(view.Policies, policyDigestEntry{PolicyID: id, Statement: ps.rawStatements[id]})
	}

	digest, err := canonicalize.Hash(view)
	if err != nil {
		ps.log.Warn("failed to compute policy set digest", "error", err)
		ps.digest = ""
		return
	}
	ps.digest = digest
}

// Digest returns the current content fingerprint, suitable for detecting
// drift between this cache and an independently loaded view of the same
// store.
func (ps *PolicySet) Digest() string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.digest
}

// Evaluate runs Request against the cached statements under the read
// lock, in insertion order.
func (ps *PolicySet) Evaluate(req *Request) Result {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	pairs := make([]IDStatement, 0, len(ps.order))
	for _, id := range ps.order {
		pairs = append(pairs, IDStatement{ID: id, Statement: ps.statements[id]})
	}
	return Evaluate(pairs, req)
}

// PolicyIDs returns a snapshot of the policy ids currently cached, in
// insertion order.
func (ps *PolicySet) PolicyIDs() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]string, len(ps.order))
	copy(out, ps.order)
	return out
}

// ValidateSchemaDocument reports whether document is well-formed JSON and
// compiles as a JSON Schema, without associating it with any store.
func ValidateSchemaDocument(document []byte) error {
	_, err := compileSchema("validate", document)
	return err
}

func compileSchema(storeID string, document []byte) (*jsonschema.Schema, error) {
	if len(document) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(document, &doc); err != nil {
		return nil, err
	}
	url := "mem://schemas/" + storeID + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(document)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
