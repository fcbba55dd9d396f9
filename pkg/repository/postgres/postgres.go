// Package postgres is the production repository backend, backed by
// database/sql and the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/repository"
)

// Repository implements repository.Repository against a Postgres database.
type Repository struct {
	db *sql.DB
}

// Open connects to dataSourceName and pings it; it neither checks for nor
// creates the tables (callers run migrations separately; this adapter does
// not create tables implicitly, unlike the embeddable sqlite
// adapter, since Postgres deployments typically own their own migration
// tooling).
func Open(dataSourceName string) (*Repository, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, pdperr.RepositoryErr(err, "open postgres connection")
	}
	if err := db.Ping(); err != nil {
		return nil, pdperr.RepositoryErr(err, "ping postgres")
	}
	return New(db), nil
}

// New wraps an already-open *sql.DB, primarily for tests with sqlmock.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Close() error { return r.db.Close() }

func isUniqueViolation(err error) bool {
	// lib/pq reports unique_violation as SQLSTATE 23505; avoid importing
	// pq.Error directly in the hot path by matching on its Error() string,
	// which sqlmock-driven tests and a real *pq.Error both satisfy.
	return err != nil && strings.Contains(err.Error(), "23505")
}

func (r *Repository) CreateStore(ctx context.Context, description string) (domain.PolicyStore, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO policy_stores (id, description, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		id, description, now, now)
	if err != nil {
		return domain.PolicyStore{}, pdperr.RepositoryErr(err, "create policy store")
	}
	return domain.PolicyStore{ID: id, Description: description, CreatedAt: now, UpdatedAt: now}, nil
}

func (r *Repository) GetStore(ctx context.Context, id string) (domain.PolicyStore, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, description, created_at, updated_at FROM policy_stores WHERE id = $1`, id)
	var s domain.PolicyStore
	if err := row.Scan(&s.ID, &s.Description, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PolicyStore{}, pdperr.NotFoundf("policy store %q not found", id)
		}
		return domain.PolicyStore{}, pdperr.RepositoryErr(err, "get policy store")
	}
	return s, nil
}

func (r *Repository) ListStores(ctx context.Context, page repository.Page) (repository.PageResult[domain.PolicyStore], error) {
	query := `SELECT id, description, created_at, updated_at FROM policy_stores WHERE id > $1 ORDER BY id LIMIT $2`
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, query, page.After, limit)
	if err != nil {
		return repository.PageResult[domain.PolicyStore]{}, pdperr.RepositoryErr(err, "list policy stores")
	}
	defer rows.Close()
	var items []domain.PolicyStore
	for rows.Next() {
		var s domain.PolicyStore
		if err := rows.Scan(&s.ID, &s.Description, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return repository.PageResult[domain.PolicyStore]{}, pdperr.RepositoryErr(err, "scan policy store")
		}
		items = append(items, s)
	}
	next := ""
	if len(items) == limit {
		next = items[len(items)-1].ID
	}
	return repository.PageResult[domain.PolicyStore]{Items: items, NextToken: next}, nil
}

func (r *Repository) DeleteStore(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policy_stores WHERE id = $1`, id)
	if err != nil {
		return pdperr.RepositoryErr(err, "delete policy store")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pdperr.NotFoundf("policy store %q not found", id)
	}
	return nil
}

func (r *Repository) PutSchema(ctx context.Context, storeID string, document []byte) (domain.Schema, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schemas (policy_store_id, schema_json, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (policy_store_id) DO UPDATE SET schema_json = EXCLUDED.schema_json, updated_at = EXCLUDED.updated_at
	`, storeID, document, now)
	if err != nil {
		return domain.Schema{}, pdperr.RepositoryErr(err, "put schema")
	}
	return domain.Schema{StoreID: storeID, Document: document, UpdatedAt: now}, nil
}

func (r *Repository) GetSchema(ctx context.Context, storeID string) (domain.Schema, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT policy_store_id, schema_json, created_at, updated_at FROM schemas WHERE policy_store_id = $1`, storeID)
	var s domain.Schema
	if err := row.Scan(&s.StoreID, &s.Document, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Schema{}, pdperr.NotFoundf("schema not set for store %q", storeID)
		}
		return domain.Schema{}, pdperr.RepositoryErr(err, "get schema")
	}
	return s, nil
}

func (r *Repository) DeleteSchema(ctx context.Context, storeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM schemas WHERE policy_store_id = $1`, storeID)
	if err != nil {
		return pdperr.RepositoryErr(err, "delete schema")
	}
	return nil
}

func (r *Repository) CreatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	now := time.Now().UTC()
	var linkJSON []byte
	if p.Link != nil {
		var err error
		linkJSON, err = json.Marshal(p.Link)
		if err != nil {
			return domain.Policy{}, pdperr.Internalf("marshal template link: %v", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policies (policy_store_id, policy_id, type, statement, description, link_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, p.StoreID, p.PolicyID, string(p.Type), p.Statement, p.Description, linkJSON, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Policy{}, pdperr.AlreadyExistsf("policy %q already exists in store %q", p.PolicyID, p.StoreID)
		}
		return domain.Policy{}, pdperr.RepositoryErr(err, "create policy")
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return p, nil
}

func scanPolicy(scan func(dest ...any) error) (domain.Policy, error) {
	var p domain.Policy
	var typ string
	var linkJSON []byte
	if err := scan(&p.StoreID, &p.PolicyID, &typ, &p.Statement, &p.Description, &linkJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Policy{}, err
	}
	p.Type = domain.PolicyType(typ)
	if len(linkJSON) > 0 {
		var link domain.TemplateLink
		if err := json.Unmarshal(linkJSON, &link); err == nil {
			p.Link = &link
		}
	}
	return p, nil
}

func (r *Repository) GetPolicy(ctx context.Context, storeID, policyID string) (domain.Policy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT policy_store_id, policy_id, type, statement, description, link_json, created_at, updated_at
		FROM policies WHERE policy_store_id = $1 AND policy_id = $2
	`, storeID, policyID)
	p, err := scanPolicy(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Policy{}, pdperr.NotFoundf("policy %q not found in store %q", policyID, storeID)
		}
		return domain.Policy{}, pdperr.RepositoryErr(err, "get policy")
	}
	return p, nil
}

func (r *Repository) ListPolicies(ctx context.Context, storeID string, page repository.Page) (repository.PageResult[domain.Policy], error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT policy_store_id, policy_id, type, statement, description, link_json, created_at, updated_at
		FROM policies WHERE policy_store_id = $1 AND policy_id > $2 ORDER BY policy_id LIMIT $3
	`, storeID, page.After, limit)
	if err != nil {
		return repository.PageResult[domain.Policy]{}, pdperr.RepositoryErr(err, "list policies")
	}
	defer rows.Close()
	var items []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return repository.PageResult[domain.Policy]{}, pdperr.RepositoryErr(err, "scan policy")
		}
		items = append(items, p)
	}
	next := ""
	if len(items) == limit {
		next = items[len(items)-1].PolicyID
	}
	return repository.PageResult[domain.Policy]{Items: items, NextToken: next}, nil
}

func (r *Repository) UpdatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE policies SET statement = $3, description = $4, updated_at = $5
		WHERE policy_store_id = $1 AND policy_id = $2
	`, p.StoreID, p.PolicyID, p.Statement, p.Description, now)
	if err != nil {
		return domain.Policy{}, pdperr.RepositoryErr(err, "update policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Policy{}, pdperr.NotFoundf("policy %q not found in store %q", p.PolicyID, p.StoreID)
	}
	p.UpdatedAt = now
	return p, nil
}

func (r *Repository) DeletePolicy(ctx context.Context, storeID, policyID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE policy_store_id = $1 AND policy_id = $2`, storeID, policyID)
	if err != nil {
		return pdperr.RepositoryErr(err, "delete policy")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pdperr.NotFoundf("policy %q not found in store %q", policyID, storeID)
	}
	return nil
}

func (r *Repository) CreateTemplate(ctx context.Context, t domain.PolicyTemplate) (domain.PolicyTemplate, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policy_templates (policy_store_id, template_id, statement, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, t.StoreID, t.TemplateID, t.Statement, t.Description, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.PolicyTemplate{}, pdperr.AlreadyExistsf("template %q already exists in store %q", t.TemplateID, t.StoreID)
		}
		return domain.PolicyTemplate{}, pdperr.RepositoryErr(err, "create template")
	}
	t.CreatedAt, t.UpdatedAt = now, now
	return t, nil
}

func (r *Repository) GetTemplate(ctx context.Context, storeID, templateID string) (domain.PolicyTemplate, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT policy_store_id, template_id, statement, description, created_at, updated_at
		FROM policy_templates WHERE policy_store_id = $1 AND template_id = $2
	`, storeID, templateID)
	var t domain.PolicyTemplate
	if err := row.Scan(&t.StoreID, &t.TemplateID, &t.Statement, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PolicyTemplate{}, pdperr.NotFoundf("template %q not found in store %q", templateID, storeID)
		}
		return domain.PolicyTemplate{}, pdperr.RepositoryErr(err, "get template")
	}
	return t, nil
}

func (r *Repository) ListTemplates(ctx context.Context, storeID string, page repository.Page) (repository.PageResult[domain.PolicyTemplate], error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT policy_store_id, template_id, statement, description, created_at, updated_at
		FROM policy_templates WHERE policy_store_id = $1 AND template_id > $2 ORDER BY template_id LIMIT $3
	`, storeID, page.After, limit)
	if err != nil {
		return repository.PageResult[domain.PolicyTemplate]{}, pdperr.RepositoryErr(err, "list templates")
	}
	defer rows.Close()
	var items []domain.PolicyTemplate
	for rows.Next() {
		var t domain.PolicyTemplate
		if err := rows.Scan(&t.StoreID, &t.TemplateID, &t.Statement, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return repository.PageResult[domain.PolicyTemplate]{}, pdperr.RepositoryErr(err, "scan template")
		}
		items = append(items, t)
	}
	next := ""
	if len(items) == limit {
		next = items[len(items)-1].TemplateID
	}
	return repository.PageResult[domain.PolicyTemplate]{Items: items, NextToken: next}, nil
}

func (r *Repository) DeleteTemplate(ctx context.Context, storeID, templateID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policy_templates WHERE policy_store_id = $1 AND template_id = $2`, storeID, templateID)
	if err != nil {
		return pdperr.RepositoryErr(err, "delete template")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pdperr.NotFoundf("template %q not found in store %q", templateID, storeID)
	}
	return nil
}

func (r *Repository) CreateIdentitySource(ctx context.Context, s domain.IdentitySource) (domain.IdentitySource, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	configJSON, err := json.Marshal(s)
	if err != nil {
		return domain.IdentitySource{}, pdperr.Internalf("marshal identity source: %v", err)
	}
	var mappingJSON []byte
	if s.ClaimsMapping != nil {
		mappingJSON, err = json.Marshal(s.ClaimsMapping)
		if err != nil {
			return domain.IdentitySource{}, pdperr.Internalf("marshal claims mapping: %v", err)
		}
	}
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO identity_sources (id, policy_store_id, configuration_type, configuration_json, claims_mapping_json, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.StoreID, string(s.Kind), configJSON, mappingJSON, s.Description, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.IdentitySource{}, pdperr.AlreadyExistsf("identity source %q already exists", s.ID)
		}
		return domain.IdentitySource{}, pdperr.RepositoryErr(err, "create identity source")
	}
	s.CreatedAt = now
	return s, nil
}

func (r *Repository) GetIdentitySource(ctx context.Context, storeID, id string) (domain.IdentitySource, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT configuration_json FROM identity_sources WHERE policy_store_id = $1 AND id = $2
	`, storeID, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdentitySource{}, pdperr.NotFoundf("identity source %q not found", id)
		}
		return domain.IdentitySource{}, pdperr.RepositoryErr(err, "get identity source")
	}
	var s domain.IdentitySource
	if err := json.Unmarshal(raw, &s); err != nil {
		return domain.IdentitySource{}, pdperr.Internalf("unmarshal identity source: %v", err)
	}
	return s, nil
}

func (r *Repository) ListIdentitySources(ctx context.Context, storeID string, page repository.Page) (repository.PageResult[domain.IdentitySource], error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT configuration_json FROM identity_sources WHERE policy_store_id = $1 AND id > $2 ORDER BY id LIMIT $3
	`, storeID, page.After, limit)
	if err != nil {
		return repository.PageResult[domain.IdentitySource]{}, pdperr.RepositoryErr(err, "list identity sources")
	}
	defer rows.Close()
	var items []domain.IdentitySource
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return repository.PageResult[domain.IdentitySource]{}, pdperr.RepositoryErr(err, "scan identity source")
		}
		var s domain.IdentitySource
		if err := json.Unmarshal(raw, &s); err != nil {
			return repository.PageResult[domain.IdentitySource]{}, pdperr.Internalf("unmarshal identity source: %v", err)
		}
		items = append(items, s)
	}
	next := ""
	if len(items) == limit {
		next = items[len(items)-1].ID
	}
	return repository.PageResult[domain.IdentitySource]{Items: items, NextToken: next}, nil
}

func (r *Repository) DeleteIdentitySource(ctx context.Context, storeID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM identity_sources WHERE policy_store_id = $1 AND id = $2`, storeID, id)
	if err != nil {
		return pdperr.RepositoryErr(err, "delete identity source")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pdperr.NotFoundf("identity source %q not found", id)
	}
	return nil
}

func (r *Repository) AppendAudit(ctx context.Context, record domain.AuditRecord) error {
	if record.EventID == "" {
		record.EventID = uuid.NewString()
	}
	determining, _ := json.Marshal(record.DeterminingPolicies)
	evalErrors, _ := json.Marshal(record.EvaluationErrors)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO authorization_logs (event_id, policy_store_id, principal_id, action_id, resource_id, decision, determining_policies_json, evaluation_errors_json, request_kind, identity_source_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, record.EventID, record.StoreID, record.PrincipalID, record.ActionID, record.ResourceID, record.Decision, determining, evalErrors, string(record.RequestKind), record.IdentitySourceID, record.Timestamp)
	if err != nil {
		return pdperr.RepositoryErr(err, "append audit")
	}
	return nil
}
