// Package sqlite is an embeddable repository backend, intended for the
// local-agent mode and single-binary deployments where a standalone
// Postgres instance is unavailable.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/hodei/verified-permissions/pkg/domain"
	"github.com/hodei/verified-permissions/pkg/pdperr"
	"github.com/hodei/verified-permissions/pkg/repository"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS policy_stores (
	id TEXT PRIMARY KEY,
	description TEXT,
	created_at TIMESTAMP,
	updated_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS schemas (
	policy_store_id TEXT PRIMARY KEY,
	schema_json BLOB,
	created_at TIMESTAMP,
	updated_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS policies (
	policy_store_id TEXT,
	policy_id TEXT,
	type TEXT,
	statement TEXT,
	description TEXT,
	link_json BLOB,
	created_at TIMESTAMP,
	updated_at TIMESTAMP,
	PRIMARY KEY (policy_store_id, policy_id)
);
CREATE TABLE IF NOT EXISTS policy_templates (
	policy_store_id TEXT,
	template_id TEXT,
	statement TEXT,
	description TEXT,
	created_at TIMESTAMP,
	updated_at TIMESTAMP,
	PRIMARY KEY (policy_store_id, template_id)
);
CREATE TABLE IF NOT EXISTS identity_sources (
	id TEXT PRIMARY KEY,
	policy_store_id TEXT,
	configuration_json BLOB,
	created_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS authorization_logs (
	event_id TEXT PRIMARY KEY,
	policy_store_id TEXT,
	record_json BLOB,
	timestamp TIMESTAMP
);
`

// Repository implements repository.Repository against an embedded SQLite
// database, migrating the schema on open.
type Repository struct {
	db *sql.DB
}

// Open opens (and, if necessary, creates) the SQLite database at path and
// applies the schema.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pdperr.RepositoryErr(err, "open sqlite database")
	}
	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate() error {
	if _, err := r.db.Exec(schemaDDL); err != nil {
		return pdperr.RepositoryErr(err, "migrate sqlite schema")
	}
	return nil
}

func (r *Repository) Close() error { return r.db.Close() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *Repository) CreateStore(ctx context.Context, description string) (domain.PolicyStore, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `INSERT INTO policy_stores (id, description, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, description, now, now)
	if err != nil {
		return domain.PolicyStore{}, pdperr.RepositoryErr(err, "create policy store")
	}
	return domain.PolicyStore{ID: id, Description: description, CreatedAt: now, UpdatedAt: now}, nil
}

func (r *Repository) GetStore(ctx context.Context, id string) (domain.PolicyStore, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, description, created_at, updated_at FROM policy_stores WHERE id = ?`, id)
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
	limit := page.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, description, created_at, updated_at FROM policy_stores WHERE id > ? ORDER BY id LIMIT ?`, page.After, limit)
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
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return pdperr.RepositoryErr(err, "begin delete store transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM policy_stores WHERE id = ?`, id)
	if err != nil {
		return pdperr.RepositoryErr(err, "delete policy store")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pdperr.NotFoundf("policy store %q not found", id)
	}
	for _, stmt := range []string{
		`DELETE FROM schemas WHERE policy_store_id = ?`,
		`DELETE FROM policies WHERE policy_store_id = ?`,
		`DELETE FROM policy_templates WHERE policy_store_id = ?`,
		`DELETE FROM identity_sources WHERE policy_store_id = ?`,
		`DELETE FROM authorization_logs WHERE policy_store_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return pdperr.RepositoryErr(err, "cascade delete")
		}
	}
	if err := tx.Commit(); err != nil {
		return pdperr.RepositoryErr(err, "commit delete store transaction")
	}
	return nil
}

func (r *Repository) PutSchema(ctx context.Context, storeID string, document []byte) (domain.Schema, error) {
	now := time.Now().UTC()
	existing, err := r.GetSchema(ctx, storeID)
	createdAt := now
	if err == nil {
		createdAt = existing.CreatedAt
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schemas (policy_store_id, schema_json, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(policy_store_id) DO UPDATE SET schema_json = excluded.schema_json, updated_at = excluded.updated_at
	`, storeID, document, createdAt, now)
	if err != nil {
		return domain.Schema{}, pdperr.RepositoryErr(err, "put schema")
	}
	return domain.Schema{StoreID: storeID, Document: document, CreatedAt: createdAt, UpdatedAt: now}, nil
}

func (r *Repository) GetSchema(ctx context.Context, storeID string) (domain.Schema, error) {
	row := r.db.QueryRowContext(ctx, `SELECT policy_store_id, schema_json, created_at, updated_at FROM schemas WHERE policy_store_id = ?`, storeID)
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
	_, err := r.db.ExecContext(ctx, `DELETE FROM schemas WHERE policy_store_id = ?`, storeID)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.StoreID, p.PolicyID, string(p.Type), p.Statement, p.Description, linkJSON, now, now)
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
		FROM policies WHERE policy_store_id = ? AND policy_id = ?
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
		FROM policies WHERE policy_store_id = ? AND policy_id > ? ORDER BY policy_id LIMIT ?
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
	res, err := r.db.ExecContext(ctx, `UPDATE policies SET statement = ?, description = ?, updated_at = ? WHERE policy_store_id = ? AND policy_id = ?`,
		p.Statement, p.Description, now, p.StoreID, p.PolicyID)
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
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE policy_store_id = ? AND policy_id = ?`, storeID, policyID)
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
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.StoreID, t.TemplateID, t.Statement, t.Description, now, now)
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
		FROM policy_templates WHERE policy_store_id = ? AND template_id = ?
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
		FROM policy_templates WHERE policy_store_id = ? AND template_id > ? ORDER BY template_id LIMIT ?
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
	res, err := r.db.ExecContext(ctx, `DELETE FROM policy_templates WHERE policy_store_id = ? AND template_id = ?`, storeID, templateID)
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
	now := time.Now().UTC()
	s.CreatedAt = now
	raw, err := json.Marshal(s)
	if err != nil {
		return domain.IdentitySource{}, pdperr.Internalf("marshal identity source: %v", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO identity_sources (id, policy_store_id, configuration_json, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.StoreID, raw, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.IdentitySource{}, pdperr.AlreadyExistsf("identity source %q already exists", s.ID)
		}
		return domain.IdentitySource{}, pdperr.RepositoryErr(err, "create identity source")
	}
	return s, nil
}

func (r *Repository) GetIdentitySource(ctx context.Context, storeID, id string) (domain.IdentitySource, error) {
	row := r.db.QueryRowContext(ctx, `SELECT configuration_json FROM identity_sources WHERE policy_store_id = ? AND id = ?`, storeID, id)
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
	rows, err := r.db.QueryContext(ctx, `SELECT configuration_json FROM identity_sources WHERE policy_store_id = ? AND id > ? ORDER BY id LIMIT ?`, storeID, page.After, limit)
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
	res, err := r.db.ExecContext(ctx, `DELETE FROM identity_sources WHERE policy_store_id = ? AND id = ?`, storeID, id)
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
	raw, err := json.Marshal(record)
	if err != nil {
		return pdperr.Internalf("marshal audit record: %v", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO authorization_logs (event_id, policy_store_id, record_json, timestamp) VALUES (?, ?, ?, ?)`,
		record.EventID, record.StoreID, raw, record.Timestamp)
	if err != nil {
		return pdperr.RepositoryErr(err, "append audit")
	}
	return nil
}
