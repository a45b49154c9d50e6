package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// dialect isolates what differs between the SQL backends. Queries are written
// with $N placeholders and rebound per backend.
type dialect struct {
	name              string
	schema            []string
	rebind            func(string) string
	isUniqueViolation func(error) bool
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	closeFn func() error
}

const (
	insertTypeQuery = `
		INSERT INTO mog_types (kind, name) VALUES ($1, $2)
		ON CONFLICT (kind, name) DO NOTHING`

	selectTypeIDQuery         = `SELECT id FROM mog_types WHERE kind = $1 AND name = $2`
	selectTypePropertiesQuery = `SELECT name, data_type FROM mog_type_properties WHERE type_id = $1`

	insertTypePropertyQuery = `
		INSERT INTO mog_type_properties (type_id, name, data_type) VALUES ($1, $2, $3)
		ON CONFLICT (type_id, name) DO NOTHING`

	insertExecutionQuery = `
		INSERT INTO mog_executions (type_id, name, state, create_time, update_time)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id`

	selectExecutionTypeQuery = `SELECT type_id FROM mog_executions WHERE id = $1`
	updateExecutionQuery     = `UPDATE mog_executions SET state = $1, update_time = $2 WHERE id = $3`
	touchExecutionQuery      = `UPDATE mog_executions SET update_time = $1 WHERE id = $2`

	upsertPropertyQuery = `
		INSERT INTO mog_execution_properties
			(execution_id, name, is_custom, data_type, int_value, double_value, string_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (execution_id, name, is_custom) DO UPDATE SET
		  data_type = excluded.data_type,
		  int_value = excluded.int_value,
		  double_value = excluded.double_value,
		  string_value = excluded.string_value`

	selectPropertiesQuery = `
		SELECT name, is_custom, data_type, int_value, double_value, string_value
		FROM mog_execution_properties
		WHERE execution_id = $1`

	insertContextQuery = `
		INSERT INTO mog_contexts (type_id, name, create_time) VALUES ($1, $2, $3)
		RETURNING id`

	contextsByExecutionQuery = `
		SELECT c.id, c.type_id, t.name, c.name, c.create_time
		FROM mog_contexts c
		JOIN mog_types t ON t.id = c.type_id
		JOIN mog_attributions a ON a.context_id = c.id
		WHERE a.execution_id = $1
		ORDER BY c.id`

	insertAttributionQuery = `
		INSERT INTO mog_attributions (context_id, execution_id) VALUES ($1, $2)
		ON CONFLICT (context_id, execution_id) DO NOTHING`

	insertArtifactQuery = `
		INSERT INTO mog_artifacts (type_id, name, uri, create_time) VALUES ($1, $2, $3, $4)
		RETURNING id`

	insertEventQuery = `
		INSERT INTO mog_events (artifact_id, execution_id, type, event_time) VALUES ($1, $2, $3, $4)
		RETURNING id`
)

func (s *sqlStore) q(query string) string {
	if s.dialect.rebind == nil {
		return query
	}
	return s.dialect.rebind(query)
}

func (s *sqlStore) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return s.db.Close()
}

func (s *sqlStore) InitSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) PutExecutionType(ctx context.Context, name string, props PropertyTypes) (int64, error) {
	return s.putType(ctx, KindExecution, name, props)
}

func (s *sqlStore) PutContextType(ctx context.Context, name string) (int64, error) {
	return s.putType(ctx, KindContext, name, nil)
}

func (s *sqlStore) PutArtifactType(ctx context.Context, name string) (int64, error) {
	return s.putType(ctx, KindArtifact, name, nil)
}

func (s *sqlStore) putType(ctx context.Context, kind Kind, name string, props PropertyTypes) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("type name is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(insertTypeQuery), string(kind), name); err != nil {
		return 0, fmt.Errorf("insert type %s: %w", name, err)
	}
	var typeID int64
	if err := tx.QueryRowContext(ctx, s.q(selectTypeIDQuery), string(kind), name).Scan(&typeID); err != nil {
		return 0, fmt.Errorf("select type %s: %w", name, err)
	}

	declared, err := s.typeProperties(ctx, tx, typeID)
	if err != nil {
		return 0, err
	}
	for _, key := range sortedKeys(props) {
		want := props[key]
		if have, ok := declared[key]; ok {
			if have != want {
				return 0, fmt.Errorf("%w: %s.%s declared %s, got %s", ErrTypeConflict, name, key, have, want)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, s.q(insertTypePropertyQuery), typeID, key, string(want)); err != nil {
			return 0, fmt.Errorf("insert type property %s.%s: %w", name, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return typeID, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqlStore) typeProperties(ctx context.Context, db queryer, typeID int64) (PropertyTypes, error) {
	rows, err := db.QueryContext(ctx, s.q(selectTypePropertiesQuery), typeID)
	if err != nil {
		return nil, fmt.Errorf("select type properties: %w", err)
	}
	defer rows.Close()
	out := PropertyTypes{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, fmt.Errorf("scan type property: %w", err)
		}
		out[name] = PropertyType(dataType)
	}
	return out, rows.Err()
}

func (s *sqlStore) PostExecution(ctx context.Context, e Execution) (int64, error) {
	state := e.State
	if state == "" {
		state = StateNew
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	declared, err := s.typeProperties(ctx, tx, e.TypeID)
	if err != nil {
		return 0, err
	}
	if err := checkProperties(declared, e.Properties); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRowContext(ctx, s.q(insertExecutionQuery),
		e.TypeID, nullIfEmpty(e.Name), string(state), nowMillis(),
	).Scan(&id)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return 0, fmt.Errorf("execution %q: %w", e.Name, ErrNameCollision)
		}
		return 0, fmt.Errorf("insert execution: %w", err)
	}
	if err := s.upsertProperties(ctx, tx, id, e.Properties, false); err != nil {
		return 0, err
	}
	if err := s.upsertProperties(ctx, tx, id, e.CustomProperties, true); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *sqlStore) PutExecution(ctx context.Context, id int64, state ExecutionState, props Properties) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var typeID int64
	if err := tx.QueryRowContext(ctx, s.q(selectExecutionTypeQuery), id).Scan(&typeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("select execution %d: %w", id, err)
	}
	declared, err := s.typeProperties(ctx, tx, typeID)
	if err != nil {
		return err
	}
	if err := checkProperties(declared, props); err != nil {
		return err
	}

	if state != "" {
		_, err = tx.ExecContext(ctx, s.q(updateExecutionQuery), string(state), nowMillis(), id)
	} else {
		_, err = tx.ExecContext(ctx, s.q(touchExecutionQuery), nowMillis(), id)
	}
	if err != nil {
		return fmt.Errorf("update execution %d: %w", id, err)
	}
	if err := s.upsertProperties(ctx, tx, id, props, false); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) upsertProperties(ctx context.Context, tx *sql.Tx, executionID int64, props Properties, custom bool) error {
	for _, name := range sortedKeys(props) {
		v := props[name]
		var (
			i sql.NullInt64
			d sql.NullFloat64
			t sql.NullString
		)
		switch v.Type {
		case PropertyInt:
			i = sql.NullInt64{Int64: v.Int, Valid: true}
		case PropertyDouble:
			d = sql.NullFloat64{Float64: v.Double, Valid: true}
		default:
			t = sql.NullString{String: v.String, Valid: true}
		}
		typ := v.Type
		if typ == "" {
			typ = PropertyString
		}
		if _, err := tx.ExecContext(ctx, s.q(upsertPropertyQuery), executionID, name, custom, string(typ), i, d, t); err != nil {
			return fmt.Errorf("upsert property %s: %w", name, err)
		}
	}
	return nil
}

func (s *sqlStore) GetExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if len(filter.IDs) > 0 {
		ph := make([]string, 0, len(filter.IDs))
		for _, id := range filter.IDs {
			args = append(args, id)
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "e.id IN ("+strings.Join(ph, ", ")+")")
	}
	if strings.TrimSpace(filter.TypeName) != "" {
		args = append(args, strings.TrimSpace(filter.TypeName))
		clauses = append(clauses, fmt.Sprintf("t.name = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("e.name = $%d", len(args)))
	}

	query := `SELECT e.id, e.type_id, t.name, COALESCE(e.name, ''), e.state, e.create_time, e.update_time
		FROM mog_executions e
		JOIN mog_types t ON t.id = e.type_id`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY e.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	var out []Execution
	for rows.Next() {
		var (
			e                Execution
			state            string
			created, updated int64
		)
		if err := rows.Scan(&e.ID, &e.TypeID, &e.TypeName, &e.Name, &state, &created, &updated); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.State = ExecutionState(state)
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list executions: %w", err)
	}
	rows.Close()

	// Properties are loaded after the listing is closed: the sqlite backend
	// runs on a single connection.
	for i := range out {
		props, custom, err := s.executionProperties(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Properties = props
		out[i].CustomProperties = custom
	}
	return out, nil
}

func (s *sqlStore) executionProperties(ctx context.Context, id int64) (Properties, Properties, error) {
	rows, err := s.db.QueryContext(ctx, s.q(selectPropertiesQuery), id)
	if err != nil {
		return nil, nil, fmt.Errorf("select properties: %w", err)
	}
	defer rows.Close()
	props, custom := Properties{}, Properties{}
	for rows.Next() {
		var (
			name, dataType string
			isCustom       bool
			i              sql.NullInt64
			d              sql.NullFloat64
			t              sql.NullString
		)
		if err := rows.Scan(&name, &isCustom, &dataType, &i, &d, &t); err != nil {
			return nil, nil, fmt.Errorf("scan property: %w", err)
		}
		v := Value{Type: PropertyType(dataType), Int: i.Int64, Double: d.Float64, String: t.String}
		if isCustom {
			custom[name] = v
		} else {
			props[name] = v
		}
	}
	return props, custom, rows.Err()
}

func (s *sqlStore) PostContext(ctx context.Context, typeID int64, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("context name is required")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(insertContextQuery), typeID, name, nowMillis()).Scan(&id)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return 0, fmt.Errorf("context %q: %w", name, ErrNameCollision)
		}
		return 0, fmt.Errorf("insert context: %w", err)
	}
	return id, nil
}

func (s *sqlStore) GetContexts(ctx context.Context, filter ContextFilter) ([]Context, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.TypeName) != "" {
		args = append(args, strings.TrimSpace(filter.TypeName))
		clauses = append(clauses, fmt.Sprintf("t.name = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("c.name = $%d", len(args)))
	}
	query := `SELECT c.id, c.type_id, t.name, c.name, c.create_time
		FROM mog_contexts c
		JOIN mog_types t ON t.id = c.type_id`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY c.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryContexts(ctx, query, args...)
}

func (s *sqlStore) GetContextsByExecution(ctx context.Context, executionID int64) ([]Context, error) {
	return s.queryContexts(ctx, contextsByExecutionQuery, executionID)
}

func (s *sqlStore) queryContexts(ctx context.Context, query string, args ...any) ([]Context, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()
	var out []Context
	for rows.Next() {
		var c Context
		var created int64
		if err := rows.Scan(&c.ID, &c.TypeID, &c.TypeName, &c.Name, &created); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		c.CreatedAt = fromMillis(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutAttribution(ctx context.Context, contextID, executionID int64) error {
	if _, err := s.db.ExecContext(ctx, s.q(insertAttributionQuery), contextID, executionID); err != nil {
		return fmt.Errorf("insert attribution: %w", err)
	}
	return nil
}

func (s *sqlStore) PostArtifact(ctx context.Context, a Artifact) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(insertArtifactQuery), a.TypeID, nullIfEmpty(a.Name), a.URI, nowMillis()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	return id, nil
}

func (s *sqlStore) GetArtifacts(ctx context.Context, filter ArtifactFilter) ([]Artifact, error) {
	args := make([]any, 0, 2)
	query := `SELECT a.id, a.type_id, t.name, COALESCE(a.name, ''), a.uri, a.create_time
		FROM mog_artifacts a
		JOIN mog_types t ON t.id = a.type_id`
	if strings.TrimSpace(filter.TypeName) != "" {
		args = append(args, strings.TrimSpace(filter.TypeName))
		query += fmt.Sprintf(" WHERE t.name = $%d", len(args))
	}
	query += " ORDER BY a.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		var created int64
		if err := rows.Scan(&a.ID, &a.TypeID, &a.TypeName, &a.Name, &a.URI, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) PostEvent(ctx context.Context, e Event) (int64, error) {
	typ := e.Type
	if typ == "" {
		typ = EventOutput
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(insertEventQuery), e.ArtifactID, e.ExecutionID, string(typ), nowMillis()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

func (s *sqlStore) GetEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	args := make([]any, 0, 2)
	query := `SELECT id, artifact_id, execution_id, type, event_time FROM mog_events`
	if filter.ExecutionID > 0 {
		args = append(args, filter.ExecutionID)
		query += fmt.Sprintf(" WHERE execution_id = $%d", len(args))
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		var at int64
		if err := rows.Scan(&e.ID, &e.ArtifactID, &e.ExecutionID, &typ, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = EventType(typ)
		e.Time = fromMillis(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// checkProperties rejects properties missing from the manifest or declared
// with another type. Custom properties are not checked.
func checkProperties(declared PropertyTypes, props Properties) error {
	for _, name := range sortedKeys(props) {
		want, ok := declared[name]
		if !ok {
			return fmt.Errorf("%w: undeclared property %q", ErrTypeConflict, name)
		}
		got := props[name].Type
		if got == "" {
			got = PropertyString
		}
		if got != want {
			return fmt.Errorf("%w: property %q declared %s, got %s", ErrTypeConflict, name, want, got)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
