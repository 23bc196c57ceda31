package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mesh-intelligence/entitycache/pkg/types"
)

// generatedKeyField receives a generated key when an entity is added
// without one.
const generatedKeyField = "id"

// queryField restricts query parameter names to plain JSON field names.
var queryField = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// service is the DataService for one entity type.
type service struct {
	backend *Backend
	name    string
	keyFn   types.KeyFunc
}

func status(code int, err error) error {
	return &types.TransportError{Status: code, Err: err}
}

func notFound(name string, key types.Key) error {
	return status(http.StatusNotFound, fmt.Errorf("%w: %s %s", types.ErrNotFound, name, key))
}

// timestampLayout is fixed-width so timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func now() string {
	return time.Now().UTC().Format(timestampLayout)
}

// Add stores a new entity. An entity without a key gets a UUID v7 in its
// "id" field. Returns a 409 TransportError if the key is taken.
func (s *service) Add(ctx context.Context, entity types.Entity) (types.Entity, error) {
	if entity == nil {
		return nil, status(http.StatusBadRequest, types.ErrInvalidData)
	}
	entity = entity.Clone()
	key, ok := s.keyFn(entity)
	if !ok {
		entity[generatedKeyField] = string(newKey())
		if key, ok = s.keyFn(entity); !ok {
			return nil, status(http.StatusBadRequest, types.ErrMissingKey)
		}
	}
	body, err := json.Marshal(entity)
	if err != nil {
		return nil, status(http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrInvalidData, err))
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return nil, types.ErrDetached
	}

	ts := now()
	_, err = b.db.ExecContext(ctx, `INSERT INTO entities
        (entity_name, entity_key, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		s.name, string(key), string(body), ts, ts)
	if err != nil {
		if exists, _ := s.existsLocked(ctx, key); exists {
			return nil, status(http.StatusConflict, fmt.Errorf("%w: %s %s", types.ErrConflict, s.name, key))
		}
		return nil, fmt.Errorf("inserting %s %s: %w", s.name, key, err)
	}
	if err := b.persist(s.name, "add"); err != nil {
		return nil, err
	}
	return decode(body)
}

// Delete removes the entity with key. Returns a 404 TransportError if absent.
func (s *service) Delete(ctx context.Context, key types.Key) (types.Key, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return "", types.ErrDetached
	}

	res, err := b.db.ExecContext(ctx, `DELETE FROM entities WHERE entity_name = ? AND entity_key = ?`,
		s.name, string(key))
	if err != nil {
		return "", fmt.Errorf("deleting %s %s: %w", s.name, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", notFound(s.name, key)
	}
	if err := b.persist(s.name, "delete"); err != nil {
		return "", err
	}
	return key, nil
}

// GetAll returns every entity in creation order.
func (s *service) GetAll(ctx context.Context) ([]types.Entity, error) {
	return s.query(ctx, "", nil)
}

// GetByID returns the entity with key. Returns a 404 TransportError if absent.
func (s *service) GetByID(ctx context.Context, key types.Key) (types.Entity, error) {
	b := s.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrDetached
	}
	e, err := s.getLocked(ctx, key)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetWithQuery returns the entities whose top-level fields equal every
// param, compared as text.
func (s *service) GetWithQuery(ctx context.Context, params types.QueryParams) ([]types.Entity, error) {
	fields := make([]string, 0, len(params))
	for f := range params {
		if !queryField.MatchString(f) {
			return nil, status(http.StatusBadRequest, fmt.Errorf("%w: query field %q", types.ErrInvalidData, f))
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var where strings.Builder
	args := make([]any, 0, 2*len(fields))
	for _, f := range fields {
		where.WriteString(" AND CAST(json_extract(body, ?) AS TEXT) = ?")
		args = append(args, "$."+f, params[f])
	}
	return s.query(ctx, where.String(), args)
}

// Update merges the changes into the stored entity and returns the result.
// The key cannot be changed. Returns a 404 TransportError if absent.
func (s *service) Update(ctx context.Context, update types.Update) (types.Entity, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return nil, types.ErrDetached
	}

	cur, err := s.getLocked(ctx, update.ID)
	if err != nil {
		return nil, err
	}
	merged := cur.Merge(update.Changes)
	if key, ok := s.keyFn(merged); !ok || key != update.ID {
		return nil, status(http.StatusBadRequest, fmt.Errorf("%w: key of %s %s cannot change", types.ErrInvalidData, s.name, update.ID))
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, status(http.StatusBadRequest, fmt.Errorf("%w: %v", types.ErrInvalidData, err))
	}

	_, err = b.db.ExecContext(ctx, `UPDATE entities SET body = ?, updated_at = ?
        WHERE entity_name = ? AND entity_key = ?`, string(body), now(), s.name, string(update.ID))
	if err != nil {
		return nil, fmt.Errorf("updating %s %s: %w", s.name, update.ID, err)
	}
	if err := b.persist(s.name, "update"); err != nil {
		return nil, err
	}
	return decode(body)
}

func (s *service) query(ctx context.Context, where string, args []any) ([]types.Entity, error) {
	b := s.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrDetached
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT body FROM entities WHERE entity_name = ?`+where+` ORDER BY created_at, entity_key`,
		append([]any{s.name}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.name, err)
	}
	defer rows.Close()

	out := []types.Entity{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.name, err)
		}
		e, err := decode([]byte(body))
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *service) getLocked(ctx context.Context, key types.Key) (types.Entity, error) {
	var body string
	err := s.backend.db.QueryRowContext(ctx,
		`SELECT body FROM entities WHERE entity_name = ? AND entity_key = ?`, s.name, string(key)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(s.name, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", s.name, key, err)
	}
	return decode([]byte(body))
}

func (s *service) existsLocked(ctx context.Context, key types.Key) (bool, error) {
	var n int
	err := s.backend.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE entity_name = ? AND entity_key = ?`, s.name, string(key)).Scan(&n)
	return n > 0, err
}

func decode(body []byte) (types.Entity, error) {
	var e types.Entity
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidData, err)
	}
	return e, nil
}
