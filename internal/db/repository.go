package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/cartsync/internal/errors"
	"github.com/kimhsiao/cartsync/internal/models"
	"github.com/kimhsiao/cartsync/internal/store"
)

// Repository is the SQLite implementation of store.Store. Lists, items and
// change records are stored one row each, so writes touch only the entities
// they change.
type Repository struct {
	db *DB

	// Prepared statements are cached per query and bound to each transaction.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a Repository over an already migrated database.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// OpenStore opens the database in dataDir, applies migrations and returns the store.
func OpenStore(dataDir string) (*Repository, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, apperrors.Storage("failed to open store", err)
	}

	migrator := NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, apperrors.Storage("failed to initialize migrator", err)
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, apperrors.Storage("failed to apply migrations", err)
	}

	repo := NewRepository(database)
	if err := repo.warmStatements(context.Background()); err != nil {
		repo.Close()
		return nil, apperrors.Storage("failed to prepare statements", err)
	}
	return repo, nil
}

// prepareStmt gets or creates a prepared statement from cache.
// It needs a free connection, so it must not be called while a transaction is open.
func (r *Repository) prepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query; keep theirs.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// warmStatements prepares every fixed query up front. The pool holds a single
// connection, so statements cannot be prepared on it once a transaction owns it.
func (r *Repository) warmStatements(ctx context.Context) error {
	for _, query := range cachedQueries {
		if _, err := r.prepareStmt(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all cached prepared statements and the database.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	if err := r.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// View implements store.Store.
func (r *Repository) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.run(ctx, false, fn)
}

// Update implements store.Store.
func (r *Repository) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.run(ctx, true, fn)
}

func (r *Repository) run(ctx context.Context, commit bool, fn func(tx store.Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txRepo{repo: r, ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}

	if !commit {
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		return apperrors.Storage("failed to commit transaction", err)
	}
	return nil
}

// txRepo implements store.Tx on one SQL transaction.
type txRepo struct {
	repo *Repository
	ctx  context.Context
	tx   *sql.Tx
}

// stmt binds a cached statement to the transaction, or prepares one scoped
// to it when the query was not warmed.
func (t *txRepo) stmt(query string) (*sql.Stmt, error) {
	if cached, ok := t.repo.stmtCache.Load(query); ok {
		return t.tx.StmtContext(t.ctx, cached.(*sql.Stmt)), nil
	}
	stmt, err := t.tx.PrepareContext(t.ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	return stmt, nil
}

func (t *txRepo) exec(query string, args ...interface{}) (sql.Result, error) {
	stmt, err := t.stmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(t.ctx, args...)
}

func (t *txRepo) query(query string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := t.stmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(t.ctx, args...)
}

// =====================================================
// Shopping list operations
// =====================================================

const listColumns = `id, name, total_budget, created_at, last_modified, version`

const itemColumns = `list_id, id, name, price, quantity, barcode, category, added_at, last_modified, version`

const changeColumns = `id, kind, entity_kind, entity_id, list_id, payload, timestamp, synced, version`

const (
	queryGetList      = `SELECT ` + listColumns + ` FROM shopping_lists WHERE id = ?`
	queryAllLists     = `SELECT ` + listColumns + ` FROM shopping_lists ORDER BY rowid`
	queryUpsertList   = `
	INSERT INTO shopping_lists (id, name, total_budget, created_at, last_modified, version)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		total_budget = excluded.total_budget,
		created_at = excluded.created_at,
		last_modified = excluded.last_modified,
		version = excluded.version`
	queryClearItems   = `DELETE FROM shopping_items WHERE list_id = ?`
	queryInsertItem   = `INSERT INTO shopping_items (` + itemColumns + `, position) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryDeleteList   = `DELETE FROM shopping_lists WHERE id = ?`
	queryItemOwner    = `SELECT list_id FROM shopping_items WHERE id = ? ORDER BY rowid LIMIT 1`
	queryAppendChange = `INSERT INTO change_log (` + changeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	queryAllChanges   = `SELECT ` + changeColumns + ` FROM change_log ORDER BY seq`
	queryPending      = `SELECT ` + changeColumns + ` FROM change_log WHERE synced = 0 ORDER BY seq`
	queryMarkSynced   = `UPDATE change_log SET synced = 1 WHERE id = ? AND synced = 0`
	queryTombstoned   = `SELECT EXISTS(SELECT 1 FROM change_log WHERE kind = 'delete' AND entity_kind = ? AND entity_id = ?)`
	queryMetadata     = `SELECT key, value FROM sync_metadata`
	queryPutMetadata  = `
	INSERT INTO sync_metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

var cachedQueries = []string{
	queryGetList, queryAllLists, queryUpsertList, queryClearItems, queryInsertItem,
	queryDeleteList, queryItemOwner, queryAppendChange, queryAllChanges, queryPending,
	queryMarkSynced, queryTombstoned, queryMetadata, queryPutMetadata,
}

// GetList implements store.Tx.
func (t *txRepo) GetList(id string) (*models.ShoppingList, error) {
	rows, err := t.query(queryGetList, id)
	if err != nil {
		return nil, apperrors.Storage("failed to read list", err)
	}
	lists, err := scanLists(rows)
	if err != nil {
		return nil, apperrors.Storage("failed to read list", err)
	}
	if len(lists) == 0 {
		return nil, apperrors.NotFound("list", id)
	}
	if err := t.loadItems(lists); err != nil {
		return nil, err
	}
	return lists[0], nil
}

// AllLists implements store.Tx.
func (t *txRepo) AllLists() ([]*models.ShoppingList, error) {
	rows, err := t.query(queryAllLists)
	if err != nil {
		return nil, apperrors.Storage("failed to read lists", err)
	}
	lists, err := scanLists(rows)
	if err != nil {
		return nil, apperrors.Storage("failed to read lists", err)
	}
	if err := t.loadItems(lists); err != nil {
		return nil, err
	}
	return lists, nil
}

// loadItems fills Items for every list in one query.
func (t *txRepo) loadItems(lists []*models.ShoppingList) error {
	if len(lists) == 0 {
		return nil
	}
	byID := make(map[string]*models.ShoppingList, len(lists))
	placeholders := make([]string, 0, len(lists))
	args := make([]interface{}, 0, len(lists))
	for _, l := range lists {
		byID[l.ID] = l
		placeholders = append(placeholders, "?")
		args = append(args, l.ID)
	}

	// The IN list varies with the number of lists, so this query is not cached.
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+itemColumns+` FROM shopping_items WHERE list_id IN (`+strings.Join(placeholders, ",")+`) ORDER BY list_id, position`,
		args...)
	if err != nil {
		return apperrors.Storage("failed to read items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var listID string
		var item models.ShoppingItem
		var addedAt, lastModified int64
		if err := rows.Scan(&listID, &item.ID, &item.Name, &item.Price, &item.Quantity,
			&item.Barcode, &item.Category, &addedAt, &lastModified, &item.Version); err != nil {
			return apperrors.Storage("failed to scan item", err)
		}
		item.AddedAt = fromNanos(addedAt)
		item.LastModified = fromNanos(lastModified)
		if l, ok := byID[listID]; ok {
			l.Items = append(l.Items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.Storage("failed to read items", err)
	}
	return nil
}

func scanLists(rows *sql.Rows) ([]*models.ShoppingList, error) {
	defer rows.Close()

	var lists []*models.ShoppingList
	for rows.Next() {
		l := &models.ShoppingList{Items: []models.ShoppingItem{}}
		var budget sql.NullFloat64
		var createdAt, lastModified int64
		if err := rows.Scan(&l.ID, &l.Name, &budget, &createdAt, &lastModified, &l.Version); err != nil {
			return nil, err
		}
		if budget.Valid {
			b := budget.Float64
			l.TotalBudget = &b
		}
		l.CreatedAt = fromNanos(createdAt)
		l.LastModified = fromNanos(lastModified)
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

// PutList implements store.Tx. Items are rewritten in their slice order.
func (t *txRepo) PutList(list *models.ShoppingList) error {
	var budget interface{}
	if list.TotalBudget != nil {
		budget = *list.TotalBudget
	}

	_, err := t.exec(queryUpsertList, list.ID, list.Name, budget, toNanos(list.CreatedAt), toNanos(list.LastModified), list.Version)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to write list %q", list.ID), err)
	}

	if _, err := t.exec(queryClearItems, list.ID); err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to clear items of list %q", list.ID), err)
	}

	for pos, item := range list.Items {
		_, err := t.exec(queryInsertItem, list.ID, item.ID, item.Name, item.Price, item.Quantity, item.Barcode, item.Category,
			toNanos(item.AddedAt), toNanos(item.LastModified), item.Version, pos)
		if err != nil {
			return apperrors.Storage(fmt.Sprintf("failed to write item %q", item.ID), err)
		}
	}
	return nil
}

// DeleteList implements store.Tx. Items go with the list via ON DELETE CASCADE.
func (t *txRepo) DeleteList(id string) error {
	if _, err := t.exec(queryDeleteList, id); err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to delete list %q", id), err)
	}
	return nil
}

// ItemOwner implements store.Tx using the idx_shopping_items_id index.
func (t *txRepo) ItemOwner(itemID string) (string, error) {
	stmt, err := t.stmt(queryItemOwner)
	if err != nil {
		return "", apperrors.Storage("failed to look up item owner", err)
	}
	var listID string
	err = stmt.QueryRowContext(t.ctx, itemID).Scan(&listID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", apperrors.NotFound("item", itemID)
	}
	if err != nil {
		return "", apperrors.Storage("failed to look up item owner", err)
	}
	return listID, nil
}

// =====================================================
// Change log operations
// =====================================================

// AppendChange implements store.Tx.
func (t *txRepo) AppendChange(rec *models.ChangeRecord) error {
	_, err := t.exec(queryAppendChange,
		rec.ID, string(rec.Kind), string(rec.EntityKind), rec.EntityID, rec.ListID,
		string(rec.Payload), toNanos(rec.Timestamp), rec.Synced, rec.Version)
	if err != nil {
		return apperrors.Storage(fmt.Sprintf("failed to append change %q", rec.ID), err)
	}
	return nil
}

// Changes implements store.Tx.
func (t *txRepo) Changes(pendingOnly bool) ([]*models.ChangeRecord, error) {
	query := queryAllChanges
	if pendingOnly {
		query = queryPending
	}
	rows, err := t.query(query)
	if err != nil {
		return nil, apperrors.Storage("failed to read change log", err)
	}
	defer rows.Close()

	var records []*models.ChangeRecord
	for rows.Next() {
		var rec models.ChangeRecord
		var kind, entityKind, payload string
		var ts int64
		if err := rows.Scan(&rec.ID, &kind, &entityKind, &rec.EntityID, &rec.ListID,
			&payload, &ts, &rec.Synced, &rec.Version); err != nil {
			return nil, apperrors.Storage("failed to scan change", err)
		}
		rec.Kind = models.ChangeKind(kind)
		rec.EntityKind = models.EntityKind(entityKind)
		rec.Payload = []byte(payload)
		rec.Timestamp = fromNanos(ts)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("failed to read change log", err)
	}
	return records, nil
}

// Tombstoned implements store.Tx using the idx_change_log_tombstones index.
func (t *txRepo) Tombstoned(kind models.EntityKind, id string) (bool, error) {
	stmt, err := t.stmt(queryTombstoned)
	if err != nil {
		return false, apperrors.Storage("failed to look up tombstone", err)
	}
	var found bool
	if err := stmt.QueryRowContext(t.ctx, string(kind), id).Scan(&found); err != nil {
		return false, apperrors.Storage(fmt.Sprintf("failed to look up tombstone for %s %q", kind, id), err)
	}
	return found, nil
}

// MarkSynced implements store.Tx.
func (t *txRepo) MarkSynced(ids []string) (int, error) {
	flipped := 0
	for _, id := range ids {
		res, err := t.exec(queryMarkSynced, id)
		if err != nil {
			return flipped, apperrors.Storage(fmt.Sprintf("failed to mark change %q synced", id), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return flipped, apperrors.Storage("failed to count synced changes", err)
		}
		flipped += int(n)
	}
	return flipped, nil
}

// =====================================================
// Sync metadata operations
// =====================================================

// Metadata implements store.Tx.
func (t *txRepo) Metadata() (*models.SyncMetadata, error) {
	rows, err := t.query(queryMetadata)
	if err != nil {
		return nil, apperrors.Storage("failed to read sync metadata", err)
	}
	defer rows.Close()

	meta := models.NewSyncMetadata(SchemaVersion)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, apperrors.Storage("failed to scan sync metadata", err)
		}
		if err := applyMetadataValue(meta, key, value); err != nil {
			return nil, apperrors.Storage(fmt.Sprintf("corrupt sync metadata %q", key), err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("failed to read sync metadata", err)
	}
	return meta, nil
}

func applyMetadataValue(meta *models.SyncMetadata, key, value string) error {
	switch key {
	case "schema_version":
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		meta.SchemaVersion = v
	case "last_sync":
		ts, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return err
		}
		meta.LastSyncCheckpoint = ts.UTC()
	case "data_version":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		meta.DataVersion = v
	}
	return nil
}

// PutMetadata implements store.Tx.
func (t *txRepo) PutMetadata(meta *models.SyncMetadata) error {
	values := map[string]string{
		"schema_version": strconv.Itoa(meta.SchemaVersion),
		"last_sync":      meta.LastSyncCheckpoint.UTC().Format(time.RFC3339Nano),
		"data_version":   strconv.FormatInt(meta.DataVersion, 10),
	}
	for key, value := range values {
		_, err := t.exec(queryPutMetadata, key, value)
		if err != nil {
			return apperrors.Storage(fmt.Sprintf("failed to write sync metadata %q", key), err)
		}
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

var (
	_ store.Store = (*Repository)(nil)
	_ store.Tx    = (*txRepo)(nil)
)
