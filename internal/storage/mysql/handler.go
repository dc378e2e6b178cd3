package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mysqlerr "github.com/go-sql-driver/mysql"

	"blockjoin/internal/schema"
	"blockjoin/internal/storage"
)

// duplicateKeyErrno is MySQL's ER_DUP_ENTRY.
const duplicateKeyErrno = 1062

// Handler is a storage.Handler backed by a live *sql.DB, used both as a
// right-hand scanner (C4) and as the temp-table target for the semi-join
// executor (C8).
type Handler struct {
	DB      *sql.DB
	Table   *schema.Table
	KeyCols []string // columns used by IndexInit/MultiRangeRead lookups

	rows       *sql.Rows
	mrrSeq     storage.RangeSeq
	mrrRows    *sql.Rows
	currentTag any
}

// New wraps db for reading/writing table, keyed for index lookups by
// keyCols.
func New(db *sql.DB, table *schema.Table, keyCols ...string) *Handler {
	return &Handler{DB: db, Table: table, KeyCols: keyCols}
}

var _ storage.Handler = (*Handler)(nil)

func (h *Handler) columnNames() []string {
	names := make([]string, len(h.Table.Columns))
	for i, c := range h.Table.Columns {
		names[i] = c.Name
	}
	return names
}

func (h *Handler) RndInit(ctx context.Context) error {
	cols := strings.Join(h.columnNames(), ", ")
	rows, err := h.DB.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", cols, h.Table.Name))
	if err != nil {
		return err
	}
	h.rows = rows
	return nil
}

func (h *Handler) RndNext(ctx context.Context) (schema.Row, error) {
	if h.rows == nil {
		return nil, storage.ErrEndOfRange
	}
	if !h.rows.Next() {
		if err := h.rows.Err(); err != nil {
			return nil, err
		}
		return nil, storage.ErrEndOfRange
	}
	return scanRow(h.rows, h.columnNames())
}

func (h *Handler) RndEnd() error {
	if h.rows == nil {
		return nil
	}
	err := h.rows.Close()
	h.rows = nil
	return err
}

func (h *Handler) IndexInit(ctx context.Context, keyNo int, sorted bool) error {
	return nil // MySQL picks the index itself; this handler always queries by KeyCols.
}

func (h *Handler) Position(row schema.Row) []byte {
	var sb strings.Builder
	for _, c := range h.KeyCols {
		fmt.Fprintf(&sb, "%v|", row[c])
	}
	return []byte(sb.String())
}

func (h *Handler) RefLength() int { return 64 }

// MultiRangeReadInit starts an MRR pass: for each Range seq produces, this
// handler runs one equality-keyed query and walks its rows, the same way
// C4's V2 scan drives any MRR-capable handler (spec §4.4).
func (h *Handler) MultiRangeReadInit(ctx context.Context, seq storage.RangeSeq) error {
	h.mrrSeq = seq
	seq.Init()
	return nil
}

func (h *Handler) MultiRangeReadNext(ctx context.Context) (schema.Row, any, error) {
	for {
		if h.mrrRows != nil {
			if h.mrrRows.Next() {
				row, err := scanRow(h.mrrRows, h.columnNames())
				return row, h.currentTag, err
			}
			if err := h.mrrRows.Err(); err != nil {
				h.mrrRows.Close()
				h.mrrRows = nil
				return nil, nil, err
			}
			h.mrrRows.Close()
			h.mrrRows = nil
		}

		r, ok := h.mrrSeq.Next()
		if !ok {
			return nil, nil, storage.ErrEndOfRange
		}
		if h.mrrSeq.SkipRecord(r.Ptr) {
			continue
		}
		rows, err := h.queryByKey(ctx, r.Key)
		if err != nil {
			return nil, nil, err
		}
		h.mrrRows = rows
		h.currentTag = r.Ptr
	}
}

func (h *Handler) queryByKey(ctx context.Context, key schema.Row) (*sql.Rows, error) {
	cols := strings.Join(h.columnNames(), ", ")
	var where []string
	var args []any
	for _, c := range h.KeyCols {
		where = append(where, c+" = ?")
		args = append(args, key[c])
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", cols, h.Table.Name, strings.Join(where, " AND "))
	return h.DB.QueryContext(ctx, query, args...)
}

func (h *Handler) MRRLengthPerRec() int { return 24 }

func (h *Handler) HaDeleteAllRows(ctx context.Context) error {
	_, err := h.DB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", h.Table.Name))
	return err
}

func (h *Handler) HaWriteTmpRow(ctx context.Context, row schema.Row) error {
	names := h.columnNames()
	placeholders := strings.Repeat("?, ", len(names))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = row[n]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", h.Table.Name, strings.Join(names, ", "), placeholders)
	_, err := h.DB.ExecContext(ctx, query, args...)
	if err != nil {
		var me *mysqlerr.MySQLError
		if errors.As(err, &me) && me.Number == duplicateKeyErrno {
			return storage.ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (h *Handler) IsFatalError(err error) bool {
	return err != nil && !errors.Is(err, storage.ErrEndOfRange) && !errors.Is(err, storage.ErrDuplicateKey)
}

func scanRow(rows *sql.Rows, names []string) (schema.Row, error) {
	vals := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(schema.Row, len(names))
	for i, n := range names {
		row[n] = vals[i]
	}
	return row, nil
}
