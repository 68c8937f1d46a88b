package relational

import (
	"context"
	"fmt"
	"strings"

	"github.com/blueberrycongee/dbmux/internal/cache"
	"github.com/blueberrycongee/dbmux/internal/router"
	dberrors "github.com/blueberrycongee/dbmux/pkg/errors"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// Kind tags a statement as a read or a write. KindAuto classifies by text.
type Kind int

const (
	KindAuto Kind = iota
	KindRead
	KindWrite
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "auto"
	}
}

var (
	writePrefixes = []string{"INSERT", "UPDATE", "DELETE"}
	writeDDL      = []string{"CREATE TABLE", "ALTER TABLE", "DROP TABLE"}
)

// IsWriteStatement reports whether text mutates data: it starts with INSERT, UPDATE
// or DELETE, or contains CREATE TABLE, ALTER TABLE or DROP TABLE. Case is ignored.
func IsWriteStatement(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, prefix := range writePrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	for _, ddl := range writeDDL {
		if strings.Contains(upper, ddl) {
			return true
		}
	}
	return false
}

var _ router.Op[*Pool, *Result] = Statement{}

// Statement is a parameterized SQL statement. Args use PostgreSQL placeholders ($1, $2...).
type Statement struct {
	Text string
	Args []any
	Kind Kind
}

// NewStatement returns an untagged statement.
func NewStatement(text string, args ...any) Statement {
	return Statement{Text: text, Args: args}
}

// IsWrite reports whether the statement is routed as a write.
func (s Statement) IsWrite() bool {
	switch s.Kind {
	case KindRead:
		return false
	case KindWrite:
		return true
	}
	return IsWriteStatement(s.Text)
}

// Name returns the leading keyword, e.g. "SELECT".
func (s Statement) Name() string {
	fields := strings.Fields(s.Text)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// Signature returns the JSON encoding of the text and arguments.
func (s Statement) Signature() ([]byte, error) {
	sig, err := cache.Signature(struct {
		Text string `json:"text"`
		Args []any  `json:"args"`
	}{s.Text, s.Args})
	if err != nil {
		return nil, fmt.Errorf("statement signature: %w", err)
	}
	return sig, nil
}

// Validate rejects empty statements.
func (s Statement) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return dberrors.NewInvalidOperation(types.FamilyRelational, "empty statement")
	}
	return nil
}

// Exec runs the statement once on pool. Writes without a RETURNING clause only
// report the affected row count; everything else returns rows.
func (s Statement) Exec(ctx context.Context, pool *Pool) (*Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.IsWrite() && !hasReturning(s.Text) {
		res, err := pool.db.ExecContext(ctx, s.Text, s.Args...)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		return &Result{RowsAffected: affected}, nil
	}
	return query(ctx, pool, s.Text, s.Args)
}

func hasReturning(text string) bool {
	return strings.Contains(strings.ToUpper(text), "RETURNING")
}

func query(ctx context.Context, pool *Pool, text string, args []any) (*Result, error) {
	rows, err := pool.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	res := &Result{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}
