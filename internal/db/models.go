package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lalithlochan/finwatch/internal/notify"
	"github.com/lalithlochan/finwatch/internal/store"
)

const notificationColumns = `id, idempotency_key, user_id, type, subtype, entity_key,
	title, message, priority, metadata, created_at, read_at, expires_at`

// columns whitelists the store fields that may appear in SQL
var columns = map[string]string{
	store.FieldID:             "id",
	store.FieldUserID:         "user_id",
	store.FieldType:           "type",
	store.FieldSubtype:        "subtype",
	store.FieldEntityKey:      "entity_key",
	store.FieldCreatedAt:      "created_at",
	store.FieldReadAt:         "read_at",
	store.FieldPriority:       "priority",
	store.FieldIdempotencyKey: "idempotency_key",
}

const priorityRank = `CASE priority WHEN 'low' THEN 0 WHEN 'medium' THEN 1 WHEN 'high' THEN 2 WHEN 'critical' THEN 3 ELSE -1 END`

func isTimeColumn(col string) bool {
	return col == "created_at" || col == "read_at"
}

// whereClause renders filters as SQL. Placeholders continue after the args
// already present.
func whereClause(filters []store.Filter, args []any) (string, []any, error) {
	if len(filters) == 0 {
		return "", args, nil
	}

	conds := make([]string, 0, len(filters))
	for _, f := range filters {
		col, ok := columns[f.Field]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter field: %s", f.Field)
		}

		if f.Op == store.OpIsNull {
			if isTimeColumn(col) {
				conds = append(conds, col+" IS NULL")
			} else {
				conds = append(conds, fmt.Sprintf("COALESCE(%s, '') = ''", col))
			}
			continue
		}

		var value any
		if isTimeColumn(col) {
			t, ok := f.Value.(time.Time)
			if !ok {
				return "", nil, fmt.Errorf("filter on %s needs a time.Time, got %T", f.Field, f.Value)
			}
			value = t
		} else {
			if f.Op != store.OpEq {
				return "", nil, fmt.Errorf("operator %s not supported on %s", f.Op, f.Field)
			}
			s, err := store.StringValue(f.Value)
			if err != nil {
				return "", nil, err
			}
			value = s
		}

		var op string
		switch f.Op {
		case store.OpEq:
			op = "="
		case store.OpGte:
			op = ">="
		case store.OpLt:
			op = "<"
		default:
			return "", nil, fmt.Errorf("unknown operator: %s", f.Op)
		}

		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s %s $%d", col, op, len(args)))
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// selectSQL renders a full notifications query
func selectSQL(q store.Query) (string, []any, error) {
	where, args, err := whereClause(q.Filters, nil)
	if err != nil {
		return "", nil, err
	}

	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	order := fmt.Sprintf("created_at %s, id %s", dir, dir)
	switch q.OrderBy {
	case "", store.FieldCreatedAt:
	case store.FieldPriority:
		order = fmt.Sprintf("%s %s, %s", priorityRank, dir, order)
	default:
		return "", nil, fmt.Errorf("unsupported order field: %s", q.OrderBy)
	}

	sql := "SELECT " + notificationColumns + " FROM notifications" + where + " ORDER BY " + order
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return sql, args, nil
}

// scanNotification reads one row selected with notificationColumns
func scanNotification(row pgx.Row) (*notify.Notification, error) {
	var (
		n        notify.Notification
		key      *string
		typ      string
		subtype  string
		priority string
		metadata []byte
	)
	err := row.Scan(
		&n.ID,
		&key,
		&n.UserID,
		&typ,
		&subtype,
		&n.EntityKey,
		&n.Title,
		&n.Message,
		&priority,
		&metadata,
		&n.CreatedAt,
		&n.ReadAt,
		&n.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if key != nil {
		n.IdempotencyKey = *key
	}
	n.Type = notify.Type(typ)
	n.Subtype = notify.Subtype(subtype)
	n.Priority = notify.Priority(priority)

	n.Metadata, err = notify.DecodeMetadata(n.Type, metadata)
	if err != nil {
		return nil, fmt.Errorf("notification %s: %w", n.ID, err)
	}
	return &n, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
