package db

import "fmt"

// Query builds a filtered SELECT with a matching COUNT. Clauses use $%d
// placeholders that are numbered as they are added.
type Query struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewQuery creates a Query over table selecting cols.
func NewQuery(table, cols string) *Query {
	return &Query{table: table, cols: cols, idx: 1}
}

// Add appends a WHERE fragment (without leading "AND"). The fragment must
// contain one %d verb per argument; they are replaced by placeholder indexes.
func (q *Query) Add(clause string, args ...interface{}) {
	idx := make([]interface{}, len(args))
	for i := range args {
		idx[i] = q.idx + i
	}
	q.where += " AND " + fmt.Sprintf(clause, idx...)
	q.args = append(q.args, args...)
	q.idx += len(args)
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (q *Query) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

func (q *Query) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

func (q *Query) CountArgs() []interface{} {
	return q.args
}

// DataSQL returns the select with ORDER BY and LIMIT/OFFSET placeholders.
func (q *Query) DataSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
	return sql
}

func (q *Query) DataArgs(limit, offset int) []interface{} {
	out := make([]interface{}, len(q.args)+2)
	copy(out, q.args)
	out[len(q.args)] = limit
	out[len(q.args)+1] = offset
	return out
}
