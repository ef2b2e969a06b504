package db

import (
	"reflect"
	"testing"
)

func TestQuery_Build(t *testing.T) {
	q := NewQuery("timeline_entry", "id, title")
	q.Add("user_id = $%d", "u1")
	q.Add("category = ANY($%d)", []string{"lab", "vital"})
	q.Add("effective_at BETWEEN $%d AND $%d", "a", "b")
	q.OrderBy("effective_at DESC")

	wantCount := "SELECT COUNT(*) FROM timeline_entry WHERE 1=1 AND user_id = $1 AND category = ANY($2) AND effective_at BETWEEN $3 AND $4"
	if got := q.CountSQL(); got != wantCount {
		t.Errorf("CountSQL:\n got %s\nwant %s", got, wantCount)
	}
	wantData := "SELECT id, title FROM timeline_entry WHERE 1=1 AND user_id = $1 AND category = ANY($2) AND effective_at BETWEEN $3 AND $4 ORDER BY effective_at DESC LIMIT $5 OFFSET $6"
	if got := q.DataSQL(); got != wantData {
		t.Errorf("DataSQL:\n got %s\nwant %s", got, wantData)
	}
	args := q.DataArgs(20, 40)
	if len(args) != 6 || args[4] != 20 || args[5] != 40 {
		t.Errorf("DataArgs = %v", args)
	}
	if !reflect.DeepEqual(q.CountArgs()[1], []string{"lab", "vital"}) {
		t.Errorf("CountArgs = %v", q.CountArgs())
	}
}

func TestQuery_NoFilters(t *testing.T) {
	q := NewQuery("t", "*")
	if got := q.DataSQL(); got != "SELECT * FROM t WHERE 1=1 LIMIT $1 OFFSET $2" {
		t.Errorf("DataSQL = %s", got)
	}
}
