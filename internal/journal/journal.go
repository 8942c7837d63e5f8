// Package journal persists broker messages across restarts. Two journals
// exist, each a single-table SQLite file on local disk: the send journal
// (send_msg) records accepted-but-undelivered messages, the ack journal
// (ack_msg) records delivered-but-unacknowledged ones. Each journal is
// mutated only by its owning log worker; the redelivery worker reads the ack
// journal, which SQLite serializes internally.
package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// PageSize is the row count of one replay or redelivery page.
const PageSize = 100

// Row is one journal record.
type Row struct {
	MessageID   string
	QueueName   string
	MessageData string
	PubDate     int64
}

// Store is one journal table inside one SQLite file.
type Store struct {
	db    *sql.DB
	table string
}

// OpenSend opens (creating if needed) the send journal at path.
func OpenSend(path string) (*Store, error) {
	return open(path, "send_msg")
}

// OpenAck opens (creating if needed) the ack journal at path.
func OpenAck(path string) (*Store, error) {
	return open(path, "ack_msg")
}

func open(path, table string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	schema := fmt.Sprintf(`create table if not exists %s(
		message_id varchar(100) primary key,
		queue_name text,
		message_data text,
		pub_date int)`, table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &Store{db: db, table: table}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes one row. Inserting an identifier that is already journalled
// is an error (primary key conflict); callers treat it as a transient fault
// and log it.
func (s *Store) Insert(r Row) error {
	q := fmt.Sprintf(
		"insert into %s(message_id, queue_name, message_data, pub_date) values(?, ?, ?, ?)",
		s.table)
	_, err := s.db.Exec(q, r.MessageID, r.QueueName, r.MessageData, r.PubDate)
	return err
}

// DeleteByMessageID removes the row for one identifier, if present.
func (s *Store) DeleteByMessageID(id string) error {
	q := fmt.Sprintf("delete from %s where message_id = ?", s.table)
	_, err := s.db.Exec(q, id)
	return err
}

// DeleteByQueue removes every row belonging to one queue.
func (s *Store) DeleteByQueue(name string) error {
	q := fmt.Sprintf("delete from %s where queue_name = ?", s.table)
	_, err := s.db.Exec(q, name)
	return err
}

// Count returns the number of journalled rows.
func (s *Store) Count() (int, error) {
	q := fmt.Sprintf("select count(message_id) from %s", s.table)
	var n int
	if err := s.db.QueryRow(q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Page returns page n (1-based) of the journal ordered by publish time
// ascending, PageSize rows per page. Replay walks pages until one comes back
// short.
func (s *Store) Page(page int) ([]Row, error) {
	if page < 1 {
		page = 1
	}
	q := fmt.Sprintf(
		"select message_id, queue_name, message_data, pub_date from %s order by pub_date asc limit ? offset ?",
		s.table)
	rows, err := s.db.Query(q, PageSize, (page-1)*PageSize)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

// OlderThan returns up to PageSize rows whose publish time is strictly less
// than cutoff, newest first. The redelivery worker sweeps with it.
func (s *Store) OlderThan(cutoff int64) ([]Row, error) {
	q := fmt.Sprintf(
		"select message_id, queue_name, message_data, pub_date from %s where pub_date < ? order by pub_date desc limit ?",
		s.table)
	rows, err := s.db.Query(q, cutoff, PageSize)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.MessageID, &r.QueueName, &r.MessageData, &r.PubDate); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
