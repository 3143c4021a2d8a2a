// Package chatlog is the append-only conversation log. The consolidation
// engine only ever reads ranges from it; writes come from the chat surfaces.
package chatlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// TimestampLayout is the wire format every stored timestamp uses.
const TimestampLayout = "2006-01-02 15:04:05"

// Message is one logged chat turn. IDs are assigned by sqlite AUTOINCREMENT,
// so they are strictly increasing within a character's stream.
type Message struct {
	ID        int64  `json:"id"`
	Character string `json:"character"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			character TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_character_ts ON messages(character, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_character_id ON messages(character, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one turn. An empty timestamp means "now".
func (s *Store) Append(character, role, content, timestamp string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timestamp == "" {
		timestamp = time.Now().Format(TimestampLayout)
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (character, role, content, timestamp)
		VALUES (?, ?, ?, ?)
	`, strings.TrimSpace(character), strings.TrimSpace(role), content, timestamp)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message id: %w", err)
	}
	return id, nil
}

// QueryRange returns messages for one character with timestamp inside
// [startTS, endTS] and id > minID, ordered by id ascending. Rows whose
// timestamps do not parse are excluded by the lexical range comparison,
// never surfaced as errors.
func (s *Store) QueryRange(character, startTS, endTS string, minID int64) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, character, role, content, timestamp
		FROM messages
		WHERE character = ? AND timestamp >= ? AND timestamp <= ? AND id > ?
		ORDER BY id ASC
	`, character, startTS, endTS, minID)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MaxIDAtOrBefore returns the highest message id for a character timestamped
// at or before ts, or 0 when there is none.
func (s *Store) MaxIDAtOrBefore(character, ts string) (int64, error) {
	row := s.db.QueryRow(`
		SELECT COALESCE(MAX(id), 0) FROM messages
		WHERE character = ? AND timestamp <= ?
	`, character, ts)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("max id at or before: %w", err)
	}
	return id, nil
}

// History pages backwards through a character's log. When targetID is set the
// page is recomputed so the returned window contains that message.
func (s *Store) History(character string, limit, page int, targetID int64) ([]Message, int, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	if targetID > 0 {
		var targetTS string
		err := s.db.QueryRow(`SELECT timestamp FROM messages WHERE id = ? AND character = ?`, targetID, character).Scan(&targetTS)
		if err == nil {
			var newer int
			if err := s.db.QueryRow(`
				SELECT COUNT(*) FROM messages WHERE character = ? AND timestamp > ?
			`, character, targetTS).Scan(&newer); err != nil {
				return nil, 0, 0, fmt.Errorf("history count newer: %w", err)
			}
			offset = newer
			page = offset/limit + 1
		} else if err != sql.ErrNoRows {
			return nil, 0, 0, fmt.Errorf("history locate target: %w", err)
		}
	}

	rows, err := s.db.Query(`
		SELECT id, character, role, content, timestamp
		FROM messages
		WHERE character = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, character, limit, offset)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, 0, 0, err
	}
	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(id) FROM messages WHERE character = ?`, character).Scan(&total); err != nil {
		return nil, 0, 0, fmt.Errorf("count history: %w", err)
	}
	return msgs, total, page, nil
}

// Recent returns the last n turns in chronological order.
func (s *Store) Recent(character string, n int) ([]Message, error) {
	msgs, _, _, err := s.History(character, n, 1, 0)
	return msgs, err
}

func (s *Store) Search(character, keyword string) ([]Message, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT id, character, role, content, timestamp
		FROM messages
		WHERE character = ? AND content LIKE ?
		ORDER BY timestamp DESC
	`, character, "%"+keyword+"%")
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *Store) Edit(id int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE messages SET content = ? WHERE id = ?`, content, id); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	result := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Character, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}
