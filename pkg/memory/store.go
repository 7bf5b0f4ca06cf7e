package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/relay/pkg/models"
)

// DefaultLimit is the number of hits returned when a caller asks for none.
const DefaultLimit = 5

// Store persists memories, conversation turns, files and preferences in
// SQLite. Retrieval scores every candidate row in process.
type Store struct {
	db       *sql.DB
	embedder Embedder
}

const createTables = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	type TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	embedding BLOB NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user_type ON memories(user_id, type);

CREATE TABLE IF NOT EXISTS conversation_turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	user_message TEXT NOT NULL,
	ai_response TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON conversation_turns(conversation_id, id);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
	user_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, key)
);
`

// New opens the memory database and runs auto-migration.
func New(dbPath string, embedder Embedder) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}

	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}

	return &Store{db: db, embedder: embedder}, nil
}

// StoreMemory embeds and stores rec, returning its new id.
func (s *Store) StoreMemory(ctx context.Context, rec models.MemoryRecord) (string, error) {
	if rec.Content == "" {
		return "", fmt.Errorf("%w: empty memory content", models.ErrInvalidInput)
	}
	if rec.Type == "" {
		rec.Type = models.MemoryGeneral
	}
	vec, err := s.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return "", fmt.Errorf("embed memory: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (id, content, type, user_id, metadata, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, rec.Content, rec.Type, rec.UserID, string(meta), encodeVector(vec), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	return id, nil
}

// Retrieve returns up to limit memories most similar to query, best first.
func (s *Store) Retrieve(ctx context.Context, query string, filter models.MemoryFilter, limit int) ([]models.ScoredMemory, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	q := `SELECT id, content, type, user_id, metadata, embedding, created_at FROM memories WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		q += " AND type = ?"
		args = append(args, filter.Type)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var hits []models.ScoredMemory
	for rows.Next() {
		var m models.ScoredMemory
		var meta string
		var blob []byte
		if err := rows.Scan(&m.ID, &m.Content, &m.Type, &m.UserID, &meta, &blob, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		_ = json.Unmarshal([]byte(meta), &m.Metadata)
		m.Similarity = Cosine(qvec, decodeVector(blob))
		hits = append(hits, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// StoreConversation appends a turn to its conversation and stores the
// exchange as a conversation memory.
func (s *Store) StoreConversation(ctx context.Context, turn models.ConversationTurn) error {
	if turn.ConversationID == "" {
		return fmt.Errorf("%w: conversation id required", models.ErrInvalidInput)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (conversation_id, user_id, user_message, ai_response, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ConversationID, turn.UserID, turn.UserMessage, turn.AIResponse, turn.Model, turn.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store turn: %w", err)
	}

	_, err = s.StoreMemory(ctx, models.MemoryRecord{
		Content:  fmt.Sprintf("User: %s\nAssistant: %s", turn.UserMessage, turn.AIResponse),
		Type:     models.MemoryConversation,
		UserID:   turn.UserID,
		Metadata: map[string]string{"conversation_id": turn.ConversationID, "model": turn.Model},
	})
	return err
}

// ConversationHistory returns the turns of a conversation in order. A
// positive limit keeps only the most recent limit turns.
func (s *Store) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]models.ConversationTurn, error) {
	q := `SELECT conversation_id, user_id, user_message, ai_response, model, created_at
		FROM conversation_turns WHERE conversation_id = ? ORDER BY id DESC`
	args := []any{conversationID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		if err := rows.Scan(&t.ConversationID, &t.UserID, &t.UserMessage, &t.AIResponse, &t.Model, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// StoreFile records a file and indexes its text as a document memory.
func (s *Store) StoreFile(ctx context.Context, f models.FileRecord, text string) (string, error) {
	if f.Name == "" {
		return "", fmt.Errorf("%w: file name required", models.ErrInvalidInput)
	}
	f.ID = uuid.NewString()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	if f.Size == 0 {
		f.Size = len(text)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, name, content_type, user_id, size, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.ContentType, f.UserID, f.Size, f.CreatedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("store file: %w", err)
	}

	if text != "" {
		_, err = s.StoreMemory(ctx, models.MemoryRecord{
			Content:  text,
			Type:     models.MemoryDocument,
			UserID:   f.UserID,
			Metadata: map[string]string{"file_id": f.ID, "file_name": f.Name},
		})
		if err != nil {
			return "", err
		}
	}
	return f.ID, nil
}

// File returns a stored file by id.
func (s *Store) File(ctx context.Context, id string) (models.FileRecord, error) {
	var f models.FileRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content_type, user_id, size, created_at FROM files WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &f.ContentType, &f.UserID, &f.Size, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FileRecord{}, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// SearchFiles returns files whose indexed text best matches query.
func (s *Store) SearchFiles(ctx context.Context, query, userID string, limit int) ([]models.FileRecord, error) {
	hits, err := s.Retrieve(ctx, query, models.MemoryFilter{UserID: userID, Type: models.MemoryDocument}, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var files []models.FileRecord
	for _, h := range hits {
		id := h.Metadata["file_id"]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		f, err := s.File(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// SetPreference stores a user preference, replacing any previous value.
func (s *Store) SetPreference(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// Preference returns one user preference. The bool is false when unset.
func (s *Store) Preference(ctx context.Context, userID, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE user_id = ? AND key = ?`, userID, key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get preference: %w", err)
	}
	return v, true, nil
}

// Preferences returns every preference of a user.
func (s *Store) Preferences(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	prefs := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs[k] = v
	}
	return prefs, rows.Err()
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeVector(v []float64) []byte {
	b := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(f))
	}
	return b
}

func decodeVector(b []byte) []float64 {
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}
