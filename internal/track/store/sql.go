package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/msfailab/msfailab/internal/common/config"
	"github.com/msfailab/msfailab/internal/db"
	"github.com/msfailab/msfailab/internal/db/dialect"
)

// SQLStore is the Store implementation over the shared read/write pool.
// Queries are written with ? placeholders and rebound per driver.
type SQLStore struct {
	pool   *db.Pool
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewStore opens the configured database backend.
func NewStore(cfg config.DatabaseConfig) (*SQLStore, error) {
	if dialect.IsPostgres(cfg.Driver) {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
		return NewPostgresStore(dsn, cfg.MaxConns, cfg.MinConns)
	}
	return NewSQLiteStore(cfg.Path)
}

// NewSQLiteStore opens (or creates) the sqlite database at path and
// initializes the schema.
func NewSQLiteStore(path string) (*SQLStore, error) {
	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}

	s := &SQLStore{
		pool:   db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")),
		driver: "sqlite3",
	}
	if err := s.initSchema(); err != nil {
		s.pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewPostgresStore connects to postgres and initializes the schema. Postgres
// handles concurrent writers itself, so one pool serves both sides.
func NewPostgresStore(dsn string, maxConns, minConns int) (*SQLStore, error) {
	conn, err := db.OpenPostgres(dsn, maxConns, minConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pooled := sqlx.NewDb(conn, "pgx")
	s := &SQLStore{pool: db.NewPool(pooled, pooled), driver: "pgx"}
	if err := s.initSchema(); err != nil {
		s.pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS tracks_console_history_blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_console_blocks_track
		ON tracks_console_history_blocks(track_id, started_at);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id INTEGER NOT NULL,
		model TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger_kind TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_track ON turns(track_id);

	CREATE TABLE IF NOT EXISTS chat_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		track_id INTEGER NOT NULL,
		turn_id INTEGER,
		position INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(track_id, position)
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		entry_id INTEGER PRIMARY KEY REFERENCES chat_entries(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chat_tool_invocations (
		entry_id INTEGER PRIMARY KEY REFERENCES chat_entries(id) ON DELETE CASCADE,
		tool_call_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL DEFAULT '{}',
		console_prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		result_content TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER,
		denied_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chat_console_contexts (
		entry_id INTEGER PRIMARY KEY REFERENCES chat_entries(id) ON DELETE CASCADE,
		content TEXT NOT NULL DEFAULT ''
	);
`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS tracks_console_history_blocks (
		id BIGSERIAL PRIMARY KEY,
		track_id BIGINT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_console_blocks_track
		ON tracks_console_history_blocks(track_id, started_at);

	CREATE TABLE IF NOT EXISTS turns (
		id BIGSERIAL PRIMARY KEY,
		track_id BIGINT NOT NULL,
		model TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger_kind TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_track ON turns(track_id);

	CREATE TABLE IF NOT EXISTS chat_entries (
		id BIGSERIAL PRIMARY KEY,
		track_id BIGINT NOT NULL,
		turn_id BIGINT,
		position INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(track_id, position)
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		entry_id BIGINT PRIMARY KEY REFERENCES chat_entries(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		message_type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chat_tool_invocations (
		entry_id BIGINT PRIMARY KEY REFERENCES chat_entries(id) ON DELETE CASCADE,
		tool_call_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL DEFAULT '{}',
		console_prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		result_content TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT,
		denied_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chat_console_contexts (
		entry_id BIGINT PRIMARY KEY REFERENCES chat_entries(id) ON DELETE CASCADE,
		content TEXT NOT NULL DEFAULT ''
	);
`

func (s *SQLStore) initSchema() error {
	schema := sqliteSchema
	if dialect.IsPostgres(s.driver) {
		schema = postgresSchema
	}
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Close releases both sides of the pool.
func (s *SQLStore) Close() error {
	return s.pool.Close()
}

// InsertConsoleBlock persists a block and returns its id.
func (s *SQLStore) InsertConsoleBlock(ctx context.Context, block *ConsoleHistoryBlock) (int64, error) {
	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(), `
		INSERT INTO tracks_console_history_blocks
			(track_id, type, status, command, output, prompt, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		block.TrackID, block.Type, block.Status, block.Command,
		block.Output, block.Prompt, block.StartedAt, block.FinishedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert console block: %w", err)
	}
	block.ID = id
	return id, nil
}

// UpdateConsoleBlock rewrites a persisted block's mutable fields.
func (s *SQLStore) UpdateConsoleBlock(ctx context.Context, block *ConsoleHistoryBlock) error {
	if block.ID == 0 {
		return ErrNotFound
	}
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tracks_console_history_blocks
		SET status = ?, output = ?, prompt = ?, finished_at = ?
		WHERE id = ?`),
		block.Status, block.Output, block.Prompt, block.FinishedAt, block.ID)
	if err != nil {
		return fmt.Errorf("failed to update console block: %w", err)
	}
	return requireRow(res)
}

// ListConsoleBlocks returns a track's blocks ordered by started_at, id.
func (s *SQLStore) ListConsoleBlocks(ctx context.Context, trackID int64) ([]ConsoleHistoryBlock, error) {
	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(`
		SELECT id, track_id, type, status, command, output, prompt, started_at, finished_at
		FROM tracks_console_history_blocks
		WHERE track_id = ?
		ORDER BY started_at, id`), trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list console blocks: %w", err)
	}
	defer rows.Close()

	var blocks []ConsoleHistoryBlock
	for rows.Next() {
		var b ConsoleHistoryBlock
		var finishedAt sql.NullTime
		if err := rows.Scan(&b.ID, &b.TrackID, &b.Type, &b.Status, &b.Command,
			&b.Output, &b.Prompt, &b.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			b.FinishedAt = &t
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// CreateTurn persists a turn and returns its id.
func (s *SQLStore) CreateTurn(ctx context.Context, turn *Turn) (int64, error) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	id, err := dialect.InsertReturningID(ctx, s.pool.Writer(), `
		INSERT INTO turns (track_id, model, status, trigger_kind, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		turn.TrackID, turn.Model, turn.Status, turn.Trigger, turn.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to create turn: %w", err)
	}
	turn.ID = id
	return id, nil
}

// UpdateTurnStatus sets a turn's status.
func (s *SQLStore) UpdateTurnStatus(ctx context.Context, turnID int64, status string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx,
		w.Rebind(`UPDATE turns SET status = ? WHERE id = ?`), status, turnID)
	if err != nil {
		return fmt.Errorf("failed to update turn status: %w", err)
	}
	return requireRow(res)
}

// GetTurn fetches one turn.
func (s *SQLStore) GetTurn(ctx context.Context, turnID int64) (*Turn, error) {
	var t Turn
	r := s.pool.Reader()
	err := r.QueryRowxContext(ctx, r.Rebind(`
		SELECT id, track_id, model, status, trigger_kind, created_at
		FROM turns WHERE id = ?`), turnID).
		Scan(&t.ID, &t.TrackID, &t.Model, &t.Status, &t.Trigger, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return &t, nil
}

// InsertMessage persists a message entry.
func (s *SQLStore) InsertMessage(ctx context.Context, entry *ChatEntry) (int64, error) {
	if entry.Message == nil {
		return 0, fmt.Errorf("message entry has no message content")
	}
	if err := ValidateMessagePair(entry.Message.Role, entry.Message.MessageType); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMessagePair, err)
	}
	return s.insertEntry(ctx, entry, EntryMessage, func(tx *sqlx.Tx, entryID int64) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO chat_messages (entry_id, role, message_type, content)
			VALUES (?, ?, ?, ?)`),
			entryID, entry.Message.Role, entry.Message.MessageType, entry.Message.Content)
		return err
	})
}

// InsertToolInvocation persists a tool_invocation entry.
func (s *SQLStore) InsertToolInvocation(ctx context.Context, entry *ChatEntry) (int64, error) {
	if entry.Tool == nil {
		return 0, fmt.Errorf("tool entry has no tool content")
	}
	args, err := json.Marshal(entry.Tool.Arguments)
	if err != nil {
		return 0, fmt.Errorf("failed to encode tool arguments: %w", err)
	}
	return s.insertEntry(ctx, entry, EntryToolInvocation, func(tx *sqlx.Tx, entryID int64) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO chat_tool_invocations
				(entry_id, tool_call_id, tool_name, arguments, console_prompt,
				 status, result_content, error_message, duration_ms, denied_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			entryID, entry.Tool.ToolCallID, entry.Tool.ToolName, string(args),
			entry.Tool.ConsolePrompt, entry.Tool.Status, entry.Tool.ResultContent,
			entry.Tool.ErrorMessage, entry.Tool.DurationMs, entry.Tool.DeniedReason)
		return err
	})
}

// InsertConsoleContext persists a console_context entry.
func (s *SQLStore) InsertConsoleContext(ctx context.Context, entry *ChatEntry) (int64, error) {
	return s.insertEntry(ctx, entry, EntryConsoleContext, func(tx *sqlx.Tx, entryID int64) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO chat_console_contexts (entry_id, content) VALUES (?, ?)`),
			entryID, entry.ConsoleContext)
		return err
	})
}

// insertEntry inserts the base row plus the type-specific content row in one
// transaction.
func (s *SQLStore) insertEntry(ctx context.Context, entry *ChatEntry, entryType string, content func(tx *sqlx.Tx, entryID int64) error) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	tx, err := s.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	entryID, err := s.insertEntryRow(ctx, tx, entry, entryType)
	if err != nil {
		if isDuplicate(err) {
			return 0, fmt.Errorf("%w: track %d position %d", ErrDuplicatePosition, entry.TrackID, entry.Position)
		}
		return 0, fmt.Errorf("failed to insert chat entry: %w", err)
	}
	if err := content(tx, entryID); err != nil {
		return 0, fmt.Errorf("failed to insert entry content: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	entry.ID = entryID
	entry.EntryType = entryType
	return entryID, nil
}

func (s *SQLStore) insertEntryRow(ctx context.Context, tx *sqlx.Tx, entry *ChatEntry, entryType string) (int64, error) {
	query := `
		INSERT INTO chat_entries (track_id, turn_id, position, entry_type, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if dialect.IsPostgres(s.driver) {
		var id int64
		err := tx.QueryRowContext(ctx, tx.Rebind(query+" RETURNING id"),
			entry.TrackID, entry.TurnID, entry.Position, entryType, entry.CreatedAt).Scan(&id)
		return id, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query),
		entry.TrackID, entry.TurnID, entry.Position, entryType, entry.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func isDuplicate(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// UpdateToolStatus updates a tool invocation's status and outcome fields.
func (s *SQLStore) UpdateToolStatus(ctx context.Context, entryID int64, status string, update ToolUpdate) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE chat_tool_invocations
		SET status = ?,
			result_content = CASE WHEN ? != '' THEN ? ELSE result_content END,
			error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
			duration_ms = COALESCE(?, duration_ms),
			denied_reason = CASE WHEN ? != '' THEN ? ELSE denied_reason END
		WHERE entry_id = ?`),
		status,
		update.ResultContent, update.ResultContent,
		update.ErrorMessage, update.ErrorMessage,
		update.DurationMs,
		update.DeniedReason, update.DeniedReason,
		entryID)
	if err != nil {
		return fmt.Errorf("failed to update tool status: %w", err)
	}
	return requireRow(res)
}

// ListChatEntries returns a track's entries ordered by position.
func (s *SQLStore) ListChatEntries(ctx context.Context, trackID int64) ([]ChatEntry, error) {
	r := s.pool.Reader()
	rows, err := r.QueryxContext(ctx, r.Rebind(`
		SELECT e.id, e.track_id, e.turn_id, e.position, e.entry_type, e.created_at,
			m.role, m.message_type, m.content,
			t.tool_call_id, t.tool_name, t.arguments, t.console_prompt, t.status,
			t.result_content, t.error_message, t.duration_ms, t.denied_reason,
			c.content
		FROM chat_entries e
		LEFT JOIN chat_messages m ON m.entry_id = e.id
		LEFT JOIN chat_tool_invocations t ON t.entry_id = e.id
		LEFT JOIN chat_console_contexts c ON c.entry_id = e.id
		WHERE e.track_id = ?
		ORDER BY e.position`), trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat entries: %w", err)
	}
	defer rows.Close()

	var entries []ChatEntry
	for rows.Next() {
		var e ChatEntry
		var turnID sql.NullInt64
		var role, messageType, msgContent sql.NullString
		var toolCallID, toolName, arguments, consolePrompt, toolStatus sql.NullString
		var resultContent, errorMessage, deniedReason sql.NullString
		var durationMs sql.NullInt64
		var ctxContent sql.NullString

		if err := rows.Scan(&e.ID, &e.TrackID, &turnID, &e.Position, &e.EntryType, &e.CreatedAt,
			&role, &messageType, &msgContent,
			&toolCallID, &toolName, &arguments, &consolePrompt, &toolStatus,
			&resultContent, &errorMessage, &durationMs, &deniedReason,
			&ctxContent); err != nil {
			return nil, err
		}
		if turnID.Valid {
			id := turnID.Int64
			e.TurnID = &id
		}
		switch e.EntryType {
		case EntryMessage:
			e.Message = &MessageContent{
				Role:        role.String,
				MessageType: messageType.String,
				Content:     msgContent.String,
			}
		case EntryToolInvocation:
			tool := &ToolInvocation{
				ToolCallID:    toolCallID.String,
				ToolName:      toolName.String,
				ConsolePrompt: consolePrompt.String,
				Status:        toolStatus.String,
				ResultContent: resultContent.String,
				ErrorMessage:  errorMessage.String,
				DeniedReason:  deniedReason.String,
			}
			if durationMs.Valid {
				d := durationMs.Int64
				tool.DurationMs = &d
			}
			if arguments.Valid && arguments.String != "" {
				if err := json.Unmarshal([]byte(arguments.String), &tool.Arguments); err != nil {
					return nil, fmt.Errorf("failed to decode tool arguments: %w", err)
				}
			}
			e.Tool = tool
		case EntryConsoleContext:
			e.ConsoleContext = ctxContent.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MaxPosition returns the highest used position for a track, 0 if none.
func (s *SQLStore) MaxPosition(ctx context.Context, trackID int64) (int, error) {
	var max sql.NullInt64
	r := s.pool.Reader()
	err := r.QueryRowxContext(ctx,
		r.Rebind(`SELECT MAX(position) FROM chat_entries WHERE track_id = ?`), trackID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max position: %w", err)
	}
	return int(max.Int64), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
