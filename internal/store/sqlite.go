package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/salonflow/agent-gateway/internal/model"
)

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (and if needed initializes) a SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency between the runtime and the
	// management API.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agent_links (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		max_uses INTEGER,
		current_uses INTEGER NOT NULL DEFAULT 0,
		max_minutes INTEGER,
		minutes_used INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		settings_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_links_business ON agent_links(business_id);

	CREATE TABLE IF NOT EXISTS agent_conversations (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		link_id TEXT,
		session_id TEXT NOT NULL,
		customer_phone TEXT,
		customer_name TEXT,
		user_id TEXT,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		actions_json TEXT NOT NULL DEFAULT '[]',
		metadata_json TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON agent_conversations(user_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_status ON agent_conversations(status);

	CREATE TABLE IF NOT EXISTS agent_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls_json TEXT,
		tool_call_id TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON agent_messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS agent_checkpoints (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		node TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(conversation_id, version)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateLink inserts a new agent link.
func (s *SQLiteStore) CreateLink(ctx context.Context, link *model.AgentLink) error {
	settings, err := json.Marshal(link.Settings)
	if err != nil {
		return fmt.Errorf("marshal link settings: %w", err)
	}

	query := `
	INSERT INTO agent_links
		(id, business_id, name, type, status, token, max_uses, current_uses,
		 max_minutes, minutes_used, expires_at, settings_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		link.ID, link.BusinessID, link.Name, string(link.Type), string(link.Status),
		link.Token, nullableInt(link.MaxUses), link.CurrentUses,
		nullableInt(link.MaxMinutes), link.MinutesUsed, nullableTime(link.ExpiresAt),
		string(settings), link.CreatedAt.Unix(), link.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

const linkColumns = `id, business_id, name, type, status, token, max_uses, current_uses,
	max_minutes, minutes_used, expires_at, settings_json, created_at, updated_at`

// GetLink retrieves a link by id. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetLink(ctx context.Context, id string) (*model.AgentLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM agent_links WHERE id = ?`, id)
	return scanLink(row)
}

// GetLinkByToken retrieves a link by bearer token. Returns (nil, nil)
// when no link carries the token.
func (s *SQLiteStore) GetLinkByToken(ctx context.Context, token string) (*model.AgentLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM agent_links WHERE token = ?`, token)
	return scanLink(row)
}

// ListLinks returns all links owned by a business, newest first.
func (s *SQLiteStore) ListLinks(ctx context.Context, businessID string) ([]model.AgentLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM agent_links WHERE business_id = ? ORDER BY created_at DESC`,
		businessID,
	)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []model.AgentLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

// UpdateLinkStatus transitions a link's status.
func (s *SQLiteStore) UpdateLinkStatus(ctx context.Context, id string, status model.LinkStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_links SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("update link status: %w", err)
	}
	return nil
}

// ConsumeLinkUse performs the increment-if-below-limit write. The single
// conditional UPDATE is what serializes concurrent first-use of a
// single_use link.
func (s *SQLiteStore) ConsumeLinkUse(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_links
		SET current_uses = current_uses + 1, updated_at = ?
		WHERE id = ? AND status = 'active'
		  AND (max_uses IS NULL OR current_uses < max_uses)`,
		time.Now().Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("consume link use: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume link use: %w", err)
	}
	return affected > 0, nil
}

// AddLinkMinutes credits minutes against the link's budget and flips the
// status to exhausted when the budget is now spent.
func (s *SQLiteStore) AddLinkMinutes(ctx context.Context, id string, minutes int) (bool, error) {
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE agent_links SET minutes_used = minutes_used + ?, updated_at = ? WHERE id = ?`,
		minutes, now, id,
	); err != nil {
		return false, fmt.Errorf("add link minutes: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE agent_links SET status = 'exhausted', updated_at = ?
		WHERE id = ? AND status = 'active'
		  AND max_minutes IS NOT NULL AND minutes_used >= max_minutes`,
		now, id,
	); err != nil {
		return false, fmt.Errorf("exhaust link: %w", err)
	}

	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM agent_links WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("read link status: %w", err)
	}
	return model.LinkStatus(status) == model.LinkStatusExhausted, nil
}

// CreateConversation inserts a new conversation record.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *model.AgentConversation) error {
	actions, err := json.Marshal(conv.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	if conv.Actions == nil {
		actions = []byte("[]")
	}
	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if conv.Metadata == nil {
		metadata = []byte("{}")
	}

	query := `
	INSERT INTO agent_conversations
		(id, business_id, link_id, session_id, customer_phone, customer_name, user_id,
		 status, started_at, ended_at, duration_seconds, message_count, actions_json, metadata_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID, conv.BusinessID, nullableString(conv.LinkID), conv.SessionID,
		nullableString(conv.CustomerPhone), nullableString(conv.CustomerName), nullableString(conv.UserID),
		string(conv.Status), conv.StartedAt.Unix(), nullableTime(conv.EndedAt),
		conv.DurationSeconds, conv.MessageCount, string(actions), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, business_id, link_id, session_id, customer_phone, customer_name,
	user_id, status, started_at, ended_at, duration_seconds, message_count, actions_json, metadata_json`

// GetConversation retrieves a conversation by id. Returns (nil, nil)
// when absent.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.AgentConversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM agent_conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversationsByUser returns a user's conversations, newest first.
func (s *SQLiteStore) ListConversationsByUser(ctx context.Context, userID string, limit int) ([]model.AgentConversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM agent_conversations
		 WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// ListActiveConversations returns every conversation still in the active
// state, for the abandonment reaper.
func (s *SQLiteStore) ListActiveConversations(ctx context.Context) ([]model.AgentConversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM agent_conversations WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("query active conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// FinishConversation conditionally transitions active → terminal status.
// The WHERE clause makes a second call a no-op, so duration_seconds is
// fixed by whichever call got there first.
func (s *SQLiteStore) FinishConversation(ctx context.Context, id string, status model.ConversationStatus, endedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_conversations
		SET status = ?, ended_at = ?, duration_seconds = ? - started_at
		WHERE id = ? AND status = 'active'`,
		string(status), endedAt.Unix(), endedAt.Unix(), id,
	)
	if err != nil {
		return false, fmt.Errorf("finish conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish conversation: %w", err)
	}
	return affected > 0, nil
}

// AppendAction appends one entry to the conversation's ordered action log.
func (s *SQLiteStore) AppendAction(ctx context.Context, conversationID string, action model.ConversationAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append action: %w", err)
	}
	defer tx.Rollback()

	var actionsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT actions_json FROM agent_conversations WHERE id = ?`, conversationID,
	).Scan(&actionsJSON)
	if err != nil {
		return fmt.Errorf("read actions: %w", err)
	}

	var actions []model.ConversationAction
	if err := json.Unmarshal([]byte(actionsJSON), &actions); err != nil {
		return fmt.Errorf("unmarshal actions: %w", err)
	}
	actions = append(actions, action)

	updated, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_conversations SET actions_json = ? WHERE id = ?`,
		string(updated), conversationID,
	); err != nil {
		return fmt.Errorf("write actions: %w", err)
	}
	return tx.Commit()
}

// CreateMessage appends a message and bumps the conversation's counter.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *model.AgentMessage) error {
	var toolCalls any
	if msg.ToolCalls != nil {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_messages
			(id, conversation_id, role, content, tool_calls_json, tool_call_id, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		toolCalls, nullableString(msg.ToolCallID), msg.TokensUsed, msg.CreatedAt.Unix(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_conversations SET message_count = message_count + 1 WHERE id = ?`,
		msg.ConversationID,
	); err != nil {
		return fmt.Errorf("bump message count: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns a conversation's messages in send order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_calls_json, tool_call_id, tokens_used, created_at
		FROM agent_messages WHERE conversation_id = ?
		ORDER BY created_at, id LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []model.AgentMessage
	for rows.Next() {
		var msg model.AgentMessage
		var role string
		var toolCalls, toolCallID sql.NullString
		var createdAt int64

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content,
			&toolCalls, &toolCallID, &msg.TokensUsed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = model.Role(role)
		msg.ToolCallID = toolCallID.String
		msg.CreatedAt = time.Unix(createdAt, 0)
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateCheckpoint inserts the next checkpoint version for a conversation.
func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, conversationID, node string, at time.Time) (*model.Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create checkpoint: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM agent_checkpoints WHERE conversation_id = ?`,
		conversationID,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("next checkpoint version: %w", err)
	}

	checkpoint := &model.Checkpoint{
		ID:        newID(),
		Version:   version,
		Node:      node,
		CreatedAt: at,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_checkpoints (id, conversation_id, version, node, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		checkpoint.ID, conversationID, checkpoint.Version, checkpoint.Node, at.Unix(),
	); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// ListCheckpoints returns a conversation's checkpoints, oldest first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, conversationID string, limit int) ([]model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, node, created_at FROM agent_checkpoints
		WHERE conversation_id = ? ORDER BY version LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var createdAt int64
		if err := rows.Scan(&cp.ID, &cp.Version, &cp.Node, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt = time.Unix(createdAt, 0)
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*model.AgentLink, error) {
	var link model.AgentLink
	var linkType, status, settingsJSON string
	var maxUses, maxMinutes sql.NullInt64
	var expiresAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&link.ID, &link.BusinessID, &link.Name, &linkType, &status,
		&link.Token, &maxUses, &link.CurrentUses, &maxMinutes, &link.MinutesUsed,
		&expiresAt, &settingsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan link: %w", err)
	}

	link.Type = model.LinkType(linkType)
	link.Status = model.LinkStatus(status)
	if maxUses.Valid {
		v := int(maxUses.Int64)
		link.MaxUses = &v
	}
	if maxMinutes.Valid {
		v := int(maxMinutes.Int64)
		link.MaxMinutes = &v
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		link.ExpiresAt = &t
	}
	if err := json.Unmarshal([]byte(settingsJSON), &link.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal link settings: %w", err)
	}
	link.CreatedAt = time.Unix(createdAt, 0)
	link.UpdatedAt = time.Unix(updatedAt, 0)
	return &link, nil
}

func scanConversation(row rowScanner) (*model.AgentConversation, error) {
	var conv model.AgentConversation
	var linkID, customerPhone, customerName, userID sql.NullString
	var status, actionsJSON, metadataJSON string
	var startedAt int64
	var endedAt sql.NullInt64

	err := row.Scan(&conv.ID, &conv.BusinessID, &linkID, &conv.SessionID,
		&customerPhone, &customerName, &userID, &status, &startedAt, &endedAt,
		&conv.DurationSeconds, &conv.MessageCount, &actionsJSON, &metadataJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	conv.LinkID = linkID.String
	conv.CustomerPhone = customerPhone.String
	conv.CustomerName = customerName.String
	conv.UserID = userID.String
	conv.Status = model.ConversationStatus(status)
	conv.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		conv.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(actionsJSON), &conv.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &conv, nil
}

func collectConversations(rows *sql.Rows) ([]model.AgentConversation, error) {
	var convs []model.AgentConversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
