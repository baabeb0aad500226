// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailki/agent/internal/models"
	"github.com/mailki/agent/internal/policy"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a store backed by the given pool and ensures the
// schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("postgres store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mailboxes (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL DEFAULT '',
			address         TEXT NOT NULL,
			provider        TEXT NOT NULL DEFAULT 'gmail',
			credentials_ref TEXT NOT NULL DEFAULT '',
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			last_sync_at    TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS inbound_messages (
			id                  TEXT PRIMARY KEY,
			mailbox_id          TEXT NOT NULL REFERENCES mailboxes(id),
			provider_message_id TEXT NOT NULL UNIQUE,
			thread_id           TEXT NOT NULL DEFAULT '',
			sender              TEXT NOT NULL DEFAULT '',
			recipient           TEXT NOT NULL DEFAULT '',
			cc                  TEXT NOT NULL DEFAULT '',
			bcc                 TEXT NOT NULL DEFAULT '',
			subject             TEXT NOT NULL DEFAULT '',
			body_text           TEXT NOT NULL DEFAULT '',
			received_at         TIMESTAMPTZ NOT NULL,
			processed           BOOLEAN NOT NULL DEFAULT FALSE,
			priority            TEXT NOT NULL DEFAULT 'normal',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON inbound_messages(received_at) WHERE NOT processed;

		CREATE TABLE IF NOT EXISTS drafts (
			id                 TEXT PRIMARY KEY,
			message_id         TEXT NOT NULL REFERENCES inbound_messages(id),
			subject            TEXT NOT NULL DEFAULT '',
			body_text          TEXT NOT NULL,
			tone               TEXT NOT NULL DEFAULT '',
			body_hash          TEXT NOT NULL,
			external_draft_ref TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			version            INTEGER NOT NULL DEFAULT 1,
			priority           TEXT NOT NULL DEFAULT 'normal',
			compliance_flags   TEXT[] NOT NULL DEFAULT '{}',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_drafts_status ON drafts(status);

		CREATE TABLE IF NOT EXISTS approval_actions (
			id          TEXT PRIMARY KEY,
			draft_id    TEXT NOT NULL REFERENCES drafts(id),
			reviewer_id TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL,
			comment     TEXT NOT NULL DEFAULT '',
			channel_id  TEXT NOT NULL DEFAULT '',
			message_ref TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_actions_draft ON approval_actions(draft_id, created_at);

		CREATE TABLE IF NOT EXISTS kb_vips (
			id                   BIGSERIAL PRIMARY KEY,
			email_pattern        TEXT NOT NULL,
			name                 TEXT NOT NULL DEFAULT '',
			priority             TEXT NOT NULL DEFAULT 'high',
			special_instructions TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS kb_compliance (
			id          BIGSERIAL PRIMARY KEY,
			rule_name   TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			pattern     TEXT NOT NULL DEFAULT '',
			action      TEXT NOT NULL DEFAULT 'flag',
			is_active   BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE TABLE IF NOT EXISTS kb_tones (
			id              BIGSERIAL PRIMARY KEY,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			prompt_template TEXT NOT NULL,
			is_default      BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE TABLE IF NOT EXISTS kb_signatures (
			id           BIGSERIAL PRIMARY KEY,
			name         TEXT NOT NULL,
			content_text TEXT NOT NULL,
			content_html TEXT NOT NULL DEFAULT '',
			language     TEXT NOT NULL DEFAULT 'de',
			is_default   BOOLEAN NOT NULL DEFAULT FALSE
		);
	`)
	return err
}

// --- mailboxes ---

// CreateMailbox registers a mailbox. An empty ID is assigned.
func (s *Postgres) CreateMailbox(ctx context.Context, mb *models.Mailbox) error {
	if mb.ID == "" {
		mb.ID = uuid.NewString()
	}
	if mb.Provider == "" {
		mb.Provider = "gmail"
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mailboxes (id, user_id, address, provider, credentials_ref, active, last_sync_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at
	`, mb.ID, mb.UserID, mb.Address, mb.Provider, mb.CredentialsRef, mb.Active, mb.LastSyncAt).
		Scan(&mb.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return err
}

const mailboxColumns = `id, user_id, address, provider, credentials_ref, active, last_sync_at, created_at`

// GetMailbox returns one mailbox.
func (s *Postgres) GetMailbox(ctx context.Context, id string) (*models.Mailbox, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE id = $1`, id)
	mb, err := scanMailbox(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return mb, err
}

// ListActiveMailboxes returns every active mailbox.
func (s *Postgres) ListActiveMailboxes(ctx context.Context) ([]models.Mailbox, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+mailboxColumns+` FROM mailboxes WHERE active ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *mb)
	}
	return out, rows.Err()
}

// AdvanceSyncCursor sets last_sync_at unless it is already later.
func (s *Postgres) AdvanceSyncCursor(ctx context.Context, mailboxID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mailboxes
		SET last_sync_at = GREATEST(COALESCE(last_sync_at, $2), $2)
		WHERE id = $1
	`, mailboxID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMailbox(row pgx.Row) (*models.Mailbox, error) {
	var mb models.Mailbox
	if err := row.Scan(
		&mb.ID, &mb.UserID, &mb.Address, &mb.Provider, &mb.CredentialsRef,
		&mb.Active, &mb.LastSyncAt, &mb.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &mb, nil
}

// --- inbound messages ---

// MessageExists reports whether a provider message ID is already stored.
func (s *Postgres) MessageExists(ctx context.Context, providerMessageID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM inbound_messages WHERE provider_message_id = $1)`,
		providerMessageID,
	).Scan(&exists)
	return exists, err
}

// InsertMessage stores a message; a duplicate provider ID is a no-op.
func (s *Postgres) InsertMessage(ctx context.Context, msg *models.InboundMessage) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Priority == "" {
		msg.Priority = "normal"
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inbound_messages
			(id, mailbox_id, provider_message_id, thread_id, sender, recipient, cc, bcc,
			 subject, body_text, received_at, processed, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE, $12)
		ON CONFLICT (provider_message_id) DO NOTHING
		RETURNING created_at
	`, msg.ID, msg.MailboxID, msg.ProviderMessageID, msg.ThreadID, msg.Sender, msg.Recipient,
		msg.CC, msg.BCC, msg.Subject, msg.BodyText, msg.ReceivedAt, msg.Priority,
	).Scan(&msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const messageColumns = `id, mailbox_id, provider_message_id, thread_id, sender, recipient, cc, bcc,
	subject, body_text, received_at, processed, priority, created_at`

// GetMessage returns one message by internal ID.
func (s *Postgres) GetMessage(ctx context.Context, id string) (*models.InboundMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM inbound_messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// ListUnprocessedMessages returns messages without a draft, oldest first.
func (s *Postgres) ListUnprocessedMessages(ctx context.Context, limit int) ([]models.InboundMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM inbound_messages
		WHERE NOT processed
		ORDER BY received_at, id
		LIMIT $1
	`, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.InboundMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func scanMessage(row pgx.Row) (*models.InboundMessage, error) {
	var m models.InboundMessage
	if err := row.Scan(
		&m.ID, &m.MailboxID, &m.ProviderMessageID, &m.ThreadID, &m.Sender, &m.Recipient,
		&m.CC, &m.BCC, &m.Subject, &m.BodyText, &m.ReceivedAt, &m.Processed, &m.Priority,
		&m.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// --- drafts ---

// CreateDraft inserts a draft and flips its message to processed in one
// transaction.
func (s *Postgres) CreateDraft(ctx context.Context, d *models.Draft) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ComplianceFlags == nil {
		d.ComplianceFlags = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE inbound_messages SET processed = TRUE, priority = $2
		WHERE id = $1 AND NOT processed
	`, d.MessageID, d.Priority)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inbound_messages WHERE id = $1)`, d.MessageID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO drafts
			(id, message_id, subject, body_text, tone, body_hash, external_draft_ref,
			 status, version, priority, compliance_flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, d.ID, d.MessageID, d.Subject, d.BodyText, d.Tone, d.BodyHash, d.ExternalDraftRef,
		string(d.Status), d.Version, d.Priority, d.ComplianceFlags,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}

	return tx.Commit(ctx)
}

const draftColumns = `id, message_id, subject, body_text, tone, body_hash, external_draft_ref,
	status, version, priority, compliance_flags, created_at, updated_at`

// GetDraft returns one draft.
func (s *Postgres) GetDraft(ctx context.Context, id string) (*models.Draft, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = $1`, id)
	d, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDrafts returns drafts, newest first, optionally filtered by status.
func (s *Postgres) ListDrafts(ctx context.Context, status models.DraftStatus, limit int) ([]models.Draft, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+draftColumns+`
		FROM drafts
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, string(status), listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// TransitionDraft is a compare-and-set on the status column.
func (s *Postgres) TransitionDraft(ctx context.Context, id string, from, to models.DraftStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drafts SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// ReviseDraft replaces the body of a pending draft at the expected version.
func (s *Postgres) ReviseDraft(ctx context.Context, id string, expectedVersion int, body, hash string) (*models.Draft, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE drafts
		SET body_text = $3, body_hash = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = 'pending_approval'
		RETURNING `+draftColumns,
		id, expectedVersion, body, hash,
	)
	d, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missingOrConflict(ctx, id)
	}
	return d, err
}

// SetExternalRef records the provider-side draft ID.
func (s *Postgres) SetExternalRef(ctx context.Context, id, ref string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE drafts SET external_draft_ref = $2, updated_at = NOW() WHERE id = $1
	`, id, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM drafts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanDraft(row pgx.Row) (*models.Draft, error) {
	var d models.Draft
	var status string
	if err := row.Scan(
		&d.ID, &d.MessageID, &d.Subject, &d.BodyText, &d.Tone, &d.BodyHash, &d.ExternalDraftRef,
		&status, &d.Version, &d.Priority, &d.ComplianceFlags, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Status = models.DraftStatus(status)
	return &d, nil
}

// --- approval actions ---

// AppendApprovalAction records a reviewer decision.
func (s *Postgres) AppendApprovalAction(ctx context.Context, a *models.ApprovalAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO approval_actions (id, draft_id, reviewer_id, action, comment, channel_id, message_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, a.ID, a.DraftID, a.ReviewerID, string(a.Action), a.Comment, a.ChannelID, a.MessageRef).
		Scan(&a.CreatedAt)
}

// ListApprovalActions returns the audit trail of a draft, oldest first.
func (s *Postgres) ListApprovalActions(ctx context.Context, draftID string) ([]models.ApprovalAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, draft_id, reviewer_id, action, comment, channel_id, message_ref, created_at
		FROM approval_actions
		WHERE draft_id = $1
		ORDER BY created_at, id
	`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ApprovalAction
	for rows.Next() {
		var a models.ApprovalAction
		var action string
		if err := rows.Scan(&a.ID, &a.DraftID, &a.ReviewerID, &action, &a.Comment,
			&a.ChannelID, &a.MessageRef, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Action = models.ActionKind(action)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- policy tables ---

// LoadPolicyTables reads every kb_* table in insertion order.
func (s *Postgres) LoadPolicyTables(ctx context.Context) (*policy.Tables, error) {
	t := &policy.Tables{}

	rows, err := s.pool.Query(ctx, `SELECT email_pattern, name, priority, special_instructions FROM kb_vips ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("vips: %w", err)
	}
	t.VIPs, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.VIPRule, error) {
		var v models.VIPRule
		err := r.Scan(&v.Pattern, &v.Name, &v.Priority, &v.SpecialInstructions)
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("vips: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT rule_name, description, pattern, action, is_active FROM kb_compliance ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("compliance: %w", err)
	}
	t.Compliance, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.ComplianceRule, error) {
		var c models.ComplianceRule
		err := r.Scan(&c.Name, &c.Description, &c.Pattern, &c.Action, &c.Active)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("compliance: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT name, description, prompt_template, is_default FROM kb_tones ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("tones: %w", err)
	}
	t.Tones, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.ToneTemplate, error) {
		var tone models.ToneTemplate
		err := r.Scan(&tone.Name, &tone.Description, &tone.PromptTemplate, &tone.Default)
		return tone, err
	})
	if err != nil {
		return nil, fmt.Errorf("tones: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT name, content_text, content_html, language, is_default FROM kb_signatures ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("signatures: %w", err)
	}
	t.Signatures, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (models.Signature, error) {
		var sig models.Signature
		err := r.Scan(&sig.Name, &sig.ContentText, &sig.ContentHTML, &sig.Language, &sig.Default)
		return sig, err
	})
	if err != nil {
		return nil, fmt.Errorf("signatures: %w", err)
	}

	return t, nil
}

var _ Store = (*Postgres)(nil)
