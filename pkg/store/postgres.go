package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres implements Store on top of a Postgres database. Writes use
// upserts and guarded updates keyed by phone number or conversation id, so
// concurrent call sessions never need coordination beyond the database's
// own row-level atomicity.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres using dsn and verifies the connection. Caller
// must Close when done.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle for migrations.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) CreateOrGetUser(ctx context.Context, phone string) (*User, error) {
	const q = `
		INSERT INTO users (phone, created_at, updated_at)
		VALUES ($1, now(), now())
		ON CONFLICT (phone) DO UPDATE SET updated_at = now()
		RETURNING phone, COALESCE(name, ''), COALESCE(email, ''), COALESCE(booking_state, 'idle'), created_at, updated_at`
	u := &User{}
	err := p.db.QueryRowContext(ctx, q, phone).Scan(&u.Phone, &u.Name, &u.Email, &u.BookingState, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create or get user: %w", err)
	}
	return u, nil
}

func (p *Postgres) UpdateUserName(ctx context.Context, phone, name string) error {
	const q = `
		UPDATE users SET name = $2, updated_at = now()
		WHERE phone = $1 AND (name IS NULL OR name = '')`
	if _, err := p.db.ExecContext(ctx, q, phone, name); err != nil {
		return fmt.Errorf("update user name: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateUserEmail(ctx context.Context, phone, email string) error {
	const q = `
		UPDATE users SET email = $2, updated_at = now()
		WHERE phone = $1 AND (email IS NULL OR email = '')`
	if _, err := p.db.ExecContext(ctx, q, phone, email); err != nil {
		return fmt.Errorf("update user email: %w", err)
	}
	return nil
}

func (p *Postgres) CreateConversation(ctx context.Context, phone, callID string) (*Conversation, error) {
	const q = `
		INSERT INTO conversations (id, phone, dialogue, started_at)
		VALUES ($1, $2, '[]'::jsonb, now())
		ON CONFLICT (id) DO UPDATE SET phone = EXCLUDED.phone
		RETURNING id, phone, started_at`
	c := &Conversation{}
	if err := p.db.QueryRowContext(ctx, q, callID, phone).Scan(&c.ID, &c.Phone, &c.StartedAt); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (p *Postgres) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	const q = `
		UPDATE conversations SET
			last_question = COALESCE($2, last_question),
			last_answer   = COALESCE($3, last_answer),
			dialogue      = COALESCE($4, dialogue)
		WHERE id = $1`
	var dialogueJSON any
	if upd.Dialogue != nil {
		raw, err := json.Marshal(upd.Dialogue)
		if err != nil {
			return fmt.Errorf("encode dialogue: %w", err)
		}
		dialogueJSON = raw
	}
	if _, err := p.db.ExecContext(ctx, q, id, upd.LastQuestion, upd.LastAnswer, dialogueJSON); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (p *Postgres) FinalizeConversation(ctx context.Context, id string, dialogue []DialogueTurn, summary string) error {
	raw, err := json.Marshal(dialogue)
	if err != nil {
		return fmt.Errorf("encode dialogue: %w", err)
	}
	const q = `
		UPDATE conversations SET dialogue = $2, summary = $3, ended_at = now()
		WHERE id = $1`
	if _, err := p.db.ExecContext(ctx, q, id, raw, summary); err != nil {
		return fmt.Errorf("finalize conversation: %w", err)
	}
	return nil
}

func (p *Postgres) GetLastConversation(ctx context.Context, phone string) (*Conversation, error) {
	const q = `
		SELECT id, phone, COALESCE(last_question, ''), COALESCE(last_answer, ''),
		       dialogue, COALESCE(summary, ''), started_at, ended_at
		FROM conversations
		WHERE phone = $1 AND ended_at IS NOT NULL
		ORDER BY ended_at DESC
		LIMIT 1`
	c := &Conversation{}
	var raw []byte
	var endedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, q, phone).Scan(&c.ID, &c.Phone, &c.LastQuestion, &c.LastAnswer, &raw, &c.Summary, &c.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last conversation: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Dialogue); err != nil {
			return nil, fmt.Errorf("decode dialogue: %w", err)
		}
	}
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return c, nil
}

func (p *Postgres) CreateBooking(ctx context.Context, b *Booking) error {
	const q = `
		INSERT INTO bookings (phone, conversation_id, external_event_id, scheduled_time, email, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (conversation_id, external_event_id) DO NOTHING`
	if _, err := p.db.ExecContext(ctx, q, b.Phone, b.ConversationID, b.ExternalEventID, b.ScheduledTime.UTC(), b.Email); err != nil {
		return fmt.Errorf("create booking: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateBookingState(ctx context.Context, phone, state string) error {
	const q = `UPDATE users SET booking_state = $2, updated_at = now() WHERE phone = $1`
	if _, err := p.db.ExecContext(ctx, q, phone, state); err != nil {
		return fmt.Errorf("update booking state: %w", err)
	}
	return nil
}

var _ Store = (*Postgres)(nil)
