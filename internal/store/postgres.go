package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"altar/api/internal/apperr"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const altarColumns = `id, room_id, title, description, owner_id, tags, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAltar(row rowScanner, extra ...any) (Altar, error) {
	var item Altar
	var tags []byte
	dest := append([]any{&item.ID, &item.RoomID, &item.Title, &item.Description, &item.OwnerID, &tags, &item.CreatedAt, &item.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Altar{}, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &item.Tags); err != nil {
			return Altar{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) GetAltarByRoomID(ctx context.Context, roomID string) (Altar, error) {
	item, err := scanAltar(s.db.QueryRowContext(ctx, `SELECT `+altarColumns+` FROM altars WHERE room_id=$1`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return Altar{}, apperr.NotFound("altar for room %q", roomID)
	}
	if err != nil {
		return Altar{}, apperr.Transient(err, "get altar")
	}
	return item, nil
}

// LiveShareCapability reports the best capability among non-expired shares.
// A single row is read; edit shares sort first.
func (s *PostgresStore) LiveShareCapability(ctx context.Context, altarID string, now time.Time) (string, bool, error) {
	var capability string
	err := s.db.QueryRowContext(ctx, `
		SELECT capability
		FROM altar_shares
		WHERE altar_id=$1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY (capability = 'edit') DESC
		LIMIT 1
	`, altarID, now).Scan(&capability)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Transient(err, "check public share")
	}
	return capability, true, nil
}

func (s *PostgresStore) GetActiveMembership(ctx context.Context, altarID, userID string) (*Membership, error) {
	var item Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT id, altar_id, user_id, role, status, created_at, updated_at
		FROM memberships
		WHERE altar_id=$1 AND user_id=$2 AND status='active'
	`, altarID, userID).Scan(&item.ID, &item.AltarID, &item.UserID, &item.Role, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient(err, "get membership")
	}
	return &item, nil
}

func (s *PostgresStore) CountOtherActiveMemberships(ctx context.Context, altarID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships WHERE altar_id=$1 AND user_id<>$2 AND status='active'
	`, altarID, userID).Scan(&count)
	if err != nil {
		return 0, apperr.Transient(err, "count memberships")
	}
	return count, nil
}

// CreateAltar inserts the altar and its owner membership in one transaction.
func (s *PostgresStore) CreateAltar(ctx context.Context, altar Altar, ownerMembershipID string) error {
	tags, err := json.Marshal(nonNilTags(altar.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient(err, "begin create altar")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO altars (id, room_id, title, description, owner_id, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, altar.ID, altar.RoomID, altar.Title, altar.Description, altar.OwnerID, tags, altar.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("altar for room %s already exists", altar.RoomID)
		}
		return apperr.Transient(err, "insert altar")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (id, altar_id, user_id, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'owner', 'active', $4, $4)
	`, ownerMembershipID, altar.ID, altar.OwnerID, altar.CreatedAt); err != nil {
		return apperr.Transient(err, "insert owner membership")
	}
	if err := tx.Commit(); err != nil {
		return apperr.Transient(err, "commit create altar")
	}
	return nil
}

func (s *PostgresStore) UpdateAltar(ctx context.Context, altar Altar) error {
	tags, err := json.Marshal(nonNilTags(altar.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE altars SET title=$2, description=$3, tags=$4, updated_at=$5 WHERE id=$1
	`, altar.ID, altar.Title, altar.Description, tags, altar.UpdatedAt)
	if err != nil {
		return apperr.Transient(err, "update altar")
	}
	return nil
}

// DeleteAltar removes the altar with every membership (pending and removed
// included) and share. It refuses with Conflict while any member other than
// ownerID is active; the altar row lock serializes the check against
// concurrent membership writes.
func (s *PostgresStore) DeleteAltar(ctx context.Context, altarID, ownerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Transient(err, "begin delete altar")
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM altars WHERE id=$1 FOR UPDATE`, altarID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("altar %s", altarID)
	}
	if err != nil {
		return apperr.Transient(err, "lock altar")
	}
	var others int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships WHERE altar_id=$1 AND user_id<>$2 AND status='active'
	`, altarID, ownerID).Scan(&others)
	if err != nil {
		return apperr.Transient(err, "count memberships")
	}
	if others > 0 {
		return apperr.Conflict("altar has %d other active members; remove them first", others)
	}

	for _, stmt := range []string{
		`DELETE FROM memberships WHERE altar_id=$1`,
		`DELETE FROM altar_shares WHERE altar_id=$1`,
		`DELETE FROM altars WHERE id=$1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, altarID); err != nil {
			return apperr.Transient(err, "delete altar")
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Transient(err, "commit delete altar")
	}
	return nil
}

// UpsertMembership adds a member or reactivates a removed one. The owner row
// is never touched.
func (s *PostgresStore) UpsertMembership(ctx context.Context, item Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (id, altar_id, user_id, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (altar_id, user_id) DO UPDATE
		SET role=EXCLUDED.role, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at
		WHERE memberships.role <> 'owner'
	`, item.ID, item.AltarID, item.UserID, item.Role, item.Status, item.CreatedAt)
	if err != nil {
		return apperr.Transient(err, "upsert membership")
	}
	return nil
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, altarID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET status='removed', updated_at=NOW()
		WHERE altar_id=$1 AND user_id=$2 AND role<>'owner' AND status<>'removed'
	`, altarID, userID)
	if err != nil {
		return false, apperr.Transient(err, "remove membership")
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ListMemberships(ctx context.Context, altarID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, altar_id, user_id, role, status, created_at, updated_at
		FROM memberships
		WHERE altar_id=$1
		ORDER BY created_at ASC
	`, altarID)
	if err != nil {
		return nil, apperr.Transient(err, "list memberships")
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.ID, &item.AltarID, &item.UserID, &item.Role, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertShare(ctx context.Context, share PublicShare) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO altar_shares (id, altar_id, capability, created_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, share.ID, share.AltarID, share.Capability, share.CreatedBy, share.ExpiresAt, share.CreatedAt)
	if err != nil {
		return apperr.Transient(err, "insert share")
	}
	return nil
}

func (s *PostgresStore) DeleteShare(ctx context.Context, altarID, shareID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM altar_shares WHERE altar_id=$1 AND id=$2`, altarID, shareID)
	if err != nil {
		return false, apperr.Transient(err, "delete share")
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresStore) ListShares(ctx context.Context, altarID string) ([]PublicShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, altar_id, capability, created_by, expires_at, created_at
		FROM altar_shares
		WHERE altar_id=$1
		ORDER BY created_at ASC
	`, altarID)
	if err != nil {
		return nil, apperr.Transient(err, "list shares")
	}
	defer rows.Close()

	items := make([]PublicShare, 0)
	for rows.Next() {
		var item PublicShare
		var expiresAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.AltarID, &item.Capability, &item.CreatedBy, &expiresAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		if expiresAt.Valid {
			item.ExpiresAt = &expiresAt.Time
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shares: %w", err)
	}
	return items, nil
}

// ListMemberAltars returns altars the user owns or edits.
func (s *PostgresStore) ListMemberAltars(ctx context.Context, userID string) ([]AltarWithRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.room_id, a.title, a.description, a.owner_id, a.tags, a.created_at, a.updated_at, m.role
		FROM memberships m
		JOIN altars a ON a.id = m.altar_id
		WHERE m.user_id=$1 AND m.status='active' AND m.role IN ('owner', 'editor')
		ORDER BY a.updated_at DESC
	`, userID)
	if err != nil {
		return nil, apperr.Transient(err, "list altars")
	}
	defer rows.Close()

	items := make([]AltarWithRole, 0)
	for rows.Next() {
		var role string
		altar, err := scanAltar(rows, &role)
		if err != nil {
			return nil, fmt.Errorf("scan altar: %w", err)
		}
		items = append(items, AltarWithRole{Altar: altar, Role: role})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate altars: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
