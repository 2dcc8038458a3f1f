package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/chatnotes/chat"
	"github.com/onnwee/chatnotes/crypto"
)

// BotCredentialName is the credentials row holding the upstream bot token.
const BotCredentialName = "discord_bot"

// CredentialStore keeps named secrets. With a Sealer, secrets are stored
// encrypted (encryption_version=1); without one they are plaintext (0).
type CredentialStore struct {
	DB     *sql.DB
	Sealer *crypto.Sealer
}

// Put stores or replaces a secret.
func (s *CredentialStore) Put(ctx context.Context, name, secret string) error {
	version, keyID, stored := 0, "", secret
	if s.Sealer != nil {
		sealed, err := s.Sealer.Seal(secret, name)
		if err != nil {
			return fmt.Errorf("seal credential %s: %w", name, err)
		}
		version, keyID, stored = 1, s.Sealer.KeyID(), sealed
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO credentials(name, secret, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,NOW())
		ON CONFLICT(name) DO UPDATE SET
			secret=EXCLUDED.secret,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`, name, stored, version, keyID)
	return err
}

// Get returns the secret, or "" when none is stored.
func (s *CredentialStore) Get(ctx context.Context, name string) (string, error) {
	var (
		secret  string
		version int
		keyID   sql.NullString
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT secret, encryption_version, encryption_key_id FROM credentials WHERE name=$1`, name).
		Scan(&secret, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if version == 0 {
		return secret, nil
	}
	if s.Sealer == nil {
		return "", fmt.Errorf("credential %s is encrypted but ENCRYPTION_KEY not configured", name)
	}
	if keyID.Valid && keyID.String != "" && keyID.String != s.Sealer.KeyID() {
		slog.Warn("credential sealed with a different key id",
			slog.String("name", name), slog.String("stored_key_id", keyID.String), slog.String("component", "db_credentials"))
	}
	return s.Sealer.Open(secret, name)
}

// BotCredential returns a chat.CredentialSource preferring the stored bot
// token and falling back to the configured one.
func (s *CredentialStore) BotCredential(fallback string) chat.CredentialSource {
	return func(ctx context.Context) (string, error) {
		tok, err := s.Get(ctx, BotCredentialName)
		if err != nil {
			return "", err
		}
		if tok != "" {
			return tok, nil
		}
		return fallback, nil
	}
}

// SealReport summarizes a SealPlaintext run.
type SealReport struct {
	Found  int
	Sealed int
	Failed int
}

// SealPlaintext re-stores every plaintext credential (encryption_version=0)
// sealed with s.Sealer. With dryRun it only counts them.
func (s *CredentialStore) SealPlaintext(ctx context.Context, dryRun bool) (SealReport, error) {
	var rep SealReport
	if s.Sealer == nil {
		return rep, &chat.ConfigurationError{Field: "ENCRYPTION_KEY"}
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT name, secret FROM credentials WHERE encryption_version = 0 ORDER BY name`)
	if err != nil {
		return rep, fmt.Errorf("query plaintext credentials: %w", err)
	}
	type row struct{ name, secret string }
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.name, &r.secret); err != nil {
			rows.Close()
			return rep, fmt.Errorf("scan credential: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rep, fmt.Errorf("iterate credentials: %w", err)
	}
	rep.Found = len(pending)
	if dryRun {
		return rep, nil
	}

	for _, r := range pending {
		logger := slog.With(slog.String("name", r.name), slog.String("component", "db_credentials"))
		if err := s.sealOne(ctx, r.name, r.secret); err != nil {
			logger.Error("failed to seal credential", slog.Any("err", err))
			rep.Failed++
			continue
		}
		logger.Info("sealed credential")
		rep.Sealed++
	}
	if rep.Failed > 0 {
		return rep, fmt.Errorf("sealing completed with %d errors", rep.Failed)
	}
	return rep, nil
}

func (s *CredentialStore) sealOne(ctx context.Context, name, secret string) error {
	sealed, err := s.Sealer.Seal(secret, name)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE credentials
		SET secret=$1, encryption_version=1, encryption_key_id=$2, updated_at=NOW()
		WHERE name=$3 AND encryption_version=0`, sealed, s.Sealer.KeyID(), name)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (credential may have been modified concurrently)", n)
	}
	return nil
}

// EncryptionStatus counts stored credentials per encryption_version.
func (s *CredentialStore) EncryptionStatus(ctx context.Context) (map[int]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT encryption_version, COUNT(*) FROM credentials GROUP BY encryption_version ORDER BY encryption_version`)
	if err != nil {
		return nil, fmt.Errorf("query encryption status: %w", err)
	}
	defer rows.Close()
	out := map[int]int{}
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return nil, fmt.Errorf("scan encryption status: %w", err)
		}
		out[version] = count
	}
	return out, rows.Err()
}
