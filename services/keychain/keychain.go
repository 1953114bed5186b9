// Package keychain stores per-user platform credentials and hands them
// to fetchers as auth contexts. Reads go through a short-lived cache so
// a sync spanning many sources does not hammer the database.
package keychain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "embed"

	"classly-backend/lib/timezone"
	"classly-backend/services/platforms"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("services/keychain")

//go:embed schema.sql
var Schema string

var ErrNoCredentials = errors.New("no credentials on file")

type Credential struct {
	Platform platforms.Tag
	UserID   string
	Cookie   string
	Token    string
}

type Service struct {
	db    *sql.DB
	cache *expirable.LRU[string, Credential]
}

func NewService(database *sql.DB) Service {
	return Service{
		db:    database,
		cache: expirable.NewLRU[string, Credential](2048, nil, time.Minute*15),
	}
}

// Open opens (or creates) a standalone keychain database at path.
func Open(path string) (Service, error) {
	database, err := sql.Open("sqlite", path)
	if err != nil {
		return Service{}, err
	}
	_, err = database.Exec(Schema)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return Service{}, err
	}
	return NewService(database), nil
}

func cacheKey(platform platforms.Tag, userID string) string {
	return fmt.Sprintf("%s:%s", platform, userID)
}

func (s Service) Set(ctx context.Context, cred Credential) error {
	ctx, span := tracer.Start(ctx, "Set")
	defer span.End()
	span.SetAttributes(
		attribute.String("platform", string(cred.Platform)),
		attribute.String("user_id", cred.UserID),
	)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (platform, user_id, cookie, token, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (platform, user_id) DO UPDATE
		SET cookie = excluded.cookie, token = excluded.token,
		    updated_at = excluded.updated_at
	`, string(cred.Platform), cred.UserID, cred.Cookie, cred.Token, timezone.Now().Unix())
	if err != nil {
		return err
	}
	s.cache.Remove(cacheKey(cred.Platform, cred.UserID))
	return nil
}

func (s Service) Get(ctx context.Context, platform platforms.Tag, userID string) (Credential, error) {
	key := cacheKey(platform, userID)
	if cached, hit := s.cache.Get(key); hit {
		return cached, nil
	}

	var cred Credential
	var rawPlatform string
	err := s.db.QueryRowContext(ctx, `
		SELECT platform, user_id, cookie, token FROM credentials
		WHERE platform = ? AND user_id = ?
	`, string(platform), userID).Scan(&rawPlatform, &cred.UserID, &cred.Cookie, &cred.Token)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNoCredentials
	}
	if err != nil {
		return Credential{}, err
	}
	cred.Platform = platforms.Tag(rawPlatform)

	s.cache.Add(key, cred)
	return cred, nil
}

func (s Service) Delete(ctx context.Context, platform platforms.Tag, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM credentials WHERE platform = ? AND user_id = ?
	`, string(platform), userID)
	s.cache.Remove(cacheKey(platform, userID))
	return err
}

// AuthFor resolves the auth context a fetcher needs. A missing
// credential is not an error here; scraping public pages with an empty
// auth context is allowed and the platform decides whether to reject it.
func (s Service) AuthFor(ctx context.Context, platform platforms.Tag, userID string) (platforms.AuthContext, error) {
	cred, err := s.Get(ctx, platform, userID)
	if errors.Is(err, ErrNoCredentials) {
		return platforms.AuthContext{UserID: userID}, nil
	}
	if err != nil {
		return platforms.AuthContext{}, err
	}
	return platforms.AuthContext{
		UserID: userID,
		Cookie: cred.Cookie,
		Token:  cred.Token,
	}, nil
}
