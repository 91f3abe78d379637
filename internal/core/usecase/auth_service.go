package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/deltaledger/internal/core/domain"
	"github.com/atvirokodosprendimai/deltaledger/internal/core/ports"
)

var ErrUnauthorized = errors.New("unauthorized")

const tokenPrefix = "dl_"

type userCtxKey struct{}

// ContextWithUser marks ctx as acting for userID. Ledger events written under
// ctx are attributed to that user.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// UserFromContext returns the user ctx acts for, or "" for anonymous work.
func UserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userCtxKey{}).(string)
	return user
}

// AuthService maps API keys to the users that ledger events and views are
// recorded against. It is the ports.UserProvider of an authenticated server.
type AuthService struct {
	repo ports.APIKeyRepository
	now  func() time.Time
}

func NewAuthService(repo ports.APIKeyRepository) *AuthService {
	return &AuthService{repo: repo, now: time.Now}
}

// Authenticate resolves a token to its active API key and returns ctx bound
// to the key's user.
func (s *AuthService) Authenticate(ctx context.Context, token string) (context.Context, domain.APIKey, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return ctx, domain.APIKey{}, ErrUnauthorized
	}

	apiKey, err := s.repo.FindByTokenHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ctx, domain.APIKey{}, ErrUnauthorized
		}
		return ctx, domain.APIKey{}, err
	}
	if !apiKey.Active || apiKey.UserID == "" {
		return ctx, domain.APIKey{}, ErrUnauthorized
	}
	return ContextWithUser(ctx, apiKey.UserID), apiKey, nil
}

func (s *AuthService) CurrentUser(ctx context.Context) string {
	return UserFromContext(ctx)
}

// Register stores token as an active key for userID, replacing any key with
// the same token.
func (s *AuthService) Register(ctx context.Context, token, userID, name string) (domain.APIKey, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.APIKey{}, fmt.Errorf("%w: empty token", domain.ErrInvalidID)
	}
	if err := domain.ValidateID(userID); err != nil {
		return domain.APIKey{}, fmt.Errorf("user: %w", err)
	}
	if name == "" {
		name = userID
	}

	key := domain.APIKey{
		TokenHash: HashToken(token),
		UserID:    userID,
		Name:      name,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Upsert(ctx, key); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// Issue generates a fresh token for userID. The token is only ever returned
// here; the store keeps its hash.
func (s *AuthService) Issue(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	token := tokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	key, err := s.Register(ctx, token, userID, name)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return token, key, nil
}

// Revoke deactivates the key for token. Events already attributed to its user
// are untouched.
func (s *AuthService) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrUnauthorized
	}
	return s.repo.Deactivate(ctx, HashToken(token))
}

func (s *AuthService) Keys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	if err := domain.ValidateID(userID); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	return s.repo.ListByUser(ctx, userID)
}

func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
