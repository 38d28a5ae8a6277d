package auth

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/skillswap/backend/internal/apperrors"
	"github.com/skillswap/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// UserStore is the user persistence the auth service needs.
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	MarkLogin(ctx context.Context, id uuid.UUID) error
}

type Service interface {
	Register(ctx context.Context, username, email, password string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, *models.User, error)
	ValidateToken(ctx context.Context, token string) (*models.User, error)
}

type service struct {
	users  UserStore
	secret []byte
}

func NewService(users UserStore) *service {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "supersecretmvp"
	}
	return &service{users: users, secret: []byte(secret)}
}

var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

func (s *service) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	if len(password) < 8 {
		return nil, apperrors.New(apperrors.Validation, "password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Roles:        []string{models.RoleUser},
		Status:       models.UserStatusActive,
		Wallet:       models.Wallet{Currency: "USD"},
	}
	if err := s.users.Create(ctx, u); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return u, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, *models.User, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, apperrors.New(apperrors.Unauthorized, "invalid credentials")
		}
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, apperrors.New(apperrors.Unauthorized, "invalid credentials")
	}
	if u.Status != models.UserStatusActive {
		return "", nil, apperrors.New(apperrors.Unauthorized, "account is not active")
	}
	token, err := s.issueToken(u)
	if err != nil {
		return "", nil, err
	}
	if err := s.users.MarkLogin(ctx, u.ID); err != nil {
		return "", nil, err
	}
	return token, u, nil
}

func (s *service) issueToken(u *models.User) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: u.Roles,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// ValidateToken parses the token and loads the current user record, so role
// and status changes take effect on the next request, not at token expiry.
func (s *service) ValidateToken(ctx context.Context, token string) (*models.User, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, apperrors.New(apperrors.Unauthorized, "invalid token")
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, apperrors.New(apperrors.Unauthorized, "invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, apperrors.New(apperrors.Unauthorized, "invalid token subject")
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.New(apperrors.Unauthorized, "unknown user")
		}
		return nil, err
	}
	if u.Status != models.UserStatusActive {
		return nil, apperrors.New(apperrors.Unauthorized, "account is not active")
	}
	return u, nil
}
