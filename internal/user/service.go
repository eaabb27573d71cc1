package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"carrier-chat/internal/apperr"
	"carrier-chat/internal/cache"
)

const issuer = "carrier-chat"

var ErrSessionRevoked = errors.New("session expired or logged out")

// Store is implemented by *Repository.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

// Sessions is implemented by *cache.HotCache.
type Sessions interface {
	SetSession(ctx context.Context, id string, s cache.Session, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (cache.Session, bool, error)
	DeleteSession(ctx context.Context, id string) error
}

type Options struct {
	JWTSecret  string
	TokenTTL   time.Duration
	BcryptCost int
}

type Service struct {
	repo     Store
	sessions Sessions
	opts     Options
	log      zerolog.Logger
}

type MyJWTClaims struct {
	ID       int    `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, sessions Sessions, opts Options, log zerolog.Logger) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		repo:     repo,
		sessions: sessions,
		opts:     opts,
		log:      log.With().Str("component", "user").Logger(),
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)
	if username == "" || email == "" || req.Password == "" {
		return nil, apperr.New(apperr.BadRequest, "username, email and password are required")
	}
	if !strings.Contains(email, "@") {
		return nil, apperr.New(apperr.BadRequest, "invalid email address")
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.opts.BcryptCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "hashing password failed", err)
	}

	u := &User{
		Username: username,
		Email:    email,
		Password: string(hashedPwd),
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, apperr.New(apperr.Conflict, ErrDuplicate.Error())
		}
		return nil, apperr.Wrap(apperr.Internal, "creating user failed", err)
	}

	s.log.Info().Int("user_id", u.ID).Str("username", u.Username).Msg("user registered")
	return &User{ID: u.ID, Username: u.Username, Email: u.Email}, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	invalid := apperr.New(apperr.Unauthorized, "invalid credentials")

	u, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid
		}
		return nil, apperr.Wrap(apperr.Internal, "user lookup failed", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, invalid
	}

	now := time.Now()
	jti := ulid.Make().String()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    issuer,
			Subject:   fmt.Sprint(u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.opts.JWTSecret))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "signing token failed", err)
	}

	if err := s.sessions.SetSession(ctx, jti, cache.Session{UserID: u.ID, Username: u.Username}, s.opts.TokenTTL); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "session store unavailable", err)
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

func (s *Service) parse(tokenString string) (*MyJWTClaims, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.opts.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.RegisteredClaims.ID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// ValidateToken checks the signature and expiry and that the session behind
// the token still exists.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (int, string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return 0, "", err
	}

	sess, ok, err := s.sessions.GetSession(ctx, claims.RegisteredClaims.ID)
	if err != nil {
		return 0, "", fmt.Errorf("session lookup: %w", err)
	}
	if !ok || sess.UserID != claims.ID {
		return 0, "", ErrSessionRevoked
	}
	return claims.ID, claims.Username, nil
}

func (s *Service) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return apperr.Wrap(apperr.Unauthorized, "invalid token", err)
	}
	if err := s.sessions.DeleteSession(ctx, claims.RegisteredClaims.ID); err != nil {
		return apperr.Wrap(apperr.Unavailable, "session store unavailable", err)
	}
	return nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []User{}, nil
	}
	users, err := s.repo.SearchUsers(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "user search failed", err)
	}
	return users, nil
}
