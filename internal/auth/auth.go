package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/peyk/internal/models"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var (
	ErrUsernameTaken      = models.Invalid("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = models.Missing("user not found")
)

type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func New(db *sql.DB, jwtSecret string) *Service {
	return NewWithTokenTTL(db, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(db *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		db:        db,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// ValidateUsername applies the signup rules to a username.
func ValidateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 32 {
		return "", models.Invalid("username must be between 3 and 32 characters")
	}
	if !usernamePattern.MatchString(username) {
		return "", models.Invalid("username can only contain letters, numbers, and underscores")
	}
	return username, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Register creates a user and returns its id. The user starts offline.
func (s *Service) Register(ctx context.Context, username, password string) (string, error) {
	username, err := ValidateUsername(username)
	if err != nil {
		return "", err
	}
	if len(password) < 6 {
		return "", models.Invalid("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	// uuids never contain the conversation separator
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, online) VALUES (?, ?, ?, 0)",
		id, username, string(hash),
	)
	if isUniqueViolation(err) {
		return "", ErrUsernameTaken
	}
	if err != nil {
		return "", fmt.Errorf("failed to register user: %w", err)
	}

	return id, nil
}

// Login checks credentials and returns a signed token and the user id.
func (s *Service) Login(ctx context.Context, username, password string) (string, string, error) {
	username = strings.TrimSpace(username)

	var userID, storedName, passwordHash string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, password_hash FROM users WHERE username = ?",
		username,
	).Scan(&userID, &storedName, &passwordHash)
	if err == sql.ErrNoRows {
		return "", "", ErrInvalidCredentials
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", "", ErrInvalidCredentials
	}

	token, err := s.GenerateToken(userID, storedName)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	return token, userID, nil
}

func (s *Service) GenerateToken(userID, username string) (string, error) {
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

const userColumns = "id, username, online, last_seen, created_at"

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var (
		u        models.User
		lastSeen sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Online, &lastSeen, &u.CreatedAt); err != nil {
		return models.User{}, err
	}
	if lastSeen.Valid {
		u.LastSeen = time.Unix(0, lastSeen.Int64).UTC()
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", userID))
	if err == sql.ErrNoRows {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

// ListUsers returns every user ordered by username.
func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY username COLLATE NOCASE")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// RenameUser changes a username under the signup rules.
func (s *Service) RenameUser(ctx context.Context, userID, newName string) (string, error) {
	newName, err := ValidateUsername(newName)
	if err != nil {
		return "", err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET username = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		newName, userID,
	)
	if isUniqueViolation(err) {
		return "", ErrUsernameTaken
	}
	if err != nil {
		return "", fmt.Errorf("failed to update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrUserNotFound
	}
	return newName, nil
}

// UserExists checks if a user with the given ID exists
func (s *Service) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return exists, nil
}
