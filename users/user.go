// Package users persists accounts. Authentication lives in package auth.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tubevault/db"
)

// User is an account. Telegram-only accounts have an empty Email and an
// empty HashedPassword, which never verifies.
type User struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	HashedPassword   string     `json:"-"`
	LastLogin        *time.Time `json:"last_login"`
	IsActive         bool       `json:"is_active"`
	IsSuperuser      bool       `json:"is_superuser"`
	DateJoined       time.Time  `json:"date_joined"`
	TelegramID       int64      `json:"tg_id,omitempty"`
	TelegramUsername string     `json:"tg_username,omitempty"`
	OneTimeID        string     `json:"-"`
	AvatarKey        string     `json:"-"`
}

var columns = []string{
	"id", "email", "first_name", "last_name", "hashed_password", "last_login",
	"is_active", "is_superuser", "date_joined", "tg_id", "tg_username",
	"one_time_id", "avatar_key",
}

func scanUser(s db.Scanner) (User, error) {
	var (
		u                                 User
		email, lastLogin, tgUser, oneTime sql.NullString
		avatar                            sql.NullString
		tgID                              sql.NullInt64
		joined                            string
	)
	err := s.Scan(&u.ID, &email, &u.FirstName, &u.LastName, &u.HashedPassword, &lastLogin,
		&u.IsActive, &u.IsSuperuser, &joined, &tgID, &tgUser, &oneTime, &avatar)
	if err != nil {
		return u, err
	}
	u.Email = email.String
	u.TelegramID = tgID.Int64
	u.TelegramUsername = tgUser.String
	u.OneTimeID = oneTime.String
	u.AvatarKey = avatar.String
	if u.DateJoined, err = db.ParseTime(joined); err != nil {
		return u, fmt.Errorf("date_joined: %w", err)
	}
	if lastLogin.Valid {
		t, err := db.ParseTime(lastLogin.String)
		if err != nil {
			return u, fmt.Errorf("last_login: %w", err)
		}
		u.LastLogin = &t
	}
	return u, nil
}

// NormalizeEmail lower-cases and trims an address so uniqueness is
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Store reads and writes the users table.
type Store struct {
	users *db.Manager[User]
}

func NewStore(q db.Querier) *Store {
	return &Store{users: db.NewManager(q, "users", columns, scanUser)}
}

// With binds the store to a transaction connection.
func (s *Store) With(q db.Querier) *Store {
	return &Store{users: s.users.With(q)}
}

func (s *Store) GetByID(ctx context.Context, id string) (User, error) {
	return s.users.Get(ctx, db.Where{"id": id})
}

func (s *Store) GetByEmail(ctx context.Context, email string) (User, error) {
	return s.users.Get(ctx, db.Where{"email": NormalizeEmail(email)})
}

func (s *Store) GetByOneTimeID(ctx context.Context, oneTimeID string) (User, error) {
	if oneTimeID == "" {
		return User{}, fmt.Errorf("users: %w", db.ErrNotFound)
	}
	return s.users.Get(ctx, db.Where{"one_time_id": oneTimeID})
}

func (s *Store) GetByTelegramID(ctx context.Context, tgID int64) (User, error) {
	return s.users.Get(ctx, db.Where{"tg_id": tgID})
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]User, error) {
	return s.users.Filter(ctx, nil, db.OrderBy("date_joined"), db.Limit(limit), db.Offset(offset))
}

func (s *Store) EmailTaken(ctx context.Context, email string) (bool, error) {
	return s.users.Exists(ctx, db.Where{"email": NormalizeEmail(email)})
}

func (s *Store) Count(ctx context.Context) (int, error) {
	return s.users.Count(ctx, nil)
}

// NewUser describes an account to insert.
type NewUser struct {
	Email          string
	HashedPassword string
	FirstName      string
	LastName       string
	IsActive       bool
	IsSuperuser    bool
}

// Create inserts an account. A duplicate email surfaces as db.ErrIntegrity.
func (s *Store) Create(ctx context.Context, nu NewUser) (User, error) {
	id := uuid.NewString()
	err := s.users.Create(ctx, db.Values{
		"id":              id,
		"email":           db.NullString(NormalizeEmail(nu.Email)),
		"hashed_password": nu.HashedPassword,
		"first_name":      nu.FirstName,
		"last_name":       nu.LastName,
		"is_active":       nu.IsActive,
		"is_superuser":    nu.IsSuperuser,
		"date_joined":     db.Now(),
	})
	if err != nil {
		return User{}, err
	}
	return s.GetByID(ctx, id)
}

// ProfileUpdate holds optional profile fields; nil means unchanged.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
}

func (s *Store) UpdateProfile(ctx context.Context, id string, p ProfileUpdate) (User, error) {
	v := db.Values{}
	if p.FirstName != nil {
		v["first_name"] = *p.FirstName
	}
	if p.LastName != nil {
		v["last_name"] = *p.LastName
	}
	if err := s.update(ctx, id, v); err != nil {
		return User{}, err
	}
	return s.GetByID(ctx, id)
}

func (s *Store) SetPassword(ctx context.Context, id, hashed string) error {
	return s.update(ctx, id, db.Values{"hashed_password": hashed})
}

func (s *Store) TouchLastLogin(ctx context.Context, id string) error {
	return s.update(ctx, id, db.Values{"last_login": db.Now()})
}

func (s *Store) SetOneTimeID(ctx context.Context, id, oneTimeID string) error {
	return s.update(ctx, id, db.Values{"one_time_id": db.NullString(oneTimeID)})
}

func (s *Store) SetAvatarKey(ctx context.Context, id, key string) error {
	return s.update(ctx, id, db.Values{"avatar_key": db.NullString(key)})
}

func (s *Store) SetSuperuser(ctx context.Context, id string, on bool) error {
	return s.update(ctx, id, db.Values{"is_superuser": on, "is_active": true})
}

func (s *Store) SetActive(ctx context.Context, id string, on bool) error {
	return s.update(ctx, id, db.Values{"is_active": on})
}

func (s *Store) ClearOneTimeID(ctx context.Context, id string) error {
	return s.update(ctx, id, db.Values{"one_time_id": nil})
}

// ConsumeOneTimeID clears a one-time id and returns its owner. Only one of
// several concurrent callers presenting the same id succeeds.
func (s *Store) ConsumeOneTimeID(ctx context.Context, oneTimeID string) (User, error) {
	u, err := s.GetByOneTimeID(ctx, oneTimeID)
	if err != nil {
		return User{}, err
	}
	n, err := s.users.Update(ctx, db.Where{"id": u.ID, "one_time_id": oneTimeID}, db.Values{"one_time_id": nil})
	if err != nil {
		return User{}, err
	}
	if n == 0 {
		return User{}, fmt.Errorf("users: %w", db.ErrNotFound)
	}
	u.OneTimeID = ""
	return u, nil
}

// TelegramProfile is the subset of a Telegram account copied onto a user.
type TelegramProfile struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// GetOrCreateFromTelegram finds the user linked to a Telegram account,
// creating an active, password-less account on first contact. Username and
// names are refreshed on later contacts.
func (s *Store) GetOrCreateFromTelegram(ctx context.Context, p TelegramProfile, active bool) (User, bool, error) {
	u, created, err := s.users.GetOrCreate(ctx, db.Where{"tg_id": p.ID}, db.Values{
		"id":              uuid.NewString(),
		"tg_username":     db.NullString(p.Username),
		"first_name":      p.FirstName,
		"last_name":       p.LastName,
		"hashed_password": "",
		"is_active":       active,
		"is_superuser":    false,
		"date_joined":     db.Now(),
	})
	if err != nil || created {
		return u, created, err
	}
	if p.Username != "" && p.Username != u.TelegramUsername {
		if err := s.update(ctx, u.ID, db.Values{"tg_username": p.Username}); err != nil {
			return u, false, err
		}
		u.TelegramUsername = p.Username
	}
	return u, false, nil
}

func (s *Store) update(ctx context.Context, id string, v db.Values) error {
	if len(v) == 0 {
		return nil
	}
	n, err := s.users.Update(ctx, db.Where{"id": id}, v)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("users: %w", db.ErrNotFound)
	}
	return nil
}

// IsNotFound is a convenience for errors.Is(err, db.ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
