// Package telegram handles the bot webhook and the three Telegram sign-in
// flows: one-time ids from the bot, the Login Widget and Mini-App initData.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"tubevault/users"
)

// MaxAuthAge bounds how old a signed auth_date may be.
const MaxAuthAge = 24 * time.Hour

// ErrAuthFailed is wrapped by every verification failure.
var ErrAuthFailed = errors.New("telegram authorization failed")

var (
	ErrBadSignature = fmt.Errorf("%w: signature mismatch", ErrAuthFailed)
	ErrExpired      = fmt.Errorf("%w: auth data is too old", ErrAuthFailed)
	ErrMissingField = fmt.Errorf("%w: auth data is incomplete", ErrAuthFailed)
	// ErrNoBotToken rejects everything: an empty token derives a public key.
	ErrNoBotToken = fmt.Errorf("%w: bot token is not configured", ErrAuthFailed)
)

// User is the Telegram account carried by signed auth data.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	PhotoURL  string `json:"photo_url,omitempty"`
}

// Profile converts u for users.Store.
func (u User) Profile() users.TelegramProfile {
	return users.TelegramProfile{ID: u.ID, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}
}

// dataCheckString joins every field except hash as sorted key=value lines.
func dataCheckString(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + v.Get(k)
	}
	return strings.Join(lines, "\n")
}

func sign(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func checkSignature(v url.Values, key []byte) error {
	got := v.Get("hash")
	if got == "" {
		return ErrMissingField
	}
	want := sign(key, dataCheckString(v))
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return ErrBadSignature
	}
	return nil
}

func checkAge(v url.Values, now time.Time) error {
	raw := v.Get("auth_date")
	if raw == "" {
		return ErrMissingField
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("auth_date: %w", ErrMissingField)
	}
	if now.Sub(time.Unix(sec, 0)) > MaxAuthAge {
		return ErrExpired
	}
	return nil
}

// widgetSecret is SHA256(bot token).
func widgetSecret(botToken string) []byte {
	sum := sha256.Sum256([]byte(botToken))
	return sum[:]
}

// webAppSecret is HMAC-SHA256 of the bot token keyed with "WebAppData".
func webAppSecret(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

// VerifyLoginWidget checks Login Widget callback parameters.
func VerifyLoginWidget(v url.Values, botToken string, now time.Time) (User, error) {
	if botToken == "" {
		return User{}, ErrNoBotToken
	}
	if err := checkSignature(v, widgetSecret(botToken)); err != nil {
		return User{}, err
	}
	if err := checkAge(v, now); err != nil {
		return User{}, err
	}
	id, err := strconv.ParseInt(v.Get("id"), 10, 64)
	if err != nil || id == 0 {
		return User{}, fmt.Errorf("id: %w", ErrMissingField)
	}
	return User{
		ID:        id,
		FirstName: v.Get("first_name"),
		LastName:  v.Get("last_name"),
		Username:  v.Get("username"),
		PhotoURL:  v.Get("photo_url"),
	}, nil
}

// VerifyWebAppInitData checks a Mini-App initData query string and returns
// the user it carries.
func VerifyWebAppInitData(initData, botToken string, now time.Time) (User, error) {
	if botToken == "" {
		return User{}, ErrNoBotToken
	}
	v, err := url.ParseQuery(initData)
	if err != nil {
		return User{}, fmt.Errorf("parse init data: %w", err)
	}
	if err := checkSignature(v, webAppSecret(botToken)); err != nil {
		return User{}, err
	}
	if err := checkAge(v, now); err != nil {
		return User{}, err
	}
	var u User
	if err := json.Unmarshal([]byte(v.Get("user")), &u); err != nil || u.ID == 0 {
		return User{}, fmt.Errorf("user: %w", ErrMissingField)
	}
	return u, nil
}
