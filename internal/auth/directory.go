package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/yourusername/docforge/internal/config"
	"github.com/yourusername/docforge/internal/entitlement"
)

// ErrInvalidCredentials はユーザー名またはパスワードが一致しないことを表します。
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// User はログインできるユーザーと、その課金先アカウントです。
type User struct {
	Username     string           `yaml:"username"`
	PasswordHash string           `yaml:"passwordHash"`
	AccountID    string           `yaml:"accountId"`
	Tier         entitlement.Tier `yaml:"tier"`
}

type directoryFile struct {
	Users []User `yaml:"users"`
}

// Directory はユーザー名からアカウントとプランを引く読み取り専用の台帳です。
type Directory struct {
	users map[string]User
}

// NewDirectory は users から Directory を作成します。AccountID が空のユーザーはユーザー名をアカウントIDにします。
func NewDirectory(users []User) (*Directory, error) {
	d := &Directory{users: make(map[string]User, len(users))}
	for i, u := range users {
		u.Username = strings.TrimSpace(u.Username)
		if u.Username == "" {
			return nil, fmt.Errorf("users[%d]: username is required", i)
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("users[%d] (%s): passwordHash is required", i, u.Username)
		}
		if _, dup := d.users[u.Username]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate username %s", i, u.Username)
		}
		if u.AccountID == "" {
			u.AccountID = u.Username
		}
		tier, ok := entitlement.ParseTier(string(u.Tier))
		if !ok && u.Tier != "" {
			return nil, fmt.Errorf("users[%d] (%s): unknown tier %q", i, u.Username, u.Tier)
		}
		u.Tier = tier
		d.users[u.Username] = u
	}
	return d, nil
}

// LoadDirectory は YAML 形式のユーザー定義を読み込みます。
//
//	users:
//	  - username: alice
//	    passwordHash: $2a$10$...
//	    accountId: acct-alice
//	    tier: PRO
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	return NewDirectory(file.Users)
}

// DirectoryFromConfig は USERS_FILE があればそれを、なければ APP_USERNAME の単一ユーザーを使います。
// どちらも未設定なら空の Directory を返します。
func DirectoryFromConfig(cfg *config.Config) (*Directory, error) {
	if cfg.UsersFile != "" {
		return LoadDirectory(cfg.UsersFile)
	}
	if cfg.AppUsername == "" {
		return NewDirectory(nil)
	}
	return NewDirectory([]User{{
		Username:     cfg.AppUsername,
		PasswordHash: cfg.AppPasswordHash,
		AccountID:    cfg.AppAccountID,
		Tier:         entitlement.Tier(cfg.AppAccountTier),
	}})
}

// Authenticate はパスワードを検証してユーザーを返します。
func (d *Directory) Authenticate(username, password string) (User, error) {
	u, ok := d.users[username]
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Len は登録ユーザー数です。
func (d *Directory) Len() int {
	return len(d.users)
}
