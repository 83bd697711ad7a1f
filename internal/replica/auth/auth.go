// Package auth logs users in to a sync server.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProviderPassword is the username/password provider.
const ProviderPassword = "password"

var (
	// ErrInvalidCredentials is returned when the server rejects the login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrRegistrationDisabled is returned when CreateUser is refused.
	ErrRegistrationDisabled = errors.New("user registration is disabled")
)

// Credentials identify a user to the auth endpoint.
type Credentials struct {
	Provider   string `json:"provider"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	CreateUser bool   `json:"create_user"`
}

// UsernamePassword builds password credentials. With createUser set the
// server registers the user first if it does not exist.
func UsernamePassword(username, password string, createUser bool) Credentials {
	return Credentials{
		Provider:   ProviderPassword,
		Username:   username,
		Password:   password,
		CreateUser: createUser,
	}
}

// User is a logged-in user.
type User struct {
	Identity  string    `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	AuthURL   string    `json:"auth_url"`
	ServerURL string    `json:"server_url"`
}

// Expired reports whether the token has expired.
func (u *User) Expired() bool {
	return !u.ExpiresAt.IsZero() && time.Now().After(u.ExpiresAt)
}

// Login posts creds to authURL. authURL may be the server root
// (http://host:port) or the /auth endpoint itself.
func Login(ctx context.Context, authURL string, creds Credentials) (*User, error) {
	return LoginWithClient(ctx, http.DefaultClient, authURL, creds)
}

// LoginWithClient is Login with an explicit HTTP client.
func LoginWithClient(ctx context.Context, client *http.Client, authURL string, creds Credentials) (*User, error) {
	endpoint := strings.TrimSuffix(authURL, "/")
	if !strings.HasSuffix(endpoint, "/auth") {
		endpoint += "/auth"
	}
	if creds.Provider == "" {
		creds.Provider = ProviderPassword
	}

	body, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, ErrInvalidCredentials
	case http.StatusForbidden:
		return nil, ErrRegistrationDisabled
	default:
		return nil, fmt.Errorf("login failed: %s: %s", resp.Status, serverMessage(resp.Body))
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	u.AuthURL = authURL
	return &u, nil
}

func serverMessage(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
