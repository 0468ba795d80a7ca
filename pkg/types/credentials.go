package types

import (
	"errors"
	"log/slog"
	"strings"
)

// Credentials are the operator supplied login details for one retailer
// account. They are never persisted.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"clientID"`
}

// Validate reports malformed credentials before any network call is made.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("username is required")
	}
	if !strings.Contains(c.Username, "@") {
		return errors.New("username must be an email address")
	}
	if c.Password == "" {
		return errors.New("password is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client id is required")
	}
	return nil
}

// LogValue keeps the password out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("clientID", c.ClientID),
	)
}
