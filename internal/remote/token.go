package remote

import (
	"context"
	"errors"
	"os"
	"strings"
)

// TokenProvider supplies the bearer credential attached to every remote call.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// FileToken re-reads the token file on every call so an external refresher
// can rotate it in place.
type FileToken struct {
	Path string
}

func (t FileToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(t.Path) == "" {
		return "", errors.New("token file path is required")
	}
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
