// Package credentials provides read-only lookup of the bearer token of the current user.
// Tokens are issued and refreshed elsewhere, this package never modifies them.
package credentials

import (
	"context"
	"os"
	"strings"

	"github.com/keboola/marketplace-live/internal/pkg/config"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

// Store returns the current bearer token, an empty token means an anonymous user.
type Store interface {
	Token(ctx context.Context) (string, error)
}

type staticStore struct {
	token string
}

type fileStore struct {
	path string
}

func Static(token string) Store {
	return &staticStore{token: token}
}

// File reads the token on each lookup, so a token refreshed by another process is picked up.
func File(path string) Store {
	return &fileStore{path: path}
}

func FromConfig(cfg config.Credentials) Store {
	if cfg.TokenFile != "" {
		return File(cfg.TokenFile)
	}
	return Static(cfg.Token)
}

func (s *staticStore) Token(_ context.Context) (string, error) {
	return s.token, nil
}

func (s *fileStore) Token(_ context.Context) (string, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return "", errors.Wrapf(err, `cannot read token file "%s"`, s.path)
	}
	return strings.TrimSpace(string(content)), nil
}
