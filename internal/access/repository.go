package access

import (
	"context"

	"github.com/n3tuk/lfs-lock-service/internal/errclass"
)

// ConfigReader reads boolean options from a repository's git config.
type ConfigReader interface {
	ConfigBool(section, key string, def bool) (bool, error)
}

// RepositoryPolicy applies the HTTP access switches of a repository's git
// config: http.uploadpack=false hides the repository from everyone, and
// anonymous users may only take locks where http.receivepack=true.
type RepositoryPolicy struct {
	config ConfigReader
}

// NewRepositoryPolicy creates a policy reading its switches from config on
// every check, so edits to the git config apply without a restart.
func NewRepositoryPolicy(config ConfigReader) *RepositoryPolicy {
	return &RepositoryPolicy{config: config}
}

func (p *RepositoryPolicy) CheckReadAccess(_ context.Context, _, _ string) error {
	enabled, err := p.config.ConfigBool("http", "uploadpack", true)
	if err != nil {
		return errclass.ErrUnavailable.Wrap(err, "repository configuration unreadable")
	}
	if !enabled {
		return errclass.ErrUnavailable.WithMessage("repository not available")
	}
	return nil
}

func (p *RepositoryPolicy) CheckWriteAccess(ctx context.Context, refName, username string) error {
	if err := p.CheckReadAccess(ctx, refName, username); err != nil {
		return err
	}
	if username != "" {
		return nil
	}

	enabled, err := p.config.ConfigBool("http", "receivepack", false)
	if err != nil {
		return errclass.ErrUnavailable.Wrap(err, "repository configuration unreadable")
	}
	if !enabled {
		return errclass.ErrUnauthorized.WithMessage("anonymous users may not lock files in this repository")
	}
	return nil
}
