package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neutra-labs/neutra-go/internal/platform/env"
)

const (
	ModeDev  = "dev"
	ModeOIDC = "oidc"
)

type Config struct {
	Mode string

	DevSubject string
	DevRoles   []string

	OIDCIssuerURL string
	OIDCClientID  string
	RolesClaim    string

	// WorkerSecret signs the internal worker headers; shared between
	// the coordinator and every worker.
	WorkerSecret  string
	WorkerMaxSkew time.Duration
}

func ConfigFromEnv() (Config, error) {
	maxSkew, err := env.Duration("NEUTRA_AUTH_WORKER_MAX_SKEW", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:          strings.ToLower(env.String("NEUTRA_AUTH_MODE", ModeDev)),
		DevSubject:    env.String("NEUTRA_AUTH_DEV_SUBJECT", "dev@localhost"),
		DevRoles:      parseCSV(env.String("NEUTRA_AUTH_DEV_ROLES", "operator")),
		OIDCIssuerURL: env.String("NEUTRA_AUTH_OIDC_ISSUER_URL", ""),
		OIDCClientID:  env.String("NEUTRA_AUTH_OIDC_CLIENT_ID", ""),
		RolesClaim:    env.String("NEUTRA_AUTH_ROLES_CLAIM", "roles"),
		WorkerSecret:  env.String("NEUTRA_AUTH_WORKER_SECRET", ""),
		WorkerMaxSkew: maxSkew,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDev:
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("NEUTRA_AUTH_OIDC_ISSUER_URL is required in oidc mode")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("NEUTRA_AUTH_OIDC_CLIENT_ID is required in oidc mode")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Mode)
	}
	if c.WorkerMaxSkew < 0 {
		return errors.New("NEUTRA_AUTH_WORKER_MAX_SKEW must be >= 0")
	}
	return nil
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
