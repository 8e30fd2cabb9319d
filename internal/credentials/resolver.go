// Package credentials locates the service-account file used for the Remote backend.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CandidateFiles are searched in order; the first valid one wins.
var CandidateFiles = []string{
	"service-account-real.json",
	"service-account-key.json",
	"firebase-service-account.json",
}

var (
	// ErrNoCredentials means no candidate file passed validation.
	ErrNoCredentials = errors.New("no usable credentials")
	// ErrProjectMismatch rejects a credential issued for another project.
	ErrProjectMismatch = errors.New("credential project does not match configured project")
)

const serviceAccountSchema = `{
	"type": "object",
	"required": ["type", "project_id", "client_email"],
	"properties": {
		"type": {"const": "service_account"},
		"project_id": {"type": "string"},
		"client_email": {"type": "string"}
	}
}`

var schema = jsonschema.MustCompileString("service_account.json", serviceAccountSchema)

// Credential is a validated service-account file.
type Credential struct {
	Path        string
	ProjectID   string
	ClientEmail string
	// DeveloperMode marks demo accounts meant for the local emulator.
	DeveloperMode bool
}

// Resolver searches Dir for a credential matching ProjectID.
type Resolver struct {
	Dir       string
	ProjectID string
	logger    zerolog.Logger
}

// NewResolver builds a resolver for dir and projectID.
func NewResolver(dir, projectID string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		Dir:       dir,
		ProjectID: projectID,
		logger:    logger.With().Str("component", "credential_resolver").Logger(),
	}
}

// Resolve returns the first valid credential or ErrNoCredentials.
func (r *Resolver) Resolve() (Credential, error) {
	for _, name := range CandidateFiles {
		path := filepath.Join(r.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn().Err(err).Str("path", path).Msg("credential file unreadable")
			}
			continue
		}
		cred, err := Validate(data, r.ProjectID)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("credential file rejected")
			continue
		}
		cred.Path = path
		r.logger.Info().Str("path", path).Str("project_id", cred.ProjectID).
			Bool("developer_mode", cred.DeveloperMode).Msg("credential accepted")
		return cred, nil
	}
	return Credential{}, ErrNoCredentials
}

// Validate checks a service-account document against projectID.
func Validate(data []byte, projectID string) (Credential, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Credential{}, fmt.Errorf("parse credential: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Credential{}, fmt.Errorf("invalid credential: %w", err)
	}
	fields := doc.(map[string]any)
	cred := Credential{
		ProjectID:   fields["project_id"].(string),
		ClientEmail: fields["client_email"].(string),
	}
	if cred.ProjectID != projectID {
		return Credential{}, fmt.Errorf("%w: %q != %q", ErrProjectMismatch, cred.ProjectID, projectID)
	}
	cred.DeveloperMode = strings.Contains(strings.ToLower(cred.ClientEmail), "demo")
	return cred, nil
}
