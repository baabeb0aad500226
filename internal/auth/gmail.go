// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth loads per-mailbox Google OAuth2 tokens and builds
// authenticated Gmail services from them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mailki/agent/internal/models"
)

// Scopes requested for each mailbox.
var Scopes = []string{
	gm.GmailReadonlyScope,
	gm.GmailComposeScope,
	gm.GmailModifyScope,
}

// ErrNoCredentials is returned for a mailbox without a credentials reference.
var ErrNoCredentials = errors.New("mailbox has no credentials reference")

// GmailConfig holds the OAuth client settings.
type GmailConfig struct {
	// CredentialsFile is a Google client secret JSON. When empty, ClientID
	// and ClientSecret are used instead.
	CredentialsFile string
	ClientID        string
	ClientSecret    string
	// TokenDir holds one <credentials_ref>.json token file per mailbox.
	TokenDir string
	// Endpoint overrides the Gmail API base URL (tests).
	Endpoint string
}

// GmailServiceFactory builds Gmail services from stored mailbox tokens.
// Token sources are cached per credentials reference so refreshes are shared.
type GmailServiceFactory struct {
	oauth    *oauth2.Config
	tokenDir string
	endpoint string

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewGmailServiceFactory creates a factory from the OAuth client settings.
func NewGmailServiceFactory(cfg GmailConfig) (*GmailServiceFactory, error) {
	oc, err := oauthConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.TokenDir == "" {
		return nil, fmt.Errorf("token dir is required")
	}
	return &GmailServiceFactory{
		oauth:    oc,
		tokenDir: cfg.TokenDir,
		endpoint: cfg.Endpoint,
		sources:  make(map[string]oauth2.TokenSource),
	}, nil
}

func oauthConfig(cfg GmailConfig) (*oauth2.Config, error) {
	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials from %s: %w", cfg.CredentialsFile, err)
		}
		oc, err := google.ConfigFromJSON(data, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
		return oc, nil
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("google client id and secret are required")
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       Scopes,
	}, nil
}

// Service returns an authenticated Gmail service for the mailbox. It matches
// mailbox.ServiceFactory.
func (f *GmailServiceFactory) Service(ctx context.Context, mb models.MailboxRef) (*gm.Service, error) {
	ts, err := f.tokenSource(mb.CredentialsRef)
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if f.endpoint != "" {
		opts = append(opts, option.WithEndpoint(f.endpoint))
	}
	return gm.NewService(ctx, opts...)
}

func (f *GmailServiceFactory) tokenSource(ref string) (oauth2.TokenSource, error) {
	path, err := f.tokenPath(ref)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if ts, ok := f.sources[ref]; ok {
		return ts, nil
	}

	tok, err := loadToken(path)
	if err != nil {
		return nil, fmt.Errorf("load token for %s: %w", ref, err)
	}

	// The source outlives any single request, so it is not tied to a
	// request context.
	ts := &savingSource{
		base: f.oauth.TokenSource(context.Background(), tok),
		path: path,
		last: tok.AccessToken,
	}
	reuse := oauth2.ReuseTokenSource(tok, ts)
	f.sources[ref] = reuse
	return reuse, nil
}

func (f *GmailServiceFactory) tokenPath(ref string) (string, error) {
	if ref == "" {
		return "", ErrNoCredentials
	}
	if strings.ContainsAny(ref, `/\`) || ref == "." || ref == ".." {
		return "", fmt.Errorf("invalid credentials reference %q", ref)
	}
	return filepath.Join(f.tokenDir, ref+".json"), nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %s has neither access nor refresh token", path)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// savingSource persists refreshed tokens back to disk.
type savingSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := saveToken(s.path, tok); err != nil {
			slog.Warn("could not save refreshed token", "path", s.path, "error", err)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}
