package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// tokenFileEnv points the store at an explicit file, overriding discovery.
const tokenFileEnv = "ALPACON_MCP_TOKEN_FILE"

// tokenEnvPrefix is the prefix for per-credential environment overrides:
// ALPACON_MCP_TOKEN_{REGION}_{WORKSPACE}=token.
const tokenEnvPrefix = "ALPACON_MCP_TOKEN_"

// For mocking in tests
var osGetenv = os.Getenv

// TokenStore holds API tokens keyed by region then workspace, persisted as
// the token.json layout the Alpacon console exports:
//
//	{"ap1": {"mycompany": "alpat-..."}}
//
// Values may also be objects with a "token" field (the layout older releases
// wrote); both parse. Safe for concurrent use.
type TokenStore struct {
	mu     sync.RWMutex
	path   string
	tokens map[string]map[string]string
}

// NewTokenStore opens (or initializes) the token store. An empty path means
// discover: $ALPACON_MCP_TOKEN_FILE, then ./config/token.json, then
// ~/.config/alpacon-mcp/token.json. A missing file yields an empty store; a
// malformed file is an error.
func NewTokenStore(path string) (*TokenStore, error) {
	if path == "" {
		path = discoverTokenPath()
	}

	store := &TokenStore{
		path:   path,
		tokens: make(map[string]map[string]string),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func discoverTokenPath() string {
	if p := osGetenv(tokenFileEnv); p != "" {
		return p
	}

	wd, err := osGetwd()
	if err == nil {
		local := filepath.Join(wd, "config", "token.json")
		if fileExists(local) {
			return local
		}
	}

	home, err := osUserHomeDir()
	if err != nil {
		// Last resort: project-local path even if it does not exist yet.
		return filepath.Join("config", "token.json")
	}
	return filepath.Join(home, userConfigDir, "token.json")
}

func (s *TokenStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading token store %s: %w", s.path, err)
	}

	// Accept both plain-string and object-valued workspace entries.
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing token store %s: %w", s.path, err)
	}

	for region, workspaces := range raw {
		for workspace, value := range workspaces {
			var asString string
			if err := json.Unmarshal(value, &asString); err == nil {
				s.setLocked(region, workspace, asString)
				continue
			}
			var asObject struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(value, &asObject); err == nil && asObject.Token != "" {
				s.setLocked(region, workspace, asObject.Token)
				continue
			}
			return fmt.Errorf("parsing token store %s: entry %s/%s has an unrecognized shape", s.path, region, workspace)
		}
	}
	return nil
}

func (s *TokenStore) setLocked(region, workspace, token string) {
	if s.tokens[region] == nil {
		s.tokens[region] = make(map[string]string)
	}
	s.tokens[region][workspace] = token
}

// Path reports the backing file, for diagnostics.
func (s *TokenStore) Path() string { return s.path }

// Get returns the token for a region+workspace pair. Environment overrides
// (ALPACON_MCP_TOKEN_{REGION}_{WORKSPACE}) win over file contents.
func (s *TokenStore) Get(region, workspace string) (string, bool) {
	if tok := osGetenv(envKeyFor(region, workspace)); tok != "" {
		return tok, true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	workspaces, ok := s.tokens[region]
	if !ok {
		return "", false
	}
	tok, ok := workspaces[workspace]
	return tok, ok
}

// Set stores a token and persists the file.
func (s *TokenStore) Set(region, workspace, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(region, workspace, token)
	return s.saveLocked()
}

// Remove deletes one credential; removing the last workspace of a region
// drops the region key. Returns false when no such credential existed.
func (s *TokenStore) Remove(region, workspace string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workspaces, ok := s.tokens[region]
	if !ok {
		return false, nil
	}
	if _, ok := workspaces[workspace]; !ok {
		return false, nil
	}
	delete(workspaces, workspace)
	if len(workspaces) == 0 {
		delete(s.tokens, region)
	}
	return true, s.saveLocked()
}

// List returns region → sorted workspace names. Tokens themselves are never
// exposed.
func (s *TokenStore) List() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]string, len(s.tokens))
	for region, workspaces := range s.tokens {
		names := make([]string, 0, len(workspaces))
		for workspace := range workspaces {
			names = append(names, workspace)
		}
		sort.Strings(names)
		out[region] = names
	}
	return out
}

/// Status summarizes the store for the token_status tool: configured pairs
// and the backing path, never token values.
type Status struct {
	Authenticated bool           `json:"authenticated"`
	TotalTokens   int            `json:"total_tokens"`
	Regions       []RegionStatus `json:"regions"`
	Path          string         `json:"config_path"`
}

// RegionStatus lists the workspaces configured under one region.
type RegionStatus struct {
	Region     string   `json:"region"`
	Workspaces []string `json:"workspaces"`
	Count      int      `json:"count"`
}

// Status reports the store contents without secrets.
func (s *TokenStore) Status() Status {
	listed := s.List()

	regions := make([]string, 0, len(listed))
	for region := range listed {
		regions = append(regions, region)
	}
	sort.Strings(regions)

	status := Status{Path: s.path}
	for _, region := range regions {
		names := listed[region]
		status.TotalTokens += len(names)
		status.Regions = append(status.Regions, RegionStatus{
			Region:     region,
			Workspaces: names,
			Count:      len(names),
		})
	}
	status.Authenticated = status.TotalTokens > 0
	return status
}

// saveLocked writes the store atomically: temp file in the same directory,
// 0600, then rename.
func (s *TokenStore) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token store directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "token-*.json")
	if err != nil {
		return fmt.Errorf("creating token store temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("restricting token store permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing token store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing token store temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing token store %s: %w", s.path, err)
	}
	return nil
}

func envKeyFor(region, workspace string) string {
	sanitize := func(s string) string {
		s = strings.ToUpper(s)
		s = strings.ReplaceAll(s, "-", "_")
		return s
	}
	return tokenEnvPrefix + sanitize(region) + "_" + sanitize(workspace)
}
