package companion

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	wizardFile   = "wizard-state.json"
	metadataFile = "metadata.json"
	personaFile  = "persona.json"

	// DefaultSession is used whenever a caller does not name a session.
	DefaultSession = "main"
)

var unsafeSessionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// NormalizeSessionID maps an arbitrary client session id onto a safe
// directory name. Empty ids normalize to "main".
func NormalizeSessionID(id string) string {
	n := unsafeSessionChars.ReplaceAllString(strings.TrimSpace(id), "_")
	if n == "" {
		return DefaultSession
	}
	return n
}

// WizardSessionID is the daemon-side session id of a wizard document.
func WizardSessionID(sid string) string {
	return "wizard:companion:" + NormalizeSessionID(sid)
}

func (s *Service) profilesRoot() string {
	return filepath.Join(s.scope, "profiles", "companion")
}

func (s *Service) sessionsRoot() string {
	return filepath.Join(s.profilesRoot(), "sessions")
}

func (s *Service) sessionRoot(sid string) string {
	return filepath.Join(s.sessionsRoot(), sid)
}

// ProfileDir returns the current profile directory of a session.
func (s *Service) ProfileDir(sessionID string) string {
	return filepath.Join(s.sessionRoot(NormalizeSessionID(sessionID)), "current")
}

func (s *Service) historyDir(sid string) string {
	return filepath.Join(s.sessionRoot(sid), "history")
}

func (s *Service) wizardPath(sid string) string {
	return filepath.Join(s.ProfileDir(sid), wizardFile)
}

func (s *Service) metadataPath(sid string) string {
	return filepath.Join(s.ProfileDir(sid), metadataFile)
}

func (s *Service) personaPath(sid string) string {
	return filepath.Join(s.ProfileDir(sid), personaFile)
}

func (s *Service) sessionIndexPath() string {
	return filepath.Join(s.sessionsRoot(), "index.json")
}

// ensureLayout creates the asset subfolders of the current profile.
func (s *Service) ensureLayout(sid string) error {
	current := s.ProfileDir(sid)
	for _, sub := range []string{"photos", "embeddings", "lora", "voice"} {
		if err := os.MkdirAll(filepath.Join(current, sub), 0o700); err != nil {
			return err
		}
	}
	return nil
}
