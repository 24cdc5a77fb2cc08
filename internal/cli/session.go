package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Profile is the API endpoint and service token saved by `realmctl login`.
type Profile struct {
	APIURL string `json:"api_url"`
	Token  string `json:"token"`
}

// ProfileDir can be overridden in tests.
var ProfileDir = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".realmctl"), nil
}

func profilePath() (string, error) {
	dir, err := ProfileDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "profile.json"), nil
}

func SaveProfile(p Profile) error {
	path, err := profilePath()
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

func LoadProfile() (Profile, error) {
	path, err := profilePath()
	if err != nil {
		return Profile{}, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return Profile{}, err
	}
	if strings.TrimSpace(p.Token) == "" {
		return Profile{}, fmt.Errorf("no service token in profile")
	}
	return p, nil
}

func ClearProfile() error {
	path, err := profilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}

// Resolve merges flags/env (url, token) over the saved profile. Explicit
// values win; a missing profile is not an error.
func Resolve(url, token string) Profile {
	p, _ := LoadProfile()
	if strings.TrimSpace(url) != "" {
		p.APIURL = url
	}
	if strings.TrimSpace(token) != "" {
		p.Token = token
	}
	p.APIURL = strings.TrimRight(strings.TrimSpace(p.APIURL), "/")
	return p
}
