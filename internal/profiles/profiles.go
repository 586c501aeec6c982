// ABOUTME: Profile types for hosts, saved scripts, and model endpoints
// ABOUTME: Validation lives here so every store write goes through it

package profiles

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound means no profile exists for the given id.
	ErrNotFound = errors.New("profile not found")
	// ErrDuplicateName means a profile with the same name already exists.
	ErrDuplicateName = errors.New("profile name already in use")
)

// HostProfile is a saved SSH connection target.
type HostProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	Password  string    `json:"password,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the fields a connection cannot be attempted without.
func (p HostProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("host profile name cannot be empty")
	}
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("host cannot be empty")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", p.Port)
	}
	if strings.TrimSpace(p.Username) == "" {
		return errors.New("username cannot be empty")
	}
	return nil
}

// ScriptProfile is a saved shell snippet an operator can run by name. It
// carries either an inline command or the path of a script file on the
// remote host.
type ScriptProfile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Command     string    `json:"command,omitempty"`
	Path        string    `json:"path,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (p ScriptProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("script name cannot be empty")
	}
	if strings.TrimSpace(p.Command) == "" && strings.TrimSpace(p.Path) == "" {
		return errors.New("script needs a command or a path")
	}
	return nil
}

// RunCommand returns the shell command a run of this script executes. An
// inline command wins; otherwise the remote file is run through bash.
func (p ScriptProfile) RunCommand() string {
	if strings.TrimSpace(p.Command) != "" {
		return p.Command
	}
	return "bash " + shellQuote(p.Path)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ModelProfile is a saved model endpoint configuration. Exactly one profile
// is active at a time; the active one drives new agent runs.
type ModelProfile struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	BaseURL     string    `json:"baseUrl"`
	APIKey      string    `json:"apiKey,omitempty"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"maxTokens"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Normalize trims the fields the chat endpoint is sensitive to.
func (p *ModelProfile) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	p.APIKey = strings.TrimSpace(p.APIKey)
	p.Model = strings.TrimSpace(p.Model)
}

func (p ModelProfile) Validate() error {
	if p.Name == "" {
		return errors.New("model profile name cannot be empty")
	}
	if p.BaseURL == "" {
		return errors.New("model baseUrl cannot be empty")
	}
	if p.Model == "" {
		return errors.New("model name cannot be empty")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature %v out of range [0, 2]", p.Temperature)
	}
	if p.MaxTokens < 0 {
		return errors.New("maxTokens cannot be negative")
	}
	return nil
}
