// ABOUTME: Operator CLI for the opsconsole backend
// ABOUTME: Lists sessions and pending actions, approves and rejects over HTTP

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
                                     _           _
  ___  _ __  ___        __ _  __| | _ __ ___ (_)_ __
 / _ \| '_ \/ __|_____ / _' |/ _' || '_ ' _ \| | '_ \
| (_) | |_) \__ \_____| (_| | (_| || | | | | | | | | |
 \___/| .__/|___/      \__,_|\__,_||_| |_| |_|_|_| |_|
      |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// OPSCONSOLE_HOST derives the API base URL
	baseURL := os.Getenv("OPSCONSOLE_URL")
	if baseURL == "" {
		host := os.Getenv("OPSCONSOLE_HOST")
		if host == "" {
			host = "localhost:8080"
		}
		baseURL = "http://" + host
	}
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "sessions":
		err = cmdSessions(baseURL, token)
	case "hosts":
		err = cmdHosts(baseURL, token)
	case "actions":
		err = cmdActions(baseURL, token, args)
	case "approve":
		err = cmdResolve(baseURL, token, args, true)
	case "reject":
		err = cmdResolve(baseURL, token, args, false)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: ops-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  sessions                List open SSH sessions")
	fmt.Println("  hosts                   List host connection profiles")
	fmt.Println("  actions [--all]         List pending approval actions (--all includes resolved)")
	fmt.Println("  approve <action-id>     Approve a pending action and execute it")
	fmt.Println("  reject <action-id>      Reject a pending action")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  OPSCONSOLE_HOST         Backend host:port (default: localhost:8080)")
	fmt.Println("  OPSCONSOLE_URL          Full backend URL (overrides OPSCONSOLE_HOST)")
	fmt.Println("  OPSCONSOLE_TOKEN        Bearer token (required when auth is enabled)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  ops-admin sessions")
	fmt.Println("  ops-admin actions")
	fmt.Println("  ops-admin approve 6f1c9a0e-...")
	fmt.Println()
}

// getToken returns the bearer token from OPSCONSOLE_TOKEN or ~/.config/opsconsole/token
func getToken() string {
	if token := os.Getenv("OPSCONSOLE_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "opsconsole", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func apiCall(baseURL, token, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type sessionInfo struct {
	ID               string    `json:"id"`
	ConfigID         string    `json:"configId"`
	Label            string    `json:"label"`
	Host             string    `json:"host"`
	WorkingDirectory string    `json:"workingDirectory"`
	CreatedAt        time.Time `json:"createdAt"`
}

func cmdSessions(baseURL, token string) error {
	var resp struct {
		Sessions []sessionInfo `json:"sessions"`
	}
	if err := apiCall(baseURL, token, http.MethodGet, "/api/v1/sessions", nil, &resp); err != nil {
		return err
	}

	if len(resp.Sessions) == 0 {
		fmt.Println("No open sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tHOST\tCWD\tOPENED")
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Label, s.Host, s.WorkingDirectory, s.CreatedAt.Local().Format("15:04:05"))
	}
	return w.Flush()
}

type hostProfile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

func cmdHosts(baseURL, token string) error {
	var resp struct {
		Hosts []hostProfile `json:"hosts"`
	}
	if err := apiCall(baseURL, token, http.MethodGet, "/api/v1/profiles/hosts", nil, &resp); err != nil {
		return err
	}

	if len(resp.Hosts) == 0 {
		fmt.Println("No host profiles")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tADDRESS\tUSER")
	for _, h := range resp.Hosts {
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\n", h.ID, h.Name, h.Host, h.Port, h.Username)
	}
	return w.Flush()
}

type pendingAction struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversationId"`
	SessionID         string     `json:"sessionId"`
	Command           string     `json:"command"`
	Reason            string     `json:"reason"`
	RiskClass         string     `json:"riskClass"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	ResolvedAt        *time.Time `json:"resolvedAt"`
	ExecutionOutput   string     `json:"executionOutput"`
	ExecutionExitCode *int       `json:"executionExitCode"`
}

func cmdActions(baseURL, token string, args []string) error {
	path := "/api/v1/actions?pending=true"
	for _, a := range args {
		if a == "--all" {
			path = "/api/v1/actions"
		}
	}

	var resp struct {
		Actions []pendingAction `json:"actions"`
	}
	if err := apiCall(baseURL, token, http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	if len(resp.Actions) == 0 {
		fmt.Println("No actions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCOMMAND\tREASON\tCREATED")
	for _, a := range resp.Actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.ID, colorStatus(a.Status), truncate(a.Command, 48), truncate(a.Reason, 32),
			a.CreatedAt.Local().Format("15:04:05"))
	}
	return w.Flush()
}

func cmdResolve(baseURL, token string, args []string, approve bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ops-admin %s <action-id>", verb(approve))
	}
	actionID := args[0]

	var action pendingAction
	body := map[string]bool{"approve": approve}
	path := fmt.Sprintf("/api/v1/actions/%s/resolve", actionID)
	if err := apiCall(baseURL, token, http.MethodPost, path, body, &action); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("  Action:   %s\n", action.ID)
	fmt.Printf("  Command:  %s\n", action.Command)
	fmt.Printf("  Status:   %s\n", colorStatus(action.Status))
	if action.ExecutionExitCode != nil {
		fmt.Printf("  Exit:     %d\n", *action.ExecutionExitCode)
	}
	if action.ExecutionOutput != "" {
		fmt.Println()
		fmt.Println(indent(action.ExecutionOutput, "  "))
	}
	fmt.Println()

	return nil
}

func verb(approve bool) string {
	if approve {
		return "approve"
	}
	return "reject"
}

func colorStatus(status string) string {
	switch status {
	case "pending":
		return color.YellowString(status)
	case "approved":
		return color.GreenString(status)
	case "rejected":
		return color.RedString(status)
	default:
		return status
	}
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
