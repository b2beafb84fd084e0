package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/enruana/claude-orka-sub000/internal/agent"
)

// ErrHookInstall wraps failures writing hook configuration into a
// supervised project. The agent stays disconnected when install fails.
var ErrHookInstall = errors.New("hook installation failed")

const (
	settingsDirName  = ".claude"
	settingsFileName = "settings.json"
)

// hookCommand builds the curl invocation installed into a project's
// settings. The assistant pipes the hook payload on stdin; curl relays
// it to the loopback ingress.
func hookCommand(port int, agentID string) string {
	return fmt.Sprintf(
		"curl -s -X POST http://127.0.0.1:%d/api/hooks/%s -H 'Content-Type: application/json' --data-binary @-",
		port, agentID)
}

// hookMarker identifies hook groups owned by one agent inside a settings
// file, regardless of which port they were installed against.
func hookMarker(agentID string) string {
	return "/api/hooks/" + agentID
}

func settingsPath(projectPath string) string {
	return filepath.Join(projectPath, settingsDirName, settingsFileName)
}

// installHooks writes this agent's hook groups into the project's
// settings file. For every subscribed event type any group already owned
// by the agent is replaced, so repeated installs are idempotent. Keys
// the supervisor does not own are preserved untouched.
func installHooks(projectPath, agentID string, events []agent.EventType, command string) error {
	doc, err := readSettings(settingsPath(projectPath))
	if err != nil {
		return err
	}

	hooks, _ := doc["hooks"].(map[string]any)
	if hooks == nil {
		hooks = make(map[string]any)
	}

	marker := hookMarker(agentID)
	group := map[string]any{
		"hooks": []any{
			map[string]any{"type": "command", "command": command},
		},
	}

	for _, ev := range withSessionStart(events) {
		groups, _ := hooks[string(ev)].([]any)
		kept := withoutAgentGroups(groups, marker)
		hooks[string(ev)] = append(kept, group)
	}

	doc["hooks"] = hooks
	return writeSettings(settingsPath(projectPath), doc)
}

// uninstallHooks removes this agent's hook groups from the project's
// settings file, pruning event keys left empty and the hooks object
// itself when nothing remains. A missing file is a no-op.
func uninstallHooks(projectPath, agentID string) error {
	path := settingsPath(projectPath)
	doc, err := readSettings(path)
	if err != nil {
		return err
	}
	if len(doc) == 0 {
		return nil
	}

	hooks, _ := doc["hooks"].(map[string]any)
	if hooks == nil {
		return nil
	}

	marker := hookMarker(agentID)
	changed := false
	for key, raw := range hooks {
		groups, _ := raw.([]any)
		kept := withoutAgentGroups(groups, marker)
		if len(kept) != len(groups) {
			changed = true
		}
		if len(kept) == 0 {
			delete(hooks, key)
		} else {
			hooks[key] = kept
		}
	}
	if !changed {
		return nil
	}

	if len(hooks) == 0 {
		delete(doc, "hooks")
	} else {
		doc["hooks"] = hooks
	}
	return writeSettings(path, doc)
}

// withSessionStart returns the event set with SessionStart guaranteed:
// session identity refresh depends on that hook firing.
func withSessionStart(events []agent.EventType) []agent.EventType {
	for _, ev := range events {
		if ev == agent.EventSessionStart {
			return events
		}
	}
	return append([]agent.EventType{agent.EventSessionStart}, events...)
}

// withoutAgentGroups drops every hook group whose command mentions the
// agent's ingress path.
func withoutAgentGroups(groups []any, marker string) []any {
	kept := make([]any, 0, len(groups))
	for _, raw := range groups {
		if groupBelongsToAgent(raw, marker) {
			continue
		}
		kept = append(kept, raw)
	}
	return kept
}

func groupBelongsToAgent(raw any, marker string) bool {
	group, ok := raw.(map[string]any)
	if !ok {
		return false
	}
	entries, _ := group["hooks"].([]any)
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if cmd, _ := entry["command"].(string); strings.Contains(cmd, marker) {
			return true
		}
	}
	return false
}

func readSettings(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	doc := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode settings file %s: %w", path, err)
		}
	}
	return doc, nil
}

func writeSettings(path string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}
