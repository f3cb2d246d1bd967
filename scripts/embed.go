// Package scripts provides the embedded simulation scenarios.
package scripts

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Scenarios contains the Lua scenarios played by `plcguard simulate`.
//
//go:embed scenarios/*.lua
var Scenarios embed.FS

// ScenarioNames lists the embedded scenarios without extension, sorted.
func ScenarioNames() []string {
	entries, err := fs.ReadDir(Scenarios, "scenarios")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".lua") {
			names = append(names, strings.TrimSuffix(e.Name(), ".lua"))
		}
	}
	sort.Strings(names)
	return names
}

// Scenario returns the source of the named scenario.
func Scenario(name string) (string, error) {
	data, err := fs.ReadFile(Scenarios, path.Join("scenarios", name+".lua"))
	if err != nil {
		return "", fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(ScenarioNames(), ", "))
	}
	return string(data), nil
}
