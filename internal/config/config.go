// Package config loads the layered JSONC configuration: global config,
// project config, explicit file, inline content, then environment
// overrides, each layer merging over the previous one.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/conduit-ai/conduit/pkg/types"
)

// Load assembles the configuration in priority order:
// 1. Global config (~/.config/conduit/)
// 2. Project config (<directory>/conduit.json[c], <directory>/.conduit/)
// 3. CONDUIT_CONFIG file
// 4. CONDUIT_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "conduit.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "conduit.jsonc"), globalPath)

	if directory != "" {
		projectDir := filepath.Join(directory, ".conduit")
		loadOnce(filepath.Join(directory, "conduit.json"), directory)
		loadOnce(filepath.Join(directory, "conduit.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "conduit.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "conduit.jsonc"), projectDir)
	}

	if configPath := os.Getenv("CONDUIT_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if content := os.Getenv("CONDUIT_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal([]byte(content), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	applyEnvOverrides(config)

	if config.DataDir == "" {
		config.DataDir = GetPaths().Data
	}

	return config, nil
}

// loadConfigFile loads one config file with JSONC comment stripping and
// placeholder interpolation.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate expands {env:VAR} and {file:path} placeholders. File
// paths resolve against baseDir; missing files keep the placeholder.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		escaped := strings.ReplaceAll(strings.TrimSpace(string(content)), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source into target. Scalars overwrite when set;
// maps merge key by key.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.DefaultProvider != "" {
		target.DefaultProvider = source.DefaultProvider
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Compaction != nil {
		target.Compaction = source.Compaction
	}
	if source.Permission != nil {
		target.Permission = source.Permission
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for name, p := range source.Provider {
			merged := target.Provider[name]
			if p.APIKey != "" {
				merged.APIKey = p.APIKey
			}
			if p.BaseURL != "" {
				merged.BaseURL = p.BaseURL
			}
			target.Provider[name] = merged
		}
	}
}

// applyEnvOverrides applies environment variables on top of file
// configuration. Env API keys fill gaps; they do not clobber keys set
// explicitly in config files.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
	}

	for provider, envVar := range providerEnvMap {
		apiKey := os.Getenv(envVar)
		if apiKey == "" {
			continue
		}
		if config.Provider == nil {
			config.Provider = make(map[string]types.ProviderConfig)
		}
		p := config.Provider[provider]
		if p.APIKey == "" {
			p.APIKey = apiKey
			config.Provider[provider] = p
		}
	}

	if model := os.Getenv("CONDUIT_MODEL"); model != "" {
		config.Model = model
	}
	if dataDir := os.Getenv("CONDUIT_DATA_DIR"); dataDir != "" {
		config.DataDir = dataDir
	}
	if level := os.Getenv("CONDUIT_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
}

// Save writes the configuration to path, creating parent directories.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
