package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const Name = "anancus"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// RuleCondition is a single condition of a content rule. All conditions of a
// rule must match for the rule to apply.
type RuleCondition struct {
	Field         string `yaml:"field"`    // content, actor, domain, mediaType, language
	Operator      string `yaml:"operator"` // contains, equals, matches, startsWith, endsWith
	Value         string `yaml:"value"`
	CaseSensitive bool   `yaml:"caseSensitive"`
}

// ContentRule is an ordered moderation rule evaluated against inbound content.
type ContentRule struct {
	Name       string          `yaml:"name"`
	Priority   int             `yaml:"priority"`
	Action     string          `yaml:"action"` // allow, warn, reject, silence
	Message    string          `yaml:"message"`
	Conditions []RuleCondition `yaml:"conditions"`
}

// FederationConfig carries the tenant-level federation policy. It is passed
// explicitly into the inbox processor and policy checks so behavior is
// deterministic per call.
type FederationConfig struct {
	AutoAcceptFollows bool          `yaml:"autoAcceptFollows"`
	StrictSignatures  bool          `yaml:"strictSignatures"`
	BlockedDomains    []string      `yaml:"blockedDomains"`
	AllowedDomains    []string      `yaml:"allowedDomains"`
	AllowedMediaTypes []string      `yaml:"allowedMediaTypes"`
	MaxAttachments    int           `yaml:"maxAttachments"`
	ContentRules      []ContentRule `yaml:"contentRules"`
}

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		WithAp    bool   `yaml:"withAp"`
		Users     []string
	}
	Federation FederationConfig `yaml:"federation"`
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	// Try to read from resolved path
	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		// Try to write default config to user config directory
		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)

	if c.Federation.MaxAttachments <= 0 {
		c.Federation.MaxAttachments = 4
	}

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	envHost := os.Getenv("ANANCUS_HOST")
	envHttpPort := os.Getenv("ANANCUS_HTTPPORT")
	envSslDomain := os.Getenv("ANANCUS_SSLDOMAIN")
	envWithAp := os.Getenv("ANANCUS_WITH_AP")
	envUsers := os.Getenv("ANANCUS_USERS")
	envAutoAccept := os.Getenv("ANANCUS_AUTO_ACCEPT_FOLLOWS")
	envStrictSig := os.Getenv("ANANCUS_STRICT_SIGNATURES")
	envBlocked := os.Getenv("ANANCUS_BLOCKED_DOMAINS")
	envAllowed := os.Getenv("ANANCUS_ALLOWED_DOMAINS")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envWithAp == "true" {
		c.Conf.WithAp = true
	}

	if envUsers != "" {
		c.Conf.Users = splitList(envUsers)
	}

	if envAutoAccept == "true" {
		c.Federation.AutoAcceptFollows = true
	}

	if envStrictSig == "true" {
		c.Federation.StrictSignatures = true
	}

	if envBlocked != "" {
		c.Federation.BlockedDomains = splitList(envBlocked)
	}

	if envAllowed != "" {
		c.Federation.AllowedDomains = splitList(envAllowed)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
