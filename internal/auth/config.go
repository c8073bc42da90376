package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "conclave.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Agents map[string]agentKeys `yaml:"agents"`
}

type agentKeys struct {
	Keys []string `yaml:"keys"`
}

// Keyring maps bearer keys to agent identities. A key belongs to exactly
// one agent.
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToAgent                map[string]string
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("CONCLAVE_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

func LoadKeyringFromEnv() (*Keyring, error) {
	return LoadKeyring(ResolveKeysPath())
}

func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, err := BootstrapDevKey(path, "dev"); err != nil {
				return nil, fmt.Errorf("bootstrap dev key: %w", err)
			}
			data, err = os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read keys file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read keys file: %w", err)
		}
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := &Keyring{
		AllowLocalhostWithoutAuth: true,
		keyToAgent:                make(map[string]string),
	}
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for agent, keys := range cfg.Agents {
		for _, key := range keys.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToAgent[key]; ok && existing != agent {
				return nil, fmt.Errorf("key reused across agents: %q", key)
			}
			ring.keyToAgent[key] = agent
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToAgent: make(map[string]string)}
}

func NewKeyring(allowLocalhost bool, keyToAgent map[string]string) *Keyring {
	clone := make(map[string]string, len(keyToAgent))
	for k, v := range keyToAgent {
		clone[k] = v
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToAgent: clone}
}

func (k *Keyring) AgentForKey(key string) (string, bool) {
	if k == nil {
		return "", false
	}
	agent, ok := k.keyToAgent[key]
	return agent, ok
}
