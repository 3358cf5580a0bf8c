package main

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/agentchat/pkg/chatsession"
)

// Config is the chat command's effective configuration: YAML file first,
// then flags on top.
type Config struct {
	BaseURL        string   `yaml:"baseUrl"`
	SocketURL      string   `yaml:"socketUrl"`
	MetadataURL    string   `yaml:"metadataUrl"`
	AllowedDomains []string `yaml:"allowedDomains"`

	SenderID    string `yaml:"senderId"`
	ProfileName string `yaml:"profileName"`

	Agent AgentSettings `yaml:"agent"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`

	SaveDir string `yaml:"saveDir"`
}

type AgentSettings struct {
	SystemPrompt          string `yaml:"systemPrompt"`
	ConversationStarter   string `yaml:"conversationStarter"`
	FirstMessageUser      string `yaml:"firstMessageUser"`
	FirstMessageAssistant string `yaml:"firstMessageAssistant"`
}

func defaultConfig() *Config {
	agent := chatsession.DefaultConfig()
	return &Config{
		BaseURL:        "http://localhost:5000",
		AllowedDomains: []string{"*"},
		ProfileName:    "Agent Tester UI",
		Agent: AgentSettings{
			SystemPrompt:          agent.SystemPrompt,
			ConversationStarter:   string(agent.ConversationStarter),
			FirstMessageUser:      agent.FirstMessageUser,
			FirstMessageAssistant: agent.FirstMessageAssistant,
		},
		LogLevel: "info",
		SaveDir:  ".",
	}
}

// loadConfigFile overlays the YAML file at path onto cfg. A missing file is
// only an error when the path was given explicitly.
func loadConfigFile(cfg *Config, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

// finalize fills derived defaults after file and flags are merged.
func (c *Config) finalize() error {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return errors.New("base URL is empty")
	}
	if strings.TrimSpace(c.SocketURL) == "" {
		c.SocketURL = deriveSocketURL(c.BaseURL)
	}
	if strings.TrimSpace(c.MetadataURL) == "" {
		c.MetadataURL = c.BaseURL + "/api/v1/utils/url-metadata"
	}
	if strings.TrimSpace(c.SenderID) == "" {
		c.SenderID = "web:" + uuid.NewString()
	}
	switch chatsession.Starter(c.Agent.ConversationStarter) {
	case chatsession.StarterUser, chatsession.StarterAssistant, "":
	default:
		return errors.Errorf("unknown conversation starter %q", c.Agent.ConversationStarter)
	}
	return nil
}

func (c *Config) agentConfig() chatsession.AgentConfig {
	return chatsession.AgentConfig{
		SystemPrompt:          c.Agent.SystemPrompt,
		ConversationStarter:   chatsession.Starter(c.Agent.ConversationStarter),
		FirstMessageUser:      c.Agent.FirstMessageUser,
		FirstMessageAssistant: c.Agent.FirstMessageAssistant,
	}
}

// deriveSocketURL maps the HTTP base to the websocket endpoint.
func deriveSocketURL(baseURL string) string {
	ws := baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws"
}
