package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/agentchat/cmd/agentchat/ui"
	"github.com/go-go-golems/agentchat/pkg/backend"
	"github.com/go-go-golems/agentchat/pkg/chatsession"
	"github.com/go-go-golems/agentchat/pkg/preview"
	"github.com/go-go-golems/agentchat/pkg/realtime"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentchat",
		Short: "Terminal client for testing conversational agent backends",
	}
	root.AddCommand(newChatCmd())
	return root
}

func newChatCmd() *cobra.Command {
	cfg := defaultConfig()
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session against an agent backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			merged := defaultConfig()
			explicit := cmd.Flags().Changed("config")
			path := configPath
			if path == "" {
				path = "agentchat.yaml"
			}
			if err := loadConfigFile(merged, path, explicit); err != nil {
				return err
			}
			overlayFlags(cmd, cfg, merged)
			if err := merged.finalize(); err != nil {
				return err
			}
			return runChat(merged)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&configPath, "config", "", "Path to YAML config file")
	fl.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Agent backend base URL")
	fl.StringVar(&cfg.SocketURL, "socket-url", "", "Realtime websocket URL (default derived from base URL)")
	fl.StringVar(&cfg.MetadataURL, "metadata-url", "", "Link preview metadata endpoint (default derived from base URL)")
	fl.StringSliceVar(&cfg.AllowedDomains, "allow-domain", cfg.AllowedDomains, "Domain eligible for link previews (repeatable, * for all)")
	fl.StringVar(&cfg.SenderID, "sender", "", "Sender identity (default web:<uuid>)")
	fl.StringVar(&cfg.ProfileName, "profile-name", cfg.ProfileName, "Profile name sent with each message")
	fl.StringVar(&cfg.Agent.SystemPrompt, "system-prompt", cfg.Agent.SystemPrompt, "Agent system prompt")
	fl.StringVar(&cfg.Agent.ConversationStarter, "starter", cfg.Agent.ConversationStarter, "Conversation starter: user, assistant or empty")
	fl.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	fl.StringVar(&cfg.LogFile, "log-file", "", "Log file (default a temp file while the TUI runs)")
	fl.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "Directory for /save snapshots")
	return cmd
}

// overlayFlags copies only the flags the user actually set onto the merged
// config, so file values survive unless overridden.
func overlayFlags(cmd *cobra.Command, flags, merged *Config) {
	set := map[string]func(){
		"base-url":      func() { merged.BaseURL = flags.BaseURL },
		"socket-url":    func() { merged.SocketURL = flags.SocketURL },
		"metadata-url":  func() { merged.MetadataURL = flags.MetadataURL },
		"allow-domain":  func() { merged.AllowedDomains = flags.AllowedDomains },
		"sender":        func() { merged.SenderID = flags.SenderID },
		"profile-name":  func() { merged.ProfileName = flags.ProfileName },
		"system-prompt": func() { merged.Agent.SystemPrompt = flags.Agent.SystemPrompt },
		"starter":       func() { merged.Agent.ConversationStarter = flags.Agent.ConversationStarter },
		"log-level":     func() { merged.LogLevel = flags.LogLevel },
		"log-file":      func() { merged.LogFile = flags.LogFile },
		"save-dir":      func() { merged.SaveDir = flags.SaveDir },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

func runChat(cfg *Config) error {
	closer, err := setupLogging(cfg.LogLevel, cfg.LogFile, true)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := backend.NewClient(backend.EndpointsFromBase(cfg.BaseURL))
	adapter := realtime.NewAdapter(cfg.SocketURL)

	// The resolver and controller push updates into the program; the
	// program does not exist yet, so route through a late-bound pointer.
	var program *tea.Program
	send := func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	}

	resolver := preview.NewResolver(cfg.MetadataURL, cfg.AllowedDomains,
		preview.WithOnUpdate(func(e preview.Entry) { send(ui.PreviewUpdatedMsg{Entry: e}) }),
	)

	ctrl, err := chatsession.NewController(chatsession.ControllerConfig{
		Backend:     client,
		Channel:     adapter,
		Previews:    resolver,
		SenderID:    cfg.SenderID,
		ProfileName: cfg.ProfileName,
		Config:      cfg.agentConfig(),
		OnUpdate:    func() { send(ui.SessionUpdatedMsg{}) },
	})
	if err != nil {
		return errors.Wrap(err, "build session controller")
	}

	program = tea.NewProgram(ui.NewModel(ctrl, resolver, cfg.SaveDir), tea.WithAltScreen(), tea.WithContext(ctx))

	if err := ctrl.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("realtime channel unavailable, continuing without pushes")
	}
	defer ctrl.Close()

	_, err = program.Run()
	return errors.Wrap(err, "run chat ui")
}
