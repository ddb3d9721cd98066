package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"blonde/internal/app"
	"blonde/internal/tui"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const version = "1.0.0"

func buildCore(mock bool) (*app.Orchestrator, app.Config, error) {
	cfg, err := app.LoadConfig(app.DefaultConfigPath())
	if err != nil {
		return nil, cfg, err
	}
	logger := app.NewLogger(os.Stderr)
	if mock {
		providers := app.NewProviderSet()
		providers.Register(app.NewMockProvider("mock"))
		store, err := app.NewFileSessionStore(cfg.StorageRoot, cfg.ArchivePolicy())
		if err != nil {
			return nil, cfg, err
		}
		cfg.DefaultProvider = "mock"
		cfg.DefaultModel = "demo-7b"
		core := app.NewOrchestrator(store, providers, app.NewAgentRegistry(), app.DefaultPricingTable(), logger, app.Options{})
		return core, cfg, nil
	}
	core, err := app.BuildOrchestrator(cfg, logger, nil)
	if err != nil {
		return nil, cfg, err
	}
	return core, cfg, nil
}

// sessionFor resolves --session, or creates a fresh session on the default
// provider when none was given.
func sessionFor(core *app.Orchestrator, cfg app.Config, id string) (*app.Session, error) {
	if id != "" {
		return core.LoadSession(id)
	}
	return core.CreateSession(cfg.DefaultProvider, cfg.DefaultModel)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printProgress(evt app.Event) {
	switch evt.Type {
	case app.EventAgentThinking:
		fmt.Fprintf(os.Stderr, "· %s is thinking...\n", evt.Role)
	case app.EventThresholdCrossed:
		fmt.Fprintf(os.Stderr, "! context usage crossed %d%%\n", evt.Threshold)
	case app.EventTaskFailed:
		fmt.Fprintf(os.Stderr, "x %s failed: %s\n", evt.Role, evt.ErrKind)
	}
}

func main() {
	var mock bool

	root := &cobra.Command{
		Use:     "blonde",
		Short:   "blonde - terminal AI assistant",
		Long:    "blonde routes your requests to interchangeable LLM providers and can fan a task out to a team of specialized agents.",
		Version: version,
	}
	root.PersistentFlags().BoolVar(&mock, "mock", false, "use the in-memory mock provider")

	var chatSession string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat TUI",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cfg, err := buildCore(mock)
			if err != nil {
				return err
			}
			sess, err := sessionFor(core, cfg, chatSession)
			if err != nil {
				return err
			}
			return tui.Run(core, sess)
		},
	}
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session id to resume")

	var askSession, askRole string
	askCmd := &cobra.Command{
		Use:   "ask [input]",
		Short: "Run a single agent once and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cfg, err := buildCore(mock)
			if err != nil {
				return err
			}
			sess, err := sessionFor(core, cfg, askSession)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			result, err := core.RunSingleAgent(ctx, sess.ID, askRole, strings.Join(args, " "), printProgress)
			if err != nil {
				return err
			}
			fmt.Println(result.Text)
			return nil
		},
	}
	askCmd.Flags().StringVarP(&askSession, "session", "s", "", "session id to resume")
	askCmd.Flags().StringVarP(&askRole, "role", "r", "", "agent role (default generator)")

	var teamSession string
	var teamRoles []string
	teamCmd := &cobra.Command{
		Use:   "team [input]",
		Short: "Run a collaboration pipeline of agent roles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cfg, err := buildCore(mock)
			if err != nil {
				return err
			}
			sess, err := sessionFor(core, cfg, teamSession)
			if err != nil {
				return err
			}
			if len(teamRoles) == 0 {
				teamRoles = []string{app.RoleGenerator, app.RoleReviewer, app.RoleTester}
			}
			ctx, stop := signalContext()
			defer stop()
			agg, err := core.RunCollaboration(ctx, sess.ID, teamRoles, strings.Join(args, " "), printProgress)
			if err != nil {
				return err
			}
			for _, role := range teamRoles {
				if out, ok := agg.Outputs[role]; ok {
					fmt.Printf("=== %s ===\n%s\n\n", role, out)
				}
			}
			if len(agg.Failed) > 0 {
				fmt.Fprintf(os.Stderr, "failed roles: %s\n", strings.Join(agg.Failed, ", "))
			}
			return nil
		},
	}
	teamCmd.Flags().StringVarP(&teamSession, "session", "s", "", "session id to resume")
	teamCmd.Flags().StringSliceVarP(&teamRoles, "roles", "R", nil, "ordered agent roles")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions",
	}

	var listArchived bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, err := buildCore(mock)
			if err != nil {
				return err
			}
			summaries, err := core.ListSessions(listArchived)
			if err != nil {
				return err
			}
			for _, sum := range summaries {
				marker := " "
				if sum.Archived {
					marker = "A"
				}
				fmt.Printf("%s %s  %-30s %s/%s  %d msgs  $%.4f  %s\n",
					marker, sum.ID, sum.Name, sum.Provider, sum.Model,
					sum.MessageCount, sum.TotalUSD, sum.LastActivity.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	listCmd.Flags().BoolVarP(&listArchived, "all", "a", false, "include archived sessions")

	var newProvider, newModel string
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cfg, err := buildCore(mock)
			if err != nil {
				return err
			}
			if newProvider == "" {
				newProvider = cfg.DefaultProvider
			}
			if newModel == "" {
				newModel = cfg.DefaultModel
			}
			sess, err := core.CreateSession(newProvider, newModel)
			if err != nil {
				return err
			}
			fmt.Println(sess.ID)
			return nil
		},
	}
	newCmd.Flags().StringVarP(&newProvider, "provider", "p", "", "provider name")
	newCmd.Flags().StringVarP(&newModel, "model", "m", "", "model name")

	archiveCmd := &cobra.Command{
		Use:   "archive [id]",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, err := buildCore(mock)
			if err != nil {
				return err
			}
			return core.ArchiveSession(args[0])
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore [id]",
		Short: "Restore an archived session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, err := buildCore(mock)
			if err != nil {
				return err
			}
			return core.RestoreSession(args[0])
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a session's history and totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, _, err := buildCore(mock)
			if err != nil {
				return err
			}
			sess, err := core.LoadSession(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s/%s)  %.1f%% context  $%.4f\n\n",
				sess.Name, sess.Provider, sess.Model, sess.Usage.Percentage, sess.Cost.TotalUSD)
			for _, msg := range sess.History {
				fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
			}
			return nil
		},
	}

	sessionsCmd.AddCommand(listCmd, newCmd, archiveCmd, restoreCmd, showCmd)

	var switchModel string
	switchCmd := &cobra.Command{
		Use:   "switch [session-id] [provider]",
		Short: "Switch a session's provider/model (history is preserved)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			core, cfg, err := buildCore(mock)
			if err != nil {
				return err
			}
			model := switchModel
			if model == "" {
				model = cfg.DefaultModel
			}
			return core.SwitchProvider(args[0], args[1], model)
		},
	}
	switchCmd.Flags().StringVarP(&switchModel, "model", "m", "", "model name")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(app.DefaultConfigPath())
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.DefaultConfigPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := app.SaveConfig(app.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	configCmd.AddCommand(configShowCmd, configInitCmd)

	root.AddCommand(chatCmd, askCmd, teamCmd, sessionsCmd, switchCmd, configCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
