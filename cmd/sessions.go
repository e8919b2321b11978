package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/session"
	"github.com/nextlevelbuilder/agentcore/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func openSessionManager() (*session.Manager, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	cleanup := func() {
		if closer, ok := st.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	return session.NewManager(st, cfg.Sessions.CacheSize), cleanup, nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openSessionManager()
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := mgr.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range list {
				title := s.Title
				if title == "" {
					title = "(untitled)"
				}
				updated := time.UnixMilli(s.Updated).Format("2006-01-02 15:04")
				fmt.Printf("%s  %-19s  %s\n", s.ID, updated, title)
			}
			return nil
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openSessionManager()
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := mgr.Get(args[0])
			if err != nil {
				return err
			}
			info := sess.Info()
			fmt.Printf("session %s  title=%q\n", info.ID, info.Title)
			if info.Summary != "" {
				fmt.Printf("summary: %s\n\n", info.Summary)
			}
			for _, msg := range sess.GetMessages(limit) {
				fmt.Printf("[%s] %s\n", msg.Role, renderParts(msg.Parts))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the last N messages")
	return cmd
}

func renderParts(parts []store.Part) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n    ")
		}
		switch p.Type {
		case store.PartText:
			b.WriteString(p.Text)
		case store.PartReasoning:
			b.WriteString("(reasoning omitted)")
		case store.PartFile:
			fmt.Fprintf(&b, "[file: %s (%s)]", p.Filename, p.Mime)
		case store.PartTool:
			fmt.Fprintf(&b, "[tool %s: %s]", p.Tool, p.State)
		}
	}
	return b.String()
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, cleanup, err := openSessionManager()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := mgr.Delete(args[0]); err != nil {
				return err
			}
			if err := mgr.Flush(); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
