package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardflow/internal/config"
	"boardflow/internal/db"
	"boardflow/internal/domain"
	"boardflow/internal/engine"
	"boardflow/internal/migrate"
	"boardflow/internal/repo"
	"boardflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bf",
	Short: "Boardflow CLI",
	Long: `Boardflow coordinates mixed human and automated work on shared boards.
Core concepts:
- Workspace: the .boardflow directory holding the database; config lives in boardflow.yml.
- Boards: shared surfaces owned by the organization; access is resolved per member per board.
- Members: humans with a role (owner, admin, member), all-boards flags, and per-board grants.
- Agents: automated actors bound to one board. Workers execute tasks; the single lead per
  board delegates and never executes.
- Tasks: work items flowing inbox -> in_progress -> review -> done. Every status change
  carries an audit note.
- Approvals: automated actions that are risky or low-confidence wait for a human decision.
- Staleness: in-progress tasks with no recent audit note get their holder nudged.
- Event log: diary of everything that happened, view with 'bf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("BOARDFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("board", "", "board id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("board", rootCmd.PersistentFlags().Lookup("board"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(delegateSweepCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func tokenCmd() *cobra.Command {
	var actorID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dev bearer token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("BOARDFLOW_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("BOARDFLOW_JWT_SECRET is required")
			}
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			now := time.Now()
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
				Subject:   actorID,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			signed, err := token.SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(signed)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "subject actor id (defaults to --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func initCmd() *cobra.Command {
	var ownerEmail string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			org, err := e.InitOrg(cmd.Context(), cfg.Org.ID, cfg.Org.Name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			if ownerEmail != "" {
				owner, err := e.AddMember(cmd.Context(), engine.MemberCreateOptions{
					OrgID:   org.ID,
					Email:   ownerEmail,
					Role:    domain.RoleOwner,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("Owner member: %s (%s)\n", owner.ID, owner.Email)
			}
			return printJSONOrTable(org)
		},
	}
	cmd.Flags().StringVar(&ownerEmail, "owner-email", "", "create an owner member with this email")
	return cmd
}

func boardCmd() *cobra.Command {
	board := &cobra.Command{
		Use:   "board",
		Short: "Manage boards",
	}
	board.AddCommand(boardCreateCmd())
	board.AddCommand(boardUpdateCmd())
	board.AddCommand(boardListCmd())
	board.AddCommand(boardShowCmd())
	board.AddCommand(boardStatusCmd())
	board.AddCommand(boardDeleteCmd())
	return board
}

func boardCreateCmd() *cobra.Command {
	var name, group string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBoard(ctx, e.Config.Org.ID, name, optionalString(group), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "board name")
	cmd.Flags().StringVar(&group, "group", "", "board group")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func boardUpdateCmd() *cobra.Command {
	var name, group string
	cmd := &cobra.Command{
		Use:   "update <board-id>",
		Short: "Rename a board or move it between groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var groupPtr *string
				if cmd.Flags().Changed("group") {
					groupPtr = &group
				}
				b, err := e.UpdateBoard(ctx, args[0], name, groupPtr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new board name")
	cmd.Flags().StringVar(&group, "group", "", "new board group (empty clears)")
	return cmd
}

func boardListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBoards(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Group", "Created"})
				for _, b := range items {
					group := ""
					if b.BoardGroup != nil {
						group = *b.BoardGroup
					}
					tw.AppendRow(table.Row{b.ID, b.Name, group, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func boardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <board-id>",
		Short: "Show a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				b, err := r.GetBoard(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func boardStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <board-id>",
		Short: "Show task counts and agents for a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.Snapshot(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Board: %s (%s)\n", snap.Board.Name, snap.Board.ID)
				fmt.Println("Tasks:")
				for status, c := range snap.Counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Agents:")
				for _, a := range snap.Agents {
					role := "worker"
					if a.IsLead {
						role = "lead"
					}
					fmt.Printf("  %s (%s, %s)\n", a.Name, role, a.Status)
				}
				return nil
			})
		},
	}
	return cmd
}

func boardDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <board-id>",
		Short: "Delete a board and everything on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteBoard(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{
		Use:   "member",
		Short: "Manage members and grants",
	}
	member.AddCommand(memberAddCmd())
	member.AddCommand(memberListCmd())
	member.AddCommand(memberAccessCmd())
	member.AddCommand(memberRemoveCmd())
	member.AddCommand(memberGrantCmd())
	member.AddCommand(memberRevokeCmd())
	return member
}

func memberAddCmd() *cobra.Command {
	var email, role string
	var allRead, allWrite bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMember(ctx, engine.MemberCreateOptions{
					OrgID:          e.Config.Org.ID,
					Email:          email,
					Role:           role,
					AllBoardsRead:  allRead,
					AllBoardsWrite: allWrite,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "member email")
	cmd.Flags().StringVar(&role, "role", "member", "role (owner, admin, member)")
	cmd.Flags().BoolVar(&allRead, "all-boards-read", false, "grant read on every board")
	cmd.Flags().BoolVar(&allWrite, "all-boards-write", false, "grant write on every board")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func memberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMembers(ctx, e.Config.Org.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Role", "All Read", "All Write"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Email, m.Role, m.AllBoardsRead, m.AllBoardsWrite})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memberAccessCmd() *cobra.Command {
	var role string
	var allRead, allWrite bool
	cmd := &cobra.Command{
		Use:   "access <member-id>",
		Short: "Update a member's role or all-boards flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var readPtr, writePtr *bool
				if cmd.Flags().Changed("all-boards-read") {
					readPtr = &allRead
				}
				if cmd.Flags().Changed("all-boards-write") {
					writePtr = &allWrite
				}
				m, err := e.UpdateMemberAccess(ctx, args[0], role, readPtr, writePtr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role (owner, admin, member)")
	cmd.Flags().BoolVar(&allRead, "all-boards-read", false, "read on every board")
	cmd.Flags().BoolVar(&allWrite, "all-boards-write", false, "write on every board")
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <member-id>",
		Short: "Remove a member and revoke all grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveMember(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func memberGrantCmd() *cobra.Command {
	var memberID, boardID string
	var read, write bool
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Set a per-board grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.SetGrant(ctx, memberID, boardID, read, write, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&boardID, "board-id", "", "board id")
	cmd.Flags().BoolVar(&read, "read", false, "can read")
	cmd.Flags().BoolVar(&write, "write", false, "can write (implies read)")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("board-id")
	return cmd
}

func memberRevokeCmd() *cobra.Command {
	var memberID, boardID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a per-board grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeGrant(ctx, memberID, boardID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&boardID, "board-id", "", "board id")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("board-id")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentHeartbeatCmd())
	agent.AddCommand(agentRemoveCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var name string
	var lead bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent on a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID := viper.GetString("board")
			if boardID == "" {
				return fmt.Errorf("--board required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RegisterAgent(ctx, engine.AgentCreateOptions{
					BoardID: boardID,
					Name:    name,
					IsLead:  lead,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().BoolVar(&lead, "lead", false, "register as the board lead")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents on a board",
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID := viper.GetString("board")
			if boardID == "" {
				return fmt.Errorf("--board required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAgents(ctx, boardID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Lead", "Status", "Last Seen"})
				for _, a := range items {
					lastSeen := ""
					if a.LastSeenAt != nil {
						lastSeen = *a.LastSeenAt
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.IsLead, a.Status, lastSeen})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentHeartbeatCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Record agent liveness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AgentHeartbeat(ctx, args[0], status)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (active, paused)")
	return cmd
}

func agentRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <agent-id>",
		Short: "Remove an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveAgent(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow inbox -> in_progress -> review -> done. Claims are exclusive per worker, every status change needs an audit note, and review is resolved by an admin or the board lead.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskTransitionCmd())
	task.AddCommand(taskReassignCmd())
	task.AddCommand(taskDelegateCmd())
	task.AddCommand(taskCommentCmd())
	task.AddCommand(taskCommentsCmd())
	task.AddCommand(taskNudgeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in the inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if opts.BoardID == "" {
				opts.BoardID = viper.GetString("board")
			}
			if opts.BoardID == "" {
				return fmt.Errorf("--board required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.BoardID, "board-id", "", "board id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "medium", "priority (low, medium, high)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.BoardID == "" {
				f.BoardID = viper.GetString("board")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee"})
				for _, t := range items {
					assignee := ""
					if t.AssignedAgentID != nil {
						assignee = *t.AssignedAgentID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BoardID, "board-id", "", "board id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedAgentID, "agent", "", "assigned agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, priority string
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update task metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{TaskID: args[0], Title: title, Priority: priority, ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				t, err := e.UpdateTaskMeta(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim a task for a worker agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Claim(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "worker agent id")
	return cmd
}

func taskTransitionCmd() *cobra.Command {
	var from, to, note string
	cmd := &cobra.Command{
		Use:   "transition <task-id>",
		Short: "Move a task through its lifecycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Transition(ctx, engine.TransitionOptions{
					TaskID:  args[0],
					From:    from,
					To:      to,
					Note:    note,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current status")
	cmd.Flags().StringVar(&to, "to", "", "target status")
	cmd.Flags().StringVar(&note, "note", "", "audit note explaining the change")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskReassignCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "reassign <task-id>",
		Short: "Reassign a task to another worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Reassign(ctx, args[0], agentID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "target worker agent id")
	return cmd
}

func taskDelegateCmd() *cobra.Command {
	var leadID, candidateID string
	var confidence int
	cmd := &cobra.Command{
		Use:   "delegate <task-id>",
		Short: "Delegate a single inbox task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if leadID == "" {
				return fmt.Errorf("--lead required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Delegate(ctx, engine.DelegateOptions{
					TaskID:      args[0],
					LeadID:      leadID,
					CandidateID: candidateID,
					Confidence:  confidence,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "lead agent id")
	cmd.Flags().StringVar(&candidateID, "candidate", "", "preferred worker (defaults to least loaded)")
	cmd.Flags().IntVar(&confidence, "confidence", 0, "confidence for worker auto-creation when the board has none")
	return cmd
}

func taskCommentCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "comment <task-id>",
		Short: "Append an audit note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddComment(ctx, args[0], viper.GetString("actor-id"), message)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "note text")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func taskCommentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comments <task-id>",
		Short: "List audit notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListComments(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func taskNudgeCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "nudge <task-id>",
		Short: "Nudge the task's holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ManualNudge(ctx, args[0], viper.GetString("actor-id"), message, nil)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "nudge text")
	return cmd
}

func delegateSweepCmd() *cobra.Command {
	var leadID string
	var confidence int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delegate the whole inbox in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID := viper.GetString("board")
			if boardID == "" {
				return fmt.Errorf("--board required")
			}
			if leadID == "" {
				return fmt.Errorf("--lead required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				assignments, err := e.DelegateSweep(ctx, boardID, leadID, confidence)
				var deferred engine.DeferredError
				if errors.As(err, &deferred) {
					fmt.Printf("No workers available; worker creation awaits approval %s\n", deferred.ApprovalID)
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(assignments)
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "lead agent id")
	cmd.Flags().IntVar(&confidence, "confidence", 0, "confidence for worker auto-creation when the board has none")
	return cmd
}

func approvalCmd() *cobra.Command {
	approval := &cobra.Command{
		Use:   "approval",
		Short: "Review gated automated actions",
	}
	approval.AddCommand(approvalListCmd())
	approval.AddCommand(approvalShowCmd())
	approval.AddCommand(approvalResolveCmd())
	approval.AddCommand(approvalProposeCmd())
	return approval
}

func approvalListCmd() *cobra.Command {
	var f repo.ApprovalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.BoardID == "" {
				f.BoardID = viper.GetString("board")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListApprovals(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "Confidence", "Status", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ActionType, a.Confidence, a.Status, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BoardID, "board-id", "", "board id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, approved, rejected)")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <approval-id>",
		Short: "Show an approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func approvalResolveCmd() *cobra.Command {
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "resolve <approval-id>",
		Short: "Approve or reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.ResolveApproval(ctx, args[0], approve, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve and execute the action")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the action")
	return cmd
}

func approvalProposeCmd() *cobra.Command {
	var agentID, actionType, taskID, payload string
	var confidence int
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose an automated action through the gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			boardID := viper.GetString("board")
			if boardID == "" {
				return fmt.Errorf("--board required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ProposeAction(ctx, engine.ProposeOptions{
					BoardID:     boardID,
					TaskID:      taskID,
					AgentID:     agentID,
					ActionType:  actionType,
					Confidence:  confidence,
					PayloadJSON: payload,
				})
				if err != nil {
					return err
				}
				if !d.Admitted {
					fmt.Printf("Deferred; approval %s awaits a human decision\n", d.ApprovalID)
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "proposing agent id")
	cmd.Flags().StringVar(&actionType, "action", "", "action type (task.create, agent.create, ...)")
	cmd.Flags().StringVar(&taskID, "task", "", "related task id")
	cmd.Flags().IntVar(&confidence, "confidence", 0, "confidence 0-100")
	cmd.Flags().StringVar(&payload, "payload", "", "action payload JSON")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apiKeyCreateCmd())
	key.AddCommand(apiKeyListCmd())
	key.AddCommand(apiKeyDeleteCmd())
	return key
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key (shown once): %s\n", secret)
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: task changes, delegations, approvals, nudges.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("board"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and staleness monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BOARDFLOW_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("BOARDFLOW_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			monitorCtx, stopMonitor := context.WithCancel(cmd.Context())
			defer stopMonitor()
			monitor := engine.NewMonitor(e, nil)
			go monitor.Run(monitorCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Boardflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept the X-Actor-Id header without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
