package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modoterra/agentrelay/internal/buildinfo"
	"github.com/modoterra/agentrelay/pkg/config"
	"github.com/modoterra/agentrelay/pkg/config/presets"
	"github.com/modoterra/agentrelay/pkg/core"
	"github.com/modoterra/agentrelay/pkg/daemon/service"
	"github.com/modoterra/agentrelay/pkg/transport/uds"
	tuimodel "github.com/modoterra/agentrelay/pkg/tui/model"
)

var (
	socketPath string
	configPath string
	userID     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "agentrelay",
	Short:        "Chat relay for a subprocess travel-guide agent",
	Long:         "agentrelay runs an external agent once per chat turn, extracts its answer and keeps a live log of every session.",
	SilenceUsage: true,
	RunE:         runTUI,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default from config or $XDG_RUNTIME_DIR)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to agentrelay.yaml")
	rootCmd.Flags().StringVar(&userID, "user", defaultUser(), "user id to chat as")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "tui"
}

// resolveSocket picks the --socket flag, then the config's socket, then the
// per-user default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if configPath != "" {
		if cfg, err := config.Load(configPath); err == nil {
			return cfg.SocketPath()
		}
	}
	return config.DefaultSocketPath()
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	sock := resolveSocket()
	ensureDaemon(sock)
	app := tuimodel.New(sock, userID)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func ensureDaemon(sock string) {
	if _, err := os.Stat(sock); err == nil {
		return
	}
	cmd := exec.Command("agentrelayd", daemonArgs(sock)...)
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not start daemon: %v\n", err)
		return
	}
	for i := 0; i < 30; i++ {
		if _, err := os.Stat(sock); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: daemon did not come up, continuing anyway")
}

func daemonArgs(sock string) []string {
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if sock != "" {
		args = append(args, "--socket", sock)
	}
	return args
}

func dialDaemon() (*uds.Client, error) {
	sock := resolveSocket()
	client, err := uds.Dial(sock)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", sock, err)
	}
	return client, nil
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if the daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()

		var pong uds.PingResponse
		if err := client.Call(ctx, uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (agentrelayd %s)\n", pong.Version)
		}
		return nil
	},
}

// --- Chat ---

var (
	chatUser    string
	chatJSON    bool
	chatTimeout time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one chat turn and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), chatTimeout)
		defer cancel()

		var reply uds.ChatReply
		req := core.ChatRequest{Message: strings.Join(args, " "), UserID: chatUser}
		if err := client.Call(ctx, uds.MethodChat, req, &reply); err != nil {
			return err
		}
		return printReply(cmd.OutOrStdout(), reply, chatJSON)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "", "user id; the same id reuses its session")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "print the raw reply")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 5*time.Minute, "how long to wait for the answer")
}

func printReply(w io.Writer, reply uds.ChatReply, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reply)
	}
	if reply.Error != nil {
		msg := reply.Error.Error
		if reply.Error.Details != "" {
			msg += "\n" + reply.Error.Details
		}
		return fmt.Errorf("%s (status %d, session %s)", msg, reply.Status, reply.Error.SessionID)
	}
	if reply.Response == nil {
		return errors.New("empty reply from daemon")
	}
	fmt.Fprintln(w, reply.Response.Response)
	fmt.Fprintf(w, "\nsession: %s\n", reply.Response.SessionID)
	return nil
}

// --- Logs ---

var (
	logsFollow bool
	logsClear  bool
)

var logsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "Print, follow or clear a session's log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()

		if logsClear {
			if _, err := client.Request(ctx, uds.MethodLogsClear, core.ClearRequest{SessionID: sessionID}); err != nil {
				return err
			}
			fmt.Fprintf(out, "cleared %s ✓\n", sessionID)
			return nil
		}

		if !logsFollow {
			var resp core.LogsResponse
			if err := client.Call(ctx, uds.MethodLogsRead, uds.SessionRequest{SessionID: sessionID}, &resp); err != nil {
				return err
			}
			for _, l := range resp.Logs {
				fmt.Fprintln(out, l)
			}
			return nil
		}

		return followLogs(cmd.Context(), client, sessionID, out)
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream new lines until interrupted")
	logsCmd.Flags().BoolVar(&logsClear, "clear", false, "clear the session's log")
}

func followLogs(ctx context.Context, client *uds.Client, sessionID string, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan core.LogLine, 256)
	client.OnEvent(func(m uds.Message) {
		if m.Method != uds.EventLogsLine {
			return
		}
		var l core.LogLine
		if m.UnmarshalData(&l) == nil && l.SessionID == sessionID {
			select {
			case lines <- l:
			default:
			}
		}
	})

	var resp uds.SubscribeResponse
	if err := client.Call(ctx, uds.MethodLogsSubscribe, uds.SessionRequest{SessionID: sessionID}, &resp); err != nil {
		return err
	}
	for _, l := range resp.Backlog {
		fmt.Fprintln(out, l.String())
	}

	for {
		select {
		case l := <-lines:
			fmt.Fprintln(out, l.String())
		case <-client.Done():
			return uds.ErrClosed
		case <-ctx.Done():
			return nil
		}
	}
}

// --- Sessions ---

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List chat sessions known to the daemon",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()

		var resp uds.SessionsResponse
		if err := client.Call(ctx, uds.MethodListSessions, nil, &resp); err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), resp.Sessions, sessionsJSON)
	},
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "output as JSON")
}

func printSessions(w io.Writer, sessions []core.SessionInfo, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tSESSION\tLINES\tLAST SEEN")
	for _, s := range sessions {
		user, seen := s.UserID, "-"
		if user == "" {
			user = "-"
		}
		if !s.LastSeen.IsZero() {
			seen = s.LastSeen.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", user, s.SessionID, s.Lines, seen)
	}
	return tw.Flush()
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agentrelay.yaml",
}

var configInitOutput string

var configInitCmd = &cobra.Command{
	Use:   "init [agent-dir]",
	Short: "Generate agentrelay.yaml for an inline agent project",
	Long:  "The agent directory must contain a main.py exposing an async process_message(message, session_id).",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) > 0 {
			root = args[0]
		}
		cfg, err := presets.GenerateInlineAgent(root)
		if err != nil {
			return err
		}
		if err := config.Save(cfg, configInitOutput); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Generated %s\n", configInitOutput)
		fmt.Fprintf(out, "  script:      %s\n", cfg.Agent.Script)
		fmt.Fprintf(out, "  interpreter: %s\n", cfg.Agent.Interpreter)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate agentrelay.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultFile
		if configPath != "" {
			path = configPath
		}
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (agent %s)\n", path, filepath.Base(cfg.Agent.Script))
			return nil
		}

		w := cmd.ErrOrStderr()
		fmt.Fprintf(w, "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(w, "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

func init() {
	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", config.DefaultFile, "output file path")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

// --- Service ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the agentrelayd systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultFile
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if err := service.Install(abs); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "agentrelayd service installed ✓")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "agentrelayd service removed ✓")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show socket and service state",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(resolveSocket()))
	},
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

// --- Daemon ---

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the daemon in the foreground (for debugging)",
	Long:  "Normally the TUI auto-spawns the daemon or systemd runs it. Use this to run it manually.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cmd := exec.Command("agentrelayd", daemonArgs(socketPath)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentrelay %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}
