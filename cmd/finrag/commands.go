package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/finrag/internal/chat"
	"github.com/kalambet/finrag/internal/client"
	"github.com/kalambet/finrag/internal/config"
	"github.com/kalambet/finrag/internal/pipeline"
	"github.com/kalambet/finrag/internal/protocol"
	"github.com/kalambet/finrag/internal/session"
)

func modeFlag(cmd *cobra.Command) (protocol.Mode, error) {
	s, _ := cmd.Flags().GetString("mode")
	return protocol.ParseMode(s)
}

func addModeFlag(cmd *cobra.Command) {
	cmd.Flags().String("mode", string(protocol.ModeFast), "workflow: fast-rag, agentic-rag or deep-research-rag")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [question]",
	Short: "Ask a question; starts an interactive prompt when none is given",
	Long: `Ask a question about the ingested documents.

The conversation continues the active session of the chosen mode. Inside the
interactive prompt, /new starts a fresh session and /exit quits.

Examples:
  finrag chat "How did Apple's services revenue change in 2023?"
  finrag chat --mode agentic-rag
  finrag chat --new --mode deep-research-rag "Compare gross margins"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(cmd)
		if err != nil {
			return err
		}
		sessionID, _ := cmd.Flags().GetString("session")
		fresh, _ := cmd.Flags().GetBool("new")

		env, err := newCLIEnv(cmd)
		if err != nil {
			return err
		}
		if fresh {
			if _, err := env.sessions.ResetSession(mode); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		coord := chat.New(env.api, env.sessions, chat.WithObserver(func(ev protocol.ChatEvent, _ *session.Session) {
			if ev.Kind == protocol.ChatToken {
				fmt.Fprint(out, ev.Token)
			}
		}))

		ask := func(question string) error {
			err := coord.SendMessage(cmd.Context(), question, mode, sessionID)
			var streamErr *chat.StreamError
			if errors.As(err, &streamErr) {
				fmt.Fprintln(out)
				return errors.New(streamErr.Message)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			if sess, ok := env.sessions.Session(mode); ok {
				a := sess.Annotations()
				printCitations(out, a.Citations)
				printUsage(out, a.Usage)
				sessionID = sess.ID()
			}
			return nil
		}

		if len(args) > 0 {
			return ask(strings.Join(args, " "))
		}
		return chatLoop(cmd.InOrStdin(), out, ask, func() (string, error) {
			sessionID = ""
			return env.sessions.ResetSession(mode)
		})
	},
}

// chatLoop reads questions line by line until EOF or /exit.
func chatLoop(in io.Reader, out io.Writer, ask func(string) error, reset func() (string, error)) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorBold, "> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			id, err := reset()
			if err != nil {
				printError("%v", err)
				continue
			}
			printSuccess("Started session %s", id)
			continue
		}
		if err := ask(line); err != nil {
			printError("%v", err)
		}
	}
}

func init() {
	addModeFlag(chatCmd)
	chatCmd.Flags().String("session", "", "continue this session instead of the active one")
	chatCmd.Flags().Bool("new", false, "start a new session first")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the conversation of the active session",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(cmd)
		if err != nil {
			return err
		}
		sessionID, _ := cmd.Flags().GetString("session")

		env, err := newCLIEnv(cmd)
		if err != nil {
			return err
		}
		sess, err := env.sessions.Use(cmd.Context(), mode, sessionID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		turns := sess.Turns()
		if len(turns) == 0 {
			printWarning("No messages in session %s", sess.ID())
			return nil
		}
		for _, t := range turns {
			label := colorize(colorCyan, "you")
			if t.Role == protocol.RoleAssistant {
				label = colorize(colorGreen, "finrag")
			}
			fmt.Fprintf(out, "%s %s\n%s\n\n", label, colorize(colorDim, t.Timestamp.Local().Format("2006-01-02 15:04")), t.Content)
		}
		a := sess.Annotations()
		printCitations(out, a.Citations)
		printUsage(out, a.Usage)
		return nil
	},
}

func init() {
	addModeFlag(historyCmd)
	historyCmd.Flags().String("session", "", "show this session instead of the active one")
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage chat sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new session for a mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(cmd)
		if err != nil {
			return err
		}
		env, err := newCLIEnv(cmd)
		if err != nil {
			return err
		}
		id, err := env.sessions.ResetSession(mode)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		printSuccess("Started %s session", mode)
		return nil
	},
}

func init() {
	addModeFlag(sessionNewCmd)
	sessionCmd.AddCommand(sessionNewCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Add documents to the index",
	Long: `Upload PDF, HTML or text documents and follow their processing.

Examples:
  finrag ingest ./aapl-10k-2023.pdf
  finrag ingest --no-progress ./msft-10q.html
  finrag ingest --sync ./notes.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		syncMode, _ := cmd.Flags().GetBool("sync")
		noProgress, _ := cmd.Flags().GetBool("no-progress")

		env, err := newCLIEnv(cmd)
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			var err error
			if syncMode {
				err = ingestSync(cmd, env, path)
			} else {
				err = ingestTracked(cmd, env, path, noProgress)
			}
			if err != nil {
				printError("%s: %v", filepath.Base(path), err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(args))
		}
		return nil
	},
}

func ingestSync(cmd *cobra.Command, env *cliEnv, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	printStep("Processing %s...", filepath.Base(path))
	resp, err := env.api.UploadSync(cmd.Context(), filepath.Base(path), f)
	if err != nil {
		return err
	}
	printSuccess("%s", resp.Message)
	printResult(cmd.OutOrStdout(), &resp.IngestResult)
	return nil
}

func ingestTracked(cmd *cobra.Command, env *cliEnv, path string, noProgress bool) error {
	sessionID := "upload_" + uuid.NewString()
	ack, err := uploadFile(cmd.Context(), env, sessionID, path)
	if err != nil {
		return err
	}
	printStep("%s: %s", ack.Filename, ack.Message)

	if noProgress {
		printStatus("Session", "%s", sessionID)
		printStatus("Follow with", "finrag status --upload %s", sessionID)
		return nil
	}

	tracker := pipeline.NewTracker(env.api,
		pipeline.WithTimeout(env.cfg.Client.TrackTimeout),
		pipeline.WithObserver(newStagePrinter(os.Stderr).observe),
	)
	snap, err := tracker.Track(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	printSuccess("Indexed %s", ack.Filename)
	printResult(cmd.OutOrStdout(), snap.Result)
	return nil
}

// uploadFile queues path under sessionID. The file is closed once the
// server has acknowledged it; the worker reads its own copy.
func uploadFile(ctx context.Context, env *cliEnv, sessionID, path string) (protocol.UploadAck, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.UploadAck{}, err
	}
	defer f.Close()
	return env.api.Upload(ctx, sessionID, filepath.Base(path), f)
}

func printResult(w io.Writer, r *protocol.IngestResult) {
	if r == nil {
		return
	}
	fprintStatus(w, "Company", "%s", r.Company)
	fprintStatus(w, "Document type", "%s", r.DocumentType)
	fprintStatus(w, "Chunks", "%d", r.ChunksCreated)
	fprintStatus(w, "Credibility", "%.2f", r.CredibilityScore)
	fprintStatus(w, "Time", "%.1fs", r.ProcessingTime)
}

func init() {
	ingestCmd.Flags().Bool("sync", false, "process within the request instead of queueing")
	ingestCmd.Flags().Bool("no-progress", false, "queue the upload and return without following it")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newCLIEnv(cmd)
		if err != nil {
			return err
		}
		stats, err := env.api.IndexStats(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fprintStatus(out, "Chunks", "%d", stats.TotalDocuments)
		fprintStatus(out, "Documents", "%d", stats.IndexedFiles)

		companies := make([]string, 0, len(stats.CompanyBreakdown))
		for c := range stats.CompanyBreakdown {
			companies = append(companies, c)
		}
		sort.Strings(companies)
		for _, c := range companies {
			fprintStatus(out, "  "+c, "%d", stats.CompanyBreakdown[c])
		}
		return nil
	},
}

// --- usage ---

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage of the active session",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := modeFlag(cmd)
		if err != nil {
			return err
		}
		sessionID, _ := cmd.Flags().GetString("session")

		env, err := newCLIEnv(cmd)
		if err != nil {
			return err
		}
		if sessionID == "" {
			sess, err := env.sessions.Activate(cmd.Context(), mode)
			if err != nil {
				return err
			}
			sessionID = sess.ID()
		}

		u, err := env.api.Usage(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fprintStatus(out, "Session", "%s", sessionID)
		fprintStatus(out, "Requests", "%d", u.Requests)
		fprintStatus(out, "Prompt tokens", "%d", u.PromptTokens)
		fprintStatus(out, "Completion tokens", "%d", u.CompletionTokens)
		fprintStatus(out, "Total tokens", "%d", u.TotalTokens)
		return nil
	},
}

func init() {
	addModeFlag(usageCmd)
	usageCmd.Flags().String("session", "", "report this session instead of the active one")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and dependency status",
	RunE: func(cmd *cobra.Command, args []string) error {
		upload, _ := cmd.Flags().GetString("upload")

		env, err := newCLIEnv(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if upload != "" {
			st, err := env.api.ProcessingStatus(cmd.Context(), upload)
			if client.IsNotFound(err) {
				return fmt.Errorf("upload session %s not found (finished sessions expire after %s)", upload, env.cfg.Ingest.Retention)
			}
			if err != nil {
				return err
			}
			fprintStatus(out, "File", "%s", st.Filename)
			fprintStatus(out, "Status", "%s", st.Status)
			fprintStatus(out, "Step", "%s %d%%", st.Step, st.Progress)
			fprintStatus(out, "Message", "%s", st.CurrentMessage)
			if st.Error != "" {
				fprintStatus(out, "Error", "%s", st.Error)
			}
			printResult(out, st.Result)
			return nil
		}

		if err := env.api.Health(cmd.Context()); err != nil {
			fprintStatus(out, "Server", "stopped (%s)", env.api.BaseURL())
			fprintStatus(out, "Data dir", "%s", env.cfg.Storage.DataDir)
			return nil
		}
		fprintStatus(out, "Server", "running at %s", env.api.BaseURL())

		st, err := env.api.ServiceStatus(cmd.Context())
		if err != nil {
			return err
		}
		s := st.Services
		if s.Ollama {
			fprintStatus(out, "Ollama", "running at %s", s.OllamaURL)
		} else {
			fprintStatus(out, "Ollama", "not running")
		}
		fprintStatus(out, "Chat model", "%s (%s)", s.ChatModel, readyLabel(s.ChatModelReady))
		fprintStatus(out, "Embed model", "%s (%s)", s.EmbedModel, readyLabel(s.EmbedModelReady))
		fprintStatus(out, "Vector index", "%s", readyLabel(s.VectorIndex))
		fprintStatus(out, "Ingestions", "%d tracked", s.TrackedIngestions)
		fprintStatus(out, "Data dir", "%s", env.cfg.Storage.DataDir)
		return nil
	},
}

func readyLabel(ok bool) string {
	if ok {
		return "ready"
	}
	return "missing"
}

func init() {
	statusCmd.Flags().String("upload", "", "show the processing status of an upload session")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "  %s\n", colorize(colorDim, config.FilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
