package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/companion/internal/api"
	"github.com/kalambet/companion/internal/companion"
	"github.com/kalambet/companion/internal/config"
	"github.com/kalambet/companion/internal/media"
)

// --- wizard ---

var wizardCmd = &cobra.Command{
	Use:   "wizard",
	Short: "Drive the onboarding wizard",
}

func sessionFlag(cmd *cobra.Command) string {
	s, _ := cmd.Flags().GetString("session")
	return s
}

// callWizard runs a wizard method and prints the resulting state.
func callWizard(cmd *cobra.Command, method string, params map[string]any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	if s := sessionFlag(cmd); s != "" {
		params["sessionId"] = s
	}
	var v api.WizardView
	if err := client.call(cmd.Context(), method, params, &v); err != nil {
		return err
	}
	printWizard(cmd.OutOrStdout(), v)
	return nil
}

var wizardStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start onboarding (keeps existing progress unless --force-reset)",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force-reset")
		return callWizard(cmd, "companion.wizard.start", map[string]any{"forceReset": force})
	},
}

var wizardStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wizard state and checklist",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callWizard(cmd, "companion.wizard.status", map[string]any{})
	},
}

var wizardPhotosCmd = &cobra.Command{
	Use:   "photos <file-or-media-id>...",
	Short: "Submit 1 to 5 photos and queue image training",
	Long: `Submit 1 to 5 photos and queue image training.

Each argument is either a local file, which is uploaded first, or the id
of an already ingested media asset.

Examples:
  companion wizard photos ./front.jpg ./side.jpg
  companion wizard photos media_3f1c...`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(args))
		for _, arg := range args {
			id, err := resolveMediaArg(cmd.Context(), client, arg, media.KindImage)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return callWizard(cmd, "companion.wizard.photos.submit", map[string]any{"mediaIds": ids})
	},
}

var wizardVoiceCmd = &cobra.Command{
	Use:   "voice <file-or-media-id>",
	Short: "Submit a voice sample and queue voice training",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := resolveMediaArg(cmd.Context(), client, args[0], media.KindAudio)
		if err != nil {
			return err
		}
		return callWizard(cmd, "companion.wizard.voice.submit", map[string]any{"mediaId": id})
	},
}

var wizardPersonalityCmd = &cobra.Command{
	Use:   "personality [text...]",
	Short: "Submit the personality description and finish onboarding",
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			text = string(data)
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("personality text is required (argument or --file)")
		}
		return callWizard(cmd, "companion.wizard.personality.submit", map[string]any{"text": text})
	},
}

var wizardResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Archive the current profile and return to idle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callWizard(cmd, "companion.wizard.reset", map[string]any{})
	},
}

var wizardCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel queued and running training jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callWizard(cmd, "companion.wizard.cancel", map[string]any{})
	},
}

var wizardSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List onboarding sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out struct {
			Sessions []companion.SessionSummary `json:"sessions"`
		}
		if err := client.call(cmd.Context(), "companion.wizard.sessions", nil, &out); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(out.Sessions) == 0 {
			fmt.Fprintln(w, "No sessions.")
			return nil
		}
		fmt.Fprintf(w, "%-20s %-24s %-18s %s\n", "SESSION", "STATE", "UPDATED", "BOUND TO")
		for _, s := range out.Sessions {
			fmt.Fprintf(w, "%-20s %-24s %-18s %s\n", s.SessionID, phaseLabel(s.Phase), s.UpdatedAt.Local().Format("2006-01-02 15:04"), s.BoundSessionID)
		}
		return nil
	},
}

var wizardPersonaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Show the stored personality and its generated prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		params := map[string]any{}
		if s := sessionFlag(cmd); s != "" {
			params["sessionId"] = s
		}
		var out struct {
			Persona *companion.Persona `json:"persona"`
		}
		if err := client.call(cmd.Context(), "companion.wizard.persona", params, &out); err != nil {
			return err
		}
		if out.Persona == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No personality submitted yet.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Persona.GeneratedPrompt)
		return nil
	},
}

var wizardHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived profiles of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		params := map[string]any{}
		if s := sessionFlag(cmd); s != "" {
			params["sessionId"] = s
		}
		var v api.HistoryView
		if err := client.call(cmd.Context(), "companion.wizard.history", params, &v); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(v.Archives) > 0 {
			for _, a := range v.Archives {
				fmt.Fprintf(w, "%s  %-6s %s\n", a.ArchivedAt.Local().Format("2006-01-02 15:04:05"), a.Reason, a.ArchiveName)
			}
			return nil
		}
		if len(v.Directories) == 0 {
			fmt.Fprintln(w, "No archived profiles.")
			return nil
		}
		for _, d := range v.Directories {
			fmt.Fprintln(w, d)
		}
		return nil
	},
}

func init() {
	wizardCmd.PersistentFlags().String("session", "", "session id (default: the active session)")
	wizardStartCmd.Flags().Bool("force-reset", false, "archive the current profile and start over")
	wizardPersonalityCmd.Flags().String("file", "", "read the personality text from a file")
	wizardCmd.AddCommand(wizardStartCmd, wizardStatusCmd, wizardPhotosCmd, wizardVoiceCmd,
		wizardPersonalityCmd, wizardPersonaCmd, wizardResetCmd, wizardCancelCmd,
		wizardSessionsCmd, wizardHistoryCmd)
}

// resolveMediaArg uploads arg when it names a local file and returns the
// media id to submit.
func resolveMediaArg(ctx context.Context, client *apiClient, arg string, kind media.Kind) (string, error) {
	if _, err := os.Stat(arg); err != nil {
		if strings.HasPrefix(arg, "media_") {
			return arg, nil
		}
		return "", fmt.Errorf("%s is neither a readable file nor a media id", arg)
	}
	item, err := uploadFile(ctx, client, arg, kind, nil)
	if err != nil {
		return "", err
	}
	printStep("Uploaded %s as %s", filepath.Base(arg), item.ID)
	return item.ID, nil
}

func uploadFile(ctx context.Context, client *apiClient, path string, kind media.Kind, ttlHours *float64) (media.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return media.Item{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return media.Item{}, fmt.Errorf("reading %s: %w", path, err)
	}

	in := media.IngestInput{
		Source:        "cli",
		Kind:          kind,
		MimeType:      mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		FileName:      filepath.Base(path),
		ContentBase64: base64.StdEncoding.EncodeToString(data),
		TTLHours:      ttlHours,
	}
	var item media.Item
	if err := client.call(ctx, "media.ingest", in, &item); err != nil {
		return media.Item{}, err
	}
	return item, nil
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and retry training jobs",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a training job and its transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var v api.JobView
		if err := client.call(cmd.Context(), "companion.training.job", map[string]any{"jobId": args[0]}, &v); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		printJob(w, v.Job)
		fmt.Fprintf(w, "  session: %s\n", v.SessionID)
		for _, e := range v.Events {
			from := e.FromStatus
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(w, "  %s  %s -> %s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), from, e.ToStatus, e.Tier)
		}
		return nil
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Put a job back in the queue, optionally resuming from a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		checkpoint, _ := cmd.Flags().GetString("checkpoint")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var v api.WizardView
		params := map[string]any{"jobId": args[0], "message": message, "checkpointPath": checkpoint}
		if err := client.call(cmd.Context(), "companion.training.requeue", params, &v); err != nil {
			return err
		}
		printSuccess("Requeued %s", args[0])
		printWizard(cmd.OutOrStdout(), v)
		return nil
	},
}

func init() {
	jobsRequeueCmd.Flags().String("message", "requeued from cli", "message recorded on the job")
	jobsRequeueCmd.Flags().String("checkpoint", "", "checkpoint path to resume from")
	jobsCmd.AddCommand(jobsShowCmd, jobsRequeueCmd)
}

// --- media ---

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Manage uploaded media assets",
}

var mediaIngestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Upload a file as a media asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		var ttl *float64
		if cmd.Flags().Changed("ttl-hours") {
			v, _ := cmd.Flags().GetFloat64("ttl-hours")
			ttl = &v
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		item, err := uploadFile(cmd.Context(), client, args[0], media.Kind(kind), ttl)
		if err != nil {
			return err
		}
		printSuccess("Ingested %s (expires %s)", item.ID, item.ExpiresAt.Local().Format("2006-01-02 15:04"))
		fmt.Fprintln(cmd.OutOrStdout(), item.ID)
		return nil
	},
}

var mediaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List media assets, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out struct {
			Items []media.Item `json:"items"`
		}
		if err := client.call(cmd.Context(), "media.list", map[string]any{"limit": limit}, &out); err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if len(out.Items) == 0 {
			fmt.Fprintln(w, "No media.")
			return nil
		}
		fmt.Fprintf(w, "%-44s %-6s %-24s %s\n", "ID", "KIND", "FILE", "EXPIRES")
		for _, it := range out.Items {
			fmt.Fprintf(w, "%-44s %-6s %-24s %s\n", it.ID, it.Kind, truncate(it.FileName, 24), it.ExpiresAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var mediaGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete expired media assets now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res media.GCResult
		if err := client.call(cmd.Context(), "media.gc", nil, &res); err != nil {
			return err
		}
		printSuccess("Removed %d expired assets, %d kept", res.Removed, res.Kept)
		return nil
	},
}

func init() {
	mediaIngestCmd.Flags().String("kind", string(media.KindFile), "asset kind: image, audio, video or file")
	mediaIngestCmd.Flags().Float64("ttl-hours", 0, "hours until the asset expires (minimum 1)")
	mediaListCmd.Flags().Int("limit", 20, "maximum number of assets to list")
	mediaCmd.AddCommand(mediaIngestCmd, mediaListCmd, mediaGCCmd)
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
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
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
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
