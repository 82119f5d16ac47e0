package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halverson/strand/internal/config"
	"github.com/halverson/strand/internal/health"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document into a project",
	Long: `Upload a document into a project.

Examples:
  strand upload ./requirements.pdf --project p1
  strand upload ./notes.md --project p1 --user alice`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		projectID, _ := cmd.Flags().GetString("project")
		userID, _ := cmd.Flags().GetString("user")
		if projectID == "" {
			return fmt.Errorf("--project is required")
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "text/plain"
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/documents", map[string]any{
			"project_id":   projectID,
			"user_id":      userID,
			"filename":     filepath.Base(path),
			"content_type": contentType,
			"content":      base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["status"] == "exists" {
			printWarning("Document already registered as %s", result["id"])
			return nil
		}
		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

func init() {
	uploadCmd.Flags().String("project", "", "project ID")
	uploadCmd.Flags().String("user", "", "user ID recorded on the upload")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List a project's documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")
		if projectID == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?project_id=%s&limit=%d", projectID, limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID        string `json:"id"`
			Filename  string `json:"filename"`
			Version   int    `json:"version"`
			Public    bool   `json:"public"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}
		for _, d := range docs {
			visibility := "private"
			if d.Public {
				visibility = "public"
			}
			fmt.Printf("%s  v%d  %-8s  %s\n", colorize(colorCyan, d.ID[:8]), d.Version, visibility, d.Filename)
		}
		return nil
	},
}

func init() {
	documentsCmd.Flags().String("project", "", "project ID")
	documentsCmd.Flags().Int("limit", 20, "maximum number of documents to list")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over a project's documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		projectID, _ := cmd.Flags().GetString("project")
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/retrieve", map[string]any{
			"query":       query,
			"project_id":  projectID,
			"user_id":     userID,
			"max_results": limit,
		})
		if err != nil {
			return err
		}

		var results []struct {
			ID      string  `json:"id"`
			Score   float32 `json:"score"`
			Content string  `json:"content"`
			Page    int     `json:"page,omitempty"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			if r.Page > 0 {
				fmt.Printf("  Page: %d\n", r.Page)
			}
			text := r.Content
			if len(text) > 500 {
				text = text[:500] + "..."
			}
			fmt.Printf("  %s\n", text)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("project", "", "project ID")
	searchCmd.Flags().String("user", "", "user ID for access filtering")
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events <query>",
	Short: "Semantic search over a project's event history",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		projectID, _ := cmd.Flags().GetString("project")
		limit, _ := cmd.Flags().GetInt("limit")
		if projectID == "" {
			return fmt.Errorf("--project is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/events/search?q=%s&project_id=%s&limit=%d",
			url.QueryEscape(query), url.QueryEscape(projectID), limit))
		if err != nil {
			return err
		}

		var events []struct {
			ID              string `json:"id"`
			EventType       string `json:"event_type"`
			SemanticSummary string `json:"semantic_summary"`
			CreatedAt       string `json:"created_at"`
		}
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}

		if len(events) == 0 {
			fmt.Println("No events found.")
			return nil
		}
		for _, e := range events {
			fmt.Printf("%s  %-20s  %s\n", colorize(colorCyan, e.ID[:8]), e.EventType, e.SemanticSummary)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().String("project", "", "project ID")
	eventsCmd.Flags().Int("limit", 10, "maximum number of events")
}

// --- health ---

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show sync health between the content store and the vector index",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/sync/health"
		if projectID != "" {
			path += "?project_id=" + projectID
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var report health.Report
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		printReport(report)
		return nil
	},
}

func printReport(report health.Report) {
	printStatus("Overall", "%s", colorizeStatus(report.OverallStatus))

	names := make([]string, 0, len(report.Collections))
	for name := range report.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := report.Collections[name]
		printStatus(name, "%s (sql=%d vector=%d ratio=%.2f)",
			colorizeStatus(c.Status), c.SQLCount, c.VectorCount, c.SyncRatio)
	}

	if report.SmokeTest.Ran {
		result := "passed"
		if !report.SmokeTest.Passed {
			result = "FAILED"
		}
		printStatus("Smoke test", "%s (%d results)", result, report.SmokeTest.ResultCount)
	}

	for _, issue := range report.Issues {
		printWarning("%s", issue)
	}
	for _, rec := range report.Recommendations {
		printStep("%s", rec)
	}
}

func colorizeStatus(s health.Status) string {
	switch s {
	case health.StatusHealthy:
		return colorize(colorGreen, string(s))
	case health.StatusWarning:
		return colorize(colorYellow, string(s))
	default:
		return colorize(colorRed, string(s))
	}
}

func init() {
	healthCmd.Flags().String("project", "", "limit the check to one project")
	healthCmd.Flags().Bool("json", false, "print the raw JSON report")
}

// --- recover ---

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Rebuild the vector index from the content store",
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		scope := projectID
		if scope == "" {
			scope = "all projects"
		}
		printStep("Rebuilding vector index for %s...", scope)

		resp, err := client.post(cmd.Context(), "/sync/recover", map[string]string{"project_id": projectID})
		if err != nil {
			return err
		}

		var result health.RecoveryResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.FailedCount > 0 {
			printWarning("%d records failed to recover", result.FailedCount)
		}
		printSuccess("Recovered %d records (sync ratio %.2f)", result.RecoveredCount, result.FinalSyncRatio)
		return nil
	},
}

func init() {
	recoverCmd.Flags().String("project", "", "limit recovery to one project")
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
