package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewHistoryCommand constructs the `history` command group and subcommands.
func NewHistoryCommand(baseURL BaseURLFunc) *cobra.Command {
	histCmd := &cobra.Command{Use: "history", Short: "Guild history operations"}
	histCmd.AddCommand(
		newHistoryAppendCommand(baseURL),
		newHistoryTailCommand(baseURL),
		newHistoryStatusCommand(baseURL),
	)
	return histCmd
}

func newHistoryAppendCommand(baseURL BaseURLFunc) *cobra.Command {
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append events to a guild history category",
		RunE: func(cmd *cobra.Command, _ []string) error {
			realm, _ := cmd.Flags().GetString("realm")
			guild, _ := cmd.Flags().GetUint64("guild")
			category, _ := cmd.Flags().GetUint32("category")
			eventsJSON, _ := cmd.Flags().GetString("events-json")
			id, _ := cmd.Flags().GetUint64("id")
			ts, _ := cmd.Flags().GetString("ts")
			data, _ := cmd.Flags().GetString("data")

			var events []map[string]any
			if eventsJSON != "" {
				if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
					return fmt.Errorf("invalid --events-json: %w", err)
				}
			} else {
				if id == 0 {
					return fmt.Errorf("either --events-json or --id is required")
				}
				tsMs, err := parseTimeMs(ts)
				if err != nil {
					return err
				}
				events = append(events, map[string]any{
					"id": id, "tsMs": tsMs, "payload": []byte(data),
				})
			}
			body := map[string]any{"realm": realm, "guildId": guild, "category": category, "events": events}
			b, _ := json.Marshal(body)
			resp, err := http.Post(baseURL()+"/v1/history/append", "application/json", bytes.NewReader(b))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Fprint(cmd.OutOrStdout(), "status: ", resp.Status, " ")
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
	appendCmd.Flags().String("realm", "", "Realm name (default server realm when empty)")
	appendCmd.Flags().Uint64("guild", 0, "Guild id")
	appendCmd.Flags().Uint32("category", 0, "History category")
	appendCmd.Flags().String("events-json", "", "JSON array of events [{id,tsMs,payload}]")
	appendCmd.Flags().Uint64("id", 0, "Event id (single-event form)")
	appendCmd.Flags().String("ts", "", "Event timestamp: epoch ms or RFC3339 (single-event form)")
	appendCmd.Flags().String("data", "", "Event payload (single-event form)")
	_ = appendCmd.MarkFlagRequired("guild")
	return appendCmd
}

func newHistoryTailCommand(baseURL BaseURLFunc) *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream the merged, ordered history of one or more categories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			realm, _ := cmd.Flags().GetString("realm")
			guild, _ := cmd.Flags().GetUint64("guild")
			categories, _ := cmd.Flags().GetString("categories")
			afterID, _ := cmd.Flags().GetUint64("after-id")
			beforeID, _ := cmd.Flags().GetUint64("before-id")
			start, _ := cmd.Flags().GetString("start")
			end, _ := cmd.Flags().GetString("end")
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")
			stopOnLast, _ := cmd.Flags().GetBool("stop-on-last")

			startMs, err := parseTimeMs(start)
			if err != nil {
				return err
			}
			endMs, err := parseTimeMs(end)
			if err != nil {
				return err
			}

			q := url.Values{}
			q.Set("realm", realm)
			q.Set("guild", strconv.FormatUint(guild, 10))
			q.Set("categories", categories)
			if afterID > 0 {
				q.Set("afterId", strconv.FormatUint(afterID, 10))
			}
			if beforeID > 0 {
				q.Set("beforeId", strconv.FormatUint(beforeID, 10))
			}
			if startMs > 0 {
				q.Set("startMs", strconv.FormatInt(startMs, 10))
			}
			if endMs > 0 {
				q.Set("endMs", strconv.FormatInt(endMs, 10))
			}
			if filter != "" {
				q.Set("filter", filter)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if stopOnLast {
				q.Set("stopOnLast", "true")
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				baseURL()+"/v1/history/subscribe?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("subscribe failed: %s", resp.Status)
			}

			out := cmd.OutOrStdout()
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
			for sc.Scan() {
				line := sc.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				fmt.Fprintln(out, strings.TrimPrefix(line, "data: "))
			}
			return sc.Err()
		},
	}
	tailCmd.Flags().String("realm", "", "Realm name")
	tailCmd.Flags().Uint64("guild", 0, "Guild id")
	tailCmd.Flags().String("categories", "", "Comma-separated category ids")
	tailCmd.Flags().Uint64("after-id", 0, "Only events with id strictly above")
	tailCmd.Flags().Uint64("before-id", 0, "Only events with id strictly below")
	tailCmd.Flags().String("start", "", "Window start: epoch ms or RFC3339 (inclusive)")
	tailCmd.Flags().String("end", "", "Window end: epoch ms or RFC3339 (exclusive)")
	tailCmd.Flags().String("filter", "", "CEL filter expression")
	tailCmd.Flags().Int("limit", 0, "Stop after N ordered events (0 = unlimited)")
	tailCmd.Flags().Bool("stop-on-last", false, "End once stored events are exhausted")
	_ = tailCmd.MarkFlagRequired("guild")
	_ = tailCmd.MarkFlagRequired("categories")
	return tailCmd
}

func newHistoryStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored counts and watermarks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			realm, _ := cmd.Flags().GetString("realm")
			guild, _ := cmd.Flags().GetUint64("guild")
			categories, _ := cmd.Flags().GetString("categories")
			q := url.Values{}
			q.Set("realm", realm)
			q.Set("guild", strconv.FormatUint(guild, 10))
			q.Set("categories", categories)
			resp, err := http.Get(baseURL() + "/v1/history/status?" + q.Encode())
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
	statusCmd.Flags().String("realm", "", "Realm name")
	statusCmd.Flags().Uint64("guild", 0, "Guild id")
	statusCmd.Flags().String("categories", "", "Comma-separated category ids")
	_ = statusCmd.MarkFlagRequired("guild")
	return statusCmd
}
