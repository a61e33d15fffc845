package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/wationgarbarad/ouroboros/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running supervisor's state",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "config:", err)
				os.Exit(1)
			}

			snapshot, err := fetchJSON(cfg, "/api/state")
			if err != nil {
				fmt.Fprintln(os.Stderr, "supervisor unreachable:", err)
				os.Exit(1)
			}
			printStatusTable(snapshot)
		},
	}
}

func fetchJSON(cfg *config.Config, path string) (map[string]interface{}, error) {
	url := fmt.Sprintf("http://%s:%d%s", cfg.Gateway.Host, cfg.Gateway.Port, path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Gateway.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// printStatusTable renders key/value rows with runewidth-aware alignment so
// emoji and wide glyphs in values don't skew the columns.
func printStatusTable(snapshot map[string]interface{}) {
	keys := make([]string, 0, len(snapshot))
	width := 0
	for k := range snapshot {
		keys = append(keys, k)
		if w := runewidth.StringWidth(k); w > width {
			width = w
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		pad := strings.Repeat(" ", width-runewidth.StringWidth(k))
		fmt.Printf("%s%s  %v\n", k, pad, snapshot[k])
	}
}
