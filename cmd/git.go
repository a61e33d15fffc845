package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/wationgarbarad/ouroboros/internal/config"
)

func rollbackCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "rollback <ref>",
		Short: "Hard-reset the work branch to a commit or tag",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ref := args[0]
			if !yes && !confirmDestructive(fmt.Sprintf(
				"Hard-reset the work branch to %s? Uncommitted agent work will be lost.", ref)) {
				fmt.Println("aborted")
				return
			}
			result, err := postJSON("/api/git/rollback", map[string]string{"ref": ref})
			if err != nil {
				fmt.Fprintln(os.Stderr, "rollback failed:", err)
				os.Exit(1)
			}
			fmt.Println(result["message"])
			fmt.Println("run /restart (or ouroboros serve again) to pick up the rolled-back tree")
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func promoteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Fast-forward the stable branch to match the work branch",
		Run: func(cmd *cobra.Command, args []string) {
			if !yes && !confirmDestructive("Promote the work branch to stable?") {
				fmt.Println("aborted")
				return
			}
			result, err := postJSON("/api/git/promote", nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, "promote failed:", err)
				os.Exit(1)
			}
			fmt.Println(result["message"])
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// confirmDestructive asks before an irreversible repo operation.
func confirmDestructive(title string) bool {
	confirmed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Yes, do it").
			Negative("Cancel").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

func postJSON(path string, payload interface{}) (map[string]interface{}, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}

	url := fmt.Sprintf("http://%s:%d%s", cfg.Gateway.Host, cfg.Gateway.Port, path)
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Gateway.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %v", resp.StatusCode, out["error"])
	}
	return out, nil
}
