package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/carapace-sec/carapace/pkg/types"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions on a running server",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := request(http.MethodGet, "/sessions", http.StatusOK)
		if err != nil {
			return err
		}

		var infos []types.SessionInfo
		if err := json.Unmarshal(body, &infos); err != nil {
			return fmt.Errorf("unexpected response: %w", err)
		}

		if len(infos) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s  %-4s  last active %s\n",
				info.ID, info.ChannelType,
				time.UnixMilli(info.LastActive).Format(time.RFC3339))
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := request(http.MethodDelete, "/sessions/"+args[0], http.StatusNoContent); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// request performs an authenticated control-plane call.
func request(method, path string, wantStatus int) ([]byte, error) {
	token := os.Getenv("CARAPACE_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("CARAPACE_TOKEN not set")
	}

	req, err := http.NewRequest(method, serverURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, body)
	}
	return body, nil
}
