package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/mnemosync/pkg/gateway"
	"github.com/spf13/cobra"
)

var (
	adminServer string
	adminSecret string

	agentSupersede bool

	instanceAgent    string
	instanceKey      string
	instanceEndpoint string
	instanceStatus   string
	revokeReason     string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agent identity lineages on a running server",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents with their lineage and merge statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodGet, "/v1/admin/agents", nil)
	},
}

var agentsRegisterCmd = &cobra.Command{
	Use:   "register <agent-id> <public-key>",
	Short: "Register an agent, or append a version with --supersede",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "/v1/admin/agents", map[string]interface{}{
			"agent_id":   args[0],
			"public_key": args[1],
			"supersede":  agentSupersede,
		})
	},
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Manage registered instances on a running server",
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances, optionally filtered by agent and status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := url.Values{}
		if instanceAgent != "" {
			query.Set("agent_id", instanceAgent)
		}
		if instanceStatus != "" {
			query.Set("status", instanceStatus)
		}
		path := "/v1/admin/instances"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}
		return adminCall(cmd, http.MethodGet, path, nil)
	},
}

var instancesRegisterCmd = &cobra.Command{
	Use:   "register <instance-id>",
	Short: "Register an instance for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if instanceAgent == "" || instanceKey == "" {
			return fmt.Errorf("--agent and --key are required")
		}
		body := map[string]interface{}{
			"instance_id": args[0],
			"agent_id":    instanceAgent,
			"public_key":  instanceKey,
		}
		if instanceEndpoint != "" {
			body["endpoint"] = instanceEndpoint
		}
		return adminCall(cmd, http.MethodPost, "/v1/admin/instances", body)
	},
}

var instancesRevokeCmd = &cobra.Command{
	Use:   "revoke <instance-id>",
	Short: "Revoke an instance; its reports are rejected from then on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "/v1/admin/instances/"+url.PathEscape(args[0])+"/revoke",
			map[string]interface{}{"reason": revokeReason})
	},
}

var checkinCmd = &cobra.Command{
	Use:   "checkin",
	Short: "Run one check-in round now instead of waiting for the schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd, http.MethodPost, "/v1/admin/checkin", nil)
	},
}

func init() {
	for _, c := range []*cobra.Command{agentsCmd, instancesCmd, checkinCmd} {
		c.PersistentFlags().StringVar(&adminServer, "server", "", "server URL (default is the configured gateway address)")
		c.PersistentFlags().StringVar(&adminSecret, "secret", "", "admin secret (default is gateway.admin_secret)")
	}

	agentsRegisterCmd.Flags().BoolVar(&agentSupersede, "supersede", false, "append a new identity version to an existing agent")
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsRegisterCmd)

	instancesListCmd.Flags().StringVar(&instanceAgent, "agent", "", "filter by agent id")
	instancesListCmd.Flags().StringVar(&instanceStatus, "status", "", "comma separated statuses, e.g. active,stale")
	instancesRegisterCmd.Flags().StringVar(&instanceAgent, "agent", "", "agent the instance reports for")
	instancesRegisterCmd.Flags().StringVar(&instanceKey, "key", "", "hex encoded Ed25519 public key of the instance")
	instancesRegisterCmd.Flags().StringVar(&instanceEndpoint, "endpoint", "", "base URL polled by the check-in driver")
	instancesRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "reason recorded in the audit log")
	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesRegisterCmd)
	instancesCmd.AddCommand(instancesRevokeCmd)

	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(instancesCmd)
	rootCmd.AddCommand(checkinCmd)
}

// adminTarget resolves the server URL and secret from flags, falling back
// to the configuration.
func adminTarget() (string, string, error) {
	server, secret := adminServer, adminSecret
	if server == "" || secret == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return "", "", err
		}
		if server == "" {
			server = gatewayURL(cfg)
		}
		if secret == "" {
			secret = cfg.Gateway.AdminSecret
		}
	}
	return strings.TrimRight(server, "/"), secret, nil
}

// adminCall sends one admin request and prints the indented JSON response.
func adminCall(cmd *cobra.Command, method, path string, body interface{}) error {
	server, secret, err := adminTarget()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, server+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set(gateway.AdminSecretHeader, secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(data)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(pretty.String()))
	}
	cmd.Println(strings.TrimSpace(pretty.String()))
	return nil
}
