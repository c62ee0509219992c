package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage cluster membership",
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Add a replica to an existing cluster",
	Long: `Ask the leader to add a replica as a Raft voter. Run against the
leader's admin address; the joining replica must already be running
without --bootstrap.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetString("leader")
		nodeID, _ := cmd.Flags().GetString("node-id")
		address, _ := cmd.Flags().GetString("address")

		if nodeID == "" || address == "" {
			return fmt.Errorf("--node-id and --address are required")
		}

		return postMembership(leader+"/cluster/join", map[string]string{
			"node_id": nodeID,
			"address": address,
		})
	},
}

var clusterLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Remove a replica from the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetString("leader")
		nodeID, _ := cmd.Flags().GetString("node-id")

		if nodeID == "" {
			return fmt.Errorf("--node-id is required")
		}

		return postMembership(leader+"/cluster/leave", map[string]string{
			"node_id": nodeID,
		})
	},
}

func init() {
	clusterCmd.AddCommand(clusterJoinCmd)
	clusterCmd.AddCommand(clusterLeaveCmd)

	for _, c := range []*cobra.Command{clusterJoinCmd, clusterLeaveCmd} {
		c.Flags().String("leader", "http://127.0.0.1:7071", "Leader admin address")
		c.Flags().String("node-id", "", "Node identifier")
	}
	clusterJoinCmd.Flags().String("address", "", "Raft bind address of the joining node")
}

func postMembership(url string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s: %s", resp.Status, bytes.TrimSpace(respBody))
	}

	fmt.Println(string(bytes.TrimSpace(respBody)))
	return nil
}
