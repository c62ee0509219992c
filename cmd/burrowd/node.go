package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage the config-serving host fleet",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a host with the fleet",
	Long: `Register a config-serving host so activations can allocate capacity
on it. Registration replicates through the consensus store; any replica
accepts it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		id, _ := cmd.Flags().GetString("id")
		address, _ := cmd.Flags().GetString("address")
		capacity, _ := cmd.Flags().GetInt("capacity")

		if id == "" || address == "" {
			return fmt.Errorf("--id and --address are required")
		}

		node := types.Node{ID: id, Address: address, Capacity: capacity}
		resp, err := nodeRequest(http.MethodPost, server+"/nodes", node)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Node registered: %s (capacity %d)\n", resp.ID, resp.Capacity)
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List fleet hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")

		body, err := adminGet(server + "/nodes")
		if err != nil {
			return err
		}

		var nodes []*types.Node
		if err := json.Unmarshal(body, &nodes); err != nil {
			return fmt.Errorf("unexpected response: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS\tSTATUS\tCAPACITY\tALLOCATED")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", n.ID, n.Address, n.Status, n.Capacity, n.Allocated)
		}
		return w.Flush()
	},
}

var nodeRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Deregister a host from the fleet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")

		req, err := http.NewRequest(http.MethodDelete, server+"/nodes/"+args[0], nil)
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("request failed: %s: %s", resp.Status, body)
		}

		fmt.Printf("✓ Node removed: %s\n", args[0])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeRemoveCmd)

	for _, c := range []*cobra.Command{nodeRegisterCmd, nodeListCmd, nodeRemoveCmd} {
		c.Flags().String("server", "http://127.0.0.1:7071", "Replica admin address")
	}
	nodeRegisterCmd.Flags().String("id", "", "Node identifier")
	nodeRegisterCmd.Flags().String("address", "", "Node address")
	nodeRegisterCmd.Flags().Int("capacity", 1, "Host slots this node offers")
}

func nodeRequest(method, url string, node types.Node) (*types.Node, error) {
	payload, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, body)
	}

	var out types.Node
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unexpected response: %w", err)
	}
	return &out, nil
}

func adminGet(url string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, body)
	}
	return body, nil
}
