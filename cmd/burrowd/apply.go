package main

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply <package-dir>",
	Short: "Deploy an application package",
	Long: `Deploy an application package directory: upload it to a replica,
prepare it as a new session, and activate it.

Examples:
  # Deploy a package for an application
  burrowd apply --application acme:search:default ./mypackage

  # Override a concurrent deployment
  burrowd apply --application acme:search:default --force ./mypackage`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().String("server", "http://127.0.0.1:7071", "Replica admin address")
	applyCmd.Flags().String("application", "", "Application id as tenant:application:instance (required)")
	applyCmd.Flags().Bool("force", false, "Activate even if another deployment won the race")
	applyCmd.Flags().Duration("timeout", 2*time.Minute, "Time budget for the whole deployment")
	_ = applyCmd.MarkFlagRequired("application")
}

func runApply(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	appFlag, _ := cmd.Flags().GetString("application")
	force, _ := cmd.Flags().GetBool("force")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	app, err := types.ParseApplicationID(appFlag)
	if err != nil {
		return err
	}

	pkg, err := tarPackage(args[0])
	if err != nil {
		return fmt.Errorf("failed to read package: %w", err)
	}

	endpoint := fmt.Sprintf("%s/deploy/%s/%s/%s?timeout=%s&force=%t",
		server, app.Tenant, app.Application, app.Instance,
		url.QueryEscape(timeout.String()), force)

	client := &http.Client{Timeout: timeout + 10*time.Second}
	resp, err := client.Post(endpoint, "application/x-tar", pkg)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("deployment failed: %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	var result struct {
		SessionID uint64               `json:"session_id"`
		Actions   []types.ChangeAction `json:"actions"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}

	fmt.Printf("✓ Deployed %s (session %d)\n", app, result.SessionID)
	for _, action := range result.Actions {
		fmt.Printf("  %s: %s\n", action.Kind, action.Message)
	}
	return nil
}

// tarPackage streams a package directory as a tar archive
func tarPackage(dir string) (io.Reader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
