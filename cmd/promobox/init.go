package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"promobox/internal/config"
	"promobox/internal/security"
	"promobox/pkg/fileutil"
	"promobox/pkg/templates"

	"github.com/spf13/cobra"
)

var (
	initDir        string
	initJenkinsURL string
	initJenkinsUse string
	initN8NURL     string
	initForce      bool
	initSystemd    bool
	initUser       string
	initList       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter promobox.yaml",
	Long: `Write a starter promobox.yaml into --dir. Secrets are left empty and are
expected from the environment.

With --systemd, a service unit for the written configuration is printed to
stdout. With --list, the templates and the files they are loaded from are
printed and nothing is written.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write promobox.yaml into")
	initCmd.Flags().StringVar(&initJenkinsURL, "jenkins-url", "https://jenkins.example.com", "Jenkins base URL")
	initCmd.Flags().StringVar(&initJenkinsUse, "jenkins-user", "promobox", "Jenkins user")
	initCmd.Flags().StringVar(&initN8NURL, "n8n-url", "", "Development n8n base URL")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
	initCmd.Flags().BoolVar(&initSystemd, "systemd", false, "Print a systemd unit")
	initCmd.Flags().StringVar(&initUser, "user", "promobox", "Service user and group for --systemd")
	initCmd.Flags().BoolVar(&initList, "list", false, "List templates and their sources")
}

func runInit(cmd *cobra.Command, args []string) error {
	if initList {
		return listTemplates(cmd.OutOrStdout())
	}

	dir, err := filepath.Abs(initDir)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, config.FileName)
	if fileutil.FileExists(path) && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	logPath := filepath.Join(dir, "promobox.log")
	rendered, err := templates.RenderConfig(templates.ConfigData{
		JenkinsBaseURL: initJenkinsURL,
		JenkinsUser:    initJenkinsUse,
		N8NBaseURL:     initN8NURL,
		HistoryPath:    filepath.Join(dir, config.DefaultHistoryPath),
		LogFile:        logPath,
	})
	if err != nil {
		return err
	}

	if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(rendered), security.PermLogFile); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", path)

	if !initSystemd {
		return nil
	}
	binary, err := os.Executable()
	if err != nil {
		binary = "/usr/local/bin/promobox"
	}
	unit, err := templates.RenderSystemdService(initUser, initUser, dir, binary, path, logPath)
	if err != nil {
		return err
	}
	fmt.Print(unit)
	return nil
}

func listTemplates(w io.Writer) error {
	infos, err := templates.ListTemplates()
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintf(w, "%-16s %s\n", info.Name, info.Source)
	}
	return nil
}
