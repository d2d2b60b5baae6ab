package cli

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbp1/pgbackup/internal/admin"
)

var (
	ctlSocketPath string
	ctlServer     string
	ctlLabel      string
	ctlParent     string
	ctlDestDir    string
	ctlForce      bool
)

// AdminRootCmd is pgbackupctl's entry point: one subcommand per admin
// operation in §4.13's list, each framing a Request over ctlSocketPath
// and exiting with the numeric error category from the Response.
var AdminRootCmd = &cobra.Command{
	Use:           "pgbackupctl",
	Short:         "Admin client for the pgbackupd supervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func newOpCommand(use, short string, op admin.Op) *cobra.Command {
	return &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(admin.Request{
				Op:          op,
				Server:      ctlServer,
				Label:       ctlLabel,
				ParentLabel: ctlParent,
				DestDir:     ctlDestDir,
				Force:       ctlForce,
			})
		},
	}
}

func runOp(req admin.Request) error {
	conn, err := net.DialTimeout("unix", ctlSocketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect %s: %w", ctlSocketPath, err)
	}
	defer conn.Close()

	if err := admin.WriteRequest(conn, req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	resp, err := admin.ReadResponse(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if len(resp.Labels) > 0 {
		fmt.Println(strings.Join(resp.Labels, "\n"))
	}
	if resp.StatusJSON != "" {
		fmt.Println(resp.StatusJSON)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "error: %s (%s)\n", resp.Message, resp.ErrorKind)
		os.Exit(resp.ExitCode)
	}
	return nil
}

// ExecuteAdminCtl parses flags and runs pgbackupctl's root command.
func ExecuteAdminCtl() error { return AdminRootCmd.Execute() }

func init() {
	pf := AdminRootCmd.PersistentFlags()
	pf.StringVar(&ctlSocketPath, "socket", "/var/run/pgbackupd/admin.sock", "admin unix domain socket path")
	pf.StringVar(&ctlServer, "server", "", "configured server id (required)")
	pf.StringVar(&ctlLabel, "label", "", "backup label, alias, or restore target")
	pf.StringVar(&ctlParent, "parent-label", "", "parent backup label (incremental-backup only)")
	pf.StringVar(&ctlDestDir, "dest-dir", "", "restore destination directory (restore only)")
	pf.BoolVar(&ctlForce, "force", false, "force delete even if children exist")

	AdminRootCmd.AddCommand(
		newOpCommand("backup", "Take a full backup", admin.OpBackup),
		newOpCommand("incremental-backup", "Take an incremental backup", admin.OpIncrementalBackup),
		newOpCommand("restore", "Restore a backup into --dest-dir", admin.OpRestore),
		newOpCommand("archive", "Send an archive request (acknowledged; no archive workflow runs)", admin.OpArchive),
		newOpCommand("delete", "Delete a backup label", admin.OpDelete),
		newOpCommand("retain", "Run a retention sweep now", admin.OpRetain),
		newOpCommand("list-backups", "List backup labels", admin.OpListBackups),
		newOpCommand("status", "Show server status", admin.OpStatus),
	)
}
