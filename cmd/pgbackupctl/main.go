package main

import (
	"fmt"
	"os"

	"github.com/vbp1/pgbackup/internal/cli"
)

func main() {
	if err := cli.ExecuteAdminCtl(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
