// Package main provides the entry point for the indexkeeper CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Aman-CERP/indexkeeper/cmd/indexkeeper/cmd"
	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, kerrors.FormatForUser(err, cmd.Debug()))
		os.Exit(1)
	}
}
