package cli

import (
	"fmt"

	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/robust"
)

func (a *App) setupListCommand() {
	cmd := a.app.Command("list-increments", "List the backup times available in a repository.")
	repo := cmd.Arg("repository", "Backup repository directory.").Required().ExistingDir()

	a.runners[cmd.FullCommand()] = func() (robust.ExitStatus, error) {
		_, ctrl, err := a.openController(*repo)
		if err != nil {
			return robust.StatusError, err
		}
		defer ctrl.Close() //nolint:errcheck

		times, err := ctrl.ListTimes()
		if err != nil {
			return robust.StatusError, err
		}

		for _, t := range times {
			fmt.Fprintln(a.out, increment.FormatTime(t))
		}

		return robust.StatusOK, nil
	}
}
