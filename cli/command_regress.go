package cli

import (
	"github.com/ottok/rdiff-backup/repo/robust"
)

func (a *App) setupRegressCommand() {
	cmd := a.app.Command("regress", "Roll back the partial state of an aborted session.")
	repo := cmd.Arg("repository", "Backup repository directory.").Required().ExistingDir()

	a.runners[cmd.FullCommand()] = func() (robust.ExitStatus, error) {
		_, ctrl, err := a.openController(*repo)
		if err != nil {
			return robust.StatusError, err
		}
		defer ctrl.Close() //nolint:errcheck

		return ctrl.Regress()
	}
}
