package cli

import (
	"github.com/ottok/rdiff-backup/repo/robust"
)

func (a *App) setupBackupCommand() {
	cmd := a.app.Command("backup", "Back up a source tree into a repository.")
	source := cmd.Arg("source", "Source directory.").Required().ExistingDir()
	repo := cmd.Arg("repository", "Backup repository directory.").Required().String()

	a.runners[cmd.FullCommand()] = func() (robust.ExitStatus, error) {
		_, ctrl, err := a.openController(*repo)
		if err != nil {
			return robust.StatusError, err
		}
		defer ctrl.Close() //nolint:errcheck

		return ctrl.Backup(*source)
	}
}
