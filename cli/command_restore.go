package cli

import (
	"github.com/ottok/rdiff-backup/repo/robust"
)

func (a *App) setupRestoreCommand() {
	cmd := a.app.Command("restore", "Restore a repository state into a target directory.")
	at := cmd.Flag("at", "Time to restore; defaults to the latest backup.").String()
	repo := cmd.Arg("repository", "Backup repository directory.").Required().ExistingDir()
	target := cmd.Arg("target", "Directory to restore into.").Required().String()

	a.runners[cmd.FullCommand()] = func() (robust.ExitStatus, error) {
		cfg, ctrl, err := a.openController(*repo)
		if err != nil {
			return robust.StatusError, err
		}
		defer ctrl.Close() //nolint:errcheck

		when := cfg.Now()

		if *at != "" {
			t, terr := parseTimeArg(*at)
			if terr != nil {
				return robust.StatusError, terr
			}

			when = t
		}

		return ctrl.Restore(when, *target)
	}
}
