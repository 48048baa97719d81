// Package cli implements the command-line interface of rdiff-backup.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/ottok/rdiff-backup/repo/conf"
	"github.com/ottok/rdiff-backup/repo/increment"
	"github.com/ottok/rdiff-backup/repo/logging"
	"github.com/ottok/rdiff-backup/repo/robust"
	"github.com/ottok/rdiff-backup/repo/session"
)

// App holds the kingpin application and the global flags shared by all
// commands.
type App struct {
	app *kingpin.Application

	verbosity     *int
	noCompression *bool
	noHardlinks   *bool
	noFsync       *bool
	pipelineSize  *int
	currentTime   *string

	out     *os.File
	runners map[string]commandRunner
}

// NewApp builds the application with all commands registered.
func NewApp() *App {
	app := kingpin.New("rdiff-backup", "Incremental reverse-delta backup.")

	a := &App{
		app:           app,
		verbosity:     app.Flag("verbosity", "Log verbosity (repeat for more).").Short('v').Counter(),
		noCompression: app.Flag("no-compression", "Disable gzip compression of increments and metadata.").Bool(),
		noHardlinks:   app.Flag("no-hard-links", "Do not preserve hard links.").Bool(),
		noFsync:       app.Flag("no-fsync", "Skip fsync ordering points (faster, less crash-safe).").Bool(),
		pipelineSize:  app.Flag("pipeline-size", "Record pipeline depth.").Default("500").Int(),
		currentTime:   app.Flag("current-time", "Override the session timestamp (testing).").String(),
		out:           os.Stdout,
		runners:       map[string]commandRunner{},
	}

	a.setupBackupCommand()
	a.setupRestoreCommand()
	a.setupListCommand()
	a.setupRegressCommand()

	return a
}

func (a *App) config() (*conf.Config, error) {
	cfg := conf.Default()
	cfg.Compression = !*a.noCompression
	cfg.PreserveHardlinks = !*a.noHardlinks
	cfg.DoFsync = !*a.noFsync
	cfg.PipelineMaxLength = *a.pipelineSize

	if *a.currentTime != "" {
		t, err := increment.ParseTime(*a.currentTime)
		if err != nil {
			return nil, err
		}

		cfg.CurrentTime = t
	}

	return cfg, nil
}

func (a *App) openController(repoPath string) (*conf.Config, *session.Controller, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, nil, err
	}

	ctrl, err := session.Open(repoPath, cfg)
	if err != nil {
		return nil, nil, err
	}

	return cfg, ctrl, nil
}

// Run parses args and executes the selected command, returning the process
// exit code.
func Run(args []string) int {
	a := NewApp()

	a.app.Terminate(nil)

	cmd, err := a.app.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return int(robust.StatusError)
	}

	logging.SetLevel(logging.LevelFromVerbosity(*a.verbosity))

	status, err := a.dispatch(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)

		if status == robust.StatusOK {
			status = robust.StatusError
		}
	}

	return int(status)
}

type commandRunner func() (robust.ExitStatus, error)

func (a *App) dispatch(cmd string) (robust.ExitStatus, error) {
	run, ok := a.runners[cmd]
	if !ok {
		return robust.StatusError, fmt.Errorf("unknown command %q", cmd)
	}

	return run()
}

func parseTimeArg(s string) (time.Time, error) {
	if t, err := increment.ParseTime(s); err == nil {
		return t, nil
	}

	return time.Parse(time.RFC3339, s)
}
