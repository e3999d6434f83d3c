package cmd

import (
	"os"

	"github.com/rami3l/golox/debug"
	"github.com/rami3l/golox/vm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	easy "github.com/t-tomalak/logrus-easy-formatter"
)

func App() (app *cobra.Command) {
	app = &cobra.Command{
		Use:   "golox [script]",
		Short: "Launch the `golox` interpreter",
		Args:  cobra.MaximumNArgs(1),
	}

	app.Flags().SortFlags = true
	defaultVerbosityStr := "INFO"
	verbosity := app.Flags().StringP("verbosity", "v", defaultVerbosityStr, "Logging verbosity")

	app.Run = func(_ *cobra.Command, args []string) {
		verbosityLvl, err := logrus.ParseLevel(*verbosity)
		if err != nil {
			verbosityLvl, _ = logrus.ParseLevel(defaultVerbosityStr)
		}
		logrus.SetLevel(verbosityLvl)
		logrus.SetFormatter(&easy.Formatter{LogFormat: "//DBG// %msg%\n"})
		debug.DEBUG = verbosityLvl >= logrus.DebugLevel

		var runErr error
		switch len(args) {
		case 1:
			runErr = runFile(args[0])
		default:
			runErr = vm.NewVM().REPL()
		}
		if runErr != nil {
			logrus.Fatal(runErr)
			os.Exit(1)
		}
	}
	return
}

func runFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = vm.NewVM().Interpret(string(src), false)
	return err
}
