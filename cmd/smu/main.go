package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type globalOptions struct {
	Config  string `short:"c" long:"config" description:"YAML config file" value-name:"FILE"`
	Verbose bool   `short:"v" long:"verbose" description:"Debug logging"`
}

var opts globalOptions

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	parser := flags.NewParser(&opts, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if opts.Verbose {
			log.Logger = log.Logger.Level(zerolog.DebugLevel)
		}
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	commands := []struct {
		name, short, long string
		data              interface{}
	}{
		{"list", "List attached units", "Print the descriptor of every attached unit.", &listCommand{}},
		{"stream", "Stream samples", "Configure a unit from the config file, source its waveforms and write measured frames to the configured outputs.", &streamCommand{}},
		{"hotplug", "Watch for attach and detach events", "Print hotplug events until interrupted.", &hotplugCommand{}},
		{"calibrate", "Read or write calibration", "Print the calibration table of a unit or write one parsed from a calibration file.", &calibrateCommand{}},
		{"flash", "Flash firmware", "Reboot an M1000 into SAM-BA and write a firmware image.", &flashCommand{}},
		{"diag", "Serve diagnostics", "Serve device inventory, metrics and live plots over HTTP.", &diagCommand{}},
		{"version", "Print the version", "Print the version of the smu tool.", &versionCommand{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			log.Fatal().Err(err).Str("command", c.name).Msg("error registering command")
		}
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if !errors.As(err, &flagsErr) {
			log.Error().Err(err).Msg("exited program")
		}
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
