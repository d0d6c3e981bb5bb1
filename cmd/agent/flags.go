package main

import (
	"github.com/urfave/cli"
)

var (
	filePathPlaceholder = "[path]"
	// configurationFile defines a flag for the path to the main toml configuration file
	configurationFile = cli.StringFlag{
		Name:  "config",
		Usage: "The `" + filePathPlaceholder + "` for the TOML configuration file. Optional, defaults are built in.",
	}
	// envFile defines a flag for a dotenv file loaded before reading the environment
	envFile = cli.StringFlag{
		Name:  "env-file",
		Usage: "The `" + filePathPlaceholder + "` for a .env file. When unset, ./.env is loaded if present.",
	}
	transport = cli.StringFlag{
		Name:  "transport",
		Usage: "Delivery backend: loki, loggly, file, websocket, redis or amqp.",
	}
	logLevel = cli.StringFlag{
		Name:  "log-level",
		Usage: "Level of the agent's own diagnostics: debug, info, warn or error.",
	}
	logPretty = cli.BoolFlag{
		Name:  "log-pretty",
		Usage: "Human-readable console diagnostics instead of JSON.",
	}
	adminAddr = cli.StringFlag{
		Name:  "admin-addr",
		Usage: "Listen address of the admin HTTP server. Empty disables it.",
	}
	noDaemon = cli.BoolFlag{
		Name:  "no-daemon",
		Usage: "Do not tail pod log files.",
	}
)

func getFlags() []cli.Flag {
	return []cli.Flag{
		configurationFile,
		envFile,
		transport,
		logLevel,
		logPretty,
		adminAddr,
		noDaemon,
	}
}
