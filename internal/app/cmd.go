package app

import (
	"fmt"
	"strconv"
)

// Command はtodosyncのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandWorker      Command = "worker"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck"
	CommandTUI         Command = "tui"
	CommandHelp        Command = "help"
)

// Usage はサブコマンドの一覧。
const Usage = `usage: todosync [command]

commands:
  serve                 start the API server (default)
  worker                run the expired-session cleanup on a schedule
  migrate [up]          apply pending database migrations
  migrate down [n]      roll back the last n migrations (default 1)
  migrate version       print the applied migration version
  healthcheck           probe /health on SERVER_PORT (for container health checks)
  tui                   open the terminal client
  help                  show this message
`

// Invocation は解析済みのコマンドライン。
type Invocation struct {
	Command Command

	// migrate用
	MigrateAction string
	MigrateSteps  int
}

// ParseCommand はos.Args[1:]を解析する。引数が無ければserve。
// 未知のサブコマンドはエラーにする。打ち間違いでサーバーが起動しないようにするため。
func ParseCommand(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{Command: CommandServe}, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandHealthcheck, CommandTUI:
		return Invocation{Command: cmd}, nil
	case CommandHelp, "-h", "--help":
		return Invocation{Command: CommandHelp}, nil
	case CommandMigrate:
		return parseMigrate(args[1:])
	default:
		return Invocation{}, fmt.Errorf("unknown command %q\n\n%s", args[0], Usage)
	}
}

func parseMigrate(args []string) (Invocation, error) {
	inv := Invocation{Command: CommandMigrate, MigrateAction: "up"}
	if len(args) == 0 {
		return inv, nil
	}

	inv.MigrateAction = args[0]
	switch args[0] {
	case "up", "version":
		if len(args) > 1 {
			return Invocation{}, fmt.Errorf("migrate %s takes no arguments", args[0])
		}
	case "down":
		inv.MigrateSteps = 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return Invocation{}, fmt.Errorf("migrate down: invalid step count %q", args[1])
			}
			inv.MigrateSteps = n
		}
	default:
		return Invocation{}, fmt.Errorf("unknown migrate action %q\n\n%s", args[0], Usage)
	}
	return inv, nil
}
