package main

import (
	"fmt"
	"os"

	cmddaemon "github.com/babylonlabs-io/simple-staking-sub003/cmd/stakingcli/daemon"
	cmdpop "github.com/babylonlabs-io/simple-staking-sub003/cmd/stakingcli/pop"
	"github.com/joho/godotenv"
	"github.com/urfave/cli"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "stakingcli"
	app.Usage = "Stake bitcoin on babylon through a running stakingd"
	app.Commands = append(append([]cli.Command{}, cmddaemon.DaemonCommands...), cmdpop.PopCommands...)
	return app
}

func main() {
	// .env is optional, it only carries the rpc credentials
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "stakingcli: %v\n", err)
		os.Exit(1)
	}
}
