package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/logger"
	"github.com/urfave/cli/v2"
)

func main() {
	defaultRPC := os.Getenv("PEERNET_RPC")
	if defaultRPC == "" {
		defaultRPC = fmt.Sprintf("http://127.0.0.1:%d", config.DefaultRPCPort)
	}

	app := cli.NewApp()
	app.Name = "peernet"
	app.Usage = "A peer to peer networking node with pluggable protocol extensions."
	app.Version = config.BuildVersion
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "node",
			Aliases: []string{"n"},
			Value:   defaultRPC,
			Usage:   "the RPC endpoint, and the default value is read from environment variable PEERNET_RPC",
		},
	}
	app.EnableBashCompletion = true
	app.Commands = []*cli.Command{
		{
			Name:   "node",
			Usage:  "Start the peernet node daemon",
			Action: nodeCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "dir",
					Aliases: []string{"d"},
					Usage:   "the data directory",
				},
				&cli.IntFlag{
					Name:    "log",
					Aliases: []string{"l"},
					Value:   logger.INFO,
					Usage:   "the log level",
				},
				&cli.StringFlag{
					Name:  "filter",
					Usage: "the RE2 regex pattern to filter log",
				},
			},
		},
		{
			Name:   "genkey",
			Usage:  "Generate a new node signer key",
			Action: genKeyCmd,
		},
		{
			Name:   "nodeid",
			Usage:  "Print the node id of a signer or public key",
			Action: nodeIdCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "key",
					Usage: "the private signer key",
				},
				&cli.StringFlag{
					Name:  "public",
					Usage: "the public key, used instead of the signer key",
				},
			},
		},
		{
			Name:   "getinfo",
			Usage:  "Get info from the node",
			Action: getInfoCmd,
		},
		{
			Name:   "listpeers",
			Usage:  "List all the connections of the node",
			Action: listPeersCmd,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "state",
					Usage: "only list connections in this state",
				},
			},
		},
		{
			Name:   "getmetric",
			Usage:  "Get the message metric of the node",
			Action: getMetricCmd,
		},
		{
			Name:   "getrouting",
			Usage:  "Dump the routing table of the node",
			Action: getRoutingCmd,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
	}
}

func nodeCmd(c *cli.Context) error {
	runtime.GOMAXPROCS(runtime.NumCPU())
	err := os.Setenv("QUIC_GO_DISABLE_GSO", "true")
	if err != nil {
		return err
	}

	logger.SetLevel(c.Int("log"))
	err = logger.SetFilter(c.String("filter"))
	if err != nil {
		return err
	}

	custom, err := config.Initialize(c.String("dir") + "/config.toml")
	if err != nil {
		return err
	}
	if custom.Node.DataDir == "" {
		custom.Node.DataDir = c.String("dir")
	}

	node, err := setupNode(custom)
	if err != nil {
		return err
	}
	defer node.Close()

	return node.Loop(c.Context)
}
