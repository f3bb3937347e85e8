package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/MixinNetwork/peernet/config"
	"github.com/MixinNetwork/peernet/crypto"
	"github.com/MixinNetwork/peernet/kernel"
	"github.com/MixinNetwork/peernet/p2p"
	"github.com/MixinNetwork/peernet/rpc"
	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"
)

func setupNode(custom *config.Custom) (*kernel.Node, error) {
	return kernel.SetupNode(custom, clock.New())
}

func genKeyCmd(c *cli.Context) error {
	key := crypto.RandomKey()
	fmt.Printf("signer:\t%s\n", key.String())
	fmt.Printf("public:\t%s\n", key.Public().String())
	fmt.Printf("node:\t%s\n", p2p.NodeIdFromPublicKey(key.Public()).String())
	return nil
}

func nodeIdCmd(c *cli.Context) error {
	if s := c.String("public"); s != "" {
		pub, err := crypto.KeyFromString(s)
		if err != nil {
			return err
		}
		if !pub.CheckKey() {
			return fmt.Errorf("invalid public key %s", s)
		}
		fmt.Println(p2p.NodeIdFromPublicKey(pub).String())
		return nil
	}

	key, err := crypto.KeyFromString(c.String("key"))
	if err != nil {
		return err
	}
	if !key.CheckScalar() {
		return fmt.Errorf("invalid signer key %s", c.String("key"))
	}
	fmt.Println(p2p.NodeIdFromPublicKey(key.Public()).String())
	return nil
}

func getInfoCmd(c *cli.Context) error {
	return printRPC(c, "getinfo", nil)
}

func listPeersCmd(c *cli.Context) error {
	var params []any
	if s := c.String("state"); s != "" {
		params = append(params, s)
	}
	return printRPC(c, "listpeers", params)
}

func getMetricCmd(c *cli.Context) error {
	return printRPC(c, "getmetric", nil)
}

func getRoutingCmd(c *cli.Context) error {
	return printRPC(c, "getrouting", nil)
}

func printRPC(c *cli.Context, method string, params []any) error {
	data, err := rpc.CallRPC(c.String("node"), method, params)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	err = json.Indent(&out, data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(out.String())
	return nil
}
