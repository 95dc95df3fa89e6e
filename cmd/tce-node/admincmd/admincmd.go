// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package admincmd holds the node's small administrative commands, kept as
// urfave/cli.Command values in the shape of the teacher's chaincmd package
// (cmd/evm-node/chaincmd/chaincmd.go), but serving this protocol's own
// operations rather than blockchain import/export.
package admincmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/urfave/cli/v2"

	"github.com/topos-protocol/tce-node/api"
	"github.com/topos-protocol/tce-node/certificate"
)

// GenesisTemplateCommand writes a sample genesis file to stdout (or the
// given path), for an operator to edit before first starting a network.
var GenesisTemplateCommand = &cli.Command{
	Name:      "genesis-template",
	Usage:     "Print a sample genesis file declaring one validator",
	ArgsUsage: "[outputPath]",
	Action:    genesisTemplate,
}

func genesisTemplate(ctx *cli.Context) error {
	const template = `{
  "epoch": 0,
  "validators": [
    {"id": "0000000000000000000000000000000000000000", "url": "http://127.0.0.1:9651"}
  ]
}
`
	if ctx.Args().Len() == 0 {
		_, err := fmt.Fprint(os.Stdout, template)
		return err
	}
	return os.WriteFile(ctx.Args().Get(0), []byte(template), 0o600)
}

// ShowHeadCommand queries a running node's public API for a source
// subnet's current head, over the same gorilla/rpc transport the node's
// own peers use (network/node.go, api/rpc.go).
var ShowHeadCommand = &cli.Command{
	Name:      "show-head",
	Usage:     "Fetch a source subnet's current head from a running node",
	ArgsUsage: "<nodeURL> <sourceSubnetIDHex>",
	Action:    showHead,
}

func showHead(ctx *cli.Context) error {
	if ctx.Args().Len() < 2 {
		return errors.New("show-head requires <nodeURL> <sourceSubnetIDHex>")
	}
	nodeURL := ctx.Args().Get(0)
	subnetHex := ctx.Args().Get(1)

	source, err := certificate.SubnetIDFromHex(subnetHex)
	if err != nil {
		return err
	}

	body, err := json2.EncodeClientRequest("TCE.FetchSourceHead", &api.FetchSourceHeadArgs{Source: source})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, nodeURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var reply api.FetchSourceHeadReply
	if err := json2.DecodeClientResponse(resp.Body, &reply); err != nil {
		return err
	}
	if !reply.Found {
		fmt.Println("no delivered certificate for that source subnet")
		return nil
	}
	return json.NewEncoder(os.Stdout).Encode(reply.Entry)
}

// Commands lists every admin command tce-node exposes as an urfave/cli
// subcommand.
var Commands = []*cli.Command{
	GenesisTemplateCommand,
	ShowHeadCommand,
}
