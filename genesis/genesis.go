// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package genesis loads the validator set and peer directory a node starts
// from: which validators exist at epoch 0 and which URL each one answers
// requests on. Grounded on the teacher's genesis-file loading convention
// (cmd/evm-node/chaincmd's os.ReadFile + json.Unmarshal of a genesis.json),
// adapted from a SubnetEVM chain genesis into a validator-set-and-directory
// genesis for this protocol.
package genesis

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/topos-protocol/tce-node/certificate"
	"github.com/topos-protocol/tce-node/network"
	"github.com/topos-protocol/tce-node/validator"
)

// ValidatorEntry names one validator's identity and the base URL its node
// answers peer RPCs on.
type ValidatorEntry struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Genesis is the epoch-0 validator set and peer directory.
type Genesis struct {
	Epoch      uint64           `json:"epoch"`
	Validators []ValidatorEntry `json:"validators"`
}

// Load reads and parses a genesis file from path.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}
	if len(g.Validators) == 0 {
		return nil, fmt.Errorf("genesis file declares no validators")
	}
	return &g, nil
}

// ValidatorSet builds the epoch-0 validator.Set named by g.
func (g *Genesis) ValidatorSet() (*validator.Set, error) {
	members := make([]certificate.ValidatorID, 0, len(g.Validators))
	for _, v := range g.Validators {
		id, err := parseValidatorID(v.ID)
		if err != nil {
			return nil, fmt.Errorf("validator %q: %w", v.ID, err)
		}
		members = append(members, id)
	}
	return validator.NewSet(g.Epoch, members), nil
}

// Directory builds the peer address table named by g, suitable for
// network.NewNode.
func (g *Genesis) Directory() (network.StaticDirectory, error) {
	dir := make(network.StaticDirectory, len(g.Validators))
	for _, v := range g.Validators {
		id, err := parseValidatorID(v.ID)
		if err != nil {
			return nil, fmt.Errorf("validator %q: %w", v.ID, err)
		}
		dir[id] = v.URL
	}
	return dir, nil
}

func parseValidatorID(s string) (certificate.ValidatorID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return certificate.ValidatorID{}, err
	}
	var id certificate.ValidatorID
	if len(raw) != len(id) {
		return id, fmt.Errorf("expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
