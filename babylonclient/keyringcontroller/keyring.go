// Package keyringcontroller opens the cosmos keyring holding the babylon
// staker key.
package keyringcontroller

import (
	"errors"
	"fmt"
	"io"

	"github.com/cosmos/cosmos-sdk/codec"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	cryptocodec "github.com/cosmos/cosmos-sdk/crypto/codec"
	"github.com/cosmos/cosmos-sdk/crypto/keyring"
)

// ChainID is the keyring service name babylon keys are stored under.
const ChainID = "babylon"

// Config locates a keyring on disk.
type Config struct {
	Dir     string
	Backend string
}

func (c Config) validate() error {
	if c.Dir == "" {
		return errors.New("keyring directory is empty")
	}
	if c.Backend == "" {
		return errors.New("keyring backend is empty")
	}
	return nil
}

// Codec knows how to (un)marshal the key types stored in a keyring.
func Codec() codec.Codec {
	ir := codectypes.NewInterfaceRegistry()
	cryptocodec.RegisterInterfaces(ir)
	return codec.NewProtoCodec(ir)
}

// Open opens the keyring described by cfg. input supplies passphrases for
// the file backend and may be nil for the others.
func Open(cfg Config, input io.Reader) (keyring.Keyring, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	kr, err := keyring.New(ChainID, cfg.Backend, cfg.Dir, input, Codec())
	if err != nil {
		return nil, fmt.Errorf("opening %s keyring in %s: %w", cfg.Backend, cfg.Dir, err)
	}
	return kr, nil
}

// NewInMemory returns an empty keyring that is never persisted.
func NewInMemory() keyring.Keyring {
	return keyring.NewInMemory(Codec())
}
