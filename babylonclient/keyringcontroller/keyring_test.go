package keyringcontroller

import (
	"testing"

	"github.com/cosmos/cosmos-sdk/crypto/hd"
	"github.com/cosmos/cosmos-sdk/crypto/keyring"
	"github.com/stretchr/testify/require"
)

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(Config{Backend: keyring.BackendTest}, nil)
	require.Error(t, err)

	_, err = Open(Config{Dir: t.TempDir()}, nil)
	require.Error(t, err)
}

func TestOpenTestBackendPersistsKeys(t *testing.T) {
	cfg := Config{Dir: t.TempDir(), Backend: keyring.BackendTest}

	kr, err := Open(cfg, nil)
	require.NoError(t, err)
	rec, _, err := kr.NewMnemonic("staker", keyring.English, "", "", hd.Secp256k1)
	require.NoError(t, err)
	addr, err := rec.GetAddress()
	require.NoError(t, err)

	reopened, err := Open(cfg, nil)
	require.NoError(t, err)
	got, err := reopened.KeyByAddress(addr)
	require.NoError(t, err)
	require.Equal(t, "staker", got.Name)
}
