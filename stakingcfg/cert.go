package stakingcfg

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// LoadRPCCert returns the PEM certificate of an rpc server, given either as
// hex in raw or as a file at path. raw wins when both are set.
func LoadRPCCert(raw, path string) ([]byte, error) {
	switch {
	case raw != "":
		cert, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("raw rpc cert is not hex: %w", err)
		}
		return cert, nil
	case path != "":
		cert, err := os.ReadFile(CleanAndExpandPath(path))
		if err != nil {
			return nil, fmt.Errorf("reading rpc cert: %w", err)
		}
		return cert, nil
	default:
		return nil, errors.New("tls enabled but no rpc cert configured")
	}
}
