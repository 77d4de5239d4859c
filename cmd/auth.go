// Package cmd holds helpers shared by the daemon and cli binaries.
package cmd

import (
	"fmt"
	"os"

	service "github.com/babylonlabs-io/simple-staking-sub003/stakingservice"
)

// BasicAuthFromEnv returns the credentials guarding the daemon routes. Both
// variables must be set.
func BasicAuthFromEnv() (user, password string, err error) {
	vals := make([]string, 2)
	for i, name := range []string{service.EnvRouteAuthUser, service.EnvRouteAuthPwd} {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", "", fmt.Errorf("environment variable %s is not set", name)
		}
		vals[i] = v
	}
	return vals[0], vals[1], nil
}
