// Package rpcdebug provides a mechanism to configure compatibility and
// diagnostic parameters via the RPCGODEBUG environment variable.
//
// The value of RPCGODEBUG is a comma-separated list of key=value pairs.
// For example:
//
//	RPCGODEBUG=tracewire=1,gcdebounce=250
//
// gcdebounce is read as a whole number of milliseconds.
package rpcdebug

import (
	"fmt"
	"os"
	"strings"
)

const compatibilityEnvKey = "RPCGODEBUG"

var compatibilityParams map[string]string

func init() {
	var err error
	compatibilityParams, err = parseCompatibility(os.Getenv(compatibilityEnvKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the debug parameter with the given key.
// It returns an empty string if the key is not set.
func Value(key string) string {
	return compatibilityParams[key]
}

func parseCompatibility(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}

	params := make(map[string]string)
	for part := range strings.SplitSeq(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("RPCGODEBUG: invalid format: %q", part)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params, nil
}
