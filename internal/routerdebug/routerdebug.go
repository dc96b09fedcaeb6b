// Package routerdebug configures opt-in runtime tracing via the
// ROUTERDEBUG environment variable, for switches that are too narrow to
// earn their own config flag.
//
// The value of ROUTERDEBUG is a comma-separated list of key=value pairs.
// For example:
//
//	ROUTERDEBUG=streamtrace=1,noeviction=1
package routerdebug

import (
	"fmt"
	"os"
	"strings"
)

const envKey = "ROUTERDEBUG"

var params map[string]string

func init() {
	var err error
	params, err = parse(os.Getenv(envKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the debug switch with the given key, or the
// empty string if it was not set.
func Value(key string) string {
	return params[key]
}

func parse(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}

	out := make(map[string]string)
	for part := range strings.SplitSeq(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%s: invalid format: %q", envKey, part)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
