// Package target wraps the two binaries under test: the context CLI and
// the MCP context server.
package target

import "fmt"

// ExitCode is the closed enumeration of CLI exit statuses. A given failure
// kind keeps its code across releases.
type ExitCode int

const (
	ExitSuccess       ExitCode = 0
	ExitUsage         ExitCode = 1
	ExitInvalidQuery  ExitCode = 2
	ExitInvalidBudget ExitCode = 3
	ExitCacheMissing  ExitCode = 4
	ExitCacheInvalid  ExitCode = 5
	ExitIOError       ExitCode = 6
	ExitInternal      ExitCode = 7
)

var exitCodeNames = map[ExitCode]string{
	ExitSuccess:       "success",
	ExitUsage:         "usage",
	ExitInvalidQuery:  "invalid_query",
	ExitInvalidBudget: "invalid_budget",
	ExitCacheMissing:  "cache_missing",
	ExitCacheInvalid:  "cache_invalid",
	ExitIOError:       "io_error",
	ExitInternal:      "internal_error",
}

func (c ExitCode) String() string {
	if name, ok := exitCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// Valid reports whether c is part of the enumeration.
func (c ExitCode) Valid() bool {
	_, ok := exitCodeNames[c]
	return ok
}

// ParseExitCode accepts a name ("cache_missing") from the enumeration.
func ParseExitCode(name string) (ExitCode, error) {
	for code, n := range exitCodeNames {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown exit code name %q", name)
}

// MCP tool error codes frozen by the v0 contract.
var MCPErrorCodes = []string{
	"cache_missing",
	"cache_invalid",
	"invalid_query",
	"invalid_budget",
	"io_error",
	"internal_error",
}
