package statemachine

import (
	"strings"

	"github.com/jabolina/rabia/pkg/rabia/result"
)

// ErrUnknownCommand mirrors the teacher's types.ErrCommandUnknown,
// returned in-line as a KV command result rather than failing the
// whole batch -- one bad command in a batch must not block its
// siblings from applying.
var ErrUnknownCommand = result.NewCause(result.KindConsensus, "unknown command applied into state machine")

// parseCommand splits a raw command of the form "OP key value" (value
// omitted for GET) into its three fields.
func parseCommand(raw []byte) (op, key, value string) {
	fields := strings.SplitN(string(raw), " ", 3)
	switch len(fields) {
	case 3:
		return fields[0], fields[1], fields[2]
	case 2:
		return fields[0], fields[1], ""
	case 1:
		return fields[0], "", ""
	default:
		return "", "", ""
	}
}
