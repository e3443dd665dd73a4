package history

import (
	"crypto/sha3"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	sqlite3 "github.com/mutecomm/go-sqlcipher/v4"
)

const (
	// SQLiteDriverName is the SQLCipher driver with the history SQL functions.
	SQLiteDriverName = "sqlite3_specrun_history"
)

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("failure_fingerprint", failureFingerprint, true); err != nil {
				return fmt.Errorf("register failure_fingerprint SQL function: %w", err)
			}
			return nil
		},
	})
}

// volatile matches the parts of a failure message that change between runs
// of the same failure: durations, counters and generated identifiers.
var volatile = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}|\d+(\.\d+)?(ns|µs|ms|s|m|h)?`)

// failureFingerprint groups failures that differ only in volatile details.
// Empty details have no fingerprint.
func failureFingerprint(detail string) string {
	if strings.TrimSpace(detail) == "" {
		return ""
	}
	normalized := volatile.ReplaceAllString(strings.ToLower(detail), "#")
	sum := sha3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}
