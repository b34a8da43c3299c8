package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// opLog returns an entry tagged with a crypto operation. Key material must
// only reach it through PreviewFields.
func opLog(function string, fields logrus.Fields) *logrus.Entry {
	entry := logrus.WithFields(logrus.Fields{
		"function": function,
		"package":  "crypto",
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	return entry
}

// logFailure records a failed primitive call and returns err unchanged.
func logFailure(log *logrus.Entry, operation string, err error) error {
	log.WithFields(logrus.Fields{
		"operation": operation,
		"error":     err.Error(),
	}).Error("Crypto operation failed")
	return err
}

// PreviewFields renders at most the first 8 bytes of data in hex plus its
// size, for logging fingerprints and public keys without dumping them.
func PreviewFields(data []byte, name string) logrus.Fields {
	preview := "nil"
	if n := min(len(data), 8); n > 0 {
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
