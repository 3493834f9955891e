// Package fileid derives document ids for files ingested from disk.
package fileid

import (
	"path/filepath"

	"github.com/google/uuid"
)

// namespace keeps path-derived ids apart from other UUIDv5 ids in the system.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kotae:file"))

// FileDocID returns the document id for the file at path. Spellings of the
// same path that filepath.Clean maps together share an id, so re-ingesting a
// file replaces its document and removing it deletes the same document.
func FileDocID(path string) string {
	return uuid.NewSHA1(namespace, []byte(filepath.Clean(path))).String()
}
