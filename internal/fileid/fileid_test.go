package fileid

import (
	"testing"

	"github.com/google/uuid"
)

func TestFileDocID(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"deterministic", "/inbox/report.pdf", "/inbox/report.pdf", true},
		{"different files", "/inbox/report.pdf", "/inbox/report.docx", false},
		{"trailing slash", "/inbox/notes", "/inbox/notes/", true},
		{"dot segments", "/inbox/notes.md", "/inbox/./sub/../notes.md", true},
		{"case sensitive", "/inbox/A.txt", "/inbox/a.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileDocID(tt.a) == FileDocID(tt.b); got != tt.same {
				t.Errorf("FileDocID(%q) == FileDocID(%q) is %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

func TestFileDocID_IsUUID(t *testing.T) {
	id, err := uuid.Parse(FileDocID("/inbox/report.pdf"))
	if err != nil {
		t.Fatalf("not a uuid: %v", err)
	}
	if id.Version() != 5 {
		t.Errorf("version = %d, want 5", id.Version())
	}
}
