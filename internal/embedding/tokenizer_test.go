package embedding

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testVocab(t *testing.T) *WordPieceTokenizer {
	t.Helper()
	lines := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "un", "##aff", "##able", "refund", "policy", ",", "the"}
	path := filepath.Join(t.TempDir(), "vocab.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tok, err := LoadWordPiece(path)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestWordPieceTokenizer_Encode(t *testing.T) {
	tok := testVocab(t)
	enc := tok.Encode("Unaffable, the REFUND policy xyz", 12)
	// [CLS] un ##aff ##able , the refund policy [UNK] [SEP]
	want := []int64{2, 4, 5, 6, 9, 10, 7, 8, 1, 3, 0, 0}
	if !reflect.DeepEqual(enc.IDs, want) {
		t.Errorf("ids = %v, want %v", enc.IDs, want)
	}
	if enc.Mask[9] != 1 || enc.Mask[10] != 0 {
		t.Errorf("mask = %v", enc.Mask)
	}
	if len(enc.TypeIDs) != 12 {
		t.Errorf("type ids length %d", len(enc.TypeIDs))
	}
}

func TestWordPieceTokenizer_Truncates(t *testing.T) {
	enc := testVocab(t).Encode("refund policy refund policy", 4)
	if !reflect.DeepEqual(enc.IDs, []int64{2, 7, 8, 3}) {
		t.Errorf("got %v", enc.IDs)
	}
}

func TestLoadWordPiece_RequiresSpecialTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.txt")
	if err := os.WriteFile(path, []byte("hello\nworld\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWordPiece(path); err == nil {
		t.Error("expected error for vocab without special tokens")
	}
}

func TestBasicTokens(t *testing.T) {
	got := basicTokens("Hello,  World!\tfoo-bar")
	want := []string{"hello", ",", "world", "!", "foo", "-", "bar"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q", got)
	}
}

func TestHashTokenizer(t *testing.T) {
	var tok hashTokenizer
	enc := tok.Encode("Hello  world", 10)
	if enc.IDs[0] != clsID || enc.IDs[3] != sepID {
		t.Errorf("expected [CLS] w w [SEP], got %v", enc.IDs[:4])
	}
	if enc.Mask[3] != 1 || enc.Mask[4] != 0 {
		t.Errorf("attention mask %v", enc.Mask)
	}
	again := tok.Encode("hello world", 10)
	if again.IDs[1] != enc.IDs[1] {
		t.Error("tokenization should be case-insensitive")
	}
}

func TestHashString(t *testing.T) {
	if HashString("abc") != HashString("abc") {
		t.Error("hash should be deterministic")
	}
	if HashString("abc") == HashString("abd") {
		t.Error("different inputs should usually differ")
	}
	if HashString("") < 0 {
		t.Error("hash must be non-negative")
	}
}
