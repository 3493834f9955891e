package embedding

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"unicode"
)

// Encoding is the model input for one text, padded to a fixed length.
type Encoding struct {
	IDs     []int64
	Mask    []int64
	TypeIDs []int64
}

func newEncoding(n int) Encoding {
	return Encoding{IDs: make([]int64, n), Mask: make([]int64, n), TypeIDs: make([]int64, n)}
}

// Tokenizer maps text to BERT-style inputs of exactly maxTokens positions.
type Tokenizer interface {
	Encode(text string, maxTokens int) Encoding
}

const (
	clsID = 101
	sepID = 102

	maxWordRunes = 100
)

// WordPieceTokenizer implements greedy longest-match WordPiece over a BERT vocab.txt.
type WordPieceTokenizer struct {
	vocab map[string]int64
	unk   int64
	cls   int64
	sep   int64
}

// LoadWordPiece reads a vocab.txt with one token per line; the line number is the id.
func LoadWordPiece(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var id int64
	for sc.Scan() {
		vocab[strings.TrimRight(sc.Text(), "\r")] = id
		id++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	return newWordPiece(vocab)
}

func newWordPiece(vocab map[string]int64) (*WordPieceTokenizer, error) {
	t := &WordPieceTokenizer{vocab: vocab}
	for tok, dst := range map[string]*int64{"[UNK]": &t.unk, "[CLS]": &t.cls, "[SEP]": &t.sep} {
		id, ok := vocab[tok]
		if !ok {
			return nil, fmt.Errorf("vocab has no %s token", tok)
		}
		*dst = id
	}
	return t, nil
}

// Encode lowercases text, splits words on whitespace and punctuation, and
// appends sub-word ids until maxTokens-1 positions are used.
func (t *WordPieceTokenizer) Encode(text string, maxTokens int) Encoding {
	if maxTokens < 2 {
		maxTokens = 2
	}
	enc := newEncoding(maxTokens)
	enc.IDs[0], enc.Mask[0] = t.cls, 1
	pos := 1
	for _, word := range basicTokens(text) {
		for _, id := range t.pieces(word) {
			if pos >= maxTokens-1 {
				break
			}
			enc.IDs[pos], enc.Mask[pos] = id, 1
			pos++
		}
	}
	enc.IDs[pos], enc.Mask[pos] = t.sep, 1
	return enc
}

func (t *WordPieceTokenizer) pieces(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []int64{t.unk}
	}
	var out []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		var id int64 = -1
		for ; end > start; end-- {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if v, ok := t.vocab[sub]; ok {
				id = v
				break
			}
		}
		if id < 0 {
			return []int64{t.unk}
		}
		out = append(out, id)
		start = end
	}
	return out
}

// basicTokens lowercases s and splits it into words, emitting each punctuation rune on its own.
func basicTokens(s string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			out = append(out, string(r))
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}

// hashTokenizer assigns each word a stable pseudo id. It is used when a model
// ships without vocab.txt; embeddings are then only self-consistent.
type hashTokenizer struct{}

func (hashTokenizer) Encode(text string, maxTokens int) Encoding {
	if maxTokens < 2 {
		maxTokens = 2
	}
	enc := newEncoding(maxTokens)
	enc.IDs[0], enc.Mask[0] = clsID, 1
	pos := 1
	for _, word := range basicTokens(text) {
		if pos >= maxTokens-1 {
			break
		}
		enc.IDs[pos], enc.Mask[pos] = int64(HashString(word)%30000)+1000, 1
		pos++
	}
	enc.IDs[pos], enc.Mask[pos] = sepID, 1
	return enc
}

// HashString returns a deterministic non-negative hash of s.
func HashString(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() & 0x7fffffff)
}
