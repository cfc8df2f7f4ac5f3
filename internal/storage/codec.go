package storage

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Codec reads and writes one key/value pair of the text file format.
//
// A record is written as "<key> <value> ". Neither keys nor values are
// escaped, so whitespace inside either one breaks the round trip.
type Codec[K comparable, V any] interface {
	Write(w io.Writer, key K, value V) error
	Read(tokens *Tokens) (K, V, error)
}

// Cloner is implemented by codecs whose values share memory when copied.
// Table.Get hands out Clone(value) instead of the stored value.
type Cloner[V any] interface {
	Clone(value V) V
}

// Tokens yields the whitespace-delimited tokens of a persisted file.
type Tokens struct {
	scanner *bufio.Scanner
}

// NewTokens returns a token reader over r.
func NewTokens(r io.Reader) *Tokens {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(bufio.ScanWords)
	return &Tokens{scanner: scanner}
}

// Next returns the next token. It returns io.EOF when the input is exhausted.
func (t *Tokens) Next() (string, error) {
	if t.scanner.Scan() {
		return t.scanner.Text(), nil
	}
	if err := t.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// pair reads a key token and a value token. A missing value is reported as
// io.ErrUnexpectedEOF.
func (t *Tokens) pair() (string, string, error) {
	key, err := t.Next()
	if err != nil {
		return "", "", err
	}
	value, err := t.Next()
	if err == io.EOF {
		return "", "", io.ErrUnexpectedEOF
	}
	return key, value, err
}

// OffsetCodec maps string keys to value log offsets.
type OffsetCodec struct{}

func (OffsetCodec) Write(w io.Writer, key string, offset uint64) error {
	_, err := fmt.Fprintf(w, "%s %d ", key, offset)
	return err
}

func (OffsetCodec) Read(tokens *Tokens) (string, uint64, error) {
	key, raw, err := tokens.pair()
	if err != nil {
		return "", 0, err
	}
	offset, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("offset for key %q: %w", key, err)
	}
	return key, offset, nil
}

// StringCodec maps string keys to string values.
type StringCodec struct{}

func (StringCodec) Write(w io.Writer, key, value string) error {
	_, err := fmt.Fprintf(w, "%s %s ", key, value)
	return err
}

func (StringCodec) Read(tokens *Tokens) (string, string, error) {
	return tokens.pair()
}
