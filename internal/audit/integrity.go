// Package audit chains forensic records with HMACs so edits, drops and
// reordering are detectable after the fact.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// IntegrityField is the key the chain metadata is stored under in each record.
const IntegrityField = "integrity"

// MinKeyLength is the minimum accepted HMAC key length in bytes.
const MinKeyLength = 32

// ErrChainBroken is returned by Verify when a record fails verification.
var ErrChainBroken = errors.New("integrity chain broken")

// IntegrityMetadata is the chain block attached to every record.
type IntegrityMetadata struct {
	Sequence  int64  `json:"sequence"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// ChainState is the position of a chain, enough to resume it after restart.
type ChainState struct {
	Sequence int64  `json:"sequence"`
	PrevHash string `json:"prev_hash"`
}

// IntegrityChain maintains HMAC chain state for one append-only stream.
type IntegrityChain struct {
	mu        sync.Mutex
	key       []byte
	algorithm string
	sequence  int64
	prevHash  string
}

// ValidateAlgorithm reports whether name is a supported chain algorithm.
// Empty means hmac-sha256.
func ValidateAlgorithm(name string) error {
	switch name {
	case "", "hmac-sha256", "hmac-sha512":
		return nil
	default:
		return fmt.Errorf("unsupported algorithm %q: use hmac-sha256 or hmac-sha512", name)
	}
}

// NewIntegrityChain creates a chain keyed by key. algorithm defaults to hmac-sha256.
func NewIntegrityChain(key []byte, algorithm string) (*IntegrityChain, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("key too short: got %d bytes, need at least %d", len(key), MinKeyLength)
	}
	if err := ValidateAlgorithm(algorithm); err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	return &IntegrityChain{key: key, algorithm: algorithm}, nil
}

// LoadKey reads an HMAC key from keyFile, or from the keyEnv environment
// variable when keyFile is empty.
func LoadKey(keyFile, keyEnv string) ([]byte, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file %q: %w", keyFile, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return nil, fmt.Errorf("key file %q is empty", keyFile)
		}
		return []byte(key), nil
	}
	if keyEnv != "" {
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %q is empty or not set", keyEnv)
		}
		return []byte(key), nil
	}
	return nil, errors.New("no key source specified: provide integrity_key_file or integrity_key_env")
}

// Wrap returns record as a JSON object carrying the next integrity block.
// The chain advances only when Wrap succeeds.
func (c *IntegrityChain) Wrap(record any) (map[string]any, error) {
	data, err := toObject(record)
	if err != nil {
		return nil, err
	}
	delete(data, IntegrityField)
	canonical, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.sequence + 1
	entryHash := computeHash(c.algorithm, c.key, seq, c.prevHash, canonical)
	data[IntegrityField] = IntegrityMetadata{Sequence: seq, PrevHash: c.prevHash, EntryHash: entryHash}
	c.sequence = seq
	c.prevHash = entryHash
	return data, nil
}

// State returns the current chain position.
func (c *IntegrityChain) State() ChainState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChainState{Sequence: c.sequence, PrevHash: c.prevHash}
}

// Restore moves the chain to st, typically the last record already on disk.
func (c *IntegrityChain) Restore(st ChainState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence = st.Sequence
	c.prevHash = st.PrevHash
}

// VerifyResult summarizes a verified stream.
type VerifyResult struct {
	Entries       int    `json:"entries"`
	FirstSequence int64  `json:"first_sequence"`
	LastSequence  int64  `json:"last_sequence"`
	LastHash      string `json:"last_hash"`
}

// Verify checks every record read from r. The first record may start at any
// sequence so rotated files verify on their own; after that each record must
// follow its predecessor exactly. Errors wrap ErrChainBroken and name the line.
func Verify(r io.Reader, key []byte, algorithm string) (VerifyResult, error) {
	var res VerifyResult
	if err := ValidateAlgorithm(algorithm); err != nil {
		return res, err
	}
	if algorithm == "" {
		algorithm = "hmac-sha256"
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		data, meta, err := splitRecord(raw)
		if err != nil {
			return res, fmt.Errorf("%w: line %d: %v", ErrChainBroken, line, err)
		}
		if res.Entries > 0 {
			if meta.Sequence != res.LastSequence+1 {
				return res, fmt.Errorf("%w: line %d: sequence %d follows %d", ErrChainBroken, line, meta.Sequence, res.LastSequence)
			}
			if meta.PrevHash != res.LastHash {
				return res, fmt.Errorf("%w: line %d: prev_hash does not match previous entry", ErrChainBroken, line)
			}
		}
		canonical, err := json.Marshal(data)
		if err != nil {
			return res, fmt.Errorf("canonical marshal line %d: %w", line, err)
		}
		want := computeHash(algorithm, key, meta.Sequence, meta.PrevHash, canonical)
		if !hmac.Equal([]byte(want), []byte(meta.EntryHash)) {
			return res, fmt.Errorf("%w: line %d: entry_hash mismatch", ErrChainBroken, line)
		}
		if res.Entries == 0 {
			res.FirstSequence = meta.Sequence
		}
		res.Entries++
		res.LastSequence = meta.Sequence
		res.LastHash = meta.EntryHash
	}
	return res, sc.Err()
}

// VerifyFile runs Verify over the file at path.
func VerifyFile(path string, key []byte, algorithm string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, err
	}
	defer f.Close()
	return Verify(f, key, algorithm)
}

// LastState returns the chain position recorded by the final line of path.
// A missing or empty file yields the zero state.
func LastState(path string) (ChainState, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ChainState{}, nil
	}
	if err != nil {
		return ChainState{}, err
	}
	defer f.Close()
	var last []byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if b := bytes.TrimSpace(sc.Bytes()); len(b) > 0 {
			last = append(last[:0], b...)
		}
	}
	if err := sc.Err(); err != nil {
		return ChainState{}, err
	}
	if last == nil {
		return ChainState{}, nil
	}
	_, meta, err := splitRecord(last)
	if err != nil {
		return ChainState{}, fmt.Errorf("last record of %s: %w", path, err)
	}
	return ChainState{Sequence: meta.Sequence, PrevHash: meta.EntryHash}, nil
}

func splitRecord(raw []byte) (map[string]any, IntegrityMetadata, error) {
	var meta IntegrityMetadata
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, meta, err
	}
	block, ok := data[IntegrityField]
	if !ok {
		return nil, meta, errors.New("missing integrity field")
	}
	delete(data, IntegrityField)
	b, err := json.Marshal(block)
	if err != nil {
		return nil, meta, err
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, meta, fmt.Errorf("decode integrity field: %w", err)
	}
	if meta.Sequence <= 0 || meta.EntryHash == "" {
		return nil, meta, errors.New("incomplete integrity field")
	}
	return data, meta, nil
}

// toObject round-trips record through JSON with numbers kept verbatim, so
// the canonical form hashed here matches what Verify rebuilds from disk.
func toObject(record any) (map[string]any, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	if data == nil {
		return nil, errors.New("record must be a JSON object")
	}
	return data, nil
}

// computeHash is the HMAC of "sequence|prev_hash|payload".
func computeHash(algorithm string, key []byte, sequence int64, prevHash string, payload []byte) string {
	var h hash.Hash
	switch algorithm {
	case "hmac-sha512":
		h = hmac.New(sha512.New, key)
	default:
		h = hmac.New(sha256.New, key)
	}
	h.Write([]byte(strconv.FormatInt(sequence, 10)))
	h.Write([]byte("|"))
	h.Write([]byte(prevHash))
	h.Write([]byte("|"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
