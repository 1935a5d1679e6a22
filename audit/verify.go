package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/devicegate/storage"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusWarn = "warn"
)

// Check is the outcome of one verification rule.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Result summarises a chain verification. Warnings do not invalidate a
// chain.
type Result struct {
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

func (r *Result) add(name string, failure string, hard bool) {
	if failure == "" {
		r.Checks = append(r.Checks, Check{Name: name, Status: StatusPass})
		return
	}
	status := StatusWarn
	if hard {
		status = StatusFail
		r.Valid = false
	}
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Detail: failure})
}

// Failures counts failed and warned checks.
func (r Result) Failures() (failures, warnings int) {
	for _, c := range r.Checks {
		switch c.Status {
		case StatusFail:
			failures++
		case StatusWarn:
			warnings++
		}
	}
	return failures, warnings
}

// Verify checks an ordered chain of entries.
func Verify(entries []Entry) Result {
	result := Result{EntryCount: len(entries), Valid: true}
	if len(entries) == 0 {
		result.Checks = append(result.Checks, Check{Name: "empty_chain", Status: StatusPass, Detail: "no entries to verify"})
		return result
	}

	anchor := ""
	if entries[0].PrevHash != GenesisHash {
		anchor = fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash)
	}
	result.add("genesis_anchor", anchor, true)

	hashes := ""
	for i, e := range entries {
		if ChainHash(e) != e.Hash {
			hashes = fmt.Sprintf("entry %d (id=%s) content does not match its hash", i, e.ID)
			break
		}
	}
	result.add("entry_hashes", hashes, true)

	links := ""
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			links = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but entry %d hashes to %s",
				i, entries[i].ID, entries[i].PrevHash, i-1, entries[i-1].Hash)
			break
		}
	}
	result.add("chain_continuity", links, true)

	seqs := ""
	for i, e := range entries {
		if e.Seq != uint64(i)+1 {
			seqs = fmt.Sprintf("entry %d has seq=%d, expected %d", i, e.Seq, i+1)
			break
		}
	}
	result.add("sequence", seqs, true)

	dups := ""
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			dups = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	result.add("no_duplicate_ids", dups, true)

	// Clock skew is possible in legitimate deployments.
	ts := ""
	var prev time.Time
	for i, e := range entries {
		t, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			ts = fmt.Sprintf("entry %d has unparseable created_at=%q", i, e.CreatedAt)
			break
		}
		if !prev.IsZero() && t.Before(prev) {
			ts = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
			break
		}
		prev = t
	}
	result.add("monotonic_timestamps", ts, false)

	return result
}

// Verify checks the stored chain and that its head matches the last entry.
func (t *Trail) Verify() (Result, error) {
	entries, err := t.Entries()
	if err != nil {
		return Result{}, err
	}
	result := Verify(entries)

	rec, err := t.repo.Get(t.bucket, headRecordType, headRecordID)
	if errors.Is(err, storage.ErrNotFound) {
		if len(entries) > 0 {
			result.add("chain_head", "chain head record is missing", true)
		}
		return result, nil
	}
	if err != nil {
		return Result{}, err
	}
	var h head
	if err := json.Unmarshal(rec.Data, &h); err != nil {
		return Result{}, fmt.Errorf("decoding chain head: %w", err)
	}
	mismatch := ""
	if len(entries) == 0 {
		mismatch = fmt.Sprintf("head points at seq=%d but no entries are stored", h.Seq)
	} else if last := entries[len(entries)-1]; last.Seq != h.Seq || last.Hash != h.Hash {
		mismatch = fmt.Sprintf("head seq=%d hash=%s does not match last entry seq=%d", h.Seq, h.Hash, last.Seq)
	}
	result.add("chain_head", mismatch, true)
	return result, nil
}
