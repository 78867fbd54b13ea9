package collector

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bnfk/internal/logger"
	"bnfk/internal/store"
)

// Universe seeds the tracked code list from a snapshot file and records the
// membership diff. Snapshots are CSV (code,name,market,rank) or a JSON array
// of objects with the same fields.
type Universe struct {
	Store *store.Store

	now func() time.Time
}

func NewUniverse(st *store.Store) *Universe {
	return &Universe{Store: st, now: time.Now}
}

// LoadSnapshot replaces the universe from a snapshot file and logs the diff.
func (u *Universe) LoadSnapshot(ctx context.Context, path string) (added, removed []string, err error) {
	members, err := readSnapshot(path)
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return nil, nil, fmt.Errorf("universe: snapshot %s has no members", path)
	}

	jobID, err := u.Store.StartJob(ctx, "universe")
	if err != nil {
		return nil, nil, err
	}
	added, removed, err = u.Store.ReplaceUniverse(ctx, members)
	if err != nil {
		_ = u.Store.FinishJob(ctx, jobID, "error", map[string]any{"error": err.Error()})
		return nil, nil, err
	}
	date := u.now().Format("2006-01-02")
	if err := u.Store.AppendUniverseChange(ctx, date, added, removed, filepath.Base(path)); err != nil {
		_ = u.Store.FinishJob(ctx, jobID, "error", map[string]any{"error": err.Error()})
		return nil, nil, err
	}
	logger.Infof("universe: %d members, +%d -%d", len(members), len(added), len(removed))
	err = u.Store.FinishJob(ctx, jobID, "ok", map[string]any{
		"members": len(members),
		"added":   len(added),
		"removed": len(removed),
	})
	return added, removed, err
}

func readSnapshot(path string) ([]store.UniverseMember, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("universe: read snapshot: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return parseJSONSnapshot(data)
	}
	return parseCSVSnapshot(data)
}

func parseJSONSnapshot(data []byte) ([]store.UniverseMember, error) {
	var raw []struct {
		Code   string `json:"code"`
		Name   string `json:"name"`
		Market string `json:"market"`
		Rank   int    `json:"rank"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("universe: parse snapshot: %w", err)
	}
	members := make([]store.UniverseMember, 0, len(raw))
	for i, r := range raw {
		code := strings.TrimSpace(r.Code)
		if code == "" {
			continue
		}
		rank := r.Rank
		if rank <= 0 {
			rank = i + 1
		}
		members = append(members, store.UniverseMember{Code: code, Name: r.Name, Market: r.Market, Rank: rank})
	}
	return members, nil
}

func parseCSVSnapshot(data []byte) ([]store.UniverseMember, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	var members []store.UniverseMember
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("universe: parse snapshot: %w", err)
		}
		line++
		if len(record) == 0 {
			continue
		}
		code := strings.TrimSpace(record[0])
		// Header row or comment.
		if line == 1 && strings.EqualFold(code, "code") {
			continue
		}
		if code == "" || strings.HasPrefix(code, "#") {
			continue
		}
		m := store.UniverseMember{Code: code, Rank: len(members) + 1}
		if len(record) > 1 {
			m.Name = strings.TrimSpace(record[1])
		}
		if len(record) > 2 {
			m.Market = strings.TrimSpace(record[2])
		}
		if len(record) > 3 {
			if rank, err := strconv.Atoi(strings.TrimSpace(record[3])); err == nil && rank > 0 {
				m.Rank = rank
			}
		}
		members = append(members, m)
	}
	return members, nil
}
