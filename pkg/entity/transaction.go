package entity

import (
	"context"
	"fmt"
	"strconv"

	"github.com/antergos/antbs/pkg/store"
)

// Transaction origins. Monitor and admin triggered builds go through
// the hook queue, so their transactions carry OriginHook.
const (
	OriginHook   = "hook"
	OriginManual = "manual"
	OriginISO    = "iso"
)

// Transaction is one batch of packages moving through the build engine.
// The packages list is fixed at creation; build order and results
// accumulate while the engine runs it.
type Transaction struct {
	hashObject
	Tnum int64
}

func transKey(tnum int64) string {
	return store.Key("trans", strconv.FormatInt(tnum, 10))
}

// NewTransaction allocates a tnum and stores the package list. Order is
// preserved and duplicates are dropped, first occurrence wins.
func NewTransaction(ctx context.Context, st *store.Client, packages []string, origin string) (*Transaction, error) {
	if len(packages) == 0 {
		return nil, fmt.Errorf("transaction needs at least one package")
	}

	tnum, err := NextTnum(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate tnum: %w", err)
	}

	t := &Transaction{
		hashObject: hashObject{st: st, key: transKey(tnum)},
		Tnum:       tnum,
	}

	fields := map[string]string{
		"tnum":        strconv.FormatInt(tnum, 10),
		"origin":      origin,
		"is_running":  "false",
		"is_finished": "false",
	}
	if err := st.HSetMap(ctx, t.key, fields); err != nil {
		return nil, fmt.Errorf("failed to create transaction %d: %w", tnum, err)
	}

	seen := make(map[string]bool, len(packages))
	for _, p := range packages {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if err := st.RPush(ctx, t.subKey("packages"), p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// GetTransaction returns the record for tnum or store.ErrNotFound.
func GetTransaction(ctx context.Context, st *store.Client, tnum int64) (*Transaction, error) {
	t := &Transaction{
		hashObject: hashObject{st: st, key: transKey(tnum)},
		Tnum:       tnum,
	}
	raw, err := t.getStr(ctx, "tnum")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("transaction %d: %w", tnum, store.ErrNotFound)
	}
	return t, nil
}

// Packages returns the package names in insertion order.
func (t *Transaction) Packages(ctx context.Context) ([]string, error) {
	return t.st.LRange(ctx, t.subKey("packages"), 0, -1)
}

func (t *Transaction) Origin(ctx context.Context) (string, error) {
	return t.getStr(ctx, "origin")
}

func (t *Transaction) IsRunning(ctx context.Context) (bool, error) {
	return t.getBool(ctx, "is_running")
}

func (t *Transaction) IsFinished(ctx context.Context) (bool, error) {
	return t.getBool(ctx, "is_finished")
}

// Building is the pkgname currently being built, empty between builds.
func (t *Transaction) Building(ctx context.Context) (string, error) {
	return t.getStr(ctx, "building")
}

func (t *Transaction) SetBuilding(ctx context.Context, pkgname string) error {
	return t.setStr(ctx, "building", pkgname)
}

// Path is the transaction's working directory. The dir is removed at
// teardown; the field keeps the last location for inspection.
func (t *Transaction) Path(ctx context.Context) (string, error) {
	return t.getStr(ctx, "path")
}

func (t *Transaction) ResultDir(ctx context.Context) (string, error) {
	return t.getStr(ctx, "result_dir")
}

func (t *Transaction) SetDirs(ctx context.Context, path, resultDir string) error {
	return t.st.HSetMap(ctx, t.key, map[string]string{
		"path":       path,
		"result_dir": resultDir,
	})
}

// MarkStarted flips the transaction into its running state.
func (t *Transaction) MarkStarted(ctx context.Context) error {
	return t.st.HSetMap(ctx, t.key, map[string]string{
		"is_running": "true",
		"start_str":  nowStr(),
	})
}

// MarkFinished flips the transaction into its terminal state.
func (t *Transaction) MarkFinished(ctx context.Context) error {
	return t.st.HSetMap(ctx, t.key, map[string]string{
		"is_running":  "false",
		"is_finished": "true",
		"building":    "",
		"end_str":     nowStr(),
	})
}

// SetQueue persists the computed build order.
func (t *Transaction) SetQueue(ctx context.Context, order []string) error {
	key := t.subKey("queue")
	if err := t.st.Delete(ctx, key); err != nil {
		return err
	}
	return t.st.RPush(ctx, key, order...)
}

// PopQueue removes and returns the next pkgname to build, or
// store.ErrNotFound when the queue is empty.
func (t *Transaction) PopQueue(ctx context.Context) (string, error) {
	return t.st.LPop(ctx, t.subKey("queue"))
}

func (t *Transaction) Queue(ctx context.Context) ([]string, error) {
	return t.st.LRange(ctx, t.subKey("queue"), 0, -1)
}

func (t *Transaction) AddBuild(ctx context.Context, bnum int64) error {
	return t.st.RPush(ctx, t.subKey("builds"), strconv.FormatInt(bnum, 10))
}

func (t *Transaction) Builds(ctx context.Context) ([]int64, error) {
	raw, err := t.st.LRange(ctx, t.subKey("builds"), 0, -1)
	if err != nil {
		return nil, err
	}
	return parseInts(raw), nil
}

func (t *Transaction) AddCompleted(ctx context.Context, bnum int64) error {
	return t.st.RPush(ctx, t.subKey("completed"), strconv.FormatInt(bnum, 10))
}

func (t *Transaction) Completed(ctx context.Context) ([]int64, error) {
	raw, err := t.st.LRange(ctx, t.subKey("completed"), 0, -1)
	if err != nil {
		return nil, err
	}
	return parseInts(raw), nil
}

func (t *Transaction) AddFailed(ctx context.Context, bnum int64) error {
	return t.st.RPush(ctx, t.subKey("failed"), strconv.FormatInt(bnum, 10))
}

func (t *Transaction) Failed(ctx context.Context) ([]int64, error) {
	raw, err := t.st.LRange(ctx, t.subKey("failed"), 0, -1)
	if err != nil {
		return nil, err
	}
	return parseInts(raw), nil
}
