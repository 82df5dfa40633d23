package entity

import (
	"context"
	"errors"
	"strconv"

	"github.com/antergos/antbs/pkg/store"
)

// ServerStatus is the singleton record of what antbs is doing right now.
// Everything on it is shared across the HTTP layer and the workers, so
// every accessor goes straight to the store.
type ServerStatus struct {
	hashObject
}

// Status returns the singleton view.
func Status(st *store.Client) *ServerStatus {
	return &ServerStatus{hashObject{st: st, key: store.Key("status")}}
}

// Idle reports whether the build engine is between transactions. A
// status record that has never been written counts as idle.
func (s *ServerStatus) Idle(ctx context.Context) (bool, error) {
	raw, err := s.getStr(ctx, "idle")
	if err != nil {
		return false, err
	}
	if raw == "" {
		return true, nil
	}
	return raw == "true", nil
}

func (s *ServerStatus) CurrentStatus(ctx context.Context) (string, error) {
	return s.getStr(ctx, "current_status")
}

// SetIdle writes the (idle, current_status) pair the status stream
// watches.
func (s *ServerStatus) SetIdle(ctx context.Context, idle bool, statusMsg string) error {
	return s.st.HSetMap(ctx, s.key, map[string]string{
		"idle":           strconv.FormatBool(idle),
		"current_status": statusMsg,
	})
}

func (s *ServerStatus) SetCurrentStatus(ctx context.Context, msg string) error {
	return s.setStr(ctx, "current_status", msg)
}

func (s *ServerStatus) IsoFlag(ctx context.Context) (bool, error) {
	return s.getBool(ctx, "iso_flag")
}

func (s *ServerStatus) SetIsoFlag(ctx context.Context, v bool) error {
	return s.setBool(ctx, "iso_flag", v)
}

func (s *ServerStatus) IsoMinimal(ctx context.Context) (bool, error) {
	return s.getBool(ctx, "iso_minimal")
}

func (s *ServerStatus) SetIsoMinimal(ctx context.Context, v bool) error {
	return s.setBool(ctx, "iso_minimal", v)
}

func (s *ServerStatus) IsoBuilding(ctx context.Context) (bool, error) {
	return s.getBool(ctx, "iso_building")
}

func (s *ServerStatus) SetIsoBuilding(ctx context.Context, v bool) error {
	return s.setBool(ctx, "iso_building", v)
}

// --- now building ---

func (s *ServerStatus) PushNowBuilding(ctx context.Context, bnum int64) error {
	return s.st.RPush(ctx, s.subKey("now_building"), strconv.FormatInt(bnum, 10))
}

func (s *ServerStatus) RemoveNowBuilding(ctx context.Context, bnum int64) error {
	_, err := s.st.LRem(ctx, s.subKey("now_building"), 0, strconv.FormatInt(bnum, 10))
	return err
}

func (s *ServerStatus) NowBuilding(ctx context.Context) ([]int64, error) {
	raw, err := s.st.LRange(ctx, s.subKey("now_building"), 0, -1)
	if err != nil {
		return nil, err
	}
	return parseInts(raw), nil
}

// --- running transactions ---

func (s *ServerStatus) AddRunningTrans(ctx context.Context, tnum int64) error {
	return s.st.SAdd(ctx, s.subKey("transactions_running"), strconv.FormatInt(tnum, 10))
}

func (s *ServerStatus) RemoveRunningTrans(ctx context.Context, tnum int64) error {
	return s.st.SRem(ctx, s.subKey("transactions_running"), strconv.FormatInt(tnum, 10))
}

func (s *ServerStatus) RunningTransCount(ctx context.Context) (int64, error) {
	return s.st.SCard(ctx, s.subKey("transactions_running"))
}

// --- pending transaction queue ---

func (s *ServerStatus) PushTransaction(ctx context.Context, tnum int64) error {
	return s.st.RPush(ctx, s.subKey("transaction_queue"), strconv.FormatInt(tnum, 10))
}

// PopTransaction returns the next pending tnum or store.ErrNotFound.
func (s *ServerStatus) PopTransaction(ctx context.Context) (int64, error) {
	raw, err := s.st.LPop(ctx, s.subKey("transaction_queue"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *ServerStatus) TransactionQueue(ctx context.Context) ([]int64, error) {
	raw, err := s.st.LRange(ctx, s.subKey("transaction_queue"), 0, -1)
	if err != nil {
		return nil, err
	}
	return parseInts(raw), nil
}

func (s *ServerStatus) ClearTransactionQueue(ctx context.Context) error {
	return s.st.Delete(ctx, s.subKey("transaction_queue"))
}

// --- hook queue ---

func (s *ServerStatus) PushHook(ctx context.Context, pkgname string) error {
	return s.st.RPush(ctx, s.subKey("hook_queue"), pkgname)
}

func (s *ServerStatus) HookQueue(ctx context.Context) ([]string, error) {
	return s.st.LRange(ctx, s.subKey("hook_queue"), 0, -1)
}

// DrainHookQueue empties the hook queue and returns its entries,
// deduplicated, first occurrence first.
func (s *ServerStatus) DrainHookQueue(ctx context.Context) ([]string, error) {
	var (
		out  []string
		seen = make(map[string]bool)
	)
	for {
		name, err := s.st.LPop(ctx, s.subKey("hook_queue"))
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// --- completed / failed (capped history) ---

// AddCompleted records a passing bnum, trimming the list to limit entries.
func (s *ServerStatus) AddCompleted(ctx context.Context, bnum, limit int64) error {
	key := s.subKey("completed")
	if err := s.st.RPush(ctx, key, strconv.FormatInt(bnum, 10)); err != nil {
		return err
	}
	return s.st.LTrim(ctx, key, -limit, -1)
}

// AddFailed records a failing bnum, trimming the list to limit entries.
func (s *ServerStatus) AddFailed(ctx context.Context, bnum, limit int64) error {
	key := s.subKey("failed")
	if err := s.st.RPush(ctx, key, strconv.FormatInt(bnum, 10)); err != nil {
		return err
	}
	return s.st.LTrim(ctx, key, -limit, -1)
}

func (s *ServerStatus) Completed(ctx context.Context) ([]int64, error) {
	raw, err := s.st.LRange(ctx, s.subKey("completed"), 0, -1)
	if err != nil {
		return nil, err
	}
	return parseInts(raw), nil
}

func (s *ServerStatus) Failed(ctx context.Context) ([]int64, error) {
	raw, err := s.st.LRange(ctx, s.subKey("failed"), 0, -1)
	if err != nil {
		return nil, err
	}
	return parseInts(raw), nil
}

// CompletedSet returns completed bnums as a membership map.
func (s *ServerStatus) CompletedSet(ctx context.Context) (map[int64]bool, error) {
	bnums, err := s.Completed(ctx)
	if err != nil {
		return nil, err
	}
	return toSet(bnums), nil
}

// FailedSet returns failed bnums as a membership map.
func (s *ServerStatus) FailedSet(ctx context.Context) (map[int64]bool, error) {
	bnums, err := s.Failed(ctx)
	if err != nil {
		return nil, err
	}
	return toSet(bnums), nil
}

func toSet(ns []int64) map[int64]bool {
	m := make(map[int64]bool, len(ns))
	for _, n := range ns {
		m[n] = true
	}
	return m
}

// --- registries ---

func (s *ServerStatus) AllPackages(ctx context.Context) ([]string, error) {
	return s.st.SMembers(ctx, s.subKey("all_packages"))
}

func (s *ServerStatus) AddRepo(ctx context.Context, name string) error {
	return s.st.SAdd(ctx, s.subKey("repos"), name)
}

func (s *ServerStatus) Repos(ctx context.Context) ([]string, error) {
	return s.st.SMembers(ctx, s.subKey("repos"))
}

// SeedPaths records the filesystem layout so browse views and workers
// resolve directories from shared state, not process-local config.
func (s *ServerStatus) SeedPaths(ctx context.Context, paths map[string]string) error {
	fields := make(map[string]string, len(paths))
	for name, p := range paths {
		fields["path_"+name] = p
	}
	return s.st.HSetMap(ctx, s.key, fields)
}

func (s *ServerStatus) Path(ctx context.Context, name string) (string, error) {
	return s.getStr(ctx, "path_"+name)
}
