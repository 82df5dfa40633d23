package entity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/antergos/antbs/pkg/store"
)

// Timeline event types. The type plus the structured fields carry the
// meaning; rendering is the view layer's problem.
const (
	TLInfo       = 0 // admin actions, notices
	TLGithubHook = 1
	TLGitlabHook = 2
	TLBuildStart = 3
	TLBuildPass  = 4
	TLBuildFail  = 5
)

// Event describes a timeline entry to record.
type Event struct {
	Type       int
	Msg        string
	Pkgname    string
	Packages   []string
	Bnum       int64
	Tnum       int64
	VersionStr string
}

// TimelineEvent is one recorded entry.
type TimelineEvent struct {
	hashObject
	EventID int64
}

func timelineKey(id int64) string {
	return store.Key("timeline", strconv.FormatInt(id, 10))
}

// NewTimelineEvent allocates an event id, stores the entry and indexes
// it; package-scoped events are also linked from the package record.
func NewTimelineEvent(ctx context.Context, st *store.Client, ev Event) (*TimelineEvent, error) {
	id, err := nextEventID(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate event id: %w", err)
	}

	e := &TimelineEvent{
		hashObject: hashObject{st: st, key: timelineKey(id)},
		EventID:    id,
	}

	now := time.Now()
	fields := map[string]string{
		"event_id":    strconv.FormatInt(id, 10),
		"tl_type":     strconv.Itoa(ev.Type),
		"msg":         ev.Msg,
		"pkgname":     ev.Pkgname,
		"bnum":        strconv.FormatInt(ev.Bnum, 10),
		"tnum":        strconv.FormatInt(ev.Tnum, 10),
		"version_str": ev.VersionStr,
		"date_str":    now.Format(TimeFmt),
		"timestamp":   strconv.FormatInt(now.Unix(), 10),
	}
	if err := st.HSetMap(ctx, e.key, fields); err != nil {
		return nil, fmt.Errorf("failed to create timeline event: %w", err)
	}

	if len(ev.Packages) > 0 {
		if err := st.RPush(ctx, e.subKey("packages"), ev.Packages...); err != nil {
			return nil, err
		}
	}
	if err := st.RPush(ctx, timelineIndex, strconv.FormatInt(id, 10)); err != nil {
		return nil, err
	}
	if ev.Pkgname != "" {
		if err := Pkg(st, ev.Pkgname).AddTimelineEvent(ctx, id); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// GetTimelineEvent returns the entry for id or store.ErrNotFound.
func GetTimelineEvent(ctx context.Context, st *store.Client, id int64) (*TimelineEvent, error) {
	e := &TimelineEvent{
		hashObject: hashObject{st: st, key: timelineKey(id)},
		EventID:    id,
	}
	raw, err := e.getStr(ctx, "event_id")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, fmt.Errorf("timeline event %d: %w", id, store.ErrNotFound)
	}
	return e, nil
}

func (e *TimelineEvent) Type(ctx context.Context) (int, error) {
	n, err := e.getInt(ctx, "tl_type")
	return int(n), err
}

func (e *TimelineEvent) Msg(ctx context.Context) (string, error) {
	return e.getStr(ctx, "msg")
}

func (e *TimelineEvent) Pkgname(ctx context.Context) (string, error) {
	return e.getStr(ctx, "pkgname")
}

func (e *TimelineEvent) Packages(ctx context.Context) ([]string, error) {
	return e.st.LRange(ctx, e.subKey("packages"), 0, -1)
}

func (e *TimelineEvent) Bnum(ctx context.Context) (int64, error) {
	return e.getInt(ctx, "bnum")
}

func (e *TimelineEvent) Timestamp(ctx context.Context) (time.Time, error) {
	n, err := e.getInt(ctx, "timestamp")
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}

// RecentEvents returns the newest n timeline entries, newest last.
func RecentEvents(ctx context.Context, st *store.Client, n int64) ([]*TimelineEvent, error) {
	ids, err := st.LRange(ctx, timelineIndex, -n, -1)
	if err != nil {
		return nil, err
	}
	out := make([]*TimelineEvent, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, &TimelineEvent{
			hashObject: hashObject{st: st, key: timelineKey(id)},
			EventID:    id,
		})
	}
	return out, nil
}
