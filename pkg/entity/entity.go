package entity

import (
	"context"
	"strconv"
	"time"

	"github.com/antergos/antbs/pkg/store"
)

// TimeFmt is the timestamp format used for the human-facing *_str fields.
const TimeFmt = "01/02/2006 03:04PM"

func nowStr() string {
	return time.Now().Format(TimeFmt)
}

// hashObject is the shared base of every store-backed entity. Scalar
// fields are hash fields of the object key; list and set fields hang off
// sub-keys (<key>:<field>). Nothing is cached: each accessor hits the
// store, so concurrent workers always see live state.
type hashObject struct {
	st  *store.Client
	key string
}

func (h hashObject) subKey(field string) string {
	return h.key + ":" + field
}

func (h hashObject) getStr(ctx context.Context, field string) (string, error) {
	return h.st.HGet(ctx, h.key, field)
}

func (h hashObject) setStr(ctx context.Context, field, val string) error {
	return h.st.HSet(ctx, h.key, field, val)
}

func (h hashObject) getInt(ctx context.Context, field string) (int64, error) {
	raw, err := h.st.HGet(ctx, h.key, field)
	if err != nil || raw == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (h hashObject) setInt(ctx context.Context, field string, val int64) error {
	return h.st.HSet(ctx, h.key, field, strconv.FormatInt(val, 10))
}

func (h hashObject) getBool(ctx context.Context, field string) (bool, error) {
	raw, err := h.st.HGet(ctx, h.key, field)
	if err != nil || raw == "" {
		return false, err
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, err
	}
	return b, nil
}

func (h hashObject) setBool(ctx context.Context, field string, val bool) error {
	return h.st.HSet(ctx, h.key, field, strconv.FormatBool(val))
}

func (h hashObject) getFloat(ctx context.Context, field string) (float64, error) {
	raw, err := h.st.HGet(ctx, h.key, field)
	if err != nil || raw == "" {
		return 0, err
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return f, nil
}

func (h hashObject) setFloat(ctx context.Context, field string, val float64) error {
	return h.st.HSet(ctx, h.key, field, strconv.FormatFloat(val, 'f', 1, 64))
}

// Counter keys.
var (
	tnumCounter    = store.Key("misc", "tnum", "next")
	bnumCounter    = store.Key("misc", "bnum", "next")
	eventIDCounter = store.Key("misc", "event_id", "next")
	timelineIndex  = store.Key("misc", "timeline")
)

// NextTnum allocates a transaction number.
func NextTnum(ctx context.Context, st *store.Client) (int64, error) {
	return st.Incr(ctx, tnumCounter)
}

// NextBnum allocates a build number.
func NextBnum(ctx context.Context, st *store.Client) (int64, error) {
	return st.Incr(ctx, bnumCounter)
}

func nextEventID(ctx context.Context, st *store.Client) (int64, error) {
	return st.Incr(ctx, eventIDCounter)
}
