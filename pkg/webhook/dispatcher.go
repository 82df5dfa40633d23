package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/antergos/antbs/pkg/config"
	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/log"
	"github.com/antergos/antbs/pkg/queue"
	"github.com/antergos/antbs/pkg/store"
)

// Event sources.
const (
	SourceGithub  = "github"
	SourceGitlab  = "gitlab"
	SourceMonitor = "monitor"

	// SourceAdmin marks events raised from the admin API (rebuild,
	// build-now, rerun). They ride the same worker so the hook queue
	// keeps its single writer.
	SourceAdmin = "admin"
)

// maxPayloadBytes bounds an inbound hook body. Push payloads for the
// packaging repo run a few KB; a megabyte is already absurd.
const maxPayloadBytes = 1 << 20

var (
	manualTokenKey  = store.Key("auth", "manual_token")
	cnchiTokenKey   = store.Key("auth", "cnchi_token")
	payloadIndexKey = store.Key("github", "payloads", "index")
	numixFlagKey    = store.Key("misc", "numix_commit_flag")
	metaBlocksKey   = store.Key("github", "hook_ip_blocks")
	installIDKey    = store.Key("cnchi", "install_id", "next")
)

func payloadStashKey(stamp string) string {
	return store.Key("github", "payloads", stamp)
}

// Result is the dispatcher's answer, ready for the HTTP layer to
// encode.
type Result struct {
	Status int
	Body   map[string]string
}

func okResult(msg string) Result {
	return Result{Status: http.StatusOK, Body: map[string]string{"msg": msg}}
}

func errResult(status int, msg string) Result {
	return Result{Status: status, Body: map[string]string{"msg": msg}}
}

// Dispatcher classifies inbound hook requests. Accepted pushes become
// process_hook jobs; the dispatcher itself never touches build state,
// so a flood of hooks costs the server nothing but queue entries.
type Dispatcher struct {
	st      *store.Client
	cfg     *config.Config
	httpc   *http.Client
	metaURL string
	logger  zerolog.Logger
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(st *store.Client, cfg *config.Config) *Dispatcher {
	return &Dispatcher{
		st:      st,
		cfg:     cfg,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		metaURL: "https://api.github.com/meta",
		logger:  log.WithComponent("webhook"),
	}
}

// Handle classifies one request and returns the response to send.
// Classification order matters: a manual trigger and an installer
// ping both arrive without vendor headers, so they are ruled out
// before the origin checks.
func (d *Dispatcher) Handle(ctx context.Context, r *http.Request) Result {
	if idx := d.manualIndex(ctx, r); idx > 0 {
		return d.replayStashed(ctx, idx)
	}
	if ver := d.installerVersion(ctx, r); ver != "" {
		return d.handleTelemetry(ctx, r, ver)
	}
	if r.Header.Get("X-Gitlab-Event") == "Push Hook" {
		return d.handleGitlab(ctx)
	}
	return d.handleGithub(ctx, r)
}

// manualIndex returns the payload replay index for an authenticated
// manual trigger, zero otherwise. The token compare is constant-time.
func (d *Dispatcher) manualIndex(ctx context.Context, r *http.Request) int {
	idx, err := strconv.Atoi(r.URL.Query().Get("phab"))
	if err != nil || idx <= 0 {
		return 0
	}
	want, err := d.st.GetString(ctx, manualTokenKey)
	if err != nil || want == "" {
		return 0
	}
	got := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return 0
	}
	return idx
}

// installerVersion returns the installer version header for an
// authenticated telemetry request, empty otherwise.
func (d *Dispatcher) installerVersion(ctx context.Context, r *http.Request) string {
	tok := r.URL.Query().Get("cnchi")
	if tok == "" {
		return ""
	}
	want, err := d.st.GetString(ctx, cnchiTokenKey)
	if err != nil || want == "" {
		return ""
	}
	if subtle.ConstantTimeCompare([]byte(tok), []byte(want)) != 1 {
		return ""
	}
	return r.Header.Get("X-Cnchi-Installer")
}

// handleGitlab accepts a push from the gitlab side. Only the icon
// theme projects live there, so the package set is fixed.
func (d *Dispatcher) handleGitlab(ctx context.Context) Result {
	return d.accept(ctx, Event{
		Source:   SourceGitlab,
		FullName: "Antergos/antergos-packages",
		Packages: []string{"numix-icon-theme-square", "numix-icon-theme-square-kde"},
	})
}

func (d *Dispatcher) handleGithub(ctx context.Context, r *http.Request) Result {
	ok, err := d.fromGithub(ctx, r)
	if err != nil {
		d.logger.Error().Err(err).Msg("github origin check failed")
		return errResult(http.StatusInternalServerError, "origin check failed")
	}
	if !ok {
		return okResult("Nothing to see here, move along ...")
	}

	switch r.Header.Get("X-GitHub-Event") {
	case "push":
	case "ping":
		return okResult("Hi!")
	default:
		return okResult("wrong event type")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return errResult(http.StatusBadRequest, "unreadable payload")
	}
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return errResult(http.StatusBadRequest, "bad payload")
	}

	if err := d.stashPayload(ctx, body); err != nil {
		d.logger.Warn().Err(err).Msg("failed to stash hook payload")
	}

	return d.processPush(ctx, payload)
}

// pushPayload is the slice of a push event the dispatcher cares about.
type pushPayload struct {
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits []pushCommit `json:"commits"`
}

type pushCommit struct {
	Modified []string `json:"modified"`
	Added    []string `json:"added"`
}

func (d *Dispatcher) processPush(ctx context.Context, payload pushPayload) Result {
	ev := Event{
		Source:   SourceGithub,
		FullName: payload.Repository.FullName,
		Pusher:   payload.Pusher.Name,
	}

	switch {
	case payload.Repository.Name == "numix-icon-theme":
		set, err := d.st.SetNX(ctx, numixFlagKey, "true", d.cfg.Webhook.NumixWindow.Std())
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to check numix rate flag")
			return errResult(http.StatusInternalServerError, "store unavailable")
		}
		if !set {
			d.logger.Info().Msg("rate limit in effect for numix-icon-theme")
			return okResult("RATE LIMIT IN EFFECT FOR numix-icon-theme")
		}
		ev.Packages = []string{"numix-icon-theme"}

	case payload.Repository.Name == "cnchi-dev":
		ev.Packages = []string{"cnchi-dev"}

	case payload.Pusher.Name == d.cfg.Webhook.SelfAccount:
		// Our own release pushes must not rebuild themselves.
		return okResult("OK!")

	default:
		ev.Packages = packagesFromCommits(payload.Commits)
	}

	if len(ev.Packages) == 0 {
		return okResult("OK!")
	}
	return d.accept(ctx, ev)
}

// replayStashed re-runs a stashed push payload. The index counts from
// the newest stash backwards, matching how operators read the list.
func (d *Dispatcher) replayStashed(ctx context.Context, idx int) Result {
	keys, err := d.st.LRange(ctx, payloadIndexKey, int64(-idx), int64(-idx))
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read payload index")
		return errResult(http.StatusInternalServerError, "store unavailable")
	}
	if len(keys) == 0 {
		return errResult(http.StatusInternalServerError, "no stashed payload at that index")
	}

	raw, err := d.st.HGet(ctx, keys[0], "payload")
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to read stashed payload")
		return errResult(http.StatusInternalServerError, "store unavailable")
	}
	if raw == "" {
		return errResult(http.StatusInternalServerError, "stashed payload expired")
	}

	var payload pushPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return errResult(http.StatusInternalServerError, "stashed payload unparseable")
	}

	pkgs := packagesFromCommits(payload.Commits)
	if len(pkgs) == 0 {
		return okResult("OK!")
	}
	d.logger.Info().Int("index", idx).Strs("packages", pkgs).Msg("replaying stashed payload")
	return d.accept(ctx, Event{
		Source:   SourceGithub,
		FullName: payload.Repository.FullName,
		Packages: pkgs,
	})
}

// stashPayload keeps the raw payload around for manual replay. Keys
// carry a minute timestamp; collisions inside a minute get a numeric
// suffix like the payload views expect.
func (d *Dispatcher) stashPayload(ctx context.Context, body []byte) error {
	key := payloadStashKey(time.Now().Format("01022006-0304"))
	exists, err := d.st.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		for i := 1; i < 5; i++ {
			alt := fmt.Sprintf("%s:%d", key, i)
			taken, err := d.st.Exists(ctx, alt)
			if err != nil {
				return err
			}
			if !taken {
				key = alt
				break
			}
		}
	}

	fields := map[string]string{
		"payload":  string(body),
		"received": time.Now().Format(entity.TimeFmt),
	}
	if err := d.st.HSetMap(ctx, key, fields); err != nil {
		return err
	}
	if err := d.st.RPush(ctx, payloadIndexKey, key); err != nil {
		return err
	}
	_, err = d.st.Expire(ctx, key, d.cfg.Webhook.PayloadTTL.Std())
	return err
}

// packagesFromCommits maps changed paths to package names: a touched
// PKGBUILD means the package in its parent directory needs a rebuild.
// The ISO recipe is skipped; ISOs build through releases, not pushes.
func packagesFromCommits(commits []pushCommit) []string {
	seen := make(map[string]bool)
	var pkgs []string

	add := func(path string) {
		if !strings.Contains(path, "PKGBUILD") {
			return
		}
		slash := strings.LastIndex(path, "/")
		if slash < 0 {
			return
		}
		dir := path[:slash]
		if i := strings.LastIndex(dir, "/"); i >= 0 {
			dir = dir[i+1:]
		}
		if dir == "" || dir == "antergos-iso" || seen[dir] {
			return
		}
		seen[dir] = true
		pkgs = append(pkgs, dir)
	}

	for _, c := range commits {
		for _, path := range c.Modified {
			add(path)
		}
		for _, path := range c.Added {
			add(path)
		}
	}
	return pkgs
}

func (d *Dispatcher) accept(ctx context.Context, ev Event) Result {
	if err := d.enqueueProcess(ctx, ev); err != nil {
		d.logger.Error().Err(err).Str("source", ev.Source).Msg("failed to enqueue hook event")
		return errResult(http.StatusInternalServerError, "queue unavailable")
	}
	return okResult("OK!")
}

// enqueueProcess hands the event to the webhook worker, the sole
// writer of status.hook_queue.
func (d *Dispatcher) enqueueProcess(ctx context.Context, ev Event) error {
	job, err := queue.NewJob(queue.OpProcessHook, ev, d.cfg.Queues.WebhookTimeout.Std())
	if err != nil {
		return err
	}
	return queue.Enqueue(ctx, d.st, queue.Webhook, job)
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
