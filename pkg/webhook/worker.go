package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/metrics"
	"github.com/antergos/antbs/pkg/queue"
)

// Event is the normalized form every accepted push reduces to,
// whatever its source. process_hook jobs carry it to the worker.
type Event struct {
	Source   string   `json:"source"`
	FullName string   `json:"full_name,omitempty"`
	Pusher   string   `json:"pusher,omitempty"`
	Packages []string `json:"packages"`
}

// HandleProcessHook is the webhook-queue op and owns every push onto
// status.hook_queue. Packages already waiting are skipped; the rest
// are registered, queued, noted on the timeline, and one handle_hook
// job asks the build engine to drain the queue.
func (d *Dispatcher) HandleProcessHook(ctx context.Context, job queue.Job) error {
	var ev Event
	if err := job.DecodeArgs(&ev); err != nil {
		return err
	}
	if len(ev.Packages) == 0 {
		return nil
	}

	status := entity.Status(d.st)
	waiting, err := status.HookQueue(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(waiting))
	for _, name := range waiting {
		seen[name] = true
	}

	var added []string
	for _, name := range ev.Packages {
		if name == "" || seen[name] {
			continue
		}
		if _, err := entity.EnsurePackage(ctx, d.st, name); err != nil {
			return err
		}
		if err := status.PushHook(ctx, name); err != nil {
			return err
		}
		seen[name] = true
		added = append(added, name)
	}
	if len(added) == 0 {
		d.logger.Debug().Str("source", ev.Source).Msg("hook packages already queued")
		return nil
	}

	tlType := entity.TLGithubHook
	msg := fmt.Sprintf("Webhook triggered by %s. Packages added to the build queue: %s.",
		sourceLabel(ev.Source), strings.Join(added, ", "))
	switch ev.Source {
	case SourceGitlab:
		tlType = entity.TLGitlabHook
	case SourceAdmin:
		tlType = entity.TLInfo
		msg = fmt.Sprintf("%s added %s to the build queue.", ev.Pusher, strings.Join(added, ", "))
	}
	if _, err := entity.NewTimelineEvent(ctx, d.st, entity.Event{
		Type:     tlType,
		Msg:      msg,
		Packages: added,
	}); err != nil {
		return err
	}

	bjob, err := queue.NewJob(queue.OpHandleHook, nil, d.cfg.Queues.BuildTimeout.Std())
	if err != nil {
		return err
	}
	if err := queue.Enqueue(ctx, d.st, queue.Transactions, bjob); err != nil {
		return err
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.Source).Inc()
	d.logger.Info().Str("source", ev.Source).Strs("packages", added).Msg("hook packages queued for build")
	return nil
}

func sourceLabel(source string) string {
	switch source {
	case SourceGitlab:
		return "Gitlab"
	case SourceMonitor:
		return "Monitor"
	default:
		return "Github"
	}
}
