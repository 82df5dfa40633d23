/*
Package webhook turns inbound HTTP pokes into build work.

The Dispatcher classifies a request in the handler goroutine and
answers immediately; everything that mutates shared build state rides a
process_hook job so the webhook worker stays the only writer of
status.hook_queue.

# Classification

Checked in order, first match wins:

	manual     phab=<n> + token matching the stored manual token;
	           replays stashed push payload n-from-the-end
	installer  cnchi=<token> + X-Cnchi-Installer header; telemetry
	           only, never builds
	gitlab     X-Gitlab-Event: Push Hook; fixed icon-theme package set
	github     caller IP inside the hooks CIDR list from the vendor
	           meta endpoint (cached with a TTL); ping answered
	           inline, push parsed for changed PKGBUILDs

Anything else is acknowledged with a shrug and dropped.

# From push to build

A push reduces to an Event: source plus the package names whose
PKGBUILD changed (parent dir of the touched path). The worker dedupes
against what is already hook-queued, registers the packages, pushes
them onto status.hook_queue, records a timeline entry and enqueues one
handle_hook job for the build engine to drain the queue.

The numix-icon-theme source is throttled to one accepted push per
window; pushes inside the window are acknowledged but dropped. Pushes
made by the build server's own account are ignored, or every release
commit would trigger a rebuild of itself.

The upstream monitor feeds detected changes through the same worker
path with source "monitor", and admin rebuild actions arrive with
source "admin", so polling, pushing and clicking converge before any
state is touched.
*/
package webhook
