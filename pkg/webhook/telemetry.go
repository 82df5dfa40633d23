package webhook

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/antergos/antbs/pkg/entity"
	"github.com/antergos/antbs/pkg/store"
)

// Installer telemetry. Each install reports a start and later a
// result, keyed by an id we hand out, so install counts and success
// rates can be read straight from the store. None of this ever
// triggers a build.

func userTelemetryKey(ip string) string {
	return store.Key("cnchi", "user", ip)
}

func installTelemetryKey(id string) string {
	return store.Key("cnchi", "install", id)
}

func (d *Dispatcher) handleTelemetry(ctx context.Context, r *http.Request, version string) Result {
	q := r.URL.Query()
	if result := q.Get("result"); result != "" {
		id := q.Get("install_id")
		if id == "" {
			return errResult(http.StatusBadRequest, "install_id required")
		}
		return d.recordInstallEnd(ctx, r, id, result)
	}
	return d.recordInstallStart(ctx, r, version)
}

// recordInstallStart allocates an install id and stashes who is
// installing what. The id goes back to the installer so it can report
// the outcome later.
func (d *Dispatcher) recordInstallStart(ctx context.Context, r *http.Request, version string) Result {
	id, err := d.st.Incr(ctx, installIDKey)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to allocate install id")
		return errResult(http.StatusInternalServerError, "store unavailable")
	}
	installID := strconv.FormatInt(id, 10)
	clientIP := remoteHost(r)
	now := time.Now().Format(entity.TimeFmt)

	userKey := userTelemetryKey(clientIP)
	userFields := []struct{ field, val string }{
		{"ip", clientIP},
		{installID + ":start", now},
		{installID + ":cnchi", version},
	}
	for _, f := range userFields {
		if _, err := d.st.HSetNX(ctx, userKey, f.field, f.val); err != nil {
			d.logger.Error().Err(err).Msg("failed to record install start")
			return errResult(http.StatusInternalServerError, "store unavailable")
		}
	}

	fields := map[string]string{
		"id":            installID,
		"ip":            clientIP,
		"start":         now,
		"cnchi_version": version,
		"successful":    "false",
	}
	if err := d.st.HSetMap(ctx, installTelemetryKey(installID), fields); err != nil {
		d.logger.Error().Err(err).Msg("failed to record install start")
		return errResult(http.StatusInternalServerError, "store unavailable")
	}

	d.logger.Info().Str("install_id", installID).Str("version", version).Msg("install started")
	return Result{Status: http.StatusOK, Body: map[string]string{"id": installID, "ip": clientIP}}
}

// recordInstallEnd marks an install finished with the reported result.
func (d *Dispatcher) recordInstallEnd(ctx context.Context, r *http.Request, installID, result string) Result {
	clientIP := remoteHost(r)
	now := time.Now().Format(entity.TimeFmt)

	userKey := userTelemetryKey(clientIP)
	userFields := []struct{ field, val string }{
		{installID + ":end", now},
		{installID + ":successful", result},
	}
	for _, f := range userFields {
		if _, err := d.st.HSetNX(ctx, userKey, f.field, f.val); err != nil {
			d.logger.Error().Err(err).Msg("failed to record install end")
			return errResult(http.StatusInternalServerError, "store unavailable")
		}
	}

	fields := map[string]string{
		"successful": result,
		"end":        now,
	}
	if err := d.st.HSetMap(ctx, installTelemetryKey(installID), fields); err != nil {
		d.logger.Error().Err(err).Msg("failed to record install end")
		return errResult(http.StatusInternalServerError, "store unavailable")
	}

	d.logger.Info().Str("install_id", installID).Str("result", result).Msg("install finished")
	return okResult("Ok!")
}
