package services

import (
	"context"
	"fmt"
	neturl "net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/queue"
)

// RequiredEvents are the event subscriptions the integration needs.
var RequiredEvents = []string{
	"ONIMCONNECTORMESSAGEADD",
	"ONIMCONNECTORSTATUSDELETE",
	"ONIMBOTMESSAGEADD",
	"ONIMBOTJOINCHAT",
}

// SettingsPlacementCode is the open line settings placement.
const SettingsPlacementCode = "SETTING_CONNECTOR"

// RebindTally counts what a rebind changed. Errors holds one entry per
// failed step; the rebind continues past them.
type RebindTally struct {
	Unbound int      `json:"unbound"`
	Bound   int      `json:"bound"`
	Errors  []string `json:"errors,omitempty"`
}

func (t *RebindTally) fail(step string, err error) {
	t.Errors = append(t.Errors, fmt.Sprintf("%s: %v", step, err))
}

func (t RebindTally) String() string {
	return fmt.Sprintf("unbound=%d bound=%d errors=%d", t.Unbound, t.Bound, len(t.Errors))
}

// Rebind moves the tenant's event subscriptions and placements from
// p.OldURL to p.NewURL. Only failures that stop every step (unknown tenant,
// no usable token) are returned as errors.
func (s *Service) Rebind(ctx context.Context, p queue.AdminRebind) (RebindTally, error) {
	var tally RebindTally
	tenant, err := s.store.Tenant(ctx, p.MemberID, p.Domain)
	if err != nil {
		return tally, err
	}
	oldURL := p.OldURL
	if oldURL == "" {
		oldURL = tenant.HandlerURL
	}
	pt, err := s.openPortal(ctx, tenant)
	if err != nil {
		return tally, err
	}
	logger := log.With().Int64("tenantID", tenant.ID).Str("oldURL", oldURL).Str("newURL", p.NewURL).Logger()

	var events []bitrix.EventBinding
	err = pt.call(ctx, func(endpoint, token string) error {
		var listErr error
		events, listErr = s.bitrix.BoundEvents(ctx, endpoint, token)
		return listErr
	})
	if err != nil {
		tally.fail("event.get", err)
	}
	for _, ev := range events {
		if !sameHandler(ev.Handler, oldURL) {
			continue
		}
		err := pt.call(ctx, func(endpoint, token string) error {
			return s.bitrix.UnbindEvent(ctx, endpoint, token, ev.Event, ev.Handler)
		})
		if err != nil {
			tally.fail("event.unbind "+ev.Event, err)
			continue
		}
		tally.Unbound++
	}
	for _, event := range RequiredEvents {
		err := pt.call(ctx, func(endpoint, token string) error {
			return s.bitrix.BindEvent(ctx, endpoint, token, event, p.NewURL)
		})
		if err != nil && !bitrix.IsAlreadyBound(err) {
			tally.fail("event.bind "+event, err)
			continue
		}
		tally.Bound++
	}

	var placements []bitrix.PlacementBinding
	err = pt.call(ctx, func(endpoint, token string) error {
		var listErr error
		placements, listErr = s.bitrix.Placements(ctx, endpoint, token)
		return listErr
	})
	if err != nil {
		tally.fail("placement.get", err)
	}
	for _, pl := range placements {
		if !sameHandler(pl.Handler, oldURL) {
			continue
		}
		err := pt.call(ctx, func(endpoint, token string) error {
			return s.bitrix.UnbindPlacement(ctx, endpoint, token, pl.Placement, pl.Handler)
		})
		if err != nil {
			tally.fail("placement.unbind "+pl.Placement, err)
			continue
		}
		tally.Unbound++
	}
	placement := bitrix.PlacementBinding{Placement: SettingsPlacementCode, Handler: p.NewURL, Title: s.opts.ConnectorName}
	err = pt.call(ctx, func(endpoint, token string) error {
		return s.bitrix.BindPlacement(ctx, endpoint, token, placement)
	})
	if err != nil && !bitrix.IsAlreadyBound(err) {
		tally.fail("placement.bind "+SettingsPlacementCode, err)
	} else {
		tally.Bound++
	}

	reg := bitrix.ConnectorRegistration{ID: s.connectorID(tenant), Name: s.opts.ConnectorName, PlacementHandler: p.NewURL}
	err = pt.call(ctx, func(endpoint, token string) error {
		return s.bitrix.RegisterConnector(ctx, endpoint, token, reg)
	})
	if err != nil {
		tally.fail("imconnector.register", err)
	}

	if err := s.store.MarkMigrated(ctx, tenant, p.NewURL, s.now().UTC()); err != nil {
		tally.fail("mark migrated", err)
	}

	if len(tally.Errors) > 0 {
		logger.Warn().Strs("errors", tally.Errors).Int("unbound", tally.Unbound).Int("bound", tally.Bound).Msg("Rebind finished with errors")
	} else {
		logger.Info().Int("unbound", tally.Unbound).Int("bound", tally.Bound).Msg("Rebind finished")
	}
	return tally, nil
}

// adminRebindEvent runs a queued rebind. The event fails only when no step
// succeeded; partial progress completes it with the tally as the reason.
func (s *Service) adminRebindEvent(ctx context.Context, p queue.AdminRebind) queue.Result {
	tally, err := s.Rebind(ctx, p)
	if err != nil {
		return queue.Fail(err)
	}
	if len(tally.Errors) > 0 && tally.Unbound == 0 && tally.Bound == 0 {
		return queue.Fail(apperr.Transient("admin rebind", "no step succeeded: %s", strings.Join(tally.Errors, "; ")))
	}
	return queue.Result{Outcome: queue.OutcomeProcessed, Reason: tally.String()}
}

// sameHandler reports whether handler points at url. Scheme and host are
// compared case-insensitively; query, fragment and a trailing slash are
// ignored.
func sameHandler(handler, url string) bool {
	if url == "" {
		return false
	}
	return normalizeHandler(handler) == normalizeHandler(url)
}

func normalizeHandler(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := neturl.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	u.RawQuery, u.Fragment = "", ""
	u.Scheme, u.Host = strings.ToLower(u.Scheme), strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}
