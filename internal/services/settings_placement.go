package services

import (
	"context"

	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
	"wuzapi-bitrix-integration/internal/queue"
)

// SettingsPlacement applies a connector activation change from the open
// line settings page and records the line's mapping.
func (s *Service) SettingsPlacement(ctx context.Context, p queue.SettingsPlacement) queue.Result {
	tenant, err := s.store.Tenant(ctx, p.MemberID, p.Domain)
	if err != nil {
		return queue.Fail(err)
	}
	instanceID, err := s.placementInstance(ctx, tenant, p)
	if err != nil {
		return queue.Fail(err)
	}
	if instanceID == "" && p.Active {
		return queue.Fail(apperr.NotFound("settings placement", "tenant %d has no channel instance for line %s", tenant.ID, p.LineID))
	}

	pt, err := s.openPortal(ctx, tenant)
	if err != nil {
		return queue.Fail(err)
	}
	connector := s.connectorID(tenant)
	err = pt.call(ctx, func(endpoint, token string) error {
		return s.bitrix.ActivateConnector(ctx, endpoint, token, connector, p.LineID, p.Active)
	})
	if err != nil {
		return queue.Fail(err)
	}
	if p.Active {
		url := s.handlerURL(tenant)
		data := bitrix.ConnectorData{ID: connector, URL: url, URLIM: url, Name: s.opts.ConnectorName}
		err = pt.call(ctx, func(endpoint, token string) error {
			return s.bitrix.SetConnectorData(ctx, endpoint, token, connector, p.LineID, data)
		})
		if err != nil {
			return queue.Fail(err)
		}
	}

	if instanceID == "" {
		log.Info().Int64("tenantID", tenant.ID).Str("lineID", p.LineID).Msg("Connector deactivated for unmapped line")
		return queue.Processed()
	}
	if err := s.store.SaveMapping(ctx, tenant.ID, p.LineID, instanceID, p.Active); err != nil {
		return queue.Fail(err)
	}
	log.Info().
		Int64("tenantID", tenant.ID).
		Str("lineID", p.LineID).
		Str("instanceID", instanceID).
		Bool("active", p.Active).
		Msg("Connector activation applied")
	return queue.Processed()
}

// placementInstance picks the instance for the line: the one named by the
// placement, then the one already mapped, then the tenant's first. An empty
// result means the tenant has no instance at all.
func (s *Service) placementInstance(ctx context.Context, tenant *models.Tenant, p queue.SettingsPlacement) (string, error) {
	if p.InstanceID != "" {
		inst, err := s.store.Instance(ctx, p.InstanceID)
		if err != nil {
			return "", err
		}
		if inst.TenantID != tenant.ID {
			return "", apperr.Validation("settings placement", "instance %s does not belong to tenant %d", inst.ID, tenant.ID)
		}
		return inst.ID, nil
	}
	mappings, err := s.store.Mappings(ctx, tenant.ID)
	if err != nil {
		return "", err
	}
	for _, m := range mappings {
		if m.LineID == p.LineID {
			return m.InstanceID, nil
		}
	}
	inst, err := s.store.DefaultInstance(ctx, tenant.ID)
	if apperr.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return inst.ID, nil
}
