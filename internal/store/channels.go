package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wuzapi-bitrix-integration/internal/apperr"
	"wuzapi-bitrix-integration/internal/models"
)

// ActiveMapping returns the active mapping of an open line.
func (s *Store) ActiveMapping(ctx context.Context, tenantID int64, lineID string) (*models.ChannelMapping, error) {
	var m models.ChannelMapping
	err := s.db.GetContext(ctx, &m, s.db.Rebind(
		`SELECT id, tenant_id, line_id, instance_id, active, updated_at FROM channel_mappings
		 WHERE tenant_id = ? AND line_id = ? AND active = ?`),
		tenantID, lineID, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("channel mapping", "no active mapping for tenant %d line %s", tenantID, lineID)
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping of line %s: %w", lineID, err)
	}
	return &m, nil
}

// Mappings lists all mappings of a tenant.
func (s *Store) Mappings(ctx context.Context, tenantID int64) ([]models.ChannelMapping, error) {
	var mappings []models.ChannelMapping
	err := s.db.SelectContext(ctx, &mappings, s.db.Rebind(
		`SELECT id, tenant_id, line_id, instance_id, active, updated_at FROM channel_mappings
		 WHERE tenant_id = ? ORDER BY line_id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list mappings of tenant %d: %w", tenantID, err)
	}
	return mappings, nil
}

// SaveMapping upserts the mapping of a line. An empty instanceID keeps the
// instance already mapped.
func (s *Store) SaveMapping(ctx context.Context, tenantID int64, lineID, instanceID string, active bool) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO channel_mappings (tenant_id, line_id, instance_id, active, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, line_id) DO UPDATE SET
		   instance_id = CASE WHEN excluded.instance_id = '' THEN channel_mappings.instance_id ELSE excluded.instance_id END,
		   active = excluded.active,
		   updated_at = excluded.updated_at`),
		tenantID, lineID, instanceID, active, s.now().UTC())
	if err != nil {
		return fmt.Errorf("save mapping of line %s: %w", lineID, err)
	}
	return nil
}

// Instance loads a wuzapi instance.
func (s *Store) Instance(ctx context.Context, id string) (*models.ChannelInstance, error) {
	var inst models.ChannelInstance
	err := s.db.GetContext(ctx, &inst, s.db.Rebind(
		`SELECT id, tenant_id, name, api_token FROM channel_instances WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("channel instance", "instance %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return &inst, nil
}

// DefaultInstance returns the tenant's first instance, used when an
// activation names none.
func (s *Store) DefaultInstance(ctx context.Context, tenantID int64) (*models.ChannelInstance, error) {
	var inst models.ChannelInstance
	err := s.db.GetContext(ctx, &inst, s.db.Rebind(
		`SELECT id, tenant_id, name, api_token FROM channel_instances WHERE tenant_id = ? ORDER BY id LIMIT 1`), tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("channel instance", "tenant %d has no instance", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get default instance of tenant %d: %w", tenantID, err)
	}
	return &inst, nil
}

// SaveInstance upserts a wuzapi instance.
func (s *Store) SaveInstance(ctx context.Context, inst *models.ChannelInstance) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO channel_instances (id, tenant_id, name, api_token)
		 VALUES (:id, :tenant_id, :name, :api_token)
		 ON CONFLICT (id) DO UPDATE SET tenant_id = excluded.tenant_id, name = excluded.name, api_token = excluded.api_token`,
		inst)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.ID, err)
	}
	return nil
}
