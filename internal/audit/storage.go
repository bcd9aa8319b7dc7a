package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/webphone/internal/config"
	"github.com/dennisdiepolder/monti/webphone/internal/types"
)

// Store persists audit and call records
type Store interface {
	SaveRecord(ctx context.Context, rec types.AuditRecord) error
	SaveCall(ctx context.Context, rec types.CallRecord) error
	Records(ctx context.Context, dateKey string) ([]types.AuditRecord, error)
	Calls(ctx context.Context, dateKey, memberID string) ([]types.CallRecord, error)
}

// NoopStore is used when persistence is disabled
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (s *NoopStore) SaveRecord(_ context.Context, _ types.AuditRecord) error { return nil }
func (s *NoopStore) SaveCall(_ context.Context, _ types.CallRecord) error    { return nil }
func (s *NoopStore) Records(_ context.Context, _ string) ([]types.AuditRecord, error) {
	return nil, nil
}
func (s *NoopStore) Calls(_ context.Context, _, _ string) ([]types.CallRecord, error) {
	return nil, nil
}

// NewStore creates the appropriate store based on configuration
func NewStore(ctx context.Context, cfg config.DynamoConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Mode {
	case config.DynamoModeLocal, config.DynamoModeAWS:
		return NewDynamoDBStore(ctx, cfg, logger)
	default:
		logger.Info().Msg("audit persistence disabled (DYNAMO_MODE=none)")
		return NewNoopStore(), nil
	}
}
