package controlplane

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/executor"
)

var ErrStorageQuota = errors.New("controlplane: stored item quota reached")

// storedDelta is how many locally stored items each side effect adds.
var storedDelta = map[contracts.SideEffectType]int64{
	contracts.EffectEmailDraft:     1,
	contracts.EffectCalendarCreate: 1,
	contracts.EffectCalendarDelete: -1,
	contracts.EffectTaskCreate:     1,
	contracts.EffectMemoryWrite:    1,
}

// localHandlers registers an on-device handler for every side effect. They
// keep no content: each returns an opaque reference and updates the stored
// item count against the tier quota.
func (s *Service) localHandlers() (*executor.Registry, error) {
	reg := executor.NewRegistry()
	for _, effect := range contracts.AllSideEffectTypes() {
		if err := reg.Register(effect, s.localHandler(effect), false); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (s *Service) localHandler(effect contracts.SideEffectType) executor.Handler {
	delta := storedDelta[effect]
	return executor.HandlerFunc(func(ctx context.Context, req executor.Request) (executor.Outcome, error) {
		if delta != 0 {
			d, err := s.Usage.TryAdjustStoredItems(ctx, s.tier, delta)
			if err != nil {
				return executor.Outcome{}, err
			}
			if !d.Allowed {
				return executor.Outcome{}, ErrStorageQuota
			}
		}
		ref := uuid.NewString()
		s.logger.DebugContext(ctx, "local side effect applied", "proposal_id", req.ProposalID, "effect", effect, "ref", ref)
		return executor.Outcome{Ref: ref}, nil
	})
}
