package controlplane

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/export"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
)

// Export builds and validates a packet of the given kind. Tiers without the
// export feature are refused.
func (s *Service) Export(ctx context.Context, kind export.Kind) ([]byte, error) {
	if !tiers.Get(s.tier).HasFeature("export") {
		return nil, fmt.Errorf("%w: export", ErrFeatureUnavailable)
	}
	now := s.clock()

	var (
		p   *export.Packet
		err error
	)
	switch kind {
	case export.KindAudit:
		p = export.AuditPacket(s.Audit, now)
	case export.KindPolicy:
		p, err = export.PolicyPacket(s.Policy(), now)
	case export.KindUsage:
		p, err = export.UsagePacket(ctx, s.Usage, s.tier, now)
	default:
		return nil, fmt.Errorf("%w: %q", export.ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, err
	}
	data, err := export.Encode(p)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "packet exported", "kind", string(kind), "bytes", len(data))
	return data, nil
}

// ExportTo writes a packet to sink under a dated name and returns its location.
func (s *Service) ExportTo(ctx context.Context, kind export.Kind, sink export.Sink) (string, error) {
	data, err := s.Export(ctx, kind)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("steward-%s-%s.json", kind, canonicalize.DayRounded(s.clock()))
	return sink.Write(ctx, name, data)
}
