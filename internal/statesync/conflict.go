package statesync

import (
	"fmt"

	"github.com/aetherflow/collabsync/internal/ot"
)

// toResolutions 将变换过程中被改写的客户端操作记录为自动解决的冲突
func toResolutions(conflicts []ot.Conflict) []ConflictResolution {
	if len(conflicts) == 0 {
		return nil
	}
	out := make([]ConflictResolution, 0, len(conflicts))
	for _, c := range conflicts {
		resolved := c.Transformed
		out = append(out, ConflictResolution{
			Type:              ResolutionAutoResolved,
			Description:       fmt.Sprintf("%s rewritten to %s against concurrent %s", c.Original, c.Transformed, c.Against),
			OriginalOperation: c.Original,
			ResolvedOperation: &resolved,
		})
	}
	return out
}

// formatConflicts flags client format operations whose range was edited
// concurrently. Formatting is not transformed, so these need a human.
func formatConflicts(clientOps, serverOps []ot.Operation) []ConflictResolution {
	var out []ConflictResolution
	for _, c := range clientOps {
		if c.Type != ot.TypeFormat || c.Length <= 0 {
			continue
		}
		for _, s := range serverOps {
			if !touches(c, s) {
				continue
			}
			out = append(out, ConflictResolution{
				Type:              ResolutionManualRequired,
				Description:       fmt.Sprintf("%s overlaps concurrent %s", c, s),
				OriginalOperation: c,
			})
			break
		}
	}
	return out
}

// touches reports whether server edits text inside the range of format.
func touches(format, server ot.Operation) bool {
	switch server.Type {
	case ot.TypeInsert:
		return server.Position > format.Position && server.Position < format.End()
	case ot.TypeDelete:
		return server.Length > 0 && server.Position < format.End() && format.Position < server.End()
	default:
		return false
	}
}
