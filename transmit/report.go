package transmit

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/deliciousbrains/mergebot/capture"
)

// InsertReporter sends the auto-increment ids a committed deployment
// produced back to the authority, then clears the local mappings.
type InsertReporter struct {
	store  *capture.Store
	client *Client
}

func NewInsertReporter(store *capture.Store, client *Client) *InsertReporter {
	return &InsertReporter{store: store, client: client}
}

// Report transmits the stored replayed-id mappings for one changeset.
// Mappings with a zero deployed id and the on-duplicate-key flag are
// dropped: those statements updated an existing row instead of inserting,
// so there is no new id to report.
func (r *InsertReporter) Report(ctx context.Context, changesetID int64) error {
	var mappings, err = r.store.DeploymentInserts(ctx)
	if err != nil {
		return err
	}

	var payloads = make([]InsertPayload, 0, len(mappings))
	for _, mapping := range mappings {
		if mapping.DeployedID == 0 && mapping.IsOnDuplicateKey {
			continue
		}
		payloads = append(payloads, InsertPayload{
			QueryID:    mapping.QueryID,
			DeployedID: mapping.DeployedID,
		})
	}

	if len(payloads) > 0 {
		if err := r.client.PostDeploymentInserts(ctx, changesetID, payloads); err != nil {
			return fmt.Errorf("changeset %d: %w", changesetID, err)
		}
	}
	if err := r.store.DeleteDeploymentInserts(ctx); err != nil {
		return err
	}
	log.WithFields(log.Fields{"changeset": changesetID, "inserts": len(payloads)}).
		Info("reported deployment inserts")
	return nil
}
