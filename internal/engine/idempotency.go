package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"afu/internal/domain"
)

// evidenceKeyIdempotency is the evidence field carrying the idempotency key.
const evidenceKeyIdempotency = "idempotency_key"

// idempotencyKey derives a stable key for a mutating operation: identical
// inputs always produce the same key, so a retried invocation can recognize
// its own earlier success in the audit trail.
func idempotencyKey(workItemID, operation, specMD, disambiguator string) string {
	specSum := sha256.Sum256([]byte(specMD))
	seed := fmt.Sprintf("%s|%s|%s|%s", workItemID, operation, hex.EncodeToString(specSum[:]), disambiguator)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// priorSuccess scans the most recent run steps for this work item for a
// SUCCEEDED step carrying the same idempotency key. Found means the real
// side effect already happened; callers must not repeat it.
func (e Engine) priorSuccess(ctx context.Context, workItemID, key string) (*domain.RunStep, error) {
	steps, err := e.Repo.ListRecentSteps(ctx, workItemID, 100)
	if err != nil {
		return nil, fmt.Errorf("scan run steps: %w", err)
	}
	for i := range steps {
		step := &steps[i]
		if step.Status == domain.StepSucceeded && step.Evidence[evidenceKeyIdempotency] == key {
			return step, nil
		}
	}
	return nil, nil
}
