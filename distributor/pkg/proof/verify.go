package proof

import (
	"errors"
	"fmt"

	"github.com/ideepx/proofengine/distributor/pkg/contentstore"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
)

var ErrVerificationFailed = errors.New("proof verification failed")

// Verify checks a published document against its proof record: the content
// hash, the locator digest, the week, the anchored totals and the snapshot's
// own checksums. It needs nothing but the two inputs.
func Verify(doc []byte, rec Record) (*snapshot.Snapshot, error) {
	if rec.Locator != "" {
		if err := contentstore.VerifyDigest(contentstore.Locator(rec.Locator), doc); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
		}
	}
	if err := checkDocument(doc, rec); err != nil {
		return nil, err
	}
	return snapshot.Decode(doc)
}

func checkDocument(doc []byte, rec Record) error {
	if hash := snapshot.ContentHash(doc); hash != rec.ContentHash {
		return fmt.Errorf("%w: content hash %s does not match record %s", ErrVerificationFailed, hash, rec.ContentHash)
	}
	s, err := snapshot.Decode(doc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if s.WeekNumber != rec.Week {
		return fmt.Errorf("%w: document is for week %d, record for week %d", ErrVerificationFailed, s.WeekNumber, rec.Week)
	}
	if err := snapshot.Validate(s); err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	totals := s.Totals()
	if totals.Users != rec.TotalUsers ||
		!totals.Commissions.Equal(rec.TotalCommissions) ||
		!totals.Profits.Equal(rec.TotalProfits) {
		return fmt.Errorf("%w: document totals do not match the anchored commitment", ErrVerificationFailed)
	}
	if rec.RulebookHash != "" && s.Rulebook.ContentHash != rec.RulebookHash {
		return fmt.Errorf("%w: rulebook hash mismatch", ErrVerificationFailed)
	}
	return nil
}
